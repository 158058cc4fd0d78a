// Package contract validates every external JSON boundary exactly once.
// Payloads that pass come back fully typed; internal logic never re-checks
// shapes the schema already guaranteed.
package contract

// #region imports
import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// #endregion imports

// #region schemas

const scenarioSchemaJSON = `{
	"type": "object",
	"required": ["id", "title", "description", "complexity_mode", "difficulty", "turns", "success_criteria"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"complexity_mode": {"enum": ["diachronic", "synchronic", "mixed"]},
		"difficulty": {"type": "integer", "minimum": 1},
		"turns": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
		"success_criteria": {"type": "array", "items": {"type": "string"}},
		"tags": {"type": "array", "items": {"type": "string"}},
		"weights": {"type": "object", "additionalProperties": {"type": "number"}},
		"metadata": {"type": "object"}
	},
	"additionalProperties": false
}`

const proposalSchemaJSON = `{
	"type": "object",
	"required": ["rationale", "expected_effect", "operations"],
	"properties": {
		"rationale": {"type": "string"},
		"expected_effect": {"type": "string"},
		"operations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["op", "path"],
				"properties": {
					"op": {"enum": ["write_file", "replace_text", "insert_after", "insert_before", "append_text"]},
					"path": {"type": "string", "minLength": 1},
					"find": {"type": "string"},
					"replace": {"type": "string"},
					"anchor": {"type": "string"},
					"text": {"type": "string"},
					"content": {"type": "string"}
				}
			}
		}
	}
}`

const verdictSchemaJSON = `{
	"type": "object",
	"required": ["overall", "dimensions"],
	"properties": {
		"overall": {"type": "number", "minimum": 0, "maximum": 100},
		"dimensions": {
			"type": "object",
			"required": ["diachronic", "synchronic", "governance", "realism", "skill_alignment"],
			"properties": {
				"diachronic": {"type": "number", "minimum": 0, "maximum": 100},
				"synchronic": {"type": "number", "minimum": 0, "maximum": 100},
				"governance": {"type": "number", "minimum": 0, "maximum": 100},
				"realism": {"type": "number", "minimum": 0, "maximum": 100},
				"skill_alignment": {"type": "number", "minimum": 0, "maximum": 100}
			}
		},
		"hard_failures": {"type": "array", "items": {"type": "string"}},
		"violations": {"type": "array", "items": {"type": "string"}},
		"strengths": {"type": "array", "items": {"type": "string"}},
		"next_focus": {"type": "array", "items": {"type": "string"}},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

const synthesisSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["title", "turns"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"complexity_mode": {"type": "string"},
			"difficulty": {"type": "integer"},
			"turns": {"type": "array", "items": {"type": "string"}, "minItems": 1},
			"success_criteria": {"type": "array", "items": {"type": "string"}},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}
}`

var (
	scenarioSchema  = mustCompile("scenario.schema.json", scenarioSchemaJSON)
	proposalSchema  = mustCompile("proposal.schema.json", proposalSchemaJSON)
	verdictSchema   = mustCompile("verdict.schema.json", verdictSchemaJSON)
	synthesisSchema = mustCompile("synthesis.schema.json", synthesisSchemaJSON)
)

func mustCompile(name, raw string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// #endregion schemas

// #region validate

// ValidateScenario checks one scenario file payload. Scenario files are
// operator-authored, so unknown keys are rejected by the schema itself.
func ValidateScenario(raw []byte) error {
	return validate(scenarioSchema, raw, "scenario")
}

// ValidateProposal checks a mutation proposal payload from the agent.
func ValidateProposal(raw []byte) error {
	return validate(proposalSchema, raw, "proposal")
}

// ValidateVerdict checks a judge verdict payload from the agent.
func ValidateVerdict(raw []byte) error {
	return validate(verdictSchema, raw, "verdict")
}

// ValidateSynthesis checks a synthesized-scenario array payload.
func ValidateSynthesis(raw []byte) error {
	return validate(synthesisSchema, raw, "synthesis")
}

func validate(schema *jsonschema.Schema, raw []byte, kind string) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%s payload: %w", kind, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%s payload: %w", kind, err)
	}
	return nil
}

// #endregion validate

// #region decode

// DecodeStrict unmarshals into target rejecting unknown fields and trailing
// content. Used for operator-authored files after schema validation.
func DecodeStrict(raw []byte, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return fmt.Errorf("unexpected trailing JSON payload")
	}
	return nil
}

// #endregion decode

// #region extract

// ExtractJSON pulls the first JSON document out of free-form agent text.
// Tries, in order: the whole text, a ```json fenced block, the first
// balanced brace span, the first balanced bracket span.
func ExtractJSON(text string) ([]byte, bool) {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return nil, false
	}

	if json.Valid([]byte(stripped)) {
		return []byte(stripped), true
	}

	if block, ok := fencedJSON(stripped); ok && json.Valid(block) {
		return block, true
	}

	if span, ok := balancedSpan(stripped, '{', '}'); ok && json.Valid(span) {
		return span, true
	}
	if span, ok := balancedSpan(stripped, '[', ']'); ok && json.Valid(span) {
		return span, true
	}
	return nil, false
}

// fencedJSON returns the contents of the first ```json fenced block.
func fencedJSON(text string) ([]byte, bool) {
	const fence = "```"
	start := strings.Index(text, fence)
	for start != -1 {
		open := start + len(fence)
		rel := strings.Index(text[open:], fence)
		if rel == -1 {
			return nil, false
		}
		end := open + rel
		block := text[open:end]
		if strings.HasPrefix(block, "json") {
			return []byte(strings.TrimSpace(block[4:])), true
		}
		after := end + len(fence)
		rel = strings.Index(text[after:], fence)
		if rel == -1 {
			return nil, false
		}
		start = after + rel
	}
	return nil, false
}

// balancedSpan returns the first balanced opener..closer span.
func balancedSpan(text string, opener, closer byte) ([]byte, bool) {
	start := strings.IndexByte(text, opener)
	if start == -1 {
		return nil, false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return []byte(text[start : i+1]), true
			}
		}
	}
	return nil, false
}

// #endregion extract
