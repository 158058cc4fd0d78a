// Package judge scores one scenario execution through the judge agent:
// verdict extraction from free-form output, one in-session repair retry,
// and a typed invalid verdict when no machine-parseable JSON arrives.
package judge

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/agent"
	"github.com/danielpatrickdp/evoloop/internal/contract"
	"github.com/danielpatrickdp/evoloop/internal/probe"
	"github.com/danielpatrickdp/evoloop/internal/runlog"
	"github.com/danielpatrickdp/evoloop/internal/runner"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
)

// #endregion imports

// #region types

// Dimensions are the judged score axes, in display order.
var Dimensions = []string{"diachronic", "synchronic", "governance", "realism", "skill_alignment"}

const (
	scoreTimeout  = 60 * time.Second
	repairTimeout = 45 * time.Second

	// commandPreviewLimit / messagePreviewLimit bound the evaluation payload
	// so long traces cannot blow the judge context.
	commandPreviewLimit = 80
	messagePreviewLimit = 8
)

const repairPrompt = "Your previous output was not machine-parseable JSON. " +
	"Return only one strict JSON object that matches the required schema. " +
	"Do not ask questions. No markdown. " +
	"If uncertain, provide best-effort numeric estimates.\n\n" +
	"Previous output:\n"

// AgentClient is the slice of the agent surface the judge needs.
type AgentClient interface {
	Run(ctx context.Context, msg agent.Message) (agent.RunEvents, error)
}

// Verdict is one judge assessment. Invalid marks the typed default used when
// the judge never produced a schema-conformant payload.
type Verdict struct {
	Overall      float64            `json:"overall"`
	Dimensions   map[string]float64 `json:"dimensions"`
	HardFailures []string           `json:"hard_failures"`
	Violations   []string           `json:"violations"`
	Strengths    []string           `json:"strengths"`
	NextFocus    []string           `json:"next_focus"`
	Confidence   float64            `json:"confidence"`

	Invalid bool `json:"-"`
}

// InvalidVerdict is the deterministic stand-in for an unparseable judge run.
func InvalidVerdict() Verdict {
	return Verdict{
		Dimensions:   zeroDimensions(),
		HardFailures: []string{"judge_response_not_json"},
		Violations:   []string{"Judge did not return machine-parseable JSON."},
		Strengths:    []string{},
		NextFocus:    []string{"Improve judge prompt and output strict JSON only."},
		Invalid:      true,
	}
}

// Judge binds the judge agent role to its evaluation contract.
type Judge struct {
	Client     AgentClient
	Contract   string
	SkillPaths []string
}

// New returns a judge for one run.
func New(client AgentClient, contractText string, skillPaths []string) *Judge {
	return &Judge{
		Client:     client,
		Contract:   contractText,
		SkillPaths: append([]string{}, skillPaths...),
	}
}

// #endregion types

// #region score

// Score asks the judge agent to assess one execution against the probe
// facts. Unparseable output degrades to InvalidVerdict; only artifact I/O
// or a failed agent spawn abort.
func (j *Judge) Score(ctx context.Context, execution runner.Execution, report probe.Report, artifactDir string) (Verdict, error) {
	prompt, err := j.buildPrompt(execution, report)
	if err != nil {
		return Verdict{}, fmt.Errorf("judge prompt: %w", err)
	}

	run, err := j.Client.Run(ctx, agent.Message{
		Prompt:  prompt,
		Title:   fmt.Sprintf("judge-%s-epoch-%d", execution.Scenario.ID, execution.Epoch),
		Timeout: scoreTimeout,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge run: %w", err)
	}

	joined := strings.Join(run.Texts, "\n")
	verdict, ok := parseVerdict(joined)
	if !ok && run.SessionID != "" {
		repair, rerr := j.Client.Run(ctx, agent.Message{
			Prompt:    repairPrompt + joined,
			SessionID: run.SessionID,
			Timeout:   repairTimeout,
		})
		if rerr != nil {
			return Verdict{}, fmt.Errorf("judge repair run: %w", rerr)
		}
		repairedText := strings.Join(repair.Texts, "\n")
		if repaired, rok := parseVerdict(repairedText); rok {
			joined = joined + "\n" + repairedText
			verdict, ok = repaired, true
		}
	}
	if !ok {
		verdict = InvalidVerdict()
	}

	artifact := map[string]any{
		"raw_text":   joined,
		"parsed":     verdict,
		"session_id": run.SessionID,
		"stdout":     run.Stdout,
		"stderr":     run.Stderr,
		"exit_code":  run.ExitCode,
	}
	if err := runlog.WriteJSON(filepath.Join(artifactDir, "judge-result.json"), artifact); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// parseVerdict extracts and schema-validates one verdict from agent text.
func parseVerdict(text string) (Verdict, bool) {
	raw, ok := contract.ExtractJSON(text)
	if !ok {
		return Verdict{}, false
	}
	if err := contract.ValidateVerdict(raw); err != nil {
		return Verdict{}, false
	}
	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return Verdict{}, false
	}
	return normalizeVerdict(verdict), true
}

// normalizeVerdict pins the dimension map to the canonical axes and makes
// every list non-nil so downstream appends and artifacts stay stable.
func normalizeVerdict(v Verdict) Verdict {
	dims := zeroDimensions()
	for _, key := range Dimensions {
		if value, present := v.Dimensions[key]; present {
			dims[key] = value
		}
	}
	v.Dimensions = dims
	if v.HardFailures == nil {
		v.HardFailures = []string{}
	}
	if v.Violations == nil {
		v.Violations = []string{}
	}
	if v.Strengths == nil {
		v.Strengths = []string{}
	}
	if v.NextFocus == nil {
		v.NextFocus = []string{}
	}
	return v
}

func zeroDimensions() map[string]float64 {
	dims := make(map[string]float64, len(Dimensions))
	for _, key := range Dimensions {
		dims[key] = 0
	}
	return dims
}

// #endregion score

// #region prompt

// promptScenario and promptPayload pin the JSON field order of the
// evaluation payload shown to the judge.
type promptScenario struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	ComplexityMode  string   `json:"complexity_mode"`
	Difficulty      int      `json:"difficulty"`
	SuccessCriteria []string `json:"success_criteria"`
	Tags            []string `json:"tags"`
}

type promptPayload struct {
	Scenario          promptScenario `json:"scenario"`
	MemoryRoot        string         `json:"memory_root"`
	SessionID         string         `json:"session_id"`
	CommandTrace      []string       `json:"command_trace"`
	AssistantMessages []string       `json:"assistant_messages"`
	Probe             probe.Report   `json:"probe"`
	ArtifactDir       string         `json:"artifact_dir"`
}

func (j *Judge) buildPrompt(execution runner.Execution, report probe.Report) (string, error) {
	manifest := make([]string, 0, len(j.SkillPaths))
	for _, path := range j.SkillPaths {
		manifest = append(manifest, "- "+path)
	}
	header := scenario.RenderText(j.Contract, map[string]string{
		"skill_manifest": strings.Join(manifest, "\n"),
	})

	sc := execution.Scenario
	payload := promptPayload{
		Scenario: promptScenario{
			ID:              sc.ID,
			Title:           sc.Title,
			Description:     sc.Description,
			ComplexityMode:  string(sc.ComplexityMode),
			Difficulty:      sc.Difficulty,
			SuccessCriteria: emptyIfNil(sc.SuccessCriteria),
			Tags:            emptyIfNil(sc.Tags),
		},
		MemoryRoot:        execution.MemoryRoot,
		SessionID:         execution.SessionID,
		CommandTrace:      tail(execution.CommandTrace, commandPreviewLimit),
		AssistantMessages: tail(execution.AssistantMessages, messagePreviewLimit),
		Probe:             report,
		ArtifactDir:       execution.ArtifactDir,
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\nEvaluation payload:\n%s", header, encoded), nil
}

func tail(items []string, n int) []string {
	if len(items) > n {
		items = items[len(items)-n:]
	}
	return append([]string{}, items...)
}

func emptyIfNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// #endregion prompt
