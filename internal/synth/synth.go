// Package synth generates per-epoch scenarios through the synthesizer
// agent role and normalizes them into pool-ready form. Unusable agent
// output always degrades to zero scenarios, never to an error that would
// stop the run.
package synth

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/agent"
	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/contract"
	"github.com/danielpatrickdp/evoloop/internal/runlog"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
	"github.com/danielpatrickdp/evoloop/internal/snapshot"
)

// #endregion imports

// #region types

const (
	synthesizeTimeout = 60 * time.Second
	repairTimeout     = 45 * time.Second

	idLimit = 96
)

const repairPrompt = "Your previous output was not strict JSON. " +
	"Return one JSON object with key 'scenarios' only. " +
	"No markdown, no questions.\n\n" +
	"Previous output:\n"

// continuationTurns pad a too-short candidate up to the minimum turn count.
var continuationTurns = []string{
	"[[NEW_SESSION]] Continue from the persisted memory state without asking to restate known context.",
	"Close this scenario with governance checks and a clean handoff.",
}

// defaultCriteria stand in when a candidate names no success criteria.
var defaultCriteria = []string{
	"Behavior should remain filesystem-native and auditable.",
	"Conflicts and continuity gaps should be explicit.",
	"Scenario should end with clear next-action continuity.",
}

var slugPattern = regexp.MustCompile("[^a-z0-9]+")

// AgentClient is the slice of the agent surface the synthesizer needs.
type AgentClient interface {
	Run(ctx context.Context, msg agent.Message) (agent.RunEvents, error)
}

// Synthesizer binds the synthesizer agent role to the generation bounds.
type Synthesizer struct {
	Client     AgentClient
	Config     config.SynthesisConfig
	Contract   string
	SkillPaths []string
}

// New returns a synthesizer for one run.
func New(client AgentClient, cfg config.SynthesisConfig, contractText string, skillPaths []string) *Synthesizer {
	return &Synthesizer{
		Client:     client,
		Config:     cfg,
		Contract:   contractText,
		SkillPaths: append([]string{}, skillPaths...),
	}
}

// Request carries everything one synthesis call needs.
type Request struct {
	Epoch          int
	Partition      scenario.Partition
	Count          int
	BaseScenarios  []scenario.Scenario
	RecentFailures []snapshot.Failure
	ArtifactDir    string
	Project        string
	Scope          string
}

// synthesisContext pins the JSON field order of the synthesis context.
type synthesisContext struct {
	Epoch          int                  `json:"epoch"`
	Partition      string               `json:"partition"`
	Project        string               `json:"project"`
	Scope          string               `json:"scope"`
	BaseScenarios  []scenario.Scenario  `json:"base_scenarios"`
	RecentFailures []snapshot.Failure   `json:"recent_failures"`
	Constraints    synthesisConstraints `json:"constraints"`
}

type synthesisConstraints struct {
	MinTurns      int `json:"min_turns"`
	MaxTurns      int `json:"max_turns"`
	MaxDifficulty int `json:"max_difficulty"`
}

// #endregion types

// #region synthesize

// Synthesize asks the synthesizer agent for req.Count new scenarios for
// one partition. Non-JSON output gets one in-session repair retry;
// candidates that still fail the synthesis contract are skipped. The
// attempt and its outcome are always recorded as an epoch artifact.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) ([]scenario.Scenario, error) {
	if !s.Config.Enabled || req.Count <= 0 {
		return nil, nil
	}

	prompt, err := s.buildPrompt(req)
	if err != nil {
		return nil, fmt.Errorf("synthesizer prompt: %w", err)
	}
	run, err := s.Client.Run(ctx, agent.Message{
		Prompt:  prompt,
		Title:   fmt.Sprintf("synth-%s-epoch-%d", req.Partition, req.Epoch),
		Timeout: synthesizeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesizer run: %w", err)
	}

	rawText := strings.Join(run.Texts, "\n")
	payload := decodePayload(rawText)
	if payload == nil && run.SessionID != "" {
		repair, rerr := s.Client.Run(ctx, agent.Message{
			Prompt:    repairPrompt + rawText,
			SessionID: run.SessionID,
			Timeout:   repairTimeout,
		})
		if rerr != nil {
			return nil, fmt.Errorf("synthesizer repair run: %w", rerr)
		}
		repairedText := strings.Join(repair.Texts, "\n")
		if repaired := decodePayload(repairedText); repaired != nil {
			rawText = rawText + "\n" + repairedText
			payload = repaired
		}
	}

	normalized := make([]scenario.Scenario, 0, req.Count)
	for index, candidate := range extractCandidates(payload) {
		sc, ok := s.normalizeCandidate(candidate, req.Epoch, req.Partition, index)
		if !ok {
			continue
		}
		normalized = append(normalized, sc)
		if len(normalized) >= req.Count {
			break
		}
	}

	artifact := map[string]any{
		"epoch":      req.Epoch,
		"partition":  string(req.Partition),
		"requested":  req.Count,
		"generated":  len(normalized),
		"raw_text":   rawText,
		"payload":    payload,
		"scenarios":  normalized,
		"session_id": run.SessionID,
		"exit_code":  run.ExitCode,
	}
	name := fmt.Sprintf("synthetic-%s.json", req.Partition)
	if err := runlog.WriteJSON(filepath.Join(req.ArtifactDir, name), artifact); err != nil {
		return nil, err
	}
	return normalized, nil
}

func (s *Synthesizer) buildPrompt(req Request) (string, error) {
	header := scenario.RenderText(s.Contract, map[string]string{
		"skill_manifest": bulletList(s.SkillPaths),
		"partition":      string(req.Partition),
		"count":          strconv.Itoa(req.Count),
		"project":        req.Project,
		"scope":          req.Scope,
	})

	base := req.BaseScenarios
	if base == nil {
		base = []scenario.Scenario{}
	}
	failures := req.RecentFailures
	if failures == nil {
		failures = []snapshot.Failure{}
	}
	payload := synthesisContext{
		Epoch:          req.Epoch,
		Partition:      string(req.Partition),
		Project:        req.Project,
		Scope:          req.Scope,
		BaseScenarios:  base,
		RecentFailures: failures,
		Constraints: synthesisConstraints{
			MinTurns:      s.Config.MinTurns,
			MaxTurns:      s.Config.MaxTurns,
			MaxDifficulty: s.Config.MaxDifficulty,
		},
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\nSynthesis context:\n%s", header, encoded), nil
}

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

// #endregion synthesize

// #region normalize

// decodePayload pulls the first JSON value out of agent text. A nil return
// means the text carried no decodable JSON at all.
func decodePayload(text string) any {
	raw, ok := contract.ExtractJSON(text)
	if !ok {
		return nil
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil
	}
	return payload
}

// extractCandidates accepts the three shapes agents produce: an object
// with a "scenarios" array, one bare scenario object, or a bare array.
func extractCandidates(payload any) []map[string]any {
	switch typed := payload.(type) {
	case map[string]any:
		if scenarios, ok := typed["scenarios"].([]any); ok {
			return objectItems(scenarios)
		}
		return []map[string]any{typed}
	case []any:
		return objectItems(typed)
	default:
		return nil
	}
}

func objectItems(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if object, ok := item.(map[string]any); ok {
			out = append(out, object)
		}
	}
	return out
}

// normalizeCandidate gates one candidate through the synthesis contract
// and rewrites it into pool form: stable synthetic id, difficulty clamped
// into configured bounds, turns padded to the minimum and capped at the
// maximum, default criteria when absent, tags merged with the synthetic
// markers.
func (s *Synthesizer) normalizeCandidate(raw map[string]any, epoch int, partition scenario.Partition, index int) (scenario.Scenario, bool) {
	encoded, err := json.Marshal([]map[string]any{raw})
	if err != nil || contract.ValidateSynthesis(encoded) != nil {
		return scenario.Scenario{}, false
	}

	title := stringOrDefault(raw["title"], fmt.Sprintf("Synthetic %s scenario %d", partition, index+1))
	description := stringOrDefault(raw["description"],
		fmt.Sprintf("Synthetic %s scenario generated for epoch %d.", partition, epoch))
	difficulty := clampInt(raw["difficulty"], 1, s.Config.MaxDifficulty)

	turns := stringItems(raw["turns"])
	if len(turns) < s.Config.MinTurns {
		turns = append(turns, continuationTurns...)
	}
	if len(turns) > s.Config.MaxTurns {
		turns = turns[:s.Config.MaxTurns]
	}

	criteria := stringItems(raw["success_criteria"])
	if len(criteria) == 0 {
		criteria = append([]string{}, defaultCriteria...)
	}

	tags := append(stringItems(raw["tags"]), "synthetic", string(partition))
	seen := make(map[string]bool, len(tags))
	deduped := make([]string, 0, len(tags))
	for _, tag := range tags {
		if seen[tag] {
			continue
		}
		seen[tag] = true
		deduped = append(deduped, tag)
	}
	sort.Strings(deduped)

	slug := slugify(stringOrDefault(raw["id"], title))
	id := fmt.Sprintf("synth_%s_e%d_%d_%s", partition, epoch, index+1, slug)
	if len(id) > idLimit {
		id = id[:idLimit]
	}

	return scenario.Scenario{
		ID:              id,
		Title:           title,
		Description:     description,
		ComplexityMode:  normalizeComplexity(raw["complexity_mode"]),
		Difficulty:      difficulty,
		Turns:           turns,
		SuccessCriteria: criteria,
		Tags:            deduped,
		Weights:         numericWeights(raw["weights"]),
		Metadata: map[string]any{
			"synthetic": true,
			"partition": string(partition),
			"epoch":     epoch,
		},
	}, true
}

func normalizeComplexity(value any) scenario.ComplexityMode {
	text, _ := value.(string)
	switch scenario.ComplexityMode(strings.ToLower(strings.TrimSpace(text))) {
	case scenario.ModeDiachronic:
		return scenario.ModeDiachronic
	case scenario.ModeSynchronic:
		return scenario.ModeSynchronic
	default:
		return scenario.ModeMixed
	}
}

func stringOrDefault(value any, fallback string) string {
	text, _ := value.(string)
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		return trimmed
	}
	return fallback
}

// stringItems keeps string entries that carry non-blank content,
// preserving their original spelling and order.
func stringItems(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		text, ok := item.(string)
		if !ok || strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, text)
	}
	return out
}

func slugify(value string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	lowered = strings.Trim(slugPattern.ReplaceAllString(lowered, "-"), "-")
	if lowered == "" {
		return "scenario"
	}
	return lowered
}

func clampInt(value any, minimum, maximum int) int {
	parsed := minimum
	if number, ok := value.(float64); ok {
		parsed = int(number)
	}
	if parsed < minimum {
		return minimum
	}
	if parsed > maximum {
		return maximum
	}
	return parsed
}

// numericWeights keeps numeric weight entries, accepting numbers and
// number-shaped strings.
func numericWeights(value any) map[string]float64 {
	object, ok := value.(map[string]any)
	if !ok || len(object) == 0 {
		return nil
	}
	weights := make(map[string]float64, len(object))
	for key, entry := range object {
		switch typed := entry.(type) {
		case float64:
			weights[key] = typed
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64); err == nil {
				weights[key] = parsed
			}
		}
	}
	if len(weights) == 0 {
		return nil
	}
	return weights
}

// #endregion normalize
