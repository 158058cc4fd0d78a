// Package mutation turns failure evidence into one bounded edit per epoch:
// it prompts the mutator agent for a proposal, applies it transactionally
// under the path policy, and can synthesize a deterministic reinforcement
// patch when the agent produces nothing usable.
package mutation

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
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

// Source records where a proposal came from.
type Source string

const (
	SourceAgent         Source = "agent"
	SourceReinforcement Source = "reinforcement"
)

// Operation is one bounded edit against the policy artifact. Optional
// fields are pointers because absence and the empty string differ: an
// empty replace is a valid deletion, an absent one is a contract error.
type Operation struct {
	Op      string  `json:"op"`
	Path    string  `json:"path"`
	Find    *string `json:"find"`
	Replace *string `json:"replace"`
	Anchor  *string `json:"anchor"`
	Text    *string `json:"text"`
	Content *string `json:"content"`
}

// Proposal is one candidate mutation, either parsed from the mutator
// agent or built deterministically from recent failure themes.
type Proposal struct {
	Rationale      string      `json:"rationale"`
	ExpectedEffect string      `json:"expected_effect"`
	Operations     []Operation `json:"operations"`

	RawResponse string `json:"-"`
	Source      Source `json:"-"`
}

// AgentClient is the slice of the agent surface the mutator needs.
type AgentClient interface {
	Run(ctx context.Context, msg agent.Message) (agent.RunEvents, error)
}

// Mutator binds the mutator agent role to the mutation path policy.
type Mutator struct {
	Client        AgentClient
	WorkspaceRoot string
	Config        config.MutationConfig
	Contract      string
	SkillPaths    []string
}

// New returns a mutator for one run.
func New(client AgentClient, workspaceRoot string, cfg config.MutationConfig, contractText string, skillPaths []string) *Mutator {
	return &Mutator{
		Client:        client,
		WorkspaceRoot: workspaceRoot,
		Config:        cfg,
		Contract:      contractText,
		SkillPaths:    append([]string{}, skillPaths...),
	}
}

// #endregion types

// #region propose

const (
	proposeTimeout = 600 * time.Second
	repairTimeout  = 120 * time.Second
)

const repairPrompt = "Your previous output was not a machine-parseable proposal. " +
	"Return only one strict JSON object with rationale, expected_effect, and operations. " +
	"Do not ask questions. No markdown.\n\n" +
	"Previous output:\n"

// proposalContext pins the JSON field order of the mutation context.
type proposalContext struct {
	Epoch           int                `json:"epoch"`
	BaselineSummary map[string]any     `json:"baseline_summary"`
	RecentFailures  []snapshot.Failure `json:"recent_failures"`
}

// Propose asks the mutator agent for one bounded proposal. Unusable agent
// output gets one in-session repair retry, then degrades to the
// deterministic reinforcement path. A nil proposal with a nil error means
// this epoch mutates nothing.
func (m *Mutator) Propose(ctx context.Context, epoch int, baselineSummary map[string]any, recentFailures []snapshot.Failure, artifactDir string) (*Proposal, error) {
	if !m.Config.Enabled {
		return nil, nil
	}

	prompt, err := m.buildPrompt(epoch, baselineSummary, recentFailures)
	if err != nil {
		return nil, fmt.Errorf("mutator prompt: %w", err)
	}
	run, err := m.Client.Run(ctx, agent.Message{
		Prompt:  prompt,
		Title:   fmt.Sprintf("mutator-epoch-%d", epoch),
		Timeout: proposeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("mutator run: %w", err)
	}

	rawText := strings.Join(run.Texts, "\n")
	last := run
	proposal, payload := parseProposal(rawText, m.Config.MaxOperations)
	if proposal == nil && payload == nil && run.SessionID != "" {
		repair, rerr := m.Client.Run(ctx, agent.Message{
			Prompt:    repairPrompt + rawText,
			SessionID: run.SessionID,
			Timeout:   repairTimeout,
		})
		if rerr != nil {
			return nil, fmt.Errorf("mutator repair run: %w", rerr)
		}
		repairedText := strings.Join(repair.Texts, "\n")
		if repaired, rpayload := parseProposal(repairedText, m.Config.MaxOperations); repaired != nil || rpayload != nil {
			rawText = rawText + "\n" + repairedText
			last = repair
			proposal, payload = repaired, rpayload
		}
	}

	if proposal != nil {
		if err := m.writeProposalArtifact(artifactDir, proposal, rawText, last.SessionID); err != nil {
			return nil, err
		}
		return proposal, nil
	}

	if payload == nil {
		artifact := map[string]any{
			"error":     "mutator did not return JSON",
			"raw_text":  rawText,
			"stdout":    last.Stdout,
			"stderr":    last.Stderr,
			"exit_code": last.ExitCode,
		}
		if err := runlog.WriteJSON(filepath.Join(artifactDir, "mutation-proposal-invalid.json"), artifact); err != nil {
			return nil, err
		}
	} else {
		artifact := map[string]any{
			"raw_text": rawText,
			"payload":  payload,
		}
		if err := runlog.WriteJSON(filepath.Join(artifactDir, "mutation-proposal-empty.json"), artifact); err != nil {
			return nil, err
		}
	}

	fallback, err := m.reinforce(recentFailures)
	if err != nil {
		return nil, err
	}
	if fallback == nil {
		return nil, nil
	}
	if err := m.writeProposalArtifact(artifactDir, fallback, "", ""); err != nil {
		return nil, err
	}
	return fallback, nil
}

// parseProposal extracts and schema-validates one proposal from agent
// text. A nil payload means the text was not valid proposal JSON; a nil
// proposal with a payload means no usable operations survived filtering.
func parseProposal(text string, maxOperations int) (*Proposal, map[string]any) {
	raw, ok := contract.ExtractJSON(text)
	if !ok {
		return nil, nil
	}
	if err := contract.ValidateProposal(raw); err != nil {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
		return nil, nil
	}
	var wire Proposal
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, nil
	}

	operations := make([]Operation, 0, len(wire.Operations))
	for _, op := range wire.Operations {
		op.Op = strings.TrimSpace(op.Op)
		op.Path = strings.TrimSpace(op.Path)
		if op.Op == "" || op.Path == "" {
			continue
		}
		operations = append(operations, op)
	}
	if len(operations) == 0 {
		return nil, payload
	}
	if maxOperations >= 0 && len(operations) > maxOperations {
		operations = operations[:maxOperations]
	}

	return &Proposal{
		Rationale:      wire.Rationale,
		ExpectedEffect: wire.ExpectedEffect,
		Operations:     operations,
		RawResponse:    text,
		Source:         SourceAgent,
	}, payload
}

func (m *Mutator) writeProposalArtifact(artifactDir string, proposal *Proposal, rawText, sessionID string) error {
	artifact := map[string]any{
		"proposal": map[string]any{
			"rationale":       proposal.Rationale,
			"expected_effect": proposal.ExpectedEffect,
			"operations":      proposal.Operations,
		},
		"raw_text":   rawText,
		"session_id": sessionID,
		"source":     string(proposal.Source),
	}
	return runlog.WriteJSON(filepath.Join(artifactDir, "mutation-proposal.json"), artifact)
}

func (m *Mutator) buildPrompt(epoch int, baselineSummary map[string]any, recentFailures []snapshot.Failure) (string, error) {
	header := scenario.RenderText(m.Contract, map[string]string{
		"skill_manifest": bulletList(m.SkillPaths),
		"allow_paths":    bulletList(m.Config.AllowPaths),
		"deny_paths":     bulletList(m.Config.DenyPaths),
		"max_operations": strconv.Itoa(m.Config.MaxOperations),
	})

	if baselineSummary == nil {
		baselineSummary = map[string]any{}
	}
	if recentFailures == nil {
		recentFailures = []snapshot.Failure{}
	}
	payload := proposalContext{
		Epoch:           epoch,
		BaselineSummary: baselineSummary,
		RecentFailures:  recentFailures,
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n\nMutation context:\n%s", header, encoded), nil
}

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

// #endregion propose

// #region reinforcement

// Reinforcement content is rewritten in place between fixed markers so a
// repeated fallback stays idempotent instead of growing the file.
const (
	reinforcementStart = "<!-- evoloop:reinforcement:start -->"
	reinforcementEnd   = "<!-- evoloop:reinforcement:end -->"

	reinforcementKeywordLimit = 8
	reinforcementFindingLimit = 6
)

// reinforce builds a deterministic proposal from recent failure themes.
// It returns nil when there is nothing to reinforce, no mutable markdown
// skill surface, or the rendered block already matches the file.
func (m *Mutator) reinforce(recentFailures []snapshot.Failure) (*Proposal, error) {
	keywords := snapshot.FailureKeywords(recentFailures)
	if len(keywords) == 0 {
		return nil, nil
	}
	surface := m.reinforcementSurface()
	if surface == "" {
		return nil, nil
	}

	target := filepath.Join(m.WorkspaceRoot, filepath.FromSlash(normalizePath(surface)))
	current, err := readFileOrEmpty(target)
	if err != nil {
		return nil, fmt.Errorf("read reinforcement surface: %w", err)
	}
	updated := upsertReinforcement(current, reinforcementBlock(keywords, recentFailures))
	if updated == current {
		return nil, nil
	}

	content := updated
	return &Proposal{
		Rationale:      "Deterministic reinforcement of recurring failure themes in the primary skill surface.",
		ExpectedEffect: "The next epoch's runs see the recent failure keywords called out as hard requirements.",
		Operations:     []Operation{{Op: "write_file", Path: surface, Content: &content}},
		Source:         SourceReinforcement,
	}, nil
}

// reinforcementSurface picks the first markdown skill path the mutation
// policy allows edits to.
func (m *Mutator) reinforcementSurface() string {
	for _, path := range m.SkillPaths {
		if !strings.HasSuffix(path, ".md") {
			continue
		}
		rel := strings.TrimRight(normalizePath(path), "/")
		if rel == "" || matchesPrefix(rel, m.Config.DenyPaths) || !matchesPrefix(rel, m.Config.AllowPaths) {
			continue
		}
		return path
	}
	return ""
}

func reinforcementBlock(keywords []string, recentFailures []snapshot.Failure) string {
	if len(keywords) > reinforcementKeywordLimit {
		keywords = keywords[:reinforcementKeywordLimit]
	}

	var b strings.Builder
	b.WriteString(reinforcementStart + "\n")
	b.WriteString("## Reinforcement: recent failure themes\n\n")
	b.WriteString("Recent evaluations kept failing on these themes. Treat each as a hard requirement.\n\n")
	b.WriteString("Keywords: " + strings.Join(keywords, ", ") + "\n")
	findings := topFindings(recentFailures, reinforcementFindingLimit)
	if len(findings) > 0 {
		b.WriteString("\n")
		for _, finding := range findings {
			b.WriteString("- " + finding + "\n")
		}
	}
	b.WriteString(reinforcementEnd)
	return b.String()
}

// topFindings ranks distinct violation and next-focus lines by frequency,
// ties broken alphabetically so the block is stable across runs.
func topFindings(recentFailures []snapshot.Failure, limit int) []string {
	counts := map[string]int{}
	for _, item := range recentFailures {
		lines := make([]string, 0, len(item.Violations)+len(item.NextFocus))
		lines = append(lines, item.Violations...)
		lines = append(lines, item.NextFocus...)
		for _, line := range lines {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			counts[line]++
		}
	}

	findings := make([]string, 0, len(counts))
	for line := range counts {
		findings = append(findings, line)
	}
	sort.Slice(findings, func(i, j int) bool {
		if counts[findings[i]] != counts[findings[j]] {
			return counts[findings[i]] > counts[findings[j]]
		}
		return findings[i] < findings[j]
	})
	if len(findings) > limit {
		findings = findings[:limit]
	}
	return findings
}

// upsertReinforcement replaces an existing marker block or appends a new
// one after the current content.
func upsertReinforcement(current, block string) string {
	start := strings.Index(current, reinforcementStart)
	end := strings.Index(current, reinforcementEnd)
	if start != -1 && end != -1 && end >= start {
		return current[:start] + block + current[end+len(reinforcementEnd):]
	}
	if current == "" {
		return block + "\n"
	}
	return strings.TrimRight(current, "\n") + "\n\n" + block + "\n"
}

// #endregion reinforcement

// #region helpers

func readFileOrEmpty(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func normalizePath(value string) string {
	return strings.ReplaceAll(value, "\\", "/")
}

// matchesPrefix reports whether a workspace-relative posix path equals or
// lives under any of the configured path prefixes.
func matchesPrefix(relPosix string, prefixes []string) bool {
	for _, prefix := range prefixes {
		p := strings.TrimRight(normalizePath(prefix), "/")
		if p == "" {
			continue
		}
		if relPosix == p || strings.HasPrefix(relPosix, p+"/") {
			return true
		}
	}
	return false
}

// #endregion helpers
