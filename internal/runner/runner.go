// Package runner executes one scenario against the policy artifact through
// the external coding agent: the turn loop, session directives, skill
// hydration preamble, and per-turn artifacts. When the provider is blocked
// (or fallback-only mode is forced) turns degrade to deterministic local
// store commands so every pass still produces machine-verifiable signals.
package runner

// #region imports
import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/agent"
	"github.com/danielpatrickdp/evoloop/internal/probe"
	"github.com/danielpatrickdp/evoloop/internal/runlog"
	"github.com/danielpatrickdp/evoloop/internal/scenario"
	"github.com/danielpatrickdp/evoloop/internal/shell"
)

// #endregion imports

// #region types

// retryPrompt nudges an agent that only planned instead of executing.
const retryPrompt = "Your last response did not execute concrete memoryctl commands. " +
	"Execute the requested memory operations now with filesystem-native commands. " +
	"Do not ask questions."

// fallbackNote is stamped onto deterministic fallback turn artifacts.
const fallbackNote = "Deterministic fallback turn: scripted store commands executed without the agent."

// AgentClient is the slice of the agent surface the runner needs.
type AgentClient interface {
	Run(ctx context.Context, msg agent.Message) (agent.RunEvents, error)
	ExportSession(ctx context.Context, sessionID string) (map[string]any, error)
}

// ProgressFunc receives runner progress events.
type ProgressFunc func(event string, payload map[string]any)

// Request identifies one scenario execution.
type Request struct {
	Scenario    scenario.Scenario
	Partition   scenario.Partition
	Epoch       int
	MemoryRoot  string
	ArtifactDir string
	Project     string
	Scope       string
}

// Execution is the transient record of one scenario run, consumed exactly
// once by scoring.
type Execution struct {
	Scenario          scenario.Scenario
	Partition         scenario.Partition
	Epoch             int
	MemoryRoot        string
	ArtifactDir       string
	SessionID         string
	SessionIDs        []string
	AssistantMessages []string
	CommandTrace      []string
	ReadPaths         []string
	ExportedSession   string

	FallbackUsed    bool
	FallbackOnly    bool
	ProviderBlocked bool
	FallbackReasons []string
	BlockReasons    []string
}

// Runner drives scenario turns through the agent.
type Runner struct {
	Client         AgentClient
	WorkspaceRoot  string
	Contract       string
	SkillPaths     []string
	ProbeCommand   []string
	ExportSessions bool

	// ForceFallbackOnly makes every turn a deterministic fallback turn; the
	// evaluation pass flips it after an uncontrolled workspace delta.
	ForceFallbackOnly bool

	Progress ProgressFunc

	execFn func(context.Context, []string, shell.Options) (shell.Result, error)
}

// turnArtifact mirrors the per-turn JSON written under the scenario dir.
type turnArtifact struct {
	SessionID    string           `json:"session_id"`
	Prompt       string           `json:"prompt"`
	Stdout       string           `json:"stdout"`
	Stderr       string           `json:"stderr"`
	ExitCode     int              `json:"exit_code"`
	Events       []map[string]any `json:"events"`
	Texts        []string         `json:"texts"`
	ToolCommands []string         `json:"tool_commands"`
	Fallback     bool             `json:"fallback,omitempty"`
	Note         string           `json:"note,omitempty"`
}

// #endregion types

// #region constructor

// New returns a runner bound to one workspace and agent role.
func New(client AgentClient, workspaceRoot, contract string, skillPaths, probeCommand []string, exportSessions bool) *Runner {
	return &Runner{
		Client:         client,
		WorkspaceRoot:  workspaceRoot,
		Contract:       contract,
		SkillPaths:     append([]string{}, skillPaths...),
		ProbeCommand:   append([]string{}, probeCommand...),
		ExportSessions: exportSessions,
		execFn:         shell.Run,
	}
}

func (r *Runner) progress(event string, payload map[string]any) {
	if r.Progress != nil {
		r.Progress(event, payload)
	}
}

// SetForceFallbackOnly flips deterministic fallback mode for subsequent
// executions. The evaluation pass resets it at pass start and re-flips it
// after an uncontrolled workspace delta.
func (r *Runner) SetForceFallbackOnly(force bool) {
	r.ForceFallbackOnly = force
}

// #endregion constructor

// #region execute

// Execute runs every turn of one scenario sequentially. Agent failures are
// recorded on the execution, never raised; only artifact I/O errors abort.
func (r *Runner) Execute(ctx context.Context, req Request) (Execution, error) {
	sc := req.Scenario
	r.progress("scenario_execute_start", map[string]any{
		"scenario_id": sc.ID,
		"partition":   string(req.Partition),
		"epoch":       req.Epoch,
		"turn_count":  len(sc.Turns),
	})

	if err := runlog.EnsureDir(req.MemoryRoot); err != nil {
		return Execution{}, err
	}
	if err := runlog.EnsureDir(req.ArtifactDir); err != nil {
		return Execution{}, err
	}

	execution := Execution{
		Scenario:    sc,
		Partition:   req.Partition,
		Epoch:       req.Epoch,
		MemoryRoot:  req.MemoryRoot,
		ArtifactDir: req.ArtifactDir,
	}
	vars := map[string]string{
		"project":              req.Project,
		"scope":                req.Scope,
		"memory_root":          req.MemoryRoot,
		"scenario_id":          sc.ID,
		"scenario_title":       sc.Title,
		"scenario_description": sc.Description,
		"skill_manifest":       bulletList(r.SkillPaths),
		"success_criteria":     bulletList(sc.SuccessCriteria),
	}

	marker := probe.StoreMarker(r.ProbeCommand)
	fallbackActive := r.ForceFallbackOnly
	if fallbackActive {
		execution.FallbackOnly = true
		execution.FallbackReasons = append(execution.FallbackReasons, "fallback-only mode forced for this evaluation pass")
	}

	sessionID := ""
	seenReads := map[string]bool{}

	for turnIndex, turnTemplate := range sc.Turns {
		r.progress("scenario_turn_start", map[string]any{
			"scenario_id": sc.ID,
			"partition":   string(req.Partition),
			"epoch":       req.Epoch,
			"turn_index":  turnIndex + 1,
			"turn_total":  len(sc.Turns),
		})

		forceNewSession, cleaned := scenario.ParseTurnDirective(turnTemplate)
		if forceNewSession {
			sessionID = ""
		}
		turnText := scenario.RenderText(cleaned, vars)
		prompt := r.buildPrompt(sc, turnText, turnIndex, len(sc.Turns), vars, sessionID == "")

		if fallbackActive {
			if err := r.fallbackTurn(ctx, &execution, req, prompt, turnIndex, seenReads); err != nil {
				return Execution{}, err
			}
			continue
		}

		title := ""
		if sessionID == "" {
			title = fmt.Sprintf("evo-%s-epoch-%d", sc.ID, req.Epoch)
		}
		first, err := r.Client.Run(ctx, agent.Message{Prompt: prompt, SessionID: sessionID, Title: title})
		if err != nil {
			return Execution{}, err
		}
		if first.SessionID != "" {
			sessionID = first.SessionID
		}

		if first.Block.Kind != agent.BlockNone {
			if first.Block.Kind == agent.BlockHard {
				execution.ProviderBlocked = true
				execution.BlockReasons = append(execution.BlockReasons, first.Block.Reason)
				fallbackActive = true
				execution.FallbackReasons = append(execution.FallbackReasons,
					"provider hard-blocked: "+first.Block.Reason)
			} else {
				execution.FallbackReasons = append(execution.FallbackReasons,
					"provider transient failure persisted: "+first.Block.Reason)
			}
			if err := r.fallbackTurn(ctx, &execution, req, prompt, turnIndex, seenReads); err != nil {
				return Execution{}, err
			}
			continue
		}

		attempts := []agent.RunEvents{first}
		if !containsStoreCommand(first.ToolCommands, marker) {
			retry, err := r.Client.Run(ctx, agent.Message{Prompt: retryPrompt, SessionID: sessionID})
			if err != nil {
				return Execution{}, err
			}
			if retry.SessionID != "" {
				sessionID = retry.SessionID
			}
			attempts = append(attempts, retry)

			artifact := turnArtifact{
				SessionID:    sessionID,
				Prompt:       retryPrompt,
				Stdout:       retry.Stdout,
				Stderr:       retry.Stderr,
				ExitCode:     retry.ExitCode,
				Events:       retry.Events,
				Texts:        retry.Texts,
				ToolCommands: retry.ToolCommands,
			}
			path := filepath.Join(req.ArtifactDir, fmt.Sprintf("turn-%02d-retry-%02d-events.json", turnIndex+1, 1))
			if err := runlog.WriteJSON(path, artifact); err != nil {
				return Execution{}, err
			}
		}

		merged := mergeRuns(attempts)
		if merged.SessionID != "" {
			sessionID = merged.SessionID
		}
		if sessionID != "" && !contains(execution.SessionIDs, sessionID) {
			execution.SessionIDs = append(execution.SessionIDs, sessionID)
		}

		execution.AssistantMessages = append(execution.AssistantMessages, merged.Texts...)
		execution.CommandTrace = append(execution.CommandTrace, merged.ToolCommands...)
		for _, path := range readPaths(merged.ToolCalls) {
			normalized := strings.ReplaceAll(path, "\\", "/")
			if normalized != "" && !seenReads[normalized] {
				seenReads[normalized] = true
				execution.ReadPaths = append(execution.ReadPaths, normalized)
			}
		}

		artifact := turnArtifact{
			SessionID:    sessionID,
			Prompt:       prompt,
			Stdout:       merged.Stdout,
			Stderr:       merged.Stderr,
			ExitCode:     merged.ExitCode,
			Events:       merged.Events,
			Texts:        merged.Texts,
			ToolCommands: merged.ToolCommands,
		}
		path := filepath.Join(req.ArtifactDir, fmt.Sprintf("turn-%02d-events.json", turnIndex+1))
		if err := runlog.WriteJSON(path, artifact); err != nil {
			return Execution{}, err
		}

		r.progress("scenario_turn_finish", map[string]any{
			"scenario_id":        sc.ID,
			"partition":          string(req.Partition),
			"epoch":              req.Epoch,
			"turn_index":         turnIndex + 1,
			"turn_total":         len(sc.Turns),
			"memoryctl_commands": countStoreCommands(merged.ToolCommands, marker),
		})
	}

	execution.SessionID = sessionID
	if sessionID != "" && r.ExportSessions {
		payload, err := r.Client.ExportSession(ctx, sessionID)
		if err == nil {
			exportPath := filepath.Join(req.ArtifactDir, "session-export.json")
			if werr := runlog.WriteJSON(exportPath, payload); werr == nil {
				execution.ExportedSession = exportPath
			}
		}
	}

	r.progress("scenario_execute_finish", map[string]any{
		"scenario_id":        sc.ID,
		"partition":          string(req.Partition),
		"epoch":              req.Epoch,
		"session_ids":        execution.SessionIDs,
		"memoryctl_commands": countStoreCommands(execution.CommandTrace, marker),
		"skill_reads":        len(execution.ReadPaths),
	})
	return execution, nil
}

// #endregion execute

// #region fallback-turn

// fallbackTurn performs the deterministic local turn: read the skill paths,
// run scripted store checks against the scenario root, record everything.
func (r *Runner) fallbackTurn(ctx context.Context, execution *Execution, req Request, prompt string, turnIndex int, seenReads map[string]bool) error {
	execution.FallbackUsed = true

	for _, skillPath := range r.SkillPaths {
		full := filepath.Join(r.WorkspaceRoot, skillPath)
		if _, err := os.ReadFile(full); err != nil {
			continue
		}
		normalized := strings.ReplaceAll(skillPath, "\\", "/")
		if !seenReads[normalized] {
			seenReads[normalized] = true
			execution.ReadPaths = append(execution.ReadPaths, normalized)
		}
	}

	scripted := [][]string{
		append(append([]string{}, r.ProbeCommand...), "stats", "--root", req.MemoryRoot, "--scope", req.Scope),
		append(append([]string{}, r.ProbeCommand...), "validate", "--root", req.MemoryRoot, "--strict"),
	}
	commands := make([]string, 0, len(scripted))
	outputs := make([]string, 0, len(scripted))
	exitCode := 0
	for _, argv := range scripted {
		res, err := r.execFn(ctx, argv, shell.Options{Dir: r.WorkspaceRoot, Timeout: fallbackCheckTimeout})
		if err != nil {
			outputs = append(outputs, err.Error())
			exitCode = -1
			continue
		}
		commands = append(commands, strings.Join(argv, " "))
		outputs = append(outputs, res.Stdout)
		if res.ExitCode != 0 {
			exitCode = res.ExitCode
		}
	}
	execution.CommandTrace = append(execution.CommandTrace, commands...)

	artifact := turnArtifact{
		SessionID:    execution.SessionID,
		Prompt:       prompt,
		Stdout:       strings.Join(outputs, "\n"),
		ExitCode:     exitCode,
		Events:       []map[string]any{},
		Texts:        []string{},
		ToolCommands: commands,
		Fallback:     true,
		Note:         fallbackNote,
	}
	path := filepath.Join(req.ArtifactDir, fmt.Sprintf("turn-%02d-events.json", turnIndex+1))
	if err := runlog.WriteJSON(path, artifact); err != nil {
		return err
	}

	r.progress("scenario_turn_finish", map[string]any{
		"scenario_id":        execution.Scenario.ID,
		"partition":          string(execution.Partition),
		"epoch":              execution.Epoch,
		"turn_index":         turnIndex + 1,
		"turn_total":         len(execution.Scenario.Turns),
		"memoryctl_commands": len(commands),
		"fallback":           true,
	})
	return nil
}

// #endregion fallback-turn

// #region prompts

func (r *Runner) buildPrompt(sc scenario.Scenario, turnText string, turnIndex, totalTurns int, vars map[string]string, newSessionTurn bool) string {
	if turnIndex == 0 || newSessionTurn {
		header := scenario.RenderText(r.Contract, vars)
		return fmt.Sprintf(
			"%s\n\n"+
				"Scenario ID: %s\n"+
				"Complexity mode: %s\n"+
				"Turn: %d/%d\n\n"+
				"Skill hydration requirement: before planning or execution, read these files now:\n%s\n\n"+
				"Execution requirement: run concrete memoryctl commands now; do not only describe a plan.\n\n"+
				"User request:\n%s\n",
			header, sc.ID, sc.ComplexityMode, turnIndex+1, totalTurns, bulletList(r.SkillPaths), turnText)
	}
	return fmt.Sprintf(
		"Continue in the same session contract.\n"+
			"Scenario ID: %s\n"+
			"Turn: %d/%d\n"+
			"Memory root remains: %s\n"+
			"Scope remains: %s\n"+
			"Project remains: %s\n\n"+
			"Execution requirement: run concrete memoryctl commands now; do not ask for clarification.\n\n"+
			"User request:\n%s\n",
		sc.ID, turnIndex+1, totalTurns, vars["memory_root"], vars["scope"], vars["project"], turnText)
}

// #endregion prompts

// #region helpers

const fallbackCheckTimeout = 120 * time.Second

func bulletList(items []string) string {
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

func containsStoreCommand(commands []string, marker string) bool {
	for _, command := range commands {
		if strings.Contains(command, marker) {
			return true
		}
	}
	return false
}

func countStoreCommands(commands []string, marker string) int {
	count := 0
	for _, command := range commands {
		if strings.Contains(command, marker) {
			count++
		}
	}
	return count
}

func contains(items []string, needle string) bool {
	for _, item := range items {
		if item == needle {
			return true
		}
	}
	return false
}

func readPaths(toolCalls []map[string]any) []string {
	paths := make([]string, 0, len(toolCalls))
	for _, call := range toolCalls {
		if call["tool"] != "read" {
			continue
		}
		state, _ := call["state"].(map[string]any)
		input, _ := state["input"].(map[string]any)
		if filePath, ok := input["filePath"].(string); ok && filePath != "" {
			paths = append(paths, filePath)
		}
	}
	return paths
}

func mergeRuns(runs []agent.RunEvents) agent.RunEvents {
	if len(runs) == 1 {
		return runs[0]
	}
	sessionID := runs[len(runs)-1].SessionID
	if sessionID == "" {
		sessionID = runs[0].SessionID
	}
	merged := agent.RunEvents{
		SessionID: sessionID,
		ExitCode:  runs[len(runs)-1].ExitCode,
	}
	stdouts := make([]string, 0, len(runs))
	stderrs := make([]string, 0, len(runs))
	for _, run := range runs {
		if run.Stdout != "" {
			stdouts = append(stdouts, run.Stdout)
		}
		if run.Stderr != "" {
			stderrs = append(stderrs, run.Stderr)
		}
		merged.Events = append(merged.Events, run.Events...)
		merged.Texts = append(merged.Texts, run.Texts...)
		merged.ToolCommands = append(merged.ToolCommands, run.ToolCommands...)
		merged.ToolCalls = append(merged.ToolCalls, run.ToolCalls...)
	}
	merged.Stdout = strings.Join(stdouts, "\n")
	merged.Stderr = strings.Join(stderrs, "\n")
	return merged
}

// #endregion helpers
