// Package agent wraps the external coding-agent CLI behind a synchronous
// run/export interface. The core loop never sees process or pipe mechanics,
// only parsed events and a provider-block classification.
package agent

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/contract"
	"github.com/danielpatrickdp/evoloop/internal/shell"
)

// #endregion imports

// #region types

// binEnvVar overrides executable resolution; the tool-native variable is
// honored as a fallback for operators who already export it.
const (
	binEnvVar       = "EVOLOOP_AGENT_BIN"
	legacyBinEnvVar = "OPENCODE_BIN"
	defaultBinary   = "opencode"

	exportTimeout = 120 * time.Second
)

// BlockKind classifies provider unavailability.
type BlockKind string

const (
	BlockNone      BlockKind = ""
	BlockHard      BlockKind = "hard"
	BlockTransient BlockKind = "transient"
)

// Block is the unavailability classification for one agent call.
type Block struct {
	Kind   BlockKind `json:"kind,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Message is one prompt sent to the agent. SessionID resumes an existing
// session; otherwise Title names a fresh one.
type Message struct {
	Prompt    string
	SessionID string
	Title     string
	Timeout   time.Duration
}

// RunEvents is the parsed outcome of one agent invocation.
type RunEvents struct {
	SessionID    string           `json:"session_id,omitempty"`
	Stdout       string           `json:"stdout"`
	Stderr       string           `json:"stderr"`
	ExitCode     int              `json:"exit_code"`
	TimedOut     bool             `json:"timed_out,omitempty"`
	Events       []map[string]any `json:"events"`
	Texts        []string         `json:"texts"`
	ToolCommands []string         `json:"tool_commands"`
	ToolCalls    []map[string]any `json:"tool_calls"`
	Block        Block            `json:"block"`
}

// Client drives one configured agent role (runner, judge, mutator, ...).
type Client struct {
	WorkspaceRoot       string
	Config              config.AgentConfig
	Executable          string
	MaxTransientRetries int
	RetryBackoff        time.Duration

	execFn  func(context.Context, []string, shell.Options) (shell.Result, error)
	sleepFn func(context.Context, time.Duration)
}

// #endregion types

// #region constructor

// NewClient resolves the agent executable and returns a ready client.
func NewClient(workspaceRoot string, cfg config.AgentConfig) (*Client, error) {
	exe, err := ResolveExecutable()
	if err != nil {
		return nil, err
	}
	return &Client{
		WorkspaceRoot:       workspaceRoot,
		Config:              cfg,
		Executable:          exe,
		MaxTransientRetries: 2,
		RetryBackoff:        2 * time.Second,
		execFn:              shell.Run,
		sleepFn:             sleepCtx,
	}, nil
}

// ResolveExecutable finds the agent CLI: env override first, then PATH.
func ResolveExecutable() (string, error) {
	for _, env := range []string{binEnvVar, legacyBinEnvVar} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	if resolved, err := exec.LookPath(defaultBinary); err == nil {
		return resolved, nil
	}
	return "", fmt.Errorf("could not resolve agent CLI executable; set %s to continue", binEnvVar)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// #endregion constructor

// #region run

// Run sends one message, retrying transient provider failures with linear
// backoff. Hard blocks are never retried; the final classification rides on
// the returned events.
func (c *Client) Run(ctx context.Context, msg Message) (RunEvents, error) {
	attempts := c.MaxTransientRetries + 1
	var res RunEvents
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err = c.runOnce(ctx, msg)
		if err != nil {
			return res, err
		}
		if res.Block.Kind != BlockTransient || attempt == attempts {
			return res, nil
		}
		backoff := c.RetryBackoff * time.Duration(attempt)
		log.Printf("[AGENT] transient provider failure (%s), retry %d/%d in %s",
			res.Block.Reason, attempt, c.MaxTransientRetries, backoff)
		c.sleepFn(ctx, backoff)
		if ctx.Err() != nil {
			return res, nil
		}
	}
	return res, nil
}

func (c *Client) runOnce(ctx context.Context, msg Message) (RunEvents, error) {
	args := []string{c.Executable, "run", "--format", "json"}
	if msg.SessionID != "" {
		args = append(args, "-s", msg.SessionID)
	} else if msg.Title != "" {
		args = append(args, "--title", msg.Title)
	}
	if c.Config.Agent != "" {
		args = append(args, "--agent", c.Config.Agent)
	}
	if c.Config.Model != "" {
		args = append(args, "--model", c.Config.Model)
	}
	if c.Config.Variant != "" {
		args = append(args, "--variant", c.Config.Variant)
	}
	if c.Config.Thinking {
		args = append(args, "--thinking")
	}
	args = append(args, msg.Prompt)

	timeout := msg.Timeout
	if timeout <= 0 {
		timeout = time.Duration(c.Config.TimeoutSeconds) * time.Second
	}
	cmd, err := c.execFn(ctx, args, shell.Options{Dir: c.WorkspaceRoot, Timeout: timeout})
	if err != nil {
		return RunEvents{}, fmt.Errorf("agent run: %w", err)
	}

	res := ParseEvents(cmd.Stdout)
	res.Stderr = cmd.Stderr
	res.ExitCode = cmd.ExitCode
	res.TimedOut = cmd.TimedOut
	if res.SessionID == "" {
		res.SessionID = msg.SessionID
	}
	res.Block = Classify(res)
	return res, nil
}

// ParseEvents decodes the agent's JSON-lines stream. Unparsable lines are
// skipped rather than failing the call.
func ParseEvents(stdout string) RunEvents {
	res := RunEvents{
		Stdout:       stdout,
		Events:       []map[string]any{},
		Texts:        []string{},
		ToolCommands: []string{},
		ToolCalls:    []map[string]any{},
	}
	for _, rawLine := range strings.Split(stdout, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		res.Events = append(res.Events, event)

		if sid, ok := event["sessionID"].(string); ok && sid != "" {
			res.SessionID = sid
		}
		part, _ := event["part"].(map[string]any)
		switch event["type"] {
		case "text":
			if text, ok := part["text"].(string); ok && text != "" {
				res.Texts = append(res.Texts, text)
			}
		case "tool_use":
			if part == nil {
				continue
			}
			res.ToolCalls = append(res.ToolCalls, part)
			if part["tool"] == "bash" {
				if cmdText, ok := toolInputString(part, "command"); ok {
					res.ToolCommands = append(res.ToolCommands, cmdText)
				}
			}
		}
	}
	return res
}

func toolInputString(part map[string]any, key string) (string, bool) {
	state, _ := part["state"].(map[string]any)
	input, _ := state["input"].(map[string]any)
	value, ok := input[key].(string)
	return value, ok
}

// #endregion run

// #region export

// ExportSession dumps a session transcript. A payload that cannot be parsed
// comes back as an explicit error envelope instead of failing the epoch.
func (c *Client) ExportSession(ctx context.Context, sessionID string) (map[string]any, error) {
	cmd, err := c.execFn(ctx, []string{c.Executable, "export", sessionID},
		shell.Options{Dir: c.WorkspaceRoot, Timeout: exportTimeout})
	if err != nil {
		return nil, fmt.Errorf("agent export: %w", err)
	}

	raw, ok := contract.ExtractJSON(cmd.Stdout)
	if ok {
		var payload map[string]any
		if json.Unmarshal(raw, &payload) == nil && payload != nil {
			if _, has := payload["ok"]; !has {
				payload["ok"] = cmd.ExitCode == 0
			}
			return payload, nil
		}
	}
	return map[string]any{
		"ok":        false,
		"error":     "could not parse agent export payload",
		"stdout":    cmd.Stdout,
		"stderr":    cmd.Stderr,
		"exit_code": cmd.ExitCode,
	}, nil
}

// #endregion export

// #region classification

// hardBlockMarkers end a provider relationship until a human intervenes.
var hardBlockMarkers = []string{
	"invalid api key",
	"api key not found",
	"unauthorized",
	"authentication failed",
	"authentication_error",
	"error 401",
	"status 401",
	"quota exceeded",
	"insufficient_quota",
	"credit balance is too low",
	"payment required",
	"billing",
	"error 402",
	"status 402",
}

// transientBlockMarkers clear on their own; bounded retries apply.
var transientBlockMarkers = []string{
	"rate limit",
	"rate_limit",
	"error 429",
	"status 429",
	"too many requests",
	"overloaded",
	"temporarily unavailable",
	"connection reset",
	"error 500",
	"error 502",
	"error 503",
	"error 504",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"gateway timeout",
	"request timed out",
}

// Classify inspects one call's raw output for provider-unavailability
// markers. Hard markers (auth/quota/payment) win over transient ones.
func Classify(res RunEvents) Block {
	haystack := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	for _, marker := range hardBlockMarkers {
		if strings.Contains(haystack, marker) {
			return Block{Kind: BlockHard, Reason: fmt.Sprintf("provider output matched %q", marker)}
		}
	}
	if res.TimedOut {
		return Block{Kind: BlockTransient, Reason: "agent call timed out"}
	}
	for _, marker := range transientBlockMarkers {
		if strings.Contains(haystack, marker) {
			return Block{Kind: BlockTransient, Reason: fmt.Sprintf("provider output matched %q", marker)}
		}
	}
	return Block{}
}

// #endregion classification
