// Package probe interrogates the append-only memory store CLI. The store is
// a black box here: four read-only checks, JSON out, plus one derived
// hard-pass flag.
package probe

// #region imports
import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/contract"
	"github.com/danielpatrickdp/evoloop/internal/shell"
)

// #endregion imports

// #region types

const checkTimeout = 120 * time.Second

// Report bundles the four store checks for one scenario plus the derived
// hard-pass flag. Check payloads stay schemaless; the store CLI owns them.
type Report struct {
	Stats          map[string]any `json:"stats"`
	ValidateStrict map[string]any `json:"validate_strict"`
	DiagnoseDryRun map[string]any `json:"diagnose_dry_run"`
	OptimizeDryRun map[string]any `json:"optimize_dry_run"`
	HardPass       bool           `json:"hard_pass"`
}

// Prober runs store checks inside the workspace.
type Prober struct {
	WorkspaceRoot string
	Command       []string // argv prefix for the store CLI

	execFn func(context.Context, []string, shell.Options) (shell.Result, error)
}

// #endregion types

// #region prober

// StoreMarker derives the substring that identifies store commands inside
// a command trace, e.g. "memoryctl.py" from the configured CLI prefix.
func StoreMarker(command []string) string {
	if len(command) == 0 {
		return "memoryctl"
	}
	return filepath.Base(command[len(command)-1])
}

// NewProber returns a prober using the configured store CLI prefix.
func NewProber(workspaceRoot string, command []string) *Prober {
	return &Prober{
		WorkspaceRoot: workspaceRoot,
		Command:       append([]string{}, command...),
		execFn:        shell.Run,
	}
}

// Run performs the four checks against one isolated memory root. Check
// failures are recorded in the payloads, never raised; an unreachable store
// simply produces a failing report.
func (p *Prober) Run(ctx context.Context, memoryRoot, scope, project string) Report {
	report := Report{
		Stats:          p.checkJSON(ctx, "stats", "--root", memoryRoot, "--scope", scope),
		ValidateStrict: p.checkJSON(ctx, "validate", "--root", memoryRoot, "--strict"),
		DiagnoseDryRun: p.checkJSON(ctx, "diagnose", "--root", memoryRoot, "--scope", scope, "--project", project, "--dry-run"),
		OptimizeDryRun: p.checkJSON(ctx, "optimize", "--root", memoryRoot, "--max-actions", "5", "--dry-run"),
	}
	report.HardPass = report.ValidateOK() && report.ErrorCount() == 0 && report.WarningCount() == 0
	return report
}

func (p *Prober) checkJSON(ctx context.Context, args ...string) map[string]any {
	argv := append(append([]string{}, p.Command...), args...)
	cmd, err := p.execFn(ctx, argv, shell.Options{Dir: p.WorkspaceRoot, Timeout: checkTimeout})
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error(), "exit_code": -1}
	}

	if raw, ok := contract.ExtractJSON(cmd.Stdout); ok {
		var payload map[string]any
		if json.Unmarshal(raw, &payload) == nil && payload != nil {
			if _, has := payload["exit_code"]; !has {
				payload["exit_code"] = cmd.ExitCode
			}
			return payload
		}
	}
	return map[string]any{
		"ok":        false,
		"error":     "unable to parse memoryctl JSON output",
		"exit_code": cmd.ExitCode,
		"stdout":    cmd.Stdout,
		"stderr":    cmd.Stderr,
	}
}

// #endregion prober

// #region accessors

// ValidateOK reports whether the strict validation check succeeded.
func (r Report) ValidateOK() bool {
	ok, _ := r.ValidateStrict["ok"].(bool)
	return ok
}

// ErrorCount reads the strict validation error count; a missing or
// malformed count is treated as one error.
func (r Report) ErrorCount() int {
	return intField(r.ValidateStrict, "error_count", 1)
}

// WarningCount reads the strict validation warning count, defaulting to one.
func (r Report) WarningCount() int {
	return intField(r.ValidateStrict, "warning_count", 1)
}

// ValidateClean is the looser objective-metric condition: validation passed
// with zero errors, warnings permitted.
func (r Report) ValidateClean() bool {
	return r.ValidateOK() && r.ErrorCount() == 0
}

// Health reads the diagnose health score in [0,1]; missing means 0.
func (r Report) Health() float64 {
	for _, key := range []string{"health_score", "health"} {
		if v, ok := floatField(r.DiagnoseDryRun, key); ok {
			return v
		}
	}
	return 0
}

func intField(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	case int:
		return v
	}
	return fallback
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, true
		}
	case int:
		return float64(v), true
	}
	return 0, false
}

// #endregion accessors
