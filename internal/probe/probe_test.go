package probe

import (
	"context"
	"strings"
	"testing"

	"github.com/danielpatrickdp/evoloop/internal/shell"
)

// #region helpers

func stubProber(outputs map[string]string) *Prober {
	p := NewProber("/tmp/ws", []string{"memoryctl"})
	p.execFn = func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		// args[1] is the subcommand after the configured prefix.
		out, ok := outputs[args[1]]
		if !ok {
			out = `{"ok": true}`
		}
		return shell.Result{Stdout: out, ExitCode: 0}, nil
	}
	return p
}

// #endregion helpers

// #region tests

func TestRunDerivesHardPass(t *testing.T) {
	p := stubProber(map[string]string{
		"validate": `{"ok": true, "error_count": 0, "warning_count": 0}`,
		"diagnose": `{"ok": true, "health_score": 0.92}`,
	})
	report := p.Run(context.Background(), "/tmp/mem", "project", "demo")
	if !report.HardPass {
		t.Fatalf("expected hard pass for clean validation")
	}
	if !report.ValidateClean() {
		t.Fatalf("expected clean validation")
	}
	if report.Health() != 0.92 {
		t.Fatalf("expected health 0.92, got %v", report.Health())
	}
}

func TestRunWarningsBlockHardPass(t *testing.T) {
	p := stubProber(map[string]string{
		"validate": `{"ok": true, "error_count": 0, "warning_count": 2}`,
	})
	report := p.Run(context.Background(), "/tmp/mem", "project", "demo")
	if report.HardPass {
		t.Fatalf("warnings must block hard pass")
	}
	if !report.ValidateClean() {
		t.Fatalf("warnings alone should not break validate-clean")
	}
}

func TestRunMissingCountsTreatedAsFailure(t *testing.T) {
	p := stubProber(map[string]string{
		"validate": `{"ok": true}`,
	})
	report := p.Run(context.Background(), "/tmp/mem", "project", "demo")
	if report.HardPass {
		t.Fatalf("missing counts must be treated as failing")
	}
	if report.ErrorCount() != 1 {
		t.Fatalf("expected default error count 1, got %d", report.ErrorCount())
	}
}

func TestCheckUnparsableOutputEnvelope(t *testing.T) {
	p := NewProber("/tmp/ws", []string{"memoryctl"})
	p.execFn = func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		return shell.Result{Stdout: "Traceback (most recent call last):", ExitCode: 1}, nil
	}
	report := p.Run(context.Background(), "/tmp/mem", "project", "demo")
	if report.HardPass {
		t.Fatalf("unparsable validation output must fail hard pass")
	}
	msg, _ := report.ValidateStrict["error"].(string)
	if !strings.Contains(msg, "unable to parse memoryctl JSON output") {
		t.Fatalf("expected parse-failure envelope, got %v", report.ValidateStrict)
	}
}

func TestCheckExtractsFencedJSON(t *testing.T) {
	p := stubProber(map[string]string{
		"validate": "log noise\n```json\n{\"ok\": true, \"error_count\": 0, \"warning_count\": 0}\n```\n",
	})
	report := p.Run(context.Background(), "/tmp/mem", "project", "demo")
	if !report.HardPass {
		t.Fatalf("fenced JSON payload should be extracted, got %v", report.ValidateStrict)
	}
}

// #endregion tests
