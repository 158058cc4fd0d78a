package shell

import (
	"context"
	"strings"
	"testing"
	"time"
)

// #region tests

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo out; echo err 1>&2; exit 3"}, Options{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Fatalf("unexpected stdout: %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected stderr: %q", res.Stderr)
	}
	if res.TimedOut {
		t.Fatalf("expected no timeout")
	}
}

func TestRunTimeoutKeepsPartialOutput(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo partial; sleep 30"}, Options{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout")
	}
	if res.ExitCode != TimeoutExitCode {
		t.Fatalf("expected exit %d, got %d", TimeoutExitCode, res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "partial") {
		t.Fatalf("partial stdout lost: %q", res.Stdout)
	}
	if !strings.HasSuffix(res.Stderr, "Command timed out.") {
		t.Fatalf("missing timeout note in stderr: %q", res.Stderr)
	}
}

func TestRunShellTimeoutNote(t *testing.T) {
	res, err := RunShell(context.Background(), "sleep 30", Options{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.HasSuffix(res.Stderr, "Shell command timed out.") {
		t.Fatalf("missing shell timeout note: %q", res.Stderr)
	}
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), []string{"definitely-not-a-real-binary-xyz"}, Options{Timeout: time.Second})
	if err == nil {
		t.Fatalf("expected spawn error for missing binary")
	}
}

func TestCappedWriterDropsOverflow(t *testing.T) {
	w := &cappedWriter{max: 4}
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if w.String() != "abcd" {
		t.Fatalf("expected capped output, got %q", w.String())
	}
}

// #endregion tests
