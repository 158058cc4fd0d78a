package agent

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/danielpatrickdp/evoloop/internal/config"
	"github.com/danielpatrickdp/evoloop/internal/shell"
)

// #region helpers

func testClient(exec func(context.Context, []string, shell.Options) (shell.Result, error)) *Client {
	return &Client{
		WorkspaceRoot:       "/tmp/ws",
		Config:              config.AgentConfig{Agent: "build", Model: "test/model", TimeoutSeconds: 45},
		Executable:          "agentbin",
		MaxTransientRetries: 2,
		RetryBackoff:        time.Millisecond,
		execFn:              exec,
		sleepFn:             func(context.Context, time.Duration) {},
	}
}

// #endregion helpers

// #region tests

func TestParseEventsCollectsTextAndCommands(t *testing.T) {
	stdout := `not json at all
{"type":"text","sessionID":"ses_1","part":{"text":"working on it"}}
{"type":"tool_use","sessionID":"ses_1","part":{"tool":"bash","state":{"input":{"command":"memoryctl stats --root mem"}}}}
{"type":"tool_use","sessionID":"ses_1","part":{"tool":"read","state":{"input":{"filePath":"skills/memory.md"}}}}
{"type":"text","part":{"text":""}}
`
	res := ParseEvents(stdout)
	if res.SessionID != "ses_1" {
		t.Fatalf("expected discovered session, got %q", res.SessionID)
	}
	if !reflect.DeepEqual(res.Texts, []string{"working on it"}) {
		t.Fatalf("unexpected texts: %v", res.Texts)
	}
	if !reflect.DeepEqual(res.ToolCommands, []string{"memoryctl stats --root mem"}) {
		t.Fatalf("unexpected tool commands: %v", res.ToolCommands)
	}
	if len(res.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(res.ToolCalls))
	}
	if len(res.Events) != 4 {
		t.Fatalf("expected 4 parsed events, got %d", len(res.Events))
	}
}

func TestClassifyHardBlock(t *testing.T) {
	block := Classify(RunEvents{Stderr: "Error 401: unauthorized for model"})
	if block.Kind != BlockHard {
		t.Fatalf("expected hard block, got %q (%s)", block.Kind, block.Reason)
	}
}

func TestClassifyTransientBlock(t *testing.T) {
	block := Classify(RunEvents{Stdout: `{"error":"rate limit exceeded, retry later"}`})
	if block.Kind != BlockTransient {
		t.Fatalf("expected transient block, got %q", block.Kind)
	}
}

func TestClassifyTimeoutIsTransient(t *testing.T) {
	block := Classify(RunEvents{TimedOut: true})
	if block.Kind != BlockTransient {
		t.Fatalf("expected timeout to classify transient, got %q", block.Kind)
	}
}

func TestClassifyCleanOutput(t *testing.T) {
	block := Classify(RunEvents{Stdout: `{"type":"text","part":{"text":"done"}}`})
	if block.Kind != BlockNone {
		t.Fatalf("expected no block, got %q (%s)", block.Kind, block.Reason)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	client := testClient(func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		calls++
		if calls < 3 {
			return shell.Result{Stdout: "error 429 too many requests", ExitCode: 1}, nil
		}
		return shell.Result{Stdout: `{"type":"text","sessionID":"ses_2","part":{"text":"ok"}}`, ExitCode: 0}, nil
	})

	res, err := client.Run(context.Background(), Message{Prompt: "go", Title: "t"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 2 retries (3 calls), got %d calls", calls)
	}
	if res.Block.Kind != BlockNone {
		t.Fatalf("expected final attempt unblocked, got %q", res.Block.Kind)
	}
	if res.SessionID != "ses_2" {
		t.Fatalf("expected session from final attempt, got %q", res.SessionID)
	}
}

func TestRunDoesNotRetryHardBlock(t *testing.T) {
	calls := 0
	client := testClient(func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		calls++
		return shell.Result{Stderr: "credit balance is too low", ExitCode: 1}, nil
	})

	res, err := client.Run(context.Background(), Message{Prompt: "go"})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hard block must not retry, got %d calls", calls)
	}
	if res.Block.Kind != BlockHard {
		t.Fatalf("expected hard block, got %q", res.Block.Kind)
	}
}

func TestRunArgsResumeVersusTitle(t *testing.T) {
	var captured []string
	client := testClient(func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		captured = args
		return shell.Result{ExitCode: 0}, nil
	})

	if _, err := client.Run(context.Background(), Message{Prompt: "hello", SessionID: "ses_9"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := []string{"agentbin", "run", "--format", "json", "-s", "ses_9", "--agent", "build", "--model", "test/model", "hello"}
	if !reflect.DeepEqual(captured, want) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", captured, want)
	}

	if _, err := client.Run(context.Background(), Message{Prompt: "hello", Title: "evo-x-epoch-1"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want = []string{"agentbin", "run", "--format", "json", "--title", "evo-x-epoch-1", "--agent", "build", "--model", "test/model", "hello"}
	if !reflect.DeepEqual(captured, want) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", captured, want)
	}
}

func TestExportSessionParsesPayload(t *testing.T) {
	client := testClient(func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		return shell.Result{Stdout: `{"messages":[{"role":"user"}]}`, ExitCode: 0}, nil
	})
	payload, err := client.ExportSession(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok default true, got %v", payload["ok"])
	}
}

func TestExportSessionUnparsableEnvelope(t *testing.T) {
	client := testClient(func(ctx context.Context, args []string, opts shell.Options) (shell.Result, error) {
		return shell.Result{Stdout: "no transcript here", Stderr: "boom", ExitCode: 1}, nil
	})
	payload, err := client.ExportSession(context.Background(), "ses_1")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if payload["ok"] != false {
		t.Fatalf("expected ok=false envelope, got %v", payload)
	}
	if payload["error"] == "" {
		t.Fatalf("expected error message in envelope")
	}
}

// #endregion tests
