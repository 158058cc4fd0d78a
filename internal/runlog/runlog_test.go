package runlog

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

// #region tests

func TestNewRunIDShape(t *testing.T) {
	id := NewRunID()
	pattern := regexp.MustCompile(`^\d{8}T\d{6}Z-[0-9a-f]{8}$`)
	if !pattern.MatchString(id) {
		t.Fatalf("unexpected run id shape: %q", id)
	}
}

func TestWriteJSONIndentAndNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.json")
	if err := WriteJSON(path, map[string]any{"a": 1}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	text := string(data)
	if !strings.HasSuffix(text, "\n") {
		t.Fatalf("expected trailing newline, got %q", text)
	}
	if !strings.Contains(text, "  \"a\": 1") {
		t.Fatalf("expected two-space indent, got %q", text)
	}
}

func TestLoggerAppendsRecordsWithPercent(t *testing.T) {
	dir := t.TempDir()
	logger := NewLogger(dir, false, 20)
	logger.Event("epoch_start", map[string]any{"epoch": 5})
	logger.Event("epoch_start", map[string]any{"epoch": 10})

	records, err := ReadJSONL(filepath.Join(dir, "progress.jsonl"))
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["event"] != "epoch_start" {
		t.Fatalf("unexpected event: %v", records[0]["event"])
	}
	if percent, ok := records[0]["epoch_percent"].(float64); !ok || percent != 25.0 {
		t.Fatalf("expected epoch_percent 25, got %v", records[0]["epoch_percent"])
	}
	if _, ok := records[0]["ts"].(string); !ok {
		t.Fatalf("expected ts on record")
	}
}

func TestHeartbeatEmitsUntilStopped(t *testing.T) {
	dir := t.TempDir()
	logger := NewLogger(dir, true, 0)
	logger.live = false
	logger.enabled = true

	stop := logger.Heartbeat("agent:runner", 20*time.Millisecond)
	time.Sleep(70 * time.Millisecond)
	stop()
	stop() // idempotent

	records, err := ReadJSONL(filepath.Join(dir, "progress.jsonl"))
	if err != nil {
		t.Fatalf("read progress: %v", err)
	}
	beats := 0
	for _, rec := range records {
		if rec["event"] == "heartbeat" {
			beats++
			if rec["waiting_on"] != "agent:runner" {
				t.Fatalf("unexpected waiting_on: %v", rec["waiting_on"])
			}
		}
	}
	if beats < 2 {
		t.Fatalf("expected at least 2 heartbeats, got %d", beats)
	}
}

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{
		45:   "45s",
		125:  "2m05s",
		7260: "2h01m",
		59:   "59s",
		60:   "1m00s",
	}
	for in, want := range cases {
		if got := formatDuration(in); got != want {
			t.Fatalf("formatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestParseProgressToken(t *testing.T) {
	if cur, total := parseProgressToken("3/8"); cur != 3 || total != 8 {
		t.Fatalf("expected 3/8, got %d/%d", cur, total)
	}
	if cur, total := parseProgressToken("junk"); cur != 0 || total != 0 {
		t.Fatalf("expected zero pair for junk, got %d/%d", cur, total)
	}
	if cur, total := parseProgressToken("4/0"); cur != 0 || total != 0 {
		t.Fatalf("expected zero pair for zero total, got %d/%d", cur, total)
	}
}

// #endregion tests
