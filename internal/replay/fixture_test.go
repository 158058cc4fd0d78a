package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// #region fixture-tests

// TestFixture_RecordedRun loads the recorded_run fixture, runs Replay(), and
// compares each epoch's Action against the expected action. If gating
// thresholds change, this catches the drift.
func TestFixture_RecordedRun(t *testing.T) {
	fixturePath := filepath.Join("testdata", "recorded_run.json")
	f, err := LoadFixture(fixturePath)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	engine := f.Config.ToEngine()
	results := Replay(engine, f.Steps())

	if len(results) != len(f.ExpectedResults) {
		t.Fatalf("expected %d results, got %d", len(f.ExpectedResults), len(results))
	}

	for i, expected := range f.ExpectedResults {
		actual := results[i]
		if actual.Epoch != expected.Epoch {
			t.Errorf("result %d: expected epoch=%d, got %d", i, expected.Epoch, actual.Epoch)
		}
		if actual.Action != expected.Action {
			t.Errorf("epoch %d: expected action=%s, got action=%s (reason: %s)",
				expected.Epoch, expected.Action, actual.Action, actual.Reason)
		}
	}

	summary := Summarize(results)
	if summary.Accepts != 1 || summary.Provisionals != 1 || summary.Rejects != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

// TestFixture_RoundTrip marshals a fixture, reloads it, and verifies the
// decision inputs survive intact. This is the write side export-fixture uses.
func TestFixture_RoundTrip(t *testing.T) {
	original, err := LoadFixture(filepath.Join("testdata", "recorded_run.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	data, err := json.MarshalIndent(original, "", "  ")
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	path := filepath.Join(t.TempDir(), "roundtrip.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	reloaded, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("reload fixture: %v", err)
	}

	if len(reloaded.Epochs) != len(original.Epochs) {
		t.Fatalf("epoch count changed: %d vs %d", len(reloaded.Epochs), len(original.Epochs))
	}
	if reloaded.Config.Objectives.MaxProvisionalAcceptsPerRun != 2 {
		t.Errorf("objectives config drifted: %+v", reloaded.Config.Objectives)
	}
	if reloaded.Epochs[2].Delta == nil || reloaded.Epochs[2].Delta.FailureAlignment != 0.55 {
		t.Errorf("delta facts drifted: %+v", reloaded.Epochs[2].Delta)
	}
	if !reloaded.Epochs[2].Degraded {
		t.Error("degraded flag dropped on round trip")
	}

	before := Replay(original.Config.ToEngine(), original.Steps())
	after := Replay(reloaded.Config.ToEngine(), reloaded.Steps())
	for i := range before {
		if before[i].Action != after[i].Action {
			t.Errorf("epoch %d: action changed after round trip: %s vs %s",
				before[i].Epoch, before[i].Action, after[i].Action)
		}
	}
}

// TestLoadFixture_NotFound verifies error on missing file.
func TestLoadFixture_NotFound(t *testing.T) {
	_, err := LoadFixture("testdata/nonexistent.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// TestLoadFixture_Malformed verifies error on invalid JSON.
func TestLoadFixture_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not valid json}"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err := LoadFixture(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

// #endregion fixture-tests
