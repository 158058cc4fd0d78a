// Package runlog provides run identifiers, JSON artifact writing, and the
// append-only progress stream (JSONL file plus a live stderr line on TTYs).
package runlog

// #region imports
import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// #endregion imports

// #region run-id

// NewRunID returns a sortable run identifier: UTC stamp plus a short
// random suffix, e.g. 20250812T140503Z-9f3a01bc.
func NewRunID() string {
	stamp := time.Now().UTC().Format("20060102T150405Z")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return stamp + "-" + suffix
}

// Timestamp renders the progress-record timestamp shape.
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
}

// #endregion run-id

// #region write-json

// WriteJSON writes payload as two-space-indented JSON with a trailing
// newline, creating parent directories as needed.
func WriteJSON(path string, payload any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}

// EnsureDir creates a directory and its parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// #endregion write-json

// #region logger

// terminalEvents break the live line so the final state stays visible.
var terminalEvents = map[string]bool{
	"run_finish":                  true,
	"stop-file-triggered":         true,
	"provider-blocked":            true,
	"max-epochs-reached":          true,
	"max-stagnant-epochs-reached": true,
	"max-wall-seconds-reached":    true,
}

// liveKeys are sticky: once seen they keep rendering on the live line.
var liveKeys = []string{
	"epoch", "label", "partition", "scenario_id", "progress", "role",
	"train_score", "holdout_score",
}

// Logger appends progress records to progress.jsonl and mirrors them to
// stderr: a redrawn live line on TTYs, plain lines otherwise.
type Logger struct {
	mu        sync.Mutex
	path      string
	enabled   bool
	live      bool
	maxEpochs int
	started   time.Time
	lastLen   int
	state     map[string]any
}

// NewLogger creates the progress logger for one run directory. A nil
// logger is safe to call; it drops everything.
func NewLogger(runDir string, enabled bool, maxEpochs int) *Logger {
	return &Logger{
		path:      filepath.Join(runDir, "progress.jsonl"),
		enabled:   enabled,
		live:      enabled && isatty.IsTerminal(os.Stderr.Fd()),
		maxEpochs: maxEpochs,
		started:   time.Now(),
		state:     map[string]any{},
	}
}

// Event appends one progress record. Payload keys ride alongside ts/event;
// integer epochs gain a derived epoch_percent.
func (l *Logger) Event(event string, payload map[string]any) {
	if l == nil {
		return
	}
	record := map[string]any{
		"ts":    Timestamp(),
		"event": event,
	}
	for k, v := range payload {
		record[k] = v
	}
	if epoch, ok := asInt(record["epoch"]); ok && l.maxEpochs > 0 {
		percent := math.Min(100, float64(epoch)/float64(l.maxEpochs)*100)
		record["epoch_percent"] = math.Round(percent*100) / 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := appendJSONL(l.path, record); err != nil {
		fmt.Fprintf(os.Stderr, "progress log: %v\n", err)
	}
	l.updateState(record)

	switch {
	case l.live:
		l.writeLiveLine(l.buildLiveLine(event))
		if terminalEvents[event] {
			fmt.Fprintln(os.Stderr)
			l.lastLen = 0
		}
	case l.enabled:
		fmt.Fprintln(os.Stderr, formatRecord(record))
	}
}

// Heartbeat starts the observational goroutine that emits waiting records
// every interval until the returned stop function is called. It never
// touches evaluation state.
func (l *Logger) Heartbeat(waitingOn string, interval time.Duration) (stop func()) {
	if l == nil || !l.enabled || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		began := time.Now()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				l.Event("heartbeat", map[string]any{
					"waiting_on":      waitingOn,
					"elapsed_seconds": int(time.Since(began).Seconds()),
				})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func appendJSONL(path string, record map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return enc.Encode(record)
}

// #endregion logger

// #region live-line

func (l *Logger) updateState(record map[string]any) {
	l.state["elapsed_seconds"] = int(time.Since(l.started).Seconds())
	for _, key := range liveKeys {
		if v, ok := record[key]; ok && v != nil && v != "" {
			l.state[key] = v
		}
	}
}

func (l *Logger) buildLiveLine(event string) string {
	epoch, _ := asInt(l.state["epoch"])
	epochBar := renderBar(epoch, l.maxEpochs, 14)

	progress, _ := l.state["progress"].(string)
	cur, total := parseProgressToken(progress)
	scenarioBar := renderBar(cur, total, 8)

	elapsed, _ := asInt(l.state["elapsed_seconds"])
	parts := []string{
		"E" + epochBar,
		"S" + scenarioBar,
		"t+" + formatDuration(elapsed),
	}
	if l.maxEpochs > 0 {
		parts = append(parts, fmt.Sprintf("epoch=%d/%d", epoch, l.maxEpochs))
	}
	parts = append(parts, event)
	for _, key := range []string{"label", "partition", "scenario_id", "role"} {
		if v, ok := l.state[key].(string); ok && v != "" {
			parts = append(parts, key+"="+v)
		}
	}
	for _, key := range []string{"train_score", "holdout_score"} {
		if v, ok := l.state[key]; ok && v != nil {
			parts = append(parts, fmt.Sprintf("%s=%v", key, v))
		}
	}
	return strings.Join(parts, " ")
}

func (l *Logger) writeLiveLine(line string) {
	padded := line
	if len(line) < l.lastLen {
		padded = line + strings.Repeat(" ", l.lastLen-len(line))
	}
	fmt.Fprint(os.Stderr, "\r"+padded)
	l.lastLen = len(line)
}

func renderBar(current, total, width int) string {
	if total <= 0 {
		return "[" + strings.Repeat("-", width) + "]"
	}
	if current < 0 {
		current = 0
	}
	if current > total {
		current = total
	}
	filled := int(math.Round(float64(current) / float64(total) * float64(width)))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

func formatRecord(record map[string]any) string {
	ts, _ := record["ts"].(string)
	event, _ := record["event"].(string)

	epochPart := ""
	if epoch, ok := asInt(record["epoch"]); ok {
		if percent, isFloat := record["epoch_percent"].(float64); isFloat {
			epochPart = fmt.Sprintf(" epoch=%d (%.1f%%)", epoch, percent)
		} else {
			epochPart = fmt.Sprintf(" epoch=%d", epoch)
		}
	}

	details := make([]string, 0, 8)
	for _, key := range []string{
		"label", "partition", "scenario_id", "progress", "role", "exit_code",
		"elapsed_seconds", "train_score", "holdout_score", "hard_pass_rate", "reason",
	} {
		v, ok := record[key]
		if !ok || v == nil || v == "" {
			continue
		}
		details = append(details, fmt.Sprintf("%s=%v", key, v))
	}
	detailText := ""
	if len(details) > 0 {
		detailText = " | " + strings.Join(details, ", ")
	}
	return fmt.Sprintf("[evo %s] %s%s%s", ts, event, epochPart, detailText)
}

func parseProgressToken(token string) (int, int) {
	left, right, found := strings.Cut(token, "/")
	if !found {
		return 0, 0
	}
	cur, err1 := strconv.Atoi(strings.TrimSpace(left))
	total, err2 := strconv.Atoi(strings.TrimSpace(right))
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, 0
	}
	if cur < 0 {
		cur = 0
	}
	return cur, total
}

func formatDuration(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	minutes, rem := seconds/60, seconds%60
	if minutes < 60 {
		return fmt.Sprintf("%dm%02ds", minutes, rem)
	}
	hours, mins := minutes/60, minutes%60
	return fmt.Sprintf("%dh%02dm", hours, mins)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// #endregion live-line

// #region read-jsonl

// ReadJSONL loads every record of a progress file, skipping blank lines.
func ReadJSONL(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records := make([]map[string]any, 0, 64)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// SortedKeys returns map keys in stable order; artifact payloads use it to
// keep event summaries deterministic.
func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// #endregion read-jsonl
