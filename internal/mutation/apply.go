package mutation

// #region imports
import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danielpatrickdp/evoloop/internal/snapshot"
)

// #endregion imports

// #region transaction

// OpKind enumerates the closed set of mutation operation variants.
type OpKind string

const (
	OpWriteFile    OpKind = "write_file"
	OpReplaceText  OpKind = "replace_text"
	OpInsertAfter  OpKind = "insert_after"
	OpInsertBefore OpKind = "insert_before"
	OpAppendText   OpKind = "append_text"
)

// Backup is the exact pre-image of one touched path.
type Backup struct {
	Existed bool
	Content string
}

// Transaction records one apply attempt. ChangedPaths keeps first-touch
// order, Backups holds exactly one pre-image per distinct absolute path,
// and a non-empty Errors means the walk aborted and was rolled back.
type Transaction struct {
	ChangedPaths []string
	Backups      map[string]Backup
	Errors       []string
}

// Failed reports whether the apply walk aborted before completing.
func (t *Transaction) Failed() bool { return len(t.Errors) > 0 }

// Apply walks the proposal's operations in order inside one transaction.
// The first failing operation records "<path>: <err>", rolls the whole
// transaction back, and stops the walk.
func (m *Mutator) Apply(proposal *Proposal) *Transaction {
	tx := &Transaction{Backups: map[string]Backup{}}
	for _, op := range proposal.Operations {
		if err := m.applyOne(tx, op); err != nil {
			tx.Errors = append(tx.Errors, fmt.Sprintf("%s: %v", op.Path, err))
			m.Rollback(tx)
			break
		}
	}
	return tx
}

func (m *Mutator) applyOne(tx *Transaction, op Operation) error {
	path, err := m.resolvePath(op.Path)
	if err != nil {
		return err
	}
	if _, seen := tx.Backups[path]; !seen {
		content, err := readFileOrEmpty(path)
		if err != nil {
			return err
		}
		existed := false
		if _, statErr := os.Stat(path); statErr == nil {
			existed = true
		}
		tx.Backups[path] = Backup{Existed: existed, Content: content}
	}
	if err := applyOperation(path, op); err != nil {
		return err
	}
	for _, seen := range tx.ChangedPaths {
		if seen == path {
			return nil
		}
	}
	tx.ChangedPaths = append(tx.ChangedPaths, path)
	return nil
}

// Rollback restores the pre-image bytes of every backed-up path that
// existed and removes every path that did not. Re-running it is harmless:
// the backups still describe the same pre-apply state.
func (m *Mutator) Rollback(tx *Transaction) {
	for path, backup := range tx.Backups {
		if backup.Existed {
			_ = os.MkdirAll(filepath.Dir(path), 0o755)
			_ = os.WriteFile(path, []byte(backup.Content), 0o644)
			continue
		}
		if _, err := os.Stat(path); err == nil {
			_ = os.Remove(path)
		}
	}
}

// resolvePath maps a proposal path to an absolute workspace path and
// enforces the mutation path policy. Deny wins over allow; both match on
// whole path segments only.
func (m *Mutator) resolvePath(raw string) (string, error) {
	root := filepath.Clean(m.WorkspaceRoot)
	candidate := filepath.Join(root, filepath.FromSlash(normalizePath(raw)))
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes workspace root")
	}

	relPosix := normalizePath(rel)
	if matchesPrefix(relPosix, m.Config.DenyPaths) {
		return "", errors.New("path is denied by mutation policy")
	}
	if !matchesPrefix(relPosix, m.Config.AllowPaths) {
		return "", errors.New("path is outside mutation allow-list")
	}
	return candidate, nil
}

// applyOperation executes one variant against the resolved path. Each
// variant checks its own preconditions before touching the file.
func applyOperation(path string, op Operation) error {
	if OpKind(op.Op) == OpWriteFile {
		if op.Content == nil {
			return errors.New("write_file requires content")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(*op.Content), 0o644)
	}

	current, err := readFileOrEmpty(path)
	if err != nil {
		return err
	}

	switch OpKind(op.Op) {
	case OpReplaceText:
		if op.Find == nil || op.Replace == nil {
			return errors.New("replace_text requires find and replace")
		}
		if !strings.Contains(current, *op.Find) {
			return errors.New("find text not found")
		}
		return os.WriteFile(path, []byte(strings.Replace(current, *op.Find, *op.Replace, 1)), 0o644)
	case OpInsertAfter, OpInsertBefore:
		if op.Anchor == nil || op.Text == nil {
			return fmt.Errorf("%s requires anchor and text", op.Op)
		}
		index := strings.Index(current, *op.Anchor)
		if index == -1 {
			return errors.New("anchor not found")
		}
		if OpKind(op.Op) == OpInsertAfter {
			index += len(*op.Anchor)
		}
		return os.WriteFile(path, []byte(current[:index]+*op.Text+current[index:]), 0o644)
	case OpAppendText:
		if op.Text == nil {
			return errors.New("append_text requires text")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(current+*op.Text), 0o644)
	}
	return fmt.Errorf("unsupported mutation operation: %s", op.Op)
}

// #endregion transaction

// #region delta

// DeltaPolicy carries the path classes the delta analysis grades against.
type DeltaPolicy struct {
	SkillPaths     []string
	HydrationPaths []string
	RuntimePaths   []string
}

// DeltaEntry grades one changed path.
type DeltaEntry struct {
	Path              string `json:"path"`
	Existed           bool   `json:"existed"`
	ContentChanged    bool   `json:"content_changed"`
	MeaningfulChanged bool   `json:"meaningful_changed"`
	TouchesSkill      bool   `json:"touches_active_skill"`
	TouchesRuntime    bool   `json:"touches_runtime"`
	Eligible          bool   `json:"eligible"`
}

// Delta summarizes what a transaction really changed and how well the
// proposal lines up with recent failure themes.
type Delta struct {
	ChangedFileCount      int          `json:"changed_file_count"`
	EligibleFileCount     int          `json:"eligible_file_count"`
	EligiblePaths         []string     `json:"eligible_paths"`
	HydrationPathsTouched int          `json:"required_hydration_paths_touched"`
	HydrationPaths        []string     `json:"required_hydration_paths"`
	FailureAlignment      float64      `json:"failure_alignment_score"`
	FailureAlignmentHits  []string     `json:"failure_alignment_hits"`
	FailureKeywords       []string     `json:"failure_alignment_keywords"`
	HasEvolutionDiff      bool         `json:"has_required_evolution_diff"`
	Entries               []DeltaEntry `json:"entries"`
}

// AnalyzeDelta grades every path the transaction touched. A path counts as
// eligible when its content changed beyond whitespace and it sits on a
// hydrated skill path or a runtime-lane path.
func (m *Mutator) AnalyzeDelta(tx *Transaction, proposal *Proposal, policy DeltaPolicy, recentFailures []snapshot.Failure) (*Delta, error) {
	root := filepath.Clean(m.WorkspaceRoot)
	entries := make([]DeltaEntry, 0, len(tx.ChangedPaths))
	for _, path := range tx.ChangedPaths {
		backup, ok := tx.Backups[path]
		if !ok {
			continue
		}
		after, err := readFileOrEmpty(path)
		if err != nil {
			return nil, fmt.Errorf("read changed path: %w", err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		relPosix := normalizePath(rel)
		meaningful := meaningfulText(backup.Content) != meaningfulText(after)
		touchesSkill := matchesPrefix(relPosix, policy.SkillPaths)
		touchesRuntime := matchesPrefix(relPosix, policy.RuntimePaths)
		entries = append(entries, DeltaEntry{
			Path:              relPosix,
			Existed:           backup.Existed,
			ContentChanged:    backup.Content != after,
			MeaningfulChanged: meaningful,
			TouchesSkill:      touchesSkill,
			TouchesRuntime:    touchesRuntime,
			Eligible:          meaningful && (touchesSkill || touchesRuntime),
		})
	}

	delta := &Delta{
		EligiblePaths:        []string{},
		HydrationPaths:       []string{},
		FailureAlignmentHits: []string{},
		FailureKeywords:      []string{},
		Entries:              entries,
	}
	eligible := make([]DeltaEntry, 0, len(entries))
	for _, entry := range entries {
		if !entry.ContentChanged {
			continue
		}
		delta.ChangedFileCount++
		if !entry.Eligible {
			continue
		}
		eligible = append(eligible, entry)
		delta.EligiblePaths = append(delta.EligiblePaths, entry.Path)
		if matchesPrefix(entry.Path, policy.HydrationPaths) {
			delta.HydrationPathsTouched++
			delta.HydrationPaths = append(delta.HydrationPaths, entry.Path)
		}
	}
	delta.EligibleFileCount = len(eligible)
	delta.HasEvolutionDiff = len(eligible) > 0

	score, hits, keywords := alignFailures(proposal, eligible, recentFailures)
	delta.FailureAlignment = score
	delta.FailureAlignmentHits = hits
	delta.FailureKeywords = keywords
	return delta, nil
}

// TouchesRuntimeLane reports whether any proposed operation targets a
// runtime-lane path. Checked before apply so the orchestrator can widen
// the baseline first.
func TouchesRuntimeLane(proposal *Proposal, runtimePaths []string) bool {
	if proposal == nil {
		return false
	}
	for _, op := range proposal.Operations {
		if matchesPrefix(strings.TrimRight(normalizePath(op.Path), "/"), runtimePaths) {
			return true
		}
	}
	return false
}

// alignFailures scores keyword overlap between the proposal corpus and the
// dominant recent-failure keywords. No keywords means no signal, score 0.
func alignFailures(proposal *Proposal, eligible []DeltaEntry, recentFailures []snapshot.Failure) (float64, []string, []string) {
	keywords := snapshot.FailureKeywords(recentFailures)
	if len(keywords) == 0 {
		return 0, []string{}, []string{}
	}

	parts := []string{proposal.Rationale, proposal.ExpectedEffect, proposal.RawResponse}
	for _, op := range proposal.Operations {
		parts = append(parts, op.Path,
			stringOrEmpty(op.Find), stringOrEmpty(op.Replace),
			stringOrEmpty(op.Anchor), stringOrEmpty(op.Text), stringOrEmpty(op.Content))
	}
	for _, entry := range eligible {
		parts = append(parts, entry.Path)
	}
	corpus := strings.ToLower(strings.Join(parts, "\n"))

	hits := []string{}
	for _, keyword := range keywords {
		if strings.Contains(corpus, keyword) {
			hits = append(hits, keyword)
		}
	}
	return float64(len(hits)) / float64(len(keywords)), hits, keywords
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// meaningfulText collapses all whitespace runs so formatting-only edits
// compare equal.
func meaningfulText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// #endregion delta
