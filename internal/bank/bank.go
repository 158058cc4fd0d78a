// Package bank is the run's accountability trail: every decision and
// candidate entry also lands in a SQLite audit store next to the JSON
// artifacts, so acceptance history survives artifact cleanup and can be
// queried across runs.
package bank

// #region imports
import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/evoloop/internal/decision"
	"github.com/danielpatrickdp/evoloop/internal/mutation"
)

// #endregion imports

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	config_json TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	stop_reason TEXT
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id              TEXT PRIMARY KEY,
	run_id                   TEXT NOT NULL,
	epoch                    INTEGER NOT NULL,
	accepted                 INTEGER NOT NULL,
	provisional              INTEGER NOT NULL,
	runtime_touched          INTEGER NOT NULL,
	reason                   TEXT NOT NULL,
	candidate_train_score    REAL NOT NULL,
	candidate_holdout_score  REAL NOT NULL,
	baseline_train_score     REAL NOT NULL,
	baseline_holdout_score   REAL NOT NULL,
	candidate_hard_pass_rate REAL NOT NULL,
	objective_progress_json  TEXT,
	delta_json               TEXT,
	created_at               TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS candidate_entries (
	entry_id           TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL,
	epoch              INTEGER NOT NULL,
	rationale          TEXT,
	expected_effect    TEXT,
	operation_count    INTEGER NOT NULL,
	changed_paths_json TEXT,
	decision_id        TEXT,
	created_at         TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (decision_id) REFERENCES decisions(decision_id)
);
`

// #endregion schema

// #region types

// Store is the SQLite audit store.
type Store struct {
	db *sql.DB
}

// DecisionRow is one persisted decision, as the inspect queries read it.
type DecisionRow struct {
	DecisionID            string
	RunID                 string
	Epoch                 int
	Accepted              bool
	Provisional           bool
	RuntimeTouched        bool
	Reason                string
	CandidateTrainScore   float64
	CandidateHoldoutScore float64
	BaselineTrainScore    float64
	BaselineHoldoutScore  float64
	CandidateHardPassRate float64
	ObjectiveProgressJSON string
	DeltaJSON             string
	CreatedAt             time.Time
}

// CandidateEntry is the stored shape of one proposed candidate.
type CandidateEntry struct {
	Rationale      string
	ExpectedEffect string
	OperationCount int
	ChangedPaths   []string
}

// RunRow summarizes one recorded run.
type RunRow struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	StopReason string
	ConfigJSON string
}

// Summary is the acceptance rollup for one run.
type Summary struct {
	RunID          string
	Decisions      int
	Accepted       int
	Provisional    int
	AcceptanceRate float64
}

// #endregion types

// #region open

// Open opens the audit store at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion open

// #region writes

// BeginRun registers a run before its first epoch.
func (s *Store) BeginRun(runID string, configJSON []byte, startedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO runs (run_id, config_json, started_at) VALUES (?, ?, ?)`,
		runID, string(configJSON), startedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

// FinishRun stamps the run's stop reason and finish time.
func (s *Store) FinishRun(runID, stopReason string, finishedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE runs SET finished_at = ?, stop_reason = ? WHERE run_id = ?`,
		finishedAt.UTC().Format(time.RFC3339Nano), stopReason, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return tx.Commit()
}

// InsertDecision persists one epoch's decision and returns its row id.
// The delta is stored alongside the verdict so replay fixtures can be
// rebuilt from the audit store alone.
func (s *Store) InsertDecision(runID string, epoch int, d decision.Decision, runtimeTouched bool, delta *mutation.Delta, createdAt time.Time) (string, error) {
	progressJSON, err := json.Marshal(d.ObjectiveProgress)
	if err != nil {
		return "", fmt.Errorf("marshal objective progress: %w", err)
	}
	var deltaPtr interface{}
	if delta != nil {
		deltaJSON, err := json.Marshal(delta)
		if err != nil {
			return "", fmt.Errorf("marshal delta: %w", err)
		}
		deltaPtr = string(deltaJSON)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	_, err = tx.Exec(
		`INSERT INTO decisions (
			decision_id, run_id, epoch, accepted, provisional, runtime_touched, reason,
			candidate_train_score, candidate_holdout_score,
			baseline_train_score, baseline_holdout_score,
			candidate_hard_pass_rate, objective_progress_json, delta_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, runID, epoch, boolInt(d.Accepted), boolInt(d.Provisional), boolInt(runtimeTouched), d.Reason,
		d.CandidateTrainScore, d.CandidateHoldoutScore,
		d.BaselineTrainScore, d.BaselineHoldoutScore,
		d.CandidateHardPassRate, string(progressJSON), deltaPtr,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// InsertCandidate persists one proposed candidate, linked to its decision.
func (s *Store) InsertCandidate(runID string, epoch int, entry CandidateEntry, decisionID string, createdAt time.Time) (string, error) {
	pathsJSON, err := json.Marshal(entry.ChangedPaths)
	if err != nil {
		return "", fmt.Errorf("marshal changed paths: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var decisionPtr interface{}
	if decisionID != "" {
		decisionPtr = decisionID
	}

	id := uuid.New().String()
	_, err = tx.Exec(
		`INSERT INTO candidate_entries (
			entry_id, run_id, epoch, rationale, expected_effect,
			operation_count, changed_paths_json, decision_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, runID, epoch, entry.Rationale, entry.ExpectedEffect,
		entry.OperationCount, string(pathsJSON), decisionPtr,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert candidate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func boolInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// #endregion writes

// #region queries

const decisionColumns = `decision_id, run_id, epoch, accepted, provisional, runtime_touched, reason,
	candidate_train_score, candidate_holdout_score,
	baseline_train_score, baseline_holdout_score,
	candidate_hard_pass_rate, objective_progress_json, delta_json, created_at`

// DecisionHistory returns a run's decisions, newest epoch first.
func (s *Store) DecisionHistory(runID string, limit int) ([]DecisionRow, error) {
	rows, err := s.db.Query(
		`SELECT `+decisionColumns+`
		 FROM decisions WHERE run_id = ? ORDER BY epoch DESC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("decision history: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// RunDecisions returns every decision of a run in epoch order.
func (s *Store) RunDecisions(runID string) ([]DecisionRow, error) {
	rows, err := s.db.Query(
		`SELECT `+decisionColumns+`
		 FROM decisions WHERE run_id = ? ORDER BY epoch ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// RecentRejections returns a run's rejected decisions, newest first.
func (s *Store) RecentRejections(runID string, limit int) ([]DecisionRow, error) {
	rows, err := s.db.Query(
		`SELECT `+decisionColumns+`
		 FROM decisions WHERE run_id = ? AND accepted = 0
		 ORDER BY epoch DESC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent rejections: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

func scanDecisions(rows *sql.Rows) ([]DecisionRow, error) {
	var out []DecisionRow
	for rows.Next() {
		var row DecisionRow
		var accepted, provisional, runtimeTouched int
		var progressJSON, deltaJSON sql.NullString
		var createdStr string
		if err := rows.Scan(
			&row.DecisionID, &row.RunID, &row.Epoch, &accepted, &provisional, &runtimeTouched, &row.Reason,
			&row.CandidateTrainScore, &row.CandidateHoldoutScore,
			&row.BaselineTrainScore, &row.BaselineHoldoutScore,
			&row.CandidateHardPassRate, &progressJSON, &deltaJSON, &createdStr,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		row.Accepted = accepted != 0
		row.Provisional = provisional != 0
		row.RuntimeTouched = runtimeTouched != 0
		if progressJSON.Valid {
			row.ObjectiveProgressJSON = progressJSON.String
		}
		if deltaJSON.Valid {
			row.DeltaJSON = deltaJSON.String
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RunSummary rolls up a run's acceptance counts.
func (s *Store) RunSummary(runID string) (Summary, error) {
	summary := Summary{RunID: runID}
	err := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(accepted), 0),
			COALESCE(SUM(provisional), 0)
		 FROM decisions WHERE run_id = ?`,
		runID,
	).Scan(&summary.Decisions, &summary.Accepted, &summary.Provisional)
	if err != nil {
		return Summary{}, fmt.Errorf("run summary: %w", err)
	}
	if summary.Decisions > 0 {
		summary.AcceptanceRate = float64(summary.Accepted) / float64(summary.Decisions)
	}
	return summary, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]RunRow, error) {
	rows, err := s.db.Query(
		`SELECT run_id, config_json, started_at, finished_at, stop_reason
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var row RunRow
		var startedStr string
		var finishedStr, stopReason sql.NullString
		if err := rows.Scan(&row.RunID, &row.ConfigJSON, &startedStr, &finishedStr, &stopReason); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		row.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		if finishedStr.Valid {
			row.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
		}
		if stopReason.Valid {
			row.StopReason = stopReason.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetRun returns one recorded run by id.
func (s *Store) GetRun(runID string) (RunRow, error) {
	var out RunRow
	var startedStr string
	var finishedStr, stopReason sql.NullString
	err := s.db.QueryRow(
		`SELECT run_id, config_json, started_at, finished_at, stop_reason
		 FROM runs WHERE run_id = ?`,
		runID,
	).Scan(&out.RunID, &out.ConfigJSON, &startedStr, &finishedStr, &stopReason)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRow{}, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return RunRow{}, fmt.Errorf("get run: %w", err)
	}
	out.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	if finishedStr.Valid {
		out.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr.String)
	}
	if stopReason.Valid {
		out.StopReason = stopReason.String
	}
	return out, nil
}

// #endregion queries
