// Package checkpoint maintains the durable per-subject completion ledger that
// makes interrupted runs resumable. Every work item resolution is recorded
// before the run relies on it; a failed ledger write aborts the run rather
// than risk silently skipping a subject on resume.
package checkpoint

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/marketscan/internal/domain"
)

// Status is the ledger state of one (subject, kind) within a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	// StatusExhausted marks an item that failed again on its resume retry.
	// Exhausted items are terminal within their run and never re-enqueued.
	StatusExhausted Status = "exhausted"
)

// Key addresses one unit of work inside a run.
type Key struct {
	Subject domain.Subject
	Kind    domain.SeriesKind
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id       TEXT    PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER
);
CREATE TABLE IF NOT EXISTS run_subjects (
	run_id     TEXT    NOT NULL REFERENCES runs(run_id),
	subject    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	status     TEXT    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, subject, kind)
);
CREATE INDEX IF NOT EXISTS idx_run_subjects_status ON run_subjects (run_id, status);
`

// Ledger provides checkpoint operations over a dedicated SQLite database
// opened with the checkpoint durability profile (fsync per write).
//
// Updates from different workers interleave; a single mutex serializes writes
// so interleaving never corrupts the ledger.
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger
	mu  sync.Mutex
}

// NewLedger creates the ledger and its schema.
func NewLedger(db *sql.DB, log zerolog.Logger) (*Ledger, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint schema: %w", err)
	}
	return &Ledger{
		db:  db,
		log: log.With().Str("component", "checkpoint").Logger(),
	}, nil
}

// Begin creates a new run with every key PENDING, in one transaction, and
// returns the generated run ID.
func (l *Ledger) Begin(keys []Key) (string, error) {
	runID := uuid.NewString()
	now := time.Now().Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return "", fmt.Errorf("%w: failed to begin transaction: %v", domain.ErrCheckpointWrite, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO runs (run_id, started_at) VALUES (?, ?)", runID, now); err != nil {
		return "", fmt.Errorf("%w: failed to insert run: %v", domain.ErrCheckpointWrite, err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO run_subjects (run_id, subject, kind, status, updated_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return "", fmt.Errorf("%w: failed to prepare insert: %v", domain.ErrCheckpointWrite, err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.Exec(runID, key.Subject, string(key.Kind), string(StatusPending), now); err != nil {
			return "", fmt.Errorf("%w: failed to insert subject %s: %v", domain.ErrCheckpointWrite, key.Subject, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: failed to commit run: %v", domain.ErrCheckpointWrite, err)
	}

	l.log.Info().Str("run_id", runID).Int("subjects", len(keys)).Msg("Checkpoint run started")
	return runID, nil
}

// LatestOpenRun returns the most recent run without a completed_at stamp.
// Returns empty string when every run has completed.
func (l *Ledger) LatestOpenRun() (string, error) {
	var runID string
	err := l.db.QueryRow(
		"SELECT run_id FROM runs WHERE completed_at IS NULL ORDER BY started_at DESC LIMIT 1",
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query open runs: %w", err)
	}
	return runID, nil
}

// Mark records the resolution of one work item. The write is durable before
// Mark returns; failures wrap domain.ErrCheckpointWrite and are fatal for the
// run.
func (l *Ledger) Mark(runID string, key Key, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.Exec(
		"UPDATE run_subjects SET status = ?, updated_at = ? WHERE run_id = ? AND subject = ? AND kind = ?",
		string(status), time.Now().Unix(), runID, key.Subject, string(key.Kind))
	if err != nil {
		return fmt.Errorf("%w: failed to mark %s %s: %v", domain.ErrCheckpointWrite, key.Subject, status, err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return fmt.Errorf("%w: no ledger row for %s/%s in run %s", domain.ErrCheckpointWrite, key.Subject, key.Kind, runID)
	}

	return nil
}

// Statuses returns the full status map for a run.
func (l *Ledger) Statuses(runID string) (map[Key]Status, error) {
	rows, err := l.db.Query(
		"SELECT subject, kind, status FROM run_subjects WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run subjects: %w", err)
	}
	defer rows.Close()

	statuses := make(map[Key]Status)
	for rows.Next() {
		var subject, kind, status string
		if err := rows.Scan(&subject, &kind, &status); err != nil {
			return nil, fmt.Errorf("failed to scan run subject: %w", err)
		}
		statuses[Key{Subject: subject, Kind: domain.SeriesKind(kind)}] = Status(status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run subjects: %w", err)
	}

	return statuses, nil
}

// AddKeys inserts PENDING rows for keys not already present in the run.
// Used on resume when the subject universe grew since the interrupted run.
func (l *Ledger) AddKeys(runID string, keys []Key) error {
	now := time.Now().Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", domain.ErrCheckpointWrite, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		"INSERT OR IGNORE INTO run_subjects (run_id, subject, kind, status, updated_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%w: failed to prepare insert: %v", domain.ErrCheckpointWrite, err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.Exec(runID, key.Subject, string(key.Kind), string(StatusPending), now); err != nil {
			return fmt.Errorf("%w: failed to add subject %s: %v", domain.ErrCheckpointWrite, key.Subject, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %v", domain.ErrCheckpointWrite, err)
	}

	return nil
}

// Complete stamps the run as finished. Completed runs are never resumed.
func (l *Ledger) Complete(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec(
		"UPDATE runs SET completed_at = ? WHERE run_id = ?", time.Now().Unix(), runID); err != nil {
		return fmt.Errorf("%w: failed to complete run %s: %v", domain.ErrCheckpointWrite, runID, err)
	}

	l.log.Info().Str("run_id", runID).Msg("Checkpoint run completed")
	return nil
}

// StartedAt returns the start time of a run.
func (l *Ledger) StartedAt(runID string) (time.Time, error) {
	var startedAt int64
	err := l.db.QueryRow("SELECT started_at FROM runs WHERE run_id = ?", runID).Scan(&startedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	return time.Unix(startedAt, 0).UTC(), nil
}

// PruneCompleted removes completed runs older than the retention cutoff,
// keeping ledger growth bounded across daily scans.
func (l *Ledger) PruneCompleted(olderThan time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := olderThan.Unix()

	if _, err := l.db.Exec(`
		DELETE FROM run_subjects WHERE run_id IN
		(SELECT run_id FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune run subjects: %w", err)
	}

	res, err := l.db.Exec(
		"DELETE FROM runs WHERE completed_at IS NOT NULL AND completed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	pruned, _ := res.RowsAffected()
	if pruned > 0 {
		l.log.Info().Int64("runs_pruned", pruned).Msg("Pruned completed checkpoint runs")
	}
	return pruned, nil
}
