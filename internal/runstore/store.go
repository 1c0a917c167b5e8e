package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/state"
)

// Store persists pipeline state snapshots and their outcomes in SQLite. It
// satisfies state.Persister.
type Store struct {
	db   *sql.DB
	path string
}

var _ state.Persister = (*Store)(nil)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open initializes or connects to the run database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts the run row and rewrites its outcome rows in one transaction.
func (s *Store) Save(ctx context.Context, ps state.PipelineState) error {
	ctx = ensureContext(ctx)
	snapshot, err := ps.Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return retryOnBusy(ctx, func() error {
		return s.saveTx(ctx, ps, string(snapshot))
	})
}

func (s *Store) saveTx(ctx context.Context, ps state.PipelineState, snapshot string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var finished any
	if ps.FinishedAt != nil {
		finished = formatTime(*ps.FinishedAt)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO runs (run_id, goal, lifecycle, reason, escalated, started_at, updated_at, finished_at, snapshot)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    goal = excluded.goal,
    lifecycle = excluded.lifecycle,
    reason = excluded.reason,
    escalated = excluded.escalated,
    updated_at = excluded.updated_at,
    finished_at = excluded.finished_at,
    snapshot = excluded.snapshot`,
		ps.RunID, ps.Goal, string(ps.Lifecycle), ps.Reason, boolToInt(ps.Escalated()),
		formatTime(ps.StartedAt), formatTime(ps.UpdatedAt), finished, snapshot,
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM outcomes WHERE run_id = ?", ps.RunID); err != nil {
		return fmt.Errorf("clear outcomes: %w", err)
	}
	for i, o := range orderedOutcomes(ps) {
		_, err := tx.ExecContext(ctx, `
INSERT INTO outcomes (run_id, seq, worker, status, exit_code, started_at, finished_at, duration_ms, error_detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ps.RunID, i, o.Worker, string(o.Status), o.ExitCode,
			formatTime(o.StartedAt), formatTime(o.FinishedAt), o.Duration().Milliseconds(), o.ErrorDetail,
		)
		if err != nil {
			return fmt.Errorf("insert outcome %s: %w", o.Worker, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load returns the latest snapshot for runID.
func (s *Store) Load(ctx context.Context, runID string) (state.PipelineState, error) {
	ctx = ensureContext(ctx)
	var snapshot string
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT snapshot FROM runs WHERE run_id = ?", runID).Scan(&snapshot)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return state.PipelineState{}, fmt.Errorf("%w: %s", state.ErrRunNotFound, runID)
	}
	if err != nil {
		return state.PipelineState{}, fmt.Errorf("load run: %w", err)
	}
	ps, err := state.Unmarshal([]byte(snapshot))
	if err != nil {
		return state.PipelineState{}, fmt.Errorf("decode snapshot for %s: %w", runID, err)
	}
	return ps, nil
}

// List returns every run, most recently started first.
func (s *Store) List(ctx context.Context) ([]state.PipelineState, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, "SELECT snapshot FROM runs ORDER BY started_at DESC, run_id DESC")
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []state.PipelineState
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		ps, err := state.Unmarshal([]byte(snapshot))
		if err != nil {
			continue
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// WorkerStat aggregates outcomes for one worker across all runs.
type WorkerStat struct {
	Worker      string
	Runs        int
	Successes   int
	Failures    int
	Timeouts    int
	AvgDuration time.Duration
}

// WorkerStats summarizes recorded outcomes per worker, sorted by name.
func (s *Store) WorkerStats(ctx context.Context) ([]WorkerStat, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT worker,
       COUNT(1),
       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
       COALESCE(AVG(duration_ms), 0)
FROM outcomes
GROUP BY worker`,
		string(state.StatusSuccess), string(state.StatusFailure), string(state.StatusTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("query worker stats: %w", err)
	}
	defer rows.Close()

	var stats []WorkerStat
	for rows.Next() {
		var (
			stat  WorkerStat
			avgMS float64
		)
		if err := rows.Scan(&stat.Worker, &stat.Runs, &stat.Successes, &stat.Failures, &stat.Timeouts, &avgMS); err != nil {
			return nil, fmt.Errorf("scan worker stats: %w", err)
		}
		stat.AvgDuration = time.Duration(avgMS * float64(time.Millisecond))
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Worker < stats[j].Worker })
	return stats, nil
}

// Delete removes a run and its outcomes.
func (s *Store) Delete(ctx context.Context, runID string) error {
	ctx = ensureContext(ctx)
	return retryOnBusy(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM outcomes WHERE run_id = ?", runID); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE run_id = ?", runID)
		return err
	})
}

func orderedOutcomes(ps state.PipelineState) []state.Outcome {
	all := make([]state.Outcome, 0, len(ps.Completed)+len(ps.Failed))
	all = append(all, ps.Completed...)
	all = append(all, ps.Failed...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].FinishedAt.Before(all[j].FinishedAt) })
	return all
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
