package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/langmead-lab/recount-pump/pkg/task"
)

// SQLiteStore is a Store on a local SQLite file, an in-memory database or
// a libsql server.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens the database named by cfg.Path or cfg.URL and applies
// the schema.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// RecordAttempt inserts an attempt row. The ordinal is derived from the
// job's existing attempts by the same statement that inserts the row.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, job task.Job, node, worker string) (Attempt, error) {
	at := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Attempt{}, fmt.Errorf("begin attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ordinal int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO attempts (project_id, input_id, ordinal, attempted_at, node, worker)
		SELECT ?, ?, COALESCE(MAX(ordinal), 0) + 1, ?, ?, ?
		FROM attempts WHERE project_id = ? AND input_id = ?
		RETURNING ordinal`,
		job.ProjectID, job.InputID, formatTime(at), node, worker, job.ProjectID, job.InputID,
	).Scan(&ordinal)
	if err != nil {
		return Attempt{}, fmt.Errorf("record attempt %s: %w", job, err)
	}
	if err := tx.Commit(); err != nil {
		return Attempt{}, fmt.Errorf("commit attempt %s: %w", job, err)
	}

	return Attempt{
		ProjectID: job.ProjectID,
		InputID:   job.InputID,
		Time:      at,
		Node:      node,
		Worker:    worker,
		Ordinal:   ordinal,
	}, nil
}

// RecordSuccess inserts a success row.
func (s *SQLiteStore) RecordSuccess(ctx context.Context, job task.Job, node, worker string) error {
	return s.recordResult(ctx, "successes", job, node, worker)
}

// RecordFailure inserts a failure row.
func (s *SQLiteStore) RecordFailure(ctx context.Context, job task.Job, node, worker string) error {
	return s.recordResult(ctx, "failures", job, node, worker)
}

func (s *SQLiteStore) recordResult(ctx context.Context, table string, job task.Job, node, worker string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	// table is one of two constants above.
	query := `INSERT INTO ` + table + ` (project_id, input_id, recorded_at, node, worker) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, job.ProjectID, job.InputID, formatTime(s.now()), node, worker); err != nil {
		return fmt.Errorf("insert into %s for %s: %w", table, job, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s for %s: %w", table, job, err)
	}
	return nil
}

// CountAttempts returns the number of attempts recorded for job.
func (s *SQLiteStore) CountAttempts(ctx context.Context, job task.Job) (int, error) {
	return s.count(ctx, "attempts", job)
}

// CountSuccesses returns the number of successes recorded for job.
func (s *SQLiteStore) CountSuccesses(ctx context.Context, job task.Job) (int, error) {
	return s.count(ctx, "successes", job)
}

// CountFailures returns the number of failures recorded for job.
func (s *SQLiteStore) CountFailures(ctx context.Context, job task.Job) (int, error) {
	return s.count(ctx, "failures", job)
}

func (s *SQLiteStore) count(ctx context.Context, table string, job task.Job) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE project_id = ? AND input_id = ?`,
		job.ProjectID, job.InputID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s for %s: %w", table, job, err)
	}
	return n, nil
}

// Counts returns all three counts from one snapshot.
func (s *SQLiteStore) Counts(ctx context.Context, job task.Job) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM attempts WHERE project_id = ?1 AND input_id = ?2),
			(SELECT COUNT(*) FROM successes WHERE project_id = ?1 AND input_id = ?2),
			(SELECT COUNT(*) FROM failures WHERE project_id = ?1 AND input_id = ?2)`,
		job.ProjectID, job.InputID,
	).Scan(&c.Attempts, &c.Successes, &c.Failures)
	if err != nil {
		return Counts{}, fmt.Errorf("counts for %s: %w", job, err)
	}
	return c, nil
}

// History returns every ledger row for job, oldest first.
func (s *SQLiteStore) History(ctx context.Context, job task.Job) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'attempt', attempted_at, node, worker, ordinal, id FROM attempts WHERE project_id = ?1 AND input_id = ?2
		UNION ALL
		SELECT 'success', recorded_at, node, worker, 0, id FROM successes WHERE project_id = ?1 AND input_id = ?2
		UNION ALL
		SELECT 'failure', recorded_at, node, worker, 0, id FROM failures WHERE project_id = ?1 AND input_id = ?2
		ORDER BY 2, 1, 6`,
		job.ProjectID, job.InputID,
	)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", job, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			kind, at string
			id       int64
		)
		ev := Event{ProjectID: job.ProjectID, InputID: job.InputID}
		if err := rows.Scan(&kind, &at, &ev.Node, &ev.Worker, &ev.Ordinal, &id); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ev.Kind = EventKind(kind)
		if ev.Time, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("parse history time %q: %w", at, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
