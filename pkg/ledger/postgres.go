package ledger

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/langmead-lab/recount-pump/pkg/retry"
	"github.com/langmead-lab/recount-pump/pkg/task"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// PostgresStore is a Store on a shared Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// OpenPostgres runs the embedded migrations against cfg.URL and connects a
// pool sized for a single worker.
func OpenPostgres(ctx context.Context, cfg Config) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("ledger url is required for the postgres driver")
	}
	if err := RunMigrations(cfg.URL); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ledger URL: %w", err)
	}
	poolCfg.MaxConns = int32(DefaultMaxConns)
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to ledger: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	return NewPostgresStore(pool), nil
}

// NewPostgresStore wraps an existing pool. The schema must already exist.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// RunMigrations applies the embedded schema migrations to the database at
// url.
func RunMigrations(url string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load ledger migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(url))
	if err != nil {
		return fmt.Errorf("init ledger migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply ledger migrations: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres URL to the scheme of migrate's pgx driver.
func migrateURL(url string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, prefix) {
			return "pgx5://" + strings.TrimPrefix(url, prefix)
		}
	}
	return url
}

// RecordAttempt inserts an attempt row with the next ordinal. Attempts on
// one job are serialized by a transaction-scoped advisory lock; a unique
// violation on the ordinal is still retried with a fresh read.
func (s *PostgresStore) RecordAttempt(ctx context.Context, job task.Job, node, worker string) (Attempt, error) {
	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Millisecond,
		Multiplier:     2,
		Retryable: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
		},
	}
	return retry.DoValue(ctx, policy, func(ctx context.Context) (Attempt, error) {
		return s.insertAttempt(ctx, job, node, worker)
	})
}

func (s *PostgresStore) insertAttempt(ctx context.Context, job task.Job, node, worker string) (Attempt, error) {
	at := s.now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Attempt{}, fmt.Errorf("begin attempt tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize attempts per job for the rest of the transaction.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "ledger:"+job.String()); err != nil {
		return Attempt{}, fmt.Errorf("lock job %s: %w", job, err)
	}

	var ordinal int
	err = tx.QueryRow(ctx, `
		INSERT INTO attempts (project_id, input_id, ordinal, attempted_at, node, worker)
		SELECT $1, $2, COALESCE(MAX(ordinal), 0) + 1, $3, $4, $5
		FROM attempts WHERE project_id = $1 AND input_id = $2
		RETURNING ordinal`,
		job.ProjectID, job.InputID, at, node, worker,
	).Scan(&ordinal)
	if err != nil {
		return Attempt{}, fmt.Errorf("record attempt %s: %w", job, err)
	}
	if err := tx.Commit(ctx); err != nil {
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
func (s *PostgresStore) RecordSuccess(ctx context.Context, job task.Job, node, worker string) error {
	return s.recordResult(ctx, "successes", job, node, worker)
}

// RecordFailure inserts a failure row.
func (s *PostgresStore) RecordFailure(ctx context.Context, job task.Job, node, worker string) error {
	return s.recordResult(ctx, "failures", job, node, worker)
}

func (s *PostgresStore) recordResult(ctx context.Context, table string, job task.Job, node, worker string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (project_id, input_id, recorded_at, node, worker) VALUES ($1, $2, $3, $4, $5)`,
		job.ProjectID, job.InputID, s.now().UTC(), node, worker)
	if err != nil {
		return fmt.Errorf("insert into %s for %s: %w", table, job, err)
	}
	return nil
}

// CountAttempts returns the number of attempts recorded for job.
func (s *PostgresStore) CountAttempts(ctx context.Context, job task.Job) (int, error) {
	return s.count(ctx, "attempts", job)
}

// CountSuccesses returns the number of successes recorded for job.
func (s *PostgresStore) CountSuccesses(ctx context.Context, job task.Job) (int, error) {
	return s.count(ctx, "successes", job)
}

// CountFailures returns the number of failures recorded for job.
func (s *PostgresStore) CountFailures(ctx context.Context, job task.Job) (int, error) {
	return s.count(ctx, "failures", job)
}

func (s *PostgresStore) count(ctx context.Context, table string, job task.Job) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE project_id = $1 AND input_id = $2`,
		job.ProjectID, job.InputID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s for %s: %w", table, job, err)
	}
	return n, nil
}

// Counts returns all three counts from one snapshot.
func (s *PostgresStore) Counts(ctx context.Context, job task.Job) (Counts, error) {
	var c Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM attempts WHERE project_id = $1 AND input_id = $2),
			(SELECT COUNT(*) FROM successes WHERE project_id = $1 AND input_id = $2),
			(SELECT COUNT(*) FROM failures WHERE project_id = $1 AND input_id = $2)`,
		job.ProjectID, job.InputID,
	).Scan(&c.Attempts, &c.Successes, &c.Failures)
	if err != nil {
		return Counts{}, fmt.Errorf("counts for %s: %w", job, err)
	}
	return c, nil
}

// History returns every ledger row for job, oldest first.
func (s *PostgresStore) History(ctx context.Context, job task.Job) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, at, node, worker, ordinal FROM (
			SELECT 'attempt' AS kind, attempted_at AS at, node, worker, ordinal, id FROM attempts WHERE project_id = $1 AND input_id = $2
			UNION ALL
			SELECT 'success', recorded_at, node, worker, 0, id FROM successes WHERE project_id = $1 AND input_id = $2
			UNION ALL
			SELECT 'failure', recorded_at, node, worker, 0, id FROM failures WHERE project_id = $1 AND input_id = $2
		) h
		ORDER BY at, kind, id`,
		job.ProjectID, job.InputID,
	)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", job, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var kind string
		ev := Event{ProjectID: job.ProjectID, InputID: job.InputID}
		if err := rows.Scan(&kind, &ev.Time, &ev.Node, &ev.Worker, &ev.Ordinal); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ev.Kind = EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
