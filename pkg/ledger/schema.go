package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the SQLite ledger schema version.
const SchemaVersion = 1

// Migrate creates the SQLite ledger schema in place. Postgres schemas are
// managed by the embedded migrations instead.
func Migrate(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			input_id INTEGER NOT NULL,
			ordinal INTEGER NOT NULL,
			attempted_at TEXT NOT NULL,
			node TEXT NOT NULL,
			worker TEXT NOT NULL,
			UNIQUE(project_id, input_id, ordinal)
		);`,

		`CREATE TABLE IF NOT EXISTS successes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			input_id INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			node TEXT NOT NULL,
			worker TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_successes_job ON successes(project_id, input_id);`,

		`CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL,
			input_id INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			node TEXT NOT NULL,
			worker TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_failures_job ON failures(project_id, input_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}
	if current > SchemaVersion {
		return fmt.Errorf("ledger schema version %d is newer than supported version %d", current, SchemaVersion)
	}
	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
