// Package ledger records job attempts and their outcomes in a relational
// store shared by every worker.
//
// All writes are append-only inserts into the attempts, successes and
// failures tables. Counts are computed on read; there are no mutable
// counters, so concurrent workers cannot lose updates.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/langmead-lab/recount-pump/pkg/task"
)

// Outcome is the result class of a finished attempt.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// EventKind labels a row in a job's history.
type EventKind string

// Event kinds.
const (
	EventAttempt EventKind = "attempt"
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
)

// Attempt is one recorded start of a job.
type Attempt struct {
	ProjectID int64
	InputID   int64
	Time      time.Time
	Node      string
	Worker    string

	// Ordinal is the 1-based attempt number for the job.
	Ordinal int
}

// Result is one recorded finish of a job.
type Result struct {
	ProjectID int64
	InputID   int64
	Time      time.Time
	Node      string
	Worker    string
	Outcome   Outcome
}

// Counts summarizes a job's ledger rows.
type Counts struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Done reports whether any attempt succeeded.
func (c Counts) Done() bool {
	return c.Successes > 0
}

// InFlight is the number of attempts without a recorded outcome.
func (c Counts) InFlight() int {
	return c.Attempts - c.Successes - c.Failures
}

// Event is one row of a job's history, oldest first.
type Event struct {
	Kind      EventKind `json:"kind"`
	ProjectID int64     `json:"project_id"`
	InputID   int64     `json:"input_id"`
	Time      time.Time `json:"time"`
	Node      string    `json:"node"`
	Worker    string    `json:"worker"`
	Ordinal   int       `json:"ordinal,omitempty"`
}

// Store is the attempt ledger.
type Store interface {
	RecordAttempt(ctx context.Context, job task.Job, node, worker string) (Attempt, error)
	RecordSuccess(ctx context.Context, job task.Job, node, worker string) error
	RecordFailure(ctx context.Context, job task.Job, node, worker string) error

	CountAttempts(ctx context.Context, job task.Job) (int, error)
	CountSuccesses(ctx context.Context, job task.Job) (int, error)
	CountFailures(ctx context.Context, job task.Job) (int, error)
	Counts(ctx context.Context, job task.Job) (Counts, error)

	History(ctx context.Context, job task.Job) ([]Event, error)

	Ping(ctx context.Context) error
	Close() error
}

// Drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown ledger driver")

// Config selects and configures the ledger store.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string

	// Path is a local SQLite database file, or ":memory:".
	Path string

	// URL is a libsql/Turso URL for the sqlite driver, or a postgres:// URL.
	URL string

	// AuthToken is appended to libsql URLs.
	AuthToken string

	// MaxConns caps the postgres pool. Zero uses DefaultMaxConns.
	MaxConns int
}

// DefaultMaxConns is the postgres pool size for one worker process.
const DefaultMaxConns = 2

// Open returns the store selected by cfg.Driver with its schema applied.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, cfg)
	case DriverPostgres, "postgresql", "pgx":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}
