package ledger

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langmead-lab/recount-pump/pkg/task"
)

func openMemory(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAttemptOrdinals(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	job := task.Job{ProjectID: 1, InputID: 1}
	other := task.Job{ProjectID: 1, InputID: 2}

	for want := 1; want <= 3; want++ {
		a, err := s.RecordAttempt(ctx, job, "node-a", "w1")
		require.NoError(t, err)
		assert.Equal(t, want, a.Ordinal)
		assert.Equal(t, int64(1), a.ProjectID)
		assert.Equal(t, "node-a", a.Node)
	}

	a, err := s.RecordAttempt(ctx, other, "node-b", "w2")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Ordinal, "ordinals are per job")

	n, err := s.CountAttempts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCounts(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	job := task.Job{ProjectID: 7, InputID: 42}

	c, err := s.Counts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, Counts{}, c)
	assert.False(t, c.Done())

	_, err = s.RecordAttempt(ctx, job, "n", "w")
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, job, "n", "w"))
	_, err = s.RecordAttempt(ctx, job, "n", "w")
	require.NoError(t, err)
	require.NoError(t, s.RecordSuccess(ctx, job, "n", "w"))
	_, err = s.RecordAttempt(ctx, job, "n", "w")
	require.NoError(t, err)

	c, err = s.Counts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, Counts{Attempts: 3, Successes: 1, Failures: 1}, c)
	assert.True(t, c.Done())
	assert.Equal(t, 1, c.InFlight())

	succ, err := s.CountSuccesses(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, succ)
	fail, err := s.CountFailures(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, fail)
}

func TestHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	job := task.Job{ProjectID: 3, InputID: 9}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err := s.RecordAttempt(ctx, job, "n1", "w1")
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, job, "n1", "w1"))
	_, err = s.RecordAttempt(ctx, job, "n2", "w2")
	require.NoError(t, err)
	require.NoError(t, s.RecordSuccess(ctx, job, "n2", "w2"))

	events, err := s.History(ctx, job)
	require.NoError(t, err)
	require.Len(t, events, 4)

	kinds := make([]EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	assert.Equal(t, []EventKind{EventAttempt, EventFailure, EventAttempt, EventSuccess}, kinds)
	assert.Equal(t, 1, events[0].Ordinal)
	assert.Equal(t, 2, events[2].Ordinal)
	assert.Equal(t, "n2", events[3].Node)
	assert.True(t, events[0].Time.Equal(base.Add(time.Second)))

	empty, err := s.History(ctx, task.Job{ProjectID: 99, InputID: 99})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// Concurrent workers on separate connections to one database never lose a
// write and never hand out the same ordinal twice.
func TestConcurrentWritersKeepCountsConsistent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	const (
		stores     = 2
		perStore   = 3
		iterations = 15
	)
	var opened []*SQLiteStore
	for i := 0; i < stores; i++ {
		s, err := OpenSQLite(ctx, Config{Path: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		opened = append(opened, s)
	}

	job := task.Job{ProjectID: 1, InputID: 1}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ordinals []int
		errs     []error
	)
	for i := 0; i < stores*perStore; i++ {
		s := opened[i%stores]
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := 0; n < iterations; n++ {
				a, err := s.RecordAttempt(ctx, job, "node", "w")
				if err == nil {
					if n%2 == 0 {
						err = s.RecordSuccess(ctx, job, "node", "w")
					} else {
						err = s.RecordFailure(ctx, job, "node", "w")
					}
				}
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					ordinals = append(ordinals, a.Ordinal)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Empty(t, errs)

	total := stores * perStore * iterations
	c, err := opened[0].Counts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, total, c.Attempts)
	assert.Equal(t, total, c.Successes+c.Failures)
	assert.GreaterOrEqual(t, c.Attempts, c.Successes+c.Failures)

	sort.Ints(ordinals)
	require.Len(t, ordinals, total)
	for i, o := range ordinals {
		assert.Equal(t, i+1, o)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Close())

	_, err = Open(ctx, Config{Driver: "oracle"})
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(ctx, Config{Driver: DriverPostgres})
	assert.Error(t, err)

	_, err = Open(ctx, Config{})
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")

	s, err := OpenSQLite(ctx, Config{Path: path})
	require.NoError(t, err)
	_, err = s.RecordAttempt(ctx, task.Job{ProjectID: 1, InputID: 1}, "n", "w")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	n, err := s.CountAttempts(ctx, task.Job{ProjectID: 1, InputID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"memory", Config{Path: ":memory:"}, ":memory:", false},
		{"plain path", Config{Path: filepath.Join(dir, "a", "l.db")}, "file:" + filepath.Join(dir, "a", "l.db"), false},
		{"url with token", Config{URL: "libsql://db.example.io", AuthToken: "t"}, "libsql://db.example.io?authToken=t", false},
		{"url keeps token", Config{URL: "libsql://db.example.io?authToken=x", AuthToken: "t"}, "libsql://db.example.io?authToken=x", false},
		{"empty", Config{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWithBusyTimeout(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{"file", "file:/data/l.db", "file:/data/l.db?_pragma=busy_timeout(10000)"},
		{"file with query", "file:/data/l.db?mode=rwc", "file:/data/l.db?mode=rwc&_pragma=busy_timeout(10000)"},
		{"already set", "file:/data/l.db?_pragma=busy_timeout(500)", "file:/data/l.db?_pragma=busy_timeout(500)"},
		{"other pragma", "file:/data/l.db?_pragma=foreign_keys(1)", "file:/data/l.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"},
		{"memory", ":memory:", ":memory:"},
		{"remote", "libsql://db.example.io?authToken=t", "libsql://db.example.io?authToken=t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, withBusyTimeout(tt.dsn))
		})
	}
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@h:5432/db?sslmode=disable", migrateURL("postgres://u:p@h:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://h/db", migrateURL("postgresql://h/db"))
	assert.Equal(t, "pgx5://h/db", migrateURL("pgx5://h/db"))
}
