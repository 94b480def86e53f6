package worker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langmead-lab/recount-pump/pkg/ledger"
	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/mover/local"
	"github.com/langmead-lab/recount-pump/pkg/queue"
	"github.com/langmead-lab/recount-pump/pkg/queue/memory"
	"github.com/langmead-lab/recount-pump/pkg/runner"
	"github.com/langmead-lab/recount-pump/pkg/task"
)

const testQueue = "Q"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	broker *memory.Broker
	svc    *queue.Service
	store  *ledger.SQLiteStore
	clock  *fakeClock
	calls  []runner.Invocation
	result bool
	sleeps int
	reg    *prometheus.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		result: true,
		reg:    prometheus.NewRegistry(),
	}
	h.broker = memory.New(memory.Config{VisibilityTimeout: time.Minute, Now: h.clock.Now})
	h.svc = queue.NewService(h.broker, nil)
	require.NoError(t, h.svc.Create(context.Background(), testQueue))

	store, err := ledger.OpenSQLite(context.Background(), ledger.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h.store = store
	return h
}

func (h *harness) worker(t *testing.T, cfg Config, store ledger.Store) *Worker {
	t.Helper()
	cfg.Queue = testQueue
	cfg.Node = "node-1"
	cfg.WorkerName = "w1"
	cfg.StagingDir = t.TempDir()
	if store == nil {
		store = h.store
	}
	m := mover.New(mover.Options{Backends: map[mover.BackendKind]mover.Factory{
		mover.BackendLocal: func(context.Context) (mover.Backend, error) { return local.New(), nil },
	}})
	w, err := New(cfg, Options{
		Queue:   h.svc,
		Ledger:  store,
		Fetcher: m,
		Runner: runner.FuncRunner(func(_ context.Context, inv runner.Invocation) (bool, error) {
			h.calls = append(h.calls, inv)
			return h.result, nil
		}),
		Metrics: NewMetrics(h.reg),
		Sleep: func(ctx context.Context, _ time.Duration) error {
			h.sleeps++
			return ctx.Err()
		},
	})
	require.NoError(t, err)
	return w
}

func (h *harness) publish(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, h.svc.Publish(context.Background(), testQueue, body))
}

func step(t *testing.T, w *Worker, want State) {
	t.Helper()
	got, err := w.Step(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, got, "state")
}

func TestJobSucceedsAndMessageIsDeleted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	w := h.worker(t, DefaultConfig(), nil)
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")
	job := task.Job{ProjectID: 1, InputID: 1}

	step(t, w, StateExecuting)
	n, err := h.store.CountAttempts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "attempt recorded before execution")

	step(t, w, StatePolling)
	counts, err := h.store.Counts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Attempts: 1, Successes: 1}, counts)

	pending, inFlight := h.broker.Len(testQueue)
	assert.Zero(t, pending)
	assert.Zero(t, inFlight)
	assert.Nil(t, h.svc.Outstanding())

	require.Len(t, h.calls, 1)
	assert.Equal(t, "jobA", h.calls[0].JobName)
	assert.Empty(t, h.calls[0].Inputs)
	assert.Equal(t, DefaultCPUs, h.calls[0].CPUs)

	assert.Equal(t, 1, w.Summary().Succeeded)
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.Jobs.WithLabelValues(outcomeSuccess)))
}

func TestEmptyQueueStopsAtMaxFail(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxFail = 10
	w := h.worker(t, cfg, nil)

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 10, summary.Polls)
	assert.Equal(t, 10, summary.Empty)
	assert.Equal(t, 9, h.sleeps)
	assert.Equal(t, 10.0, testutil.ToFloat64(w.metrics.ConsecutiveFailures))

	// Stopped is terminal.
	step(t, w, StateStopped)
}

func TestFailedJobIsRedeliveredAfterVisibilityWindow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.result = false
	w := h.worker(t, DefaultConfig(), nil)
	body := "1 jobA input#1 analysis#7 ref#2"
	h.publish(t, body)

	step(t, w, StateExecuting)
	step(t, w, StatePolling)

	pending, inFlight := h.broker.Len(testQueue)
	assert.Zero(t, pending)
	assert.Equal(t, 1, inFlight, "failed job stays in flight")

	// Hidden until the window lapses.
	step(t, w, StateIdle)
	step(t, w, StatePolling)

	h.clock.Advance(time.Minute + time.Second)
	step(t, w, StateExecuting)
	assert.Equal(t, body, w.job.msg.Body)
	assert.Equal(t, 2, w.job.msg.ReceiveCount)
	assert.Equal(t, 2, w.job.attempt.Ordinal)
	step(t, w, StatePolling)

	counts, err := h.store.Counts(ctx, task.Job{ProjectID: 1, InputID: 1})
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Attempts: 2, Failures: 2}, counts)
	assert.Equal(t, 2, w.Summary().Failed)
}

func TestDeleteOnFailureAcks(t *testing.T) {
	h := newHarness(t)
	h.result = false
	cfg := DefaultConfig()
	cfg.DeleteOnFailure = true
	w := h.worker(t, cfg, nil)
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")

	step(t, w, StateExecuting)
	step(t, w, StatePolling)

	pending, inFlight := h.broker.Len(testQueue)
	assert.Zero(t, pending)
	assert.Zero(t, inFlight)
}

func TestDecodeFailureReleasesAndCounts(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxFail = 3
	w := h.worker(t, cfg, nil)
	h.publish(t, "not a task")
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")

	step(t, w, StateIdle)
	assert.Equal(t, 1, w.failures)
	assert.Nil(t, h.svc.Outstanding(), "undecodable message released")
	pending, inFlight := h.broker.Len(testQueue)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, inFlight, "undecodable message not acknowledged")

	step(t, w, StatePolling)
	step(t, w, StateExecuting)
	assert.Zero(t, w.failures, "decoded message resets the counter")
	step(t, w, StatePolling)

	assert.Equal(t, 1, w.Summary().DecodeFailures)
	assert.Equal(t, 1, w.Summary().Succeeded)
}

func TestOnStateReportsTransitions(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxFail = 2
	w := h.worker(t, cfg, nil)

	var seen []State
	w.onState = func(s State) { seen = append(seen, s) }

	_, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []State{StateIdle, StatePolling, StateStopped}, seen)
}

func TestJobFailuresDoNotCountTowardMaxFail(t *testing.T) {
	h := newHarness(t)
	h.result = false
	cfg := DefaultConfig()
	cfg.MaxFail = 2
	cfg.DeleteOnFailure = true
	w := h.worker(t, cfg, nil)
	for i := 1; i <= 3; i++ {
		h.publish(t, fmt.Sprintf("1 job%d input#%d analysis#7 ref#2", i, i))
	}

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 2, summary.Empty)
}

func TestSkipCompletedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := task.Job{ProjectID: 1, InputID: 1}
	_, err := h.store.RecordAttempt(ctx, job, "other", "w0")
	require.NoError(t, err)
	require.NoError(t, h.store.RecordSuccess(ctx, job, "other", "w0"))

	w := h.worker(t, DefaultConfig(), nil)
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")

	step(t, w, StatePolling)
	assert.Empty(t, h.calls)
	assert.Equal(t, 1, w.Summary().Skipped)
	n, err := h.store.CountAttempts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, inFlight := h.broker.Len(testQueue)
	assert.Zero(t, pending+inFlight)
}

func TestRerunCompletedJobWhenSkipDisabled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := task.Job{ProjectID: 1, InputID: 1}
	_, err := h.store.RecordAttempt(ctx, job, "other", "w0")
	require.NoError(t, err)
	require.NoError(t, h.store.RecordSuccess(ctx, job, "other", "w0"))

	cfg := DefaultConfig()
	cfg.SkipCompleted = false
	w := h.worker(t, cfg, nil)
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")

	step(t, w, StateExecuting)
	step(t, w, StatePolling)
	assert.Len(t, h.calls, 1)
}

func TestMaxAttemptsAbandonsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	job := task.Job{ProjectID: 1, InputID: 1}
	for i := 0; i < 2; i++ {
		_, err := h.store.RecordAttempt(ctx, job, "other", "w0")
		require.NoError(t, err)
		require.NoError(t, h.store.RecordFailure(ctx, job, "other", "w0"))
	}

	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	w := h.worker(t, cfg, nil)
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")

	step(t, w, StatePolling)
	assert.Empty(t, h.calls)
	assert.Equal(t, 1, w.Summary().Abandoned)

	counts, err := h.store.Counts(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Attempts, "abandoning records no attempt")
	pending, inFlight := h.broker.Len(testQueue)
	assert.Zero(t, pending+inFlight)
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func stagedTask(t *testing.T, srcs []string, sums []string) string {
	t.Helper()
	tk := task.Task{
		ProjectID: 3,
		JobName:   "proj3_in9",
		Input:     task.Input{ID: 9, SRR: "SRR9", SRP: "SRP1", RetrievalMethod: "local"},
		Analysis:  task.Analysis{ID: 7, ImageURL: "quay.io/benlangmead/rs5:1.0"},
		Reference: task.Reference{ID: 2, TaxID: 9606, Name: "hg38"},
	}
	copy(tk.Input.URLs[:], srcs)
	copy(tk.Input.Checksums[:], sums)
	body, err := task.Encode(tk)
	require.NoError(t, err)
	return body
}

func TestStagesInputsAndCleansUp(t *testing.T) {
	h := newHarness(t)
	src := t.TempDir()
	content := []byte("@read1\nACGT\n+\nIIII\n")
	require.NoError(t, os.WriteFile(filepath.Join(src, "r_1.fastq"), content, 0644))

	w := h.worker(t, DefaultConfig(), nil)
	var staged []byte
	w.runner = runner.FuncRunner(func(_ context.Context, inv runner.Invocation) (bool, error) {
		require.Len(t, inv.Inputs, 2)
		var err error
		staged, err = os.ReadFile(inv.Inputs[0])
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(w.cfg.StagingDir, "proj3_in9"), inv.WorkDir)
		assert.Equal(t, "sra://SRR9", inv.Inputs[1], "archive ids pass through")
		assert.Equal(t, "quay.io/benlangmead/rs5:1.0", inv.AnalysisRef)
		return true, nil
	})
	h.publish(t, stagedTask(t,
		[]string{filepath.Join(src, "r_1.fastq"), "sra://SRR9"},
		[]string{md5Hex(content)}))

	step(t, w, StateExecuting)
	step(t, w, StatePolling)

	assert.Equal(t, content, staged)
	assert.NoDirExists(t, filepath.Join(w.cfg.StagingDir, "proj3_in9"))
	assert.Equal(t, 1, w.Summary().Succeeded)
}

func TestStagesInputsWithSameBaseName(t *testing.T) {
	h := newHarness(t)
	lane1, lane2 := t.TempDir(), t.TempDir()
	first, second := []byte("@r1\nAAAA\n+\nIIII\n"), []byte("@r2\nCCCC\n+\nIIII\n")
	require.NoError(t, os.WriteFile(filepath.Join(lane1, "reads.fastq"), first, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(lane2, "reads.fastq"), second, 0644))

	w := h.worker(t, DefaultConfig(), nil)
	var got [][]byte
	var names []string
	w.runner = runner.FuncRunner(func(_ context.Context, inv runner.Invocation) (bool, error) {
		for _, in := range inv.Inputs {
			data, err := os.ReadFile(in)
			require.NoError(t, err)
			got = append(got, data)
			names = append(names, filepath.Base(in))
		}
		return true, nil
	})
	h.publish(t, stagedTask(t,
		[]string{filepath.Join(lane1, "reads.fastq"), filepath.Join(lane2, "reads.fastq")},
		[]string{md5Hex(first), md5Hex(second)}))

	step(t, w, StateExecuting)
	step(t, w, StatePolling)

	assert.Equal(t, 1, w.Summary().Succeeded)
	assert.Equal(t, []string{"0_reads.fastq", "1_reads.fastq"}, names)
	assert.Equal(t, [][]byte{first, second}, got)
}

func TestStagedFileName(t *testing.T) {
	tests := []struct {
		raw  string
		i    int
		want string
	}{
		{"s3://bucket/reads/SRR1_1.fastq.gz", 0, "0_SRR1_1.fastq.gz"},
		{"https://example.org/data/SRR1_2.fastq.gz", 1, "1_SRR1_2.fastq.gz"},
		{"/scratch/in/r.fastq", 2, "2_r.fastq"},
		{"https://example.org/", 0, "0_input"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := mover.ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stagedFileName(tt.i, u))
		})
	}
}

func TestChecksumMismatchFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "r_1.fastq"), []byte("data"), 0644))

	w := h.worker(t, DefaultConfig(), nil)
	h.publish(t, stagedTask(t,
		[]string{filepath.Join(src, "r_1.fastq")},
		[]string{md5Hex([]byte("other"))}))

	step(t, w, StateExecuting)
	step(t, w, StatePolling)

	assert.Empty(t, h.calls, "runner not invoked")
	counts, err := h.store.Counts(ctx, task.Job{ProjectID: 3, InputID: 9})
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Attempts: 1, Failures: 1}, counts)
}

// flakyLedger fails selected operations and forwards the rest.
type flakyLedger struct {
	ledger.Store
	failCounts  bool
	failAttempt bool
}

var errLedgerDown = errors.New("ledger down")

func (l *flakyLedger) Counts(ctx context.Context, job task.Job) (ledger.Counts, error) {
	if l.failCounts {
		return ledger.Counts{}, errLedgerDown
	}
	return l.Store.Counts(ctx, job)
}

func (l *flakyLedger) RecordAttempt(ctx context.Context, job task.Job, node, worker string) (ledger.Attempt, error) {
	if l.failAttempt {
		return ledger.Attempt{}, errLedgerDown
	}
	return l.Store.RecordAttempt(ctx, job, node, worker)
}

func TestLedgerErrorsReleaseJobWithoutRunning(t *testing.T) {
	tests := []struct {
		name   string
		ledger func(ledger.Store) *flakyLedger
	}{
		{"counts unavailable", func(s ledger.Store) *flakyLedger { return &flakyLedger{Store: s, failCounts: true} }},
		{"attempt not recorded", func(s ledger.Store) *flakyLedger { return &flakyLedger{Store: s, failAttempt: true} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			store := tt.ledger(h.store)
			w := h.worker(t, DefaultConfig(), store)
			h.publish(t, "1 jobA input#1 analysis#7 ref#2")

			step(t, w, StateIdle)

			assert.Empty(t, h.calls, "runner not invoked")
			assert.Nil(t, w.job)
			assert.Nil(t, h.svc.Outstanding(), "message released")
			assert.Equal(t, 1, w.failures)
			assert.Equal(t, 1, w.Summary().LedgerErrors)
			assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.LedgerErrors))
			pending, inFlight := h.broker.Len(testQueue)
			assert.Zero(t, pending)
			assert.Equal(t, 1, inFlight, "message not acknowledged")

			job := task.Job{ProjectID: 1, InputID: 1}
			counts, err := h.store.Counts(ctx, job)
			require.NoError(t, err)
			assert.Equal(t, ledger.Counts{}, counts)

			// Once the ledger is back the redelivered job runs and is recorded.
			store.failCounts, store.failAttempt = false, false
			h.clock.Advance(time.Minute + time.Second)
			step(t, w, StatePolling)
			step(t, w, StateExecuting)
			step(t, w, StatePolling)

			assert.Len(t, h.calls, 1)
			counts, err = h.store.Counts(ctx, job)
			require.NoError(t, err)
			assert.Equal(t, ledger.Counts{Attempts: 1, Successes: 1}, counts)
		})
	}
}

func TestLedgerOutageStopsAtMaxFail(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxFail = 3
	w := h.worker(t, cfg, &flakyLedger{Store: h.store, failCounts: true})
	for i := 1; i <= 3; i++ {
		h.publish(t, fmt.Sprintf("1 job%d input#%d analysis#7 ref#2", i, i))
	}

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 3, summary.LedgerErrors)
	assert.Zero(t, summary.Succeeded+summary.Failed)
	assert.Empty(t, h.calls)
}

func TestConnectionLostCountsTowardMaxFail(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxFail = 2
	w := h.worker(t, cfg, nil)
	require.NoError(t, h.broker.Close())

	summary, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.PollErrors)
	assert.Equal(t, StateStopped, w.State())
}

func TestRunReturnsOnCancel(t *testing.T) {
	h := newHarness(t)
	w := h.worker(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInterruptedJobLeavesAttemptWithoutResult(t *testing.T) {
	h := newHarness(t)
	w := h.worker(t, DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	w.runner = runner.FuncRunner(func(ctx context.Context, _ runner.Invocation) (bool, error) {
		cancel()
		return false, ctx.Err()
	})
	h.publish(t, "1 jobA input#1 analysis#7 ref#2")

	step(t, w, StateExecuting)
	_, err := w.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	counts, err := h.store.Counts(context.Background(), task.Job{ProjectID: 1, InputID: 1})
	require.NoError(t, err)
	assert.Equal(t, ledger.Counts{Attempts: 1}, counts)
	assert.Nil(t, h.svc.Outstanding())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default with queue", mutate: func(*Config) {}},
		{name: "missing queue", mutate: func(c *Config) { c.Queue = "" }, wantErr: true},
		{name: "bad queue name", mutate: func(c *Config) { c.Queue = "a b" }, wantErr: true},
		{name: "zero max fail", mutate: func(c *Config) { c.MaxFail = 0 }, wantErr: true},
		{name: "negative max attempts", mutate: func(c *Config) { c.MaxAttempts = -1 }, wantErr: true},
		{name: "negative poll interval", mutate: func(c *Config) { c.PollInterval = -time.Second }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Queue = "jobs"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "executing", StateExecuting.String())
	assert.Equal(t, "stopped", StateStopped.String())
}

func TestNewWorkerNameIsUnique(t *testing.T) {
	a, err := NewWorkerName()
	require.NoError(t, err)
	b, err := NewWorkerName()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "worker-")
}

func TestStagingName(t *testing.T) {
	assert.Equal(t, "jobA", stagingName(task.Task{JobName: "jobA"}))
	assert.Equal(t, "job_1_2", stagingName(task.Task{ProjectID: 1, JobName: "../x", Input: task.Input{ID: 2}}))
	assert.Equal(t, "job_1_2", stagingName(task.Task{ProjectID: 1, Input: task.Input{ID: 2}}))
}
