// Package worker implements the loop that pulls tasks from a queue, stages
// their inputs, runs the analysis and records the outcome in the attempt
// ledger.
//
// One Worker processes one job at a time. Throughput comes from running
// more worker processes against the same queue and ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/teris-io/shortid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/ledger"
	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/queue"
	"github.com/langmead-lab/recount-pump/pkg/runner"
	"github.com/langmead-lab/recount-pump/pkg/task"
)

// State is a worker loop state.
type State int

const (
	StatePolling State = iota
	StateIdle
	StateExecuting
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Defaults.
const (
	DefaultMaxFail      = 10
	DefaultPollInterval = 5 * time.Second
	DefaultCPUs         = 1
)

// Config controls the loop policy.
type Config struct {
	// Queue is the queue name to poll.
	Queue string

	// MaxFail is the consecutive poll or decode failure ceiling.
	MaxFail int

	// DeleteOnFailure acknowledges failed jobs instead of leaving them for
	// redelivery.
	DeleteOnFailure bool

	// MaxAttempts abandons a job once the ledger holds this many attempts.
	// Zero means unlimited.
	MaxAttempts int

	// SkipCompleted acknowledges jobs that already have a recorded success
	// without running them again.
	SkipCompleted bool

	// PollInterval is the sleep between polls that found nothing.
	PollInterval time.Duration

	Node       string
	WorkerName string

	// StagingDir holds per-job input directories while a job runs.
	StagingDir string

	CPUs int
}

// DefaultConfig returns the default loop policy.
func DefaultConfig() Config {
	return Config{
		MaxFail:       DefaultMaxFail,
		SkipCompleted: true,
		PollInterval:  DefaultPollInterval,
		CPUs:          DefaultCPUs,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Queue) == "" {
		return errors.New("worker queue is required")
	}
	if err := queue.ValidateName(c.Queue); err != nil {
		return err
	}
	if c.MaxFail < 1 {
		return fmt.Errorf("worker max_fail must be at least 1, got %d", c.MaxFail)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("worker max_attempts must not be negative, got %d", c.MaxAttempts)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("worker poll_interval must not be negative, got %s", c.PollInterval)
	}
	return nil
}

// Fetcher stages one input file. *mover.Mover implements it.
type Fetcher interface {
	GetVerified(ctx context.Context, raw, dest, checksum string, opts ...mover.Option) (string, error)
}

// Summary counts what a Run did.
type Summary struct {
	Polls          int `json:"polls"`
	Empty          int `json:"empty"`
	PollErrors     int `json:"poll_errors"`
	DecodeFailures int `json:"decode_failures"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	Abandoned      int `json:"abandoned"`
	LedgerErrors   int `json:"ledger_errors"`
}

// Options carries the worker's collaborators.
type Options struct {
	Queue   *queue.Service
	Ledger  ledger.Store
	Fetcher Fetcher
	Runner  runner.Runner

	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *Metrics

	// Sleep overrides the idle wait, for tests.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnState is called from Run's goroutine after every state change.
	OnState func(State)
}

// current is the job between decode and acknowledgement.
type current struct {
	msg     *queue.Message
	task    task.Task
	attempt ledger.Attempt
}

// Worker is the loop state machine. It is not safe for concurrent use.
type Worker struct {
	cfg     Config
	queue   *queue.Service
	ledger  ledger.Store
	fetcher Fetcher
	runner  runner.Runner
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	onState func(State)
	now     func() time.Time

	state    State
	failures int
	job      *current
	summary  Summary
}

// New validates cfg and builds a worker in the Polling state.
func New(cfg Config, opts Options) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Queue == nil {
		return nil, errors.New("worker queue service is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("worker ledger is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("worker runner is required")
	}
	if cfg.CPUs <= 0 {
		cfg.CPUs = DefaultCPUs
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), "recount-pump-staging")
	}
	if cfg.Node == "" {
		cfg.Node, _ = os.Hostname()
	}
	if cfg.WorkerName == "" {
		name, err := NewWorkerName()
		if err != nil {
			return nil, err
		}
		cfg.WorkerName = name
	}

	w := &Worker{
		cfg:     cfg,
		queue:   opts.Queue,
		ledger:  opts.Ledger,
		fetcher: opts.Fetcher,
		runner:  opts.Runner,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		sleep:   opts.Sleep,
		onState: opts.OnState,
		now:     time.Now,
		state:   StatePolling,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.With(zap.String("worker", cfg.WorkerName), zap.String("queue", cfg.Queue))
	if w.tracer == nil {
		w.tracer = noop.NewTracerProvider().Tracer("")
	}
	if w.metrics == nil {
		w.metrics = NewMetrics(nil)
	}
	if w.sleep == nil {
		w.sleep = sleepContext
	}
	return w, nil
}

// NewWorkerName generates a short random worker name.
func NewWorkerName() (string, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, uint64(time.Now().UnixNano()))
	if err != nil {
		return "", fmt.Errorf("create worker name generator: %w", err)
	}
	id, err := sid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate worker name: %w", err)
	}
	return "worker-" + id, nil
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// State returns the current state.
func (w *Worker) State() State {
	return w.state
}

// Summary returns the counters so far.
func (w *Worker) Summary() Summary {
	return w.summary
}

// Run steps the loop until it stops. It returns nil when the failure
// ceiling is reached and the context error when ctx is cancelled. Job
// failures never end the loop.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	w.logger.Info("Worker started",
		zap.String("node", w.cfg.Node),
		zap.Int("max_fail", w.cfg.MaxFail),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
		zap.Bool("delete_on_failure", w.cfg.DeleteOnFailure))

	for {
		state, err := w.Step(ctx)
		if err != nil {
			w.logger.Info("Worker interrupted", zap.Error(err), zap.Any("summary", w.summary))
			return w.summary, err
		}
		if state == StateStopped {
			w.logger.Info("Worker stopped",
				zap.Int("consecutive_failures", w.failures),
				zap.Any("summary", w.summary))
			return w.summary, nil
		}
	}
}

// Step performs one transition and returns the new state. The only error
// it returns is ctx's.
func (w *Worker) Step(ctx context.Context) (State, error) {
	if w.onState != nil {
		prev := w.state
		defer func() {
			if w.state != prev {
				w.onState(w.state)
			}
		}()
	}
	if err := ctx.Err(); err != nil {
		w.abandonCurrent(ctx)
		return w.state, err
	}

	switch w.state {
	case StatePolling:
		w.state = w.poll(ctx)
	case StateIdle:
		if err := w.sleep(ctx, w.cfg.PollInterval); err != nil {
			return w.state, err
		}
		w.state = StatePolling
	case StateExecuting:
		w.execute(ctx)
		if err := ctx.Err(); err != nil {
			return w.state, err
		}
		w.state = StatePolling
	}
	return w.state, nil
}

// poll runs the Polling state.
func (w *Worker) poll(ctx context.Context) State {
	w.summary.Polls++

	msg, err := w.queue.Get(ctx, w.cfg.Queue)
	if err != nil {
		w.summary.PollErrors++
		w.metrics.Polls.WithLabelValues(pollError).Inc()
		w.logger.Warn("Queue poll failed", zap.Error(err))
		return w.pollFailed()
	}
	if msg == nil {
		w.summary.Empty++
		w.metrics.Polls.WithLabelValues(pollEmpty).Inc()
		w.logger.Debug("Queue empty")
		return w.pollFailed()
	}

	t, err := task.Decode(msg.Body)
	if err != nil {
		w.summary.DecodeFailures++
		w.metrics.Polls.WithLabelValues(pollDecode).Inc()
		w.logger.Warn("Failed to decode task",
			zap.String("message_id", msg.ID),
			zap.Error(err))
		w.release(ctx, w.logger, msg)
		return w.pollFailed()
	}

	w.metrics.Polls.WithLabelValues(pollMessage).Inc()

	job := t.Job()
	log := w.logger.With(
		zap.Int64("project_id", job.ProjectID),
		zap.Int64("input_id", job.InputID),
		zap.String("job_name", t.JobName),
		zap.String("message_id", msg.ID))

	// Without the ledger the job can be neither screened nor recorded, so
	// it goes back to the queue and the poll counts as failed.
	counts, err := w.ledger.Counts(ctx, job)
	if err != nil {
		w.ledgerFailed(log, "Counts", err)
		w.release(ctx, log, msg)
		return w.pollFailed()
	}
	w.failures = 0
	w.metrics.ConsecutiveFailures.Set(0)

	if w.cfg.SkipCompleted && counts.Done() {
		w.summary.Skipped++
		w.metrics.Jobs.WithLabelValues(outcomeSkipped).Inc()
		log.Info("Skipping duplicate delivery of completed job", zap.Int("successes", counts.Successes))
		w.ack(ctx, log, msg)
		return StatePolling
	}
	if w.cfg.MaxAttempts > 0 && counts.Attempts >= w.cfg.MaxAttempts {
		w.summary.Abandoned++
		w.metrics.Jobs.WithLabelValues(outcomeAbandoned).Inc()
		log.Warn("Abandoning job after too many attempts",
			zap.Int("attempts", counts.Attempts),
			zap.Int("failures", counts.Failures),
			zap.Int("max_attempts", w.cfg.MaxAttempts))
		w.ack(ctx, log, msg)
		return StatePolling
	}

	attempt, err := w.ledger.RecordAttempt(ctx, job, w.cfg.Node, w.cfg.WorkerName)
	if err != nil {
		w.ledgerFailed(log, "RecordAttempt", err)
		w.release(ctx, log, msg)
		return w.pollFailed()
	}
	log.Info("Job accepted", zap.Int("attempt", attempt.Ordinal))

	w.job = &current{msg: msg, task: t, attempt: attempt}
	return StateExecuting
}

// pollFailed counts a failed poll and picks Idle or Stopped.
func (w *Worker) pollFailed() State {
	w.failures++
	w.metrics.ConsecutiveFailures.Set(float64(w.failures))
	if w.failures >= w.cfg.MaxFail {
		w.logger.Info("Consecutive failure ceiling reached", zap.Int("max_fail", w.cfg.MaxFail))
		return StateStopped
	}
	return StateIdle
}

// execute runs the Executing state for the current job.
func (w *Worker) execute(ctx context.Context) {
	cur := w.job
	if cur == nil {
		return
	}
	job := cur.task.Job()
	log := w.logger.With(
		zap.Int64("project_id", job.ProjectID),
		zap.Int64("input_id", job.InputID),
		zap.String("job_name", cur.task.JobName),
		zap.Int("attempt", cur.attempt.Ordinal))

	ctx, span := w.tracer.Start(ctx, "worker.execute", trace.WithAttributes(
		attribute.Int64("project_id", job.ProjectID),
		attribute.Int64("input_id", job.InputID),
		attribute.String("job_name", cur.task.JobName),
	))
	defer span.End()

	start := w.now()
	ok, err := w.runJob(ctx, log, cur.task)
	elapsed := w.now().Sub(start)

	if ctx.Err() != nil {
		// Leave the attempt without a result; the message comes back after
		// the visibility window.
		span.SetStatus(codes.Error, "interrupted")
		log.Warn("Job interrupted", zap.Duration("elapsed", elapsed))
		w.abandonCurrent(ctx)
		return
	}
	w.metrics.JobDuration.Observe(elapsed.Seconds())

	if ok {
		w.summary.Succeeded++
		w.metrics.Jobs.WithLabelValues(outcomeSuccess).Inc()
		span.SetStatus(codes.Ok, "")
		if lerr := w.ledger.RecordSuccess(ctx, job, w.cfg.Node, w.cfg.WorkerName); lerr != nil {
			w.ledgerFailed(log, "RecordSuccess", lerr)
		}
		log.Info("Job succeeded", zap.Duration("elapsed", elapsed))
		w.ack(ctx, log, cur.msg)
		w.job = nil
		return
	}

	w.summary.Failed++
	w.metrics.Jobs.WithLabelValues(outcomeFailure).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Error, "analysis failed")
	}
	if lerr := w.ledger.RecordFailure(ctx, job, w.cfg.Node, w.cfg.WorkerName); lerr != nil {
		w.ledgerFailed(log, "RecordFailure", lerr)
	}
	log.Warn("Job failed", zap.Duration("elapsed", elapsed), zap.Error(err))

	if w.cfg.DeleteOnFailure {
		w.ack(ctx, log, cur.msg)
	} else {
		w.release(ctx, log, cur.msg)
	}
	w.job = nil
}

// runJob stages the inputs, invokes the runner and removes the staged
// files. It returns false with the cause when staging fails.
func (w *Worker) runJob(ctx context.Context, log *zap.Logger, t task.Task) (bool, error) {
	jobDir := filepath.Join(w.cfg.StagingDir, stagingName(t))
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return false, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			log.Warn("Failed to remove staged inputs", zap.String("dir", jobDir), zap.Error(err))
		}
	}()

	inputs, err := w.stage(ctx, log, t.Input, jobDir)
	if err != nil {
		return false, err
	}

	ok, err := w.runner.Run(ctx, runner.Invocation{
		JobName:     t.JobName,
		Inputs:      inputs,
		AnalysisRef: t.Analysis.ImageURL,
		CPUs:        w.cfg.CPUs,
		WorkDir:     jobDir,
	})
	if err != nil {
		return false, fmt.Errorf("run analysis: %w", err)
	}
	return ok, nil
}

// stage fetches every transferable input source into dir, prefixing each
// file with its source index so equal base names cannot collide. Archive
// identifiers are passed through for the analysis to resolve.
func (w *Worker) stage(ctx context.Context, log *zap.Logger, in task.Input, dir string) ([]string, error) {
	sources := in.Sources()
	inputs := make([]string, 0, len(sources))
	for i, src := range sources {
		u, err := mover.ParseURL(src.URL)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", src.URL, err)
		}
		if !u.Scheme.Transferable() {
			inputs = append(inputs, src.URL)
			continue
		}
		if w.fetcher == nil {
			return nil, fmt.Errorf("stage %s: no mover configured", src.URL)
		}
		path, err := w.fetcher.GetVerified(ctx, src.URL, filepath.Join(dir, stagedFileName(i, u)), src.Checksum)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", src.URL, err)
		}
		log.Debug("Staged input", zap.String("url", src.URL), zap.String("path", path))
		inputs = append(inputs, path)
	}
	return inputs, nil
}

func (w *Worker) ack(ctx context.Context, log *zap.Logger, msg *queue.Message) {
	if err := w.queue.Ack(ctx, msg); err != nil {
		log.Error("Failed to acknowledge message", zap.Error(err))
	}
}

func (w *Worker) release(ctx context.Context, log *zap.Logger, msg *queue.Message) {
	if err := w.queue.Release(ctx, msg); err != nil {
		log.Error("Failed to release message", zap.Error(err))
	}
}

// abandonCurrent releases the handle on an interrupted job.
func (w *Worker) abandonCurrent(ctx context.Context) {
	if w.job == nil {
		return
	}
	w.release(context.WithoutCancel(ctx), w.logger, w.job.msg)
	w.job = nil
}

func (w *Worker) ledgerFailed(log *zap.Logger, op string, err error) {
	w.summary.LedgerErrors++
	w.metrics.LedgerErrors.Inc()
	log.Error("Attempt ledger operation failed", zap.String("op", op), zap.Error(err))
}

func stagedFileName(i int, u mover.URL) string {
	base := u.Base()
	if base == "" || base == "." || base == "/" || base == string(filepath.Separator) {
		base = "input"
	}
	return fmt.Sprintf("%d_%s", i, base)
}

// stagingName is a filesystem-safe directory name for the task.
func stagingName(t task.Task) string {
	name := strings.TrimSpace(t.JobName)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Sprintf("job_%d_%d", t.ProjectID, t.Input.ID)
	}
	return name
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
