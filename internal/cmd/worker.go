package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/internal/observability"
	"github.com/langmead-lab/recount-pump/internal/server"
	"github.com/langmead-lab/recount-pump/internal/server/handlers"
	"github.com/langmead-lab/recount-pump/pkg/output"
	"github.com/langmead-lab/recount-pump/pkg/stage"
	"github.com/langmead-lab/recount-pump/pkg/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll a queue and execute jobs until the failure ceiling",
	Long: `Run the worker loop: poll the queue, fetch each job's inputs, run the
analysis and record the attempt and its outcome in the ledger.

The loop ends after --max-fail consecutive empty or failed polls, or on
SIGINT/SIGTERM. Job failures never end the loop; by default the failed job
is left on the queue for redelivery.

Example:
  recount-pump worker run --queue stage_4
  recount-pump worker run --queue stage_4 --max-attempts 3 --delete-on-failure
  recount-pump worker run --queue local --stage project.yaml`,
	RunE: runWorker,
}

var (
	workerQueue           string
	workerMaxFail         int
	workerMaxAttempts     int
	workerDeleteOnFailure bool
	workerSkipCompleted   bool
	workerPollInterval    time.Duration
	workerStagePath       string
	workerNoServer        bool
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.AddCommand(workerRunCmd)

	workerRunCmd.Flags().StringVarP(&workerQueue, "queue", "q", "", "Queue to poll (overrides worker.queue)")
	workerRunCmd.Flags().IntVar(&workerMaxFail, "max-fail", 0, "Consecutive poll failures before stopping")
	workerRunCmd.Flags().IntVar(&workerMaxAttempts, "max-attempts", 0, "Abandon a job after this many attempts (0 = unlimited)")
	workerRunCmd.Flags().BoolVar(&workerDeleteOnFailure, "delete-on-failure", false, "Delete failed jobs instead of leaving them for redelivery")
	workerRunCmd.Flags().BoolVar(&workerSkipCompleted, "skip-completed", true, "Acknowledge jobs that already succeeded without rerunning them")
	workerRunCmd.Flags().DurationVar(&workerPollInterval, "poll-interval", 0, "Sleep after an empty poll")
	workerRunCmd.Flags().StringVar(&workerStagePath, "stage", "", "Publish this staging manifest to the queue before polling")
	workerRunCmd.Flags().BoolVar(&workerNoServer, "no-server", false, "Do not serve health and metrics endpoints")
}

func workerConfig(cmd *cobra.Command, a *app) worker.Config {
	wc := a.cfg.Worker
	cfg := worker.Config{
		Queue:           wc.Queue,
		MaxFail:         wc.MaxFail,
		DeleteOnFailure: wc.DeleteOnFailure,
		MaxAttempts:     wc.MaxAttempts,
		SkipCompleted:   wc.SkipCompleted,
		PollInterval:    wc.PollInterval,
		Node:            wc.Node,
		WorkerName:      wc.Name,
		StagingDir:      wc.StagingDir,
		CPUs:            wc.CPUs,
	}

	flags := cmd.Flags()
	if flags.Changed("queue") {
		cfg.Queue = workerQueue
	}
	if flags.Changed("max-fail") {
		cfg.MaxFail = workerMaxFail
	}
	if flags.Changed("max-attempts") {
		cfg.MaxAttempts = workerMaxAttempts
	}
	if flags.Changed("delete-on-failure") {
		cfg.DeleteOnFailure = workerDeleteOnFailure
	}
	if flags.Changed("skip-completed") {
		cfg.SkipCompleted = workerSkipCompleted
	}
	if flags.Changed("poll-interval") {
		cfg.PollInterval = workerPollInterval
	}
	return cfg
}

func runWorker(cmd *cobra.Command, args []string) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	start := time.Now()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := workerConfig(cmd, a)
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid worker configuration", err)
	}

	tracer, shutdownTracing, err := newTracer(a)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	svc, err := openQueue(ctx, a)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	store, err := openLedger(ctx, a)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := newRunner(a)
	if err != nil {
		return err
	}

	if workerStagePath != "" {
		m, err := stage.Load(workerStagePath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid staging manifest", err)
		}
		if _, err := stage.Publish(ctx, svc, cfg.Queue, m, a.logger); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to stage manifest", err)
		}
	}

	reg := observability.NewRegistry()
	var state atomic.Int32
	state.Store(int32(worker.StatePolling))

	w, err := worker.New(cfg, worker.Options{
		Queue:   svc,
		Ledger:  store,
		Fetcher: newMover(a, tracer),
		Runner:  run,
		Logger:  a.logger,
		Tracer:  tracer,
		Metrics: worker.NewMetrics(reg),
		OnState: func(s worker.State) { state.Store(int32(s)) },
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to create worker", err)
	}

	if a.cfg.Metrics.Enabled && !workerNoServer {
		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("ledger", handlers.CheckerFunc(store.Ping))
		health.RegisterChecker("worker", handlers.CheckerFunc(func(context.Context) error {
			if worker.State(state.Load()) == worker.StateStopped {
				return errors.New("worker stopped")
			}
			return nil
		}))
		srv := server.New(a.cfg.Metrics.Host, a.cfg.Metrics.Port,
			server.WithHealth(health),
			server.WithMetrics(reg),
			server.WithVersion(versionInfo),
			server.WithLogger(a.logger.Named("http")),
			server.WithShutdownTimeout(a.cfg.Metrics.ShutdownTimeout))

		srvCtx, cancelSrv := context.WithCancel(ctx)
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.Run(srvCtx, nil); err != nil {
				a.logger.Error("Health server failed", zap.Error(err))
			}
		}()
		defer func() {
			cancelSrv()
			<-srvDone
		}()
	}

	summary, runErr := w.Run(ctx)

	writer := newWriter(cmd.OutOrStdout(), a, svc.Backend())
	defer func() { _ = writer.Close() }()
	elapsed := time.Since(start)
	if err := writer.WriteSummary(context.Background(), &output.SummaryRecord{
		Command:       "worker run",
		Counts:        summaryCounts(summary),
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Errors:        int64(summary.PollErrors + summary.DecodeFailures + summary.LedgerErrors),
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write summary", err)
	}

	if runErr != nil {
		return exitError(foundry.ExitSignalInt, "Worker interrupted", runErr)
	}
	return nil
}

func summaryCounts(s worker.Summary) map[string]int {
	return map[string]int{
		"polls":           s.Polls,
		"empty":           s.Empty,
		"poll_errors":     s.PollErrors,
		"decode_failures": s.DecodeFailures,
		"succeeded":       s.Succeeded,
		"failed":          s.Failed,
		"skipped":         s.Skipped,
		"abandoned":       s.Abandoned,
		"ledger_errors":   s.LedgerErrors,
	}
}
