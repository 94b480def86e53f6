package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/langmead-lab/recount-pump/pkg/ledger"
	"github.com/langmead-lab/recount-pump/pkg/output"
	"github.com/langmead-lab/recount-pump/pkg/task"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the attempt ledger",
	Long: `Query the attempt ledger (ledger.driver: sqlite or postgres) for the
attempts, successes and failures recorded against a job.

A job is identified by --project and --input.`,
}

var ledgerCountsCmd = &cobra.Command{
	Use:   "counts",
	Short: "Print attempt, success and failure counts for a job",
	RunE:  runLedgerCounts,
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print every ledger event for a job, oldest first",
	RunE:  runLedgerHistory,
}

var (
	ledgerProjectID int64
	ledgerInputID   int64
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerCountsCmd, ledgerHistoryCmd)

	ledgerCmd.PersistentFlags().Int64Var(&ledgerProjectID, "project", 0, "Project id (required)")
	ledgerCmd.PersistentFlags().Int64Var(&ledgerInputID, "input", 0, "Input id (required)")
	_ = ledgerCmd.MarkPersistentFlagRequired("project")
	_ = ledgerCmd.MarkPersistentFlagRequired("input")
}

func withLedger(cmd *cobra.Command, fn func(ctx context.Context, store ledger.Store, w output.Writer, job task.Job) error) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	if ledgerProjectID <= 0 || ledgerInputID <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid job", errors.New("--project and --input must be positive"))
	}
	ctx := cmd.Context()

	store, err := openLedger(ctx, a)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	w := newWriter(cmd.OutOrStdout(), a, a.cfg.Ledger.Driver)
	defer func() { _ = w.Close() }()

	return fn(ctx, store, w, task.Job{ProjectID: ledgerProjectID, InputID: ledgerInputID})
}

func runLedgerCounts(cmd *cobra.Command, args []string) error {
	return withLedger(cmd, func(ctx context.Context, store ledger.Store, w output.Writer, job task.Job) error {
		c, err := store.Counts(ctx, job)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read ledger", err)
		}
		if err := w.WriteCounts(ctx, &output.CountsRecord{
			ProjectID: job.ProjectID,
			InputID:   job.InputID,
			Attempts:  c.Attempts,
			Successes: c.Successes,
			Failures:  c.Failures,
			InFlight:  c.InFlight(),
			Done:      c.Done(),
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	})
}

func runLedgerHistory(cmd *cobra.Command, args []string) error {
	return withLedger(cmd, func(ctx context.Context, store ledger.Store, w output.Writer, job task.Job) error {
		start := time.Now()
		events, err := store.History(ctx, job)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read ledger", err)
		}

		counts := map[string]int{}
		for _, ev := range events {
			counts[string(ev.Kind)]++
			if err := w.WriteEvent(ctx, &output.EventRecord{
				ProjectID: ev.ProjectID,
				InputID:   ev.InputID,
				Kind:      string(ev.Kind),
				Time:      ev.Time,
				Node:      ev.Node,
				Worker:    ev.Worker,
				Ordinal:   ev.Ordinal,
			}); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}

		elapsed := time.Since(start)
		if err := w.WriteSummary(ctx, &output.SummaryRecord{
			Command:       "ledger history",
			Counts:        counts,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return nil
	})
}
