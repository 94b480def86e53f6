package cmd

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/langmead-lab/recount-pump/pkg/output"
	"github.com/langmead-lab/recount-pump/pkg/queue"
	"github.com/langmead-lab/recount-pump/pkg/stage"
)

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Validate and publish staging manifests",
	Long: `A staging manifest describes one project: its analysis, reference and
inputs. Publishing a manifest places one task per input on a queue.

Example:
  recount-pump stage validate project.yaml
  recount-pump stage publish project.yaml --queue stage_4`,
}

var stageValidateCmd = &cobra.Command{
	Use:   "validate <manifest>",
	Short: "Check a manifest and print the tasks it would publish",
	Args:  cobra.ExactArgs(1),
	RunE:  runStageValidate,
}

var stagePublishCmd = &cobra.Command{
	Use:   "publish <manifest>",
	Short: "Publish one task per manifest input",
	Long: `Publish one task per manifest input to the queue, creating the queue when
missing. Every task is encoded before the first publish, so an invalid input
never leaves a partially staged project.`,
	Args: cobra.ExactArgs(1),
	RunE: runStagePublish,
}

var stageQueue string

func init() {
	rootCmd.AddCommand(stageCmd)
	stageCmd.AddCommand(stageValidateCmd, stagePublishCmd)

	stagePublishCmd.Flags().StringVarP(&stageQueue, "queue", "q", "", "Queue to publish to (defaults to worker.queue)")
}

func loadManifest(path string) (*stage.Manifest, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Manifest not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read manifest", err)
	}
	m, err := stage.Load(path)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid staging manifest", err)
	}
	return m, nil
}

func writeStageSummary(cmd *cobra.Command, w output.Writer, command string, start time.Time, tasks int) error {
	elapsed := time.Since(start)
	if err := w.WriteSummary(cmd.Context(), &output.SummaryRecord{
		Command:       command,
		Counts:        map[string]int{"tasks": tasks},
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runStageValidate(cmd *cobra.Command, args []string) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	start := time.Now()

	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	w := newWriter(cmd.OutOrStdout(), a, "")
	defer func() { _ = w.Close() }()

	tasks := m.Tasks()
	for _, t := range tasks {
		if err := w.WriteTask(cmd.Context(), &output.TaskRecord{
			ProjectID: t.ProjectID,
			InputID:   t.Input.ID,
			JobName:   t.JobName,
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return writeStageSummary(cmd, w, "stage validate", start, len(tasks))
}

func runStagePublish(cmd *cobra.Command, args []string) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	start := time.Now()

	name := stageQueue
	if name == "" {
		name = a.cfg.Worker.Queue
	}
	if name == "" {
		return exitError(foundry.ExitInvalidArgument, "No queue", errors.New("pass --queue or set worker.queue"))
	}

	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	return withQueue(cmd, func(ctx context.Context, svc *queue.Service, w output.Writer) error {
		published, pubErr := stage.Publish(ctx, svc, name, m, a.logger)
		for _, p := range published {
			if err := w.WriteTask(cmd.Context(), &output.TaskRecord{
				Queue:     name,
				ProjectID: p.Task.ProjectID,
				InputID:   p.Task.Input.ID,
				JobName:   p.Task.JobName,
				Body:      p.Body,
			}); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		if pubErr != nil {
			return queueExitError("Failed to stage manifest", pubErr)
		}
		return writeStageSummary(cmd, w, "stage publish", start, len(published))
	})
}
