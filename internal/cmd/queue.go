package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/langmead-lab/recount-pump/pkg/output"
	"github.com/langmead-lab/recount-pump/pkg/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage work queues",
	Long: `Create, inspect and delete work queues on the configured backend
(queue.backend: memory, redis, sqs or amqp).

The memory backend lives only as long as one process, so these commands
are useful against shared backends.`,
}

var queueCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a queue (no-op if it exists)",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCreate,
}

var queueExistsCmd = &cobra.Command{
	Use:   "exists <name>",
	Short: "Report whether a queue exists",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueExists,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

var queuePublishCmd = &cobra.Command{
	Use:   "publish <name> <body>...",
	Short: "Publish one message per body argument",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runQueuePublish,
}

var queueGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Receive one message",
	Long: `Receive one message and print it. Unless --ack is given the message is
released and becomes deliverable again when its visibility window ends.`,
	Args: cobra.ExactArgs(1),
	RunE: runQueueGet,
}

var (
	queueDeleteIfEmpty bool
	queueGetAck        bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueCreateCmd, queueExistsCmd, queueDeleteCmd, queuePublishCmd, queueGetCmd)

	queueDeleteCmd.Flags().BoolVar(&queueDeleteIfEmpty, "if-empty", false, "Refuse to delete a queue that still holds messages")
	queueGetCmd.Flags().BoolVar(&queueGetAck, "ack", false, "Acknowledge (delete) the message after printing it")
}

// withQueue opens the queue service and an output writer for one command.
func withQueue(cmd *cobra.Command, fn func(ctx context.Context, svc *queue.Service, w output.Writer) error) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, err := openQueue(ctx, a)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	w := newWriter(cmd.OutOrStdout(), a, svc.Backend())
	defer func() { _ = w.Close() }()
	return fn(ctx, svc, w)
}

func queueExitError(message string, err error) error {
	if queue.IsNotFound(err) {
		return exitError(foundry.ExitInvalidArgument, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

func writeQueueSummary(ctx context.Context, w output.Writer, command string, start time.Time, counts map[string]int) error {
	elapsed := time.Since(start)
	if err := w.WriteSummary(ctx, &output.SummaryRecord{
		Command:       command,
		Counts:        counts,
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	return nil
}

func runQueueCreate(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, svc *queue.Service, w output.Writer) error {
		start := time.Now()
		if err := svc.Create(ctx, args[0]); err != nil {
			return queueExitError("Failed to create queue", err)
		}
		return writeQueueSummary(ctx, w, "queue create", start, map[string]int{"created": 1})
	})
}

func runQueueExists(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, svc *queue.Service, w output.Writer) error {
		start := time.Now()
		ok, err := svc.Exists(ctx, args[0])
		if err != nil {
			return queueExitError("Failed to check queue", err)
		}
		exists := 0
		if ok {
			exists = 1
		}
		return writeQueueSummary(ctx, w, "queue exists", start, map[string]int{"exists": exists})
	})
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, svc *queue.Service, w output.Writer) error {
		start := time.Now()
		if err := svc.Delete(ctx, args[0], queueDeleteIfEmpty); err != nil {
			return queueExitError("Failed to delete queue", err)
		}
		return writeQueueSummary(ctx, w, "queue delete", start, map[string]int{"deleted": 1})
	})
}

func runQueuePublish(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, svc *queue.Service, w output.Writer) error {
		start := time.Now()
		name := args[0]
		published := 0
		for _, body := range args[1:] {
			if err := svc.Publish(ctx, name, body); err != nil {
				return queueExitError("Failed to publish message", err)
			}
			published++
			if err := w.WriteMessage(ctx, &output.MessageRecord{Queue: name, Body: body}); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return writeQueueSummary(ctx, w, "queue publish", start, map[string]int{"published": published})
	})
}

func runQueueGet(cmd *cobra.Command, args []string) error {
	return withQueue(cmd, func(ctx context.Context, svc *queue.Service, w output.Writer) error {
		start := time.Now()
		msg, err := svc.Get(ctx, args[0])
		if err != nil {
			return queueExitError("Failed to receive message", err)
		}
		if msg == nil {
			return writeQueueSummary(ctx, w, "queue get", start, map[string]int{"received": 0})
		}

		if queueGetAck {
			if err := svc.Ack(ctx, msg); err != nil {
				return queueExitError("Failed to acknowledge message", err)
			}
		} else if err := svc.Release(ctx, msg); err != nil {
			return queueExitError("Failed to release message", err)
		}

		if err := w.WriteMessage(ctx, &output.MessageRecord{
			Queue:        msg.Queue,
			ID:           msg.ID,
			Body:         msg.Body,
			ReceiveCount: msg.ReceiveCount,
			Acked:        queueGetAck,
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
		return writeQueueSummary(ctx, w, "queue get", start, map[string]int{"received": 1})
	})
}
