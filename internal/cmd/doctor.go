package cmd

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/internal/awscfg"
	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/output"
	"github.com/langmead-lab/recount-pump/pkg/runner"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that the configured queue, ledger, runner and mover backends are
usable from this node.

Examples:
  recount-pump doctor              # Full environment check
  recount-pump doctor --provider s3  # Also resolve AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func doctorChecks(a *app) []doctorCheck {
	checks := []doctorCheck{
		{"Go version", func(context.Context) (string, error) {
			return runtime.Version(), nil
		}},
		{"environment", func(context.Context) (string, error) {
			return runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{"queue", func(ctx context.Context) (string, error) {
			svc, err := openQueue(ctx, a)
			if err != nil {
				return "", err
			}
			defer func() { _ = svc.Close() }()
			name := a.cfg.Worker.Queue
			if name == "" {
				return svc.Backend() + " (connected)", nil
			}
			ok, err := svc.Exists(ctx, name)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("%s (queue %q not created yet)", svc.Backend(), name), nil
			}
			return fmt.Sprintf("%s (queue %q exists)", svc.Backend(), name), nil
		}},
		{"ledger", func(ctx context.Context) (string, error) {
			store, err := openLedger(ctx, a)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			if err := store.Ping(ctx); err != nil {
				return "", err
			}
			return a.cfg.Ledger.Driver, nil
		}},
		{"runner", func(context.Context) (string, error) {
			if _, err := newRunner(a); err != nil {
				return "", err
			}
			argv := a.cfg.Runner.Command
			if len(argv) == 0 {
				argv = runner.DefaultCommand
			}
			return strings.Join(argv, " "), nil
		}},
	}

	backends := moverBackends(a.cfg.Mover, a.logger)
	kinds := make([]string, 0, len(backends))
	for kind := range backends {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		factory := backends[mover.BackendKind(kind)]
		checks = append(checks, doctorCheck{"mover " + kind, func(ctx context.Context) (string, error) {
			if _, err := factory(ctx); err != nil {
				return "", err
			}
			return "ready", nil
		}})
	}

	if doctorProvider == "s3" {
		checks = append(checks, doctorCheck{"AWS credentials", func(ctx context.Context) (string, error) {
			return checkAWSCredentials(ctx, a)
		}})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, args []string) error {
	a, err := appFrom(cmd)
	if err != nil {
		return err
	}
	if doctorProvider != "" && doctorProvider != "s3" {
		return exitError(foundry.ExitInvalidArgument, "Unknown provider", fmt.Errorf("unsupported provider %q", doctorProvider))
	}
	ctx := cmd.Context()
	start := time.Now()

	w := newWriter(cmd.OutOrStdout(), a, "")
	defer func() { _ = w.Close() }()

	checks := doctorChecks(a)
	passed, failed := 0, 0
	for i, c := range checks {
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			a.logger.Error(label+" failed", zap.Error(err))
			_ = w.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeConfiguration,
				Message: errorMessage(err),
				Target:  c.name,
			})
			continue
		}
		passed++
		a.logger.Info(label+" ok", zap.String("detail", detail))
	}

	elapsed := time.Since(start)
	if err := w.WriteSummary(ctx, &output.SummaryRecord{
		Command:       "doctor",
		Counts:        map[string]int{"passed": passed, "failed": failed},
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Errors:        int64(failed),
	}); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", failed, len(checks)))
	}
	return nil
}

// errorMessage drops the exit-code suffix from command errors.
func errorMessage(err error) string {
	var ee *ExitError
	if errors.As(err, &ee) && ee.Err != nil {
		return ee.Message + ": " + ee.Err.Error()
	}
	return err.Error()
}

func checkAWSCredentials(ctx context.Context, a *app) (string, error) {
	cfg, err := awscfg.Load(ctx, awsOptions(a.cfg.Mover.S3.AWSConfig))
	if err != nil {
		return "", err
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", err
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
