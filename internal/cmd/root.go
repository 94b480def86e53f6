// Package cmd implements the recount-pump command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/internal/config"
	"github.com/langmead-lab/recount-pump/internal/observability"
	"github.com/langmead-lab/recount-pump/internal/server/handlers"
)

var versionInfo = handlers.VersionInfo{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	configPath string
	logLevel   string
	logProfile string
)

var rootCmd = &cobra.Command{
	Use:   "recount-pump",
	Short: "Dispatch and execute recount analysis jobs",
	Long: `recount-pump stages projects onto a work queue and runs workers that
pull jobs, fetch their inputs, run the analysis and record every attempt
in a shared ledger.

Configuration is read from defaults, an optional YAML file (--config or
RECOUNT_PUMP_CONFIG), RECOUNT_PUMP_* environment variables and flags, in
increasing order of precedence.

Command output is JSONL on stdout. Logs go to stderr.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setupApp,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log format (STRUCTURED|CONSOLE)")
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// app is what every subcommand needs: the loaded configuration, the logger
// built from it and the id stamped on this invocation's output records.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	runID  string
}

type appKey struct{}

func setupApp(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadFile(ctx, configPath, flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	a := &app{cfg: cfg, logger: logger, runID: uuid.NewString()}
	cmd.SetContext(context.WithValue(ctx, appKey{}, a))
	return nil
}

// flagOverrides turns explicitly set persistent flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	logging := map[string]any{}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		logging["level"] = logLevel
	}
	if f := cmd.Flags().Lookup("log-profile"); f != nil && f.Changed {
		logging["profile"] = logProfile
	}
	if len(logging) == 0 {
		return nil
	}
	return map[string]any{"logging": logging}
}

func appFrom(cmd *cobra.Command) (*app, error) {
	if ctx := cmd.Context(); ctx != nil {
		if a, ok := ctx.Value(appKey{}).(*app); ok {
			return a, nil
		}
	}
	return nil, errors.New("command context is not initialized")
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
