// Package runner invokes the containerized analysis for a job.
//
// The analysis is opaque: it receives the job name, the staged input paths,
// an analysis reference and a CPU count, and reports success through its
// exit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Invocation is everything the analysis needs for one job.
type Invocation struct {
	JobName     string
	Inputs      []string
	AnalysisRef string
	CPUs        int

	// WorkDir is the job's staging directory.
	WorkDir string
}

// Runner runs the analysis. It returns true on success and false when the
// analysis ran and failed. An error means it could not be run at all.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (bool, error)
}

// FuncRunner adapts a function to Runner.
type FuncRunner func(ctx context.Context, inv Invocation) (bool, error)

// Run calls f.
func (f FuncRunner) Run(ctx context.Context, inv Invocation) (bool, error) {
	return f(ctx, inv)
}

// Template placeholders. {inputs} must be a whole argument and expands to
// one argument per input.
const (
	PlaceholderJob     = "{job}"
	PlaceholderImage   = "{image}"
	PlaceholderCPUs    = "{cpus}"
	PlaceholderInputs  = "{inputs}"
	PlaceholderWorkDir = "{workdir}"
)

// DefaultCommand runs the analysis image with the staging directory mounted.
var DefaultCommand = []string{
	"docker", "run", "--rm",
	"-v", PlaceholderWorkDir + ":" + PlaceholderWorkDir,
	"-w", PlaceholderWorkDir,
	PlaceholderImage, PlaceholderJob, PlaceholderCPUs, PlaceholderInputs,
}

// Config configures a CommandRunner.
type Config struct {
	// Command is the argv template. Defaults to DefaultCommand.
	Command []string

	// LogDir receives per-job stdout/stderr logs and run records.
	LogDir string

	// Env is appended to the inherited environment.
	Env []string
}

// CommandRunner runs the analysis as a subprocess.
type CommandRunner struct {
	command []string
	env     []string
	store   *Store
	logger  *zap.Logger
	now     func() time.Time
}

// Ensure CommandRunner implements Runner.
var _ Runner = (*CommandRunner)(nil)

// NewCommandRunner validates cfg and returns a runner.
func NewCommandRunner(cfg Config, logger *zap.Logger) (*CommandRunner, error) {
	if strings.TrimSpace(cfg.LogDir) == "" {
		return nil, errors.New("runner log dir is required")
	}
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{
		command: command,
		env:     cfg.Env,
		store:   NewStore(cfg.LogDir),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Store exposes the run record store.
func (r *CommandRunner) Store() *Store {
	return r.store
}

// Run starts the command, waits for it and records the outcome in run.json.
func (r *CommandRunner) Run(ctx context.Context, inv Invocation) (bool, error) {
	if strings.TrimSpace(inv.JobName) == "" {
		return false, errors.New("job name is required")
	}
	args := Expand(r.command, inv)
	if len(args) == 0 || args[0] == "" {
		return false, errors.New("runner command is empty")
	}

	if err := os.MkdirAll(r.store.JobDir(inv.JobName), 0755); err != nil {
		return false, fmt.Errorf("create job log dir: %w", err)
	}
	stdoutFile, err := os.OpenFile(r.store.StdoutPath(inv.JobName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, fmt.Errorf("open stdout log: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := os.OpenFile(r.store.StderrPath(inv.JobName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return false, fmt.Errorf("open stderr log: %w", err)
	}
	defer stderrFile.Close()

	rec := &RunRecord{
		RunID:      uuid.New().String(),
		JobName:    inv.JobName,
		State:      RunStateRunning,
		Command:    args,
		StartedAt:  r.now().UTC(),
		StdoutPath: r.store.StdoutPath(inv.JobName),
		StderrPath: r.store.StderrPath(inv.JobName),
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), r.env...)
	if inv.WorkDir != "" {
		if st, err := os.Stat(inv.WorkDir); err == nil && st.IsDir() {
			cmd.Dir = inv.WorkDir
		}
	}

	if err := cmd.Start(); err != nil {
		r.finish(rec, RunStateError, nil, err)
		return false, fmt.Errorf("start analysis for %s: %w", inv.JobName, err)
	}
	rec.PID = cmd.Process.Pid
	if err := r.store.Write(rec); err != nil {
		r.logger.Warn("Failed to write run record", zap.String("job", inv.JobName), zap.Error(err))
	}
	r.logger.Info("Analysis started",
		zap.String("job", inv.JobName),
		zap.Int("pid", rec.PID),
		zap.Strings("command", args))

	err = cmd.Wait()
	if err == nil {
		code := 0
		r.finish(rec, RunStateSuccess, &code, nil)
		return true, nil
	}
	if ctx.Err() != nil {
		r.finish(rec, RunStateError, nil, ctx.Err())
		return false, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		r.finish(rec, RunStateFailed, &code, nil)
		r.logger.Warn("Analysis failed",
			zap.String("job", inv.JobName),
			zap.Int("exit_code", code),
			zap.String("stderr_log", rec.StderrPath))
		return false, nil
	}
	r.finish(rec, RunStateError, nil, err)
	return false, fmt.Errorf("wait for analysis %s: %w", inv.JobName, err)
}

func (r *CommandRunner) finish(rec *RunRecord, state RunState, code *int, err error) {
	end := r.now().UTC()
	rec.State = state
	rec.ExitCode = code
	rec.EndedAt = &end
	if err != nil {
		rec.Error = err.Error()
	}
	if werr := r.store.Write(rec); werr != nil {
		r.logger.Warn("Failed to write run record", zap.String("job", rec.JobName), zap.Error(werr))
	}
}

// Expand substitutes inv into the template.
func Expand(template []string, inv Invocation) []string {
	repl := strings.NewReplacer(
		PlaceholderJob, inv.JobName,
		PlaceholderImage, inv.AnalysisRef,
		PlaceholderCPUs, strconv.Itoa(inv.CPUs),
		PlaceholderWorkDir, inv.WorkDir,
	)
	out := make([]string, 0, len(template)+len(inv.Inputs))
	for _, arg := range template {
		if arg == PlaceholderInputs {
			out = append(out, inv.Inputs...)
			continue
		}
		out = append(out, repl.Replace(arg))
	}
	return out
}
