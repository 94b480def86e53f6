// Package web implements the read-only mover backend for HTTP, HTTPS and FTP
// sources.
//
// Downloads run an external transfer tool (curl by default) into a partial
// file next to the destination. A watcher samples the partial file's size
// every LivenessInterval; if two consecutive samples match, the transfer is
// stalled and is killed and retried.
package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/retry"
)

// Defaults.
const (
	DefaultLivenessInterval = 160 * time.Second
	DefaultMaxAttempts      = 5
	DefaultRetrySleep       = 2 * time.Second
	DefaultTimeoutBackoff   = 30 * time.Second

	// DefaultMaxToolExitCode is the highest exit code curl documents. Codes
	// above it come from the shell or a signal and are treated as timeouts.
	DefaultMaxToolExitCode = 96
)

// Placeholders expanded in command templates.
const (
	PlaceholderURL = "{url}"
	PlaceholderOut = "{out}"
)

// DefaultGetCommand downloads {url} into {out}.
var DefaultGetCommand = []string{"curl", "--fail", "--location", "--silent", "--show-error", "-o", PlaceholderOut, PlaceholderURL}

// DefaultHeadCommand checks an FTP source without downloading it.
var DefaultHeadCommand = []string{"curl", "--fail", "--silent", "--head", PlaceholderURL}

// curl exit codes that mean the remote file is absent.
var notFoundExitCodes = map[int]bool{9: true, 19: true, 78: true}

// Sentinel errors.
var (
	ErrStalled = fmt.Errorf("transfer stalled: %w", mover.ErrTransient)
	ErrTimeout = fmt.Errorf("transfer timed out: %w", mover.ErrTransient)
)

// ExitError is a non-zero tool exit within the tool's documented range.
// It is not retried.
type ExitError struct {
	Code    int
	Command string
	Stderr  string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command exited with code %d: %s", e.Code, e.Command)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Config configures the web backend.
type Config struct {
	GetCommand  []string
	HeadCommand []string

	LivenessInterval time.Duration
	MaxAttempts      int
	RetrySleep       time.Duration
	TimeoutBackoff   time.Duration
	MaxToolExitCode  int

	// HTTPClient serves HEAD requests for Exists. Defaults to a client with a
	// 30s timeout.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if len(c.GetCommand) == 0 {
		c.GetCommand = DefaultGetCommand
	}
	if len(c.HeadCommand) == 0 {
		c.HeadCommand = DefaultHeadCommand
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = DefaultLivenessInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetrySleep < 0 {
		c.RetrySleep = 0
	} else if c.RetrySleep == 0 {
		c.RetrySleep = DefaultRetrySleep
	}
	if c.TimeoutBackoff <= 0 {
		c.TimeoutBackoff = DefaultTimeoutBackoff
	}
	if c.MaxToolExitCode <= 0 {
		c.MaxToolExitCode = DefaultMaxToolExitCode
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return c
}

// Backend implements mover.Backend for web sources.
type Backend struct {
	cfg    Config
	logger *zap.Logger
}

// Ensure Backend implements mover.Backend.
var _ mover.Backend = (*Backend)(nil)

// New returns a web backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{cfg: cfg.withDefaults(), logger: logger}
}

// Exists issues a HEAD request for http(s) and runs HeadCommand for ftp.
func (b *Backend) Exists(ctx context.Context, u mover.URL) (bool, error) {
	if u.Scheme == mover.SchemeFTP {
		return b.existsTool(ctx, u)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("%w: %w", mover.ErrInvalidURL, err)
	}
	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, mover.Transient(err)
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return false, mover.Transient(fmt.Errorf("HEAD %s: %s", u, resp.Status))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return false, fmt.Errorf("%w: HEAD %s: %s", mover.ErrConfiguration, u, resp.Status)
	default:
		return false, fmt.Errorf("HEAD %s: %s", u, resp.Status)
	}
}

func (b *Backend) existsTool(ctx context.Context, u mover.URL) (bool, error) {
	args := expand(b.cfg.HeadCommand, u.String(), "")
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if notFoundExitCodes[exitErr.ExitCode()] {
			return false, nil
		}
		return false, &ExitError{Code: exitErr.ExitCode(), Command: strings.Join(args, " "), Stderr: strings.TrimSpace(stderr.String())}
	}
	return false, fmt.Errorf("%w: run %s: %w", mover.ErrConfiguration, args[0], err)
}

// Get downloads u to dest, retrying stalls and tool timeouts.
func (b *Backend) Get(ctx context.Context, u mover.URL, dest string, opts ...mover.Option) error {
	o := mover.ApplyOptions(opts)
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, u.Base())
	}
	if !o.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%w: %s", mover.ErrAlreadyExists, dest)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	partial := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".partial")

	policy := retry.Policy{
		MaxAttempts:    b.cfg.MaxAttempts,
		InitialBackoff: b.cfg.RetrySleep,
		Multiplier:     1,
		Retryable:      mover.RetryOn(mover.KindTransient),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			b.logger.Warn("Retrying download",
				zap.String("url", u.String()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return b.fetch(ctx, u, partial)
	})
	if err != nil {
		_ = os.Remove(partial)
		return err
	}

	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return err
	}
	b.logger.Debug("Downloaded", zap.String("url", u.String()), zap.String("dest", dest))
	return nil
}

// fetch runs one transfer attempt into partial.
func (b *Backend) fetch(ctx context.Context, u mover.URL, partial string) error {
	_ = os.Remove(partial)

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := expand(b.cfg.GetCommand, u.String(), partial)
	cmd := exec.CommandContext(attemptCtx, args[0], args[1:]...)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %w", mover.ErrConfiguration, args[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	stalled := watchSize(attemptCtx, partial, b.cfg.LivenessInterval)

	select {
	case err := <-done:
		return b.classify(ctx, err, args, stderr.String())
	case <-stalled:
		cancel()
		<-done
		_ = os.Remove(partial)
		b.logger.Warn("Transfer stalled",
			zap.String("url", u.String()),
			zap.Duration("liveness_interval", b.cfg.LivenessInterval))
		return fmt.Errorf("%w: %s: size unchanged for %s", ErrStalled, u, b.cfg.LivenessInterval)
	case <-ctx.Done():
		cancel()
		<-done
		_ = os.Remove(partial)
		return ctx.Err()
	}
}

func (b *Backend) classify(ctx context.Context, err error, args []string, stderr string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return mover.Transient(err)
	}

	code := exitErr.ExitCode()
	if code < 0 || code > b.cfg.MaxToolExitCode {
		// Timeout class: wait out the extra backoff before the regular retry sleep.
		timer := time.NewTimer(b.cfg.TimeoutBackoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		return fmt.Errorf("%w: exit code %d: %s", ErrTimeout, code, strings.Join(args, " "))
	}
	return &ExitError{Code: code, Command: strings.Join(args, " "), Stderr: strings.TrimSpace(stderr)}
}

// watchSize returns a channel closed when the file at path has the same
// size on two consecutive ticks. A missing file counts as size -1.
func watchSize(ctx context.Context, path string, interval time.Duration) <-chan struct{} {
	stalled := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last int64 = -2
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				size := int64(-1)
				if st, err := os.Stat(path); err == nil {
					size = st.Size()
				}
				if size == last {
					close(stalled)
					return
				}
				last = size
			}
		}
	}()
	return stalled
}

// Put is not supported; web sources are read-only.
func (b *Backend) Put(context.Context, string, mover.URL, ...mover.Option) error {
	return fmt.Errorf("%w: web sources are read-only", mover.ErrUnsupportedOperation)
}

// Multi is not supported; web sources are read-only.
func (b *Backend) Multi(context.Context, string, mover.URL, []string, ...mover.Option) error {
	return fmt.Errorf("%w: web sources are read-only", mover.ErrUnsupportedOperation)
}

func expand(template []string, url, out string) []string {
	args := make([]string, len(template))
	for i, a := range template {
		a = strings.ReplaceAll(a, PlaceholderURL, url)
		a = strings.ReplaceAll(a, PlaceholderOut, out)
		args[i] = a
	}
	return args
}
