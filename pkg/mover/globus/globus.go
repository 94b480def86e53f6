// Package globus implements the managed-transfer mover backend on the
// Globus Transfer API.
//
// URLs take the form globus://<endpoint-id>/<path>. Transfers run between
// that endpoint and LocalEndpoint, which must see local paths unchanged.
// Every endpoint is activated before the first transfer that touches it.
package globus

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/mover"
)

// Defaults.
const (
	DefaultBaseURL            = "https://transfer.api.globus.org/v0.10"
	DefaultActivationLifetime = 48 * time.Hour
	DefaultPollInterval       = 10 * time.Second
	DefaultTimeout            = 24 * time.Hour
	DefaultProgressEvery      = 6
	DefaultSubmitAttempts     = 20
	DefaultSubmitBackoff      = 2 * time.Second
	DefaultSubmitMaxBackoff   = 5 * time.Minute
	DefaultLabel              = "recount-pump"
)

// Config configures the managed-transfer backend.
type Config struct {
	BaseURL string
	Token   string

	// LocalEndpoint is the endpoint id that serves this host's filesystem.
	LocalEndpoint string

	ActivationLifetime time.Duration
	PollInterval       time.Duration
	Timeout            time.Duration
	ProgressEvery      int

	SubmitAttempts   int
	SubmitBackoff    time.Duration
	SubmitMaxBackoff time.Duration

	Label      string
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.ActivationLifetime <= 0 {
		c.ActivationLifetime = DefaultActivationLifetime
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ProgressEvery == 0 {
		c.ProgressEvery = DefaultProgressEvery
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = DefaultSubmitAttempts
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = DefaultSubmitBackoff
	}
	if c.SubmitMaxBackoff <= 0 {
		c.SubmitMaxBackoff = DefaultSubmitMaxBackoff
	}
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: time.Minute}
	}
	return c
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%w: globus token is required", mover.ErrConfiguration)
	}
	if c.LocalEndpoint == "" {
		return fmt.Errorf("%w: globus local endpoint is required", mover.ErrConfiguration)
	}
	return nil
}

// Backend implements mover.Backend over a Client.
type Backend struct {
	client *Client
	local  string
	logger *zap.Logger
}

// Ensure Backend implements mover.Backend.
var _ mover.Backend = (*Backend)(nil)

// New validates cfg and returns a backend.
func New(cfg Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		client: NewClient(cfg, logger),
		local:  cfg.LocalEndpoint,
		logger: logger,
	}, nil
}

// Client exposes the underlying API client.
func (b *Backend) Client() *Client {
	return b.client
}

// Exists lists the parent directory and looks for the base name. A path
// ending in "/" is checked by listing it directly.
func (b *Backend) Exists(ctx context.Context, u mover.URL) (bool, error) {
	if u.IsDir() || u.Path == "/" {
		_, err := b.client.List(ctx, u.Host, u.Path)
		if mover.IsNotFound(err) {
			return false, nil
		}
		return err == nil, err
	}

	entries, err := b.client.List(ctx, u.Host, path.Dir(u.Path)+"/")
	if err != nil {
		if mover.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	base := path.Base(u.Path)
	for _, e := range entries {
		if e.Name == base {
			return true, nil
		}
	}
	return false, nil
}

// Get transfers u to dest on the local endpoint. The service writes to a
// partial name that is renamed once the task succeeds.
func (b *Backend) Get(ctx context.Context, u mover.URL, dest string, opts ...mover.Option) error {
	o := mover.ApplyOptions(opts)
	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
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

	err = b.transfer(ctx, u.Host, b.local, []Item{{SourcePath: u.Path, DestinationPath: filepath.ToSlash(partial)}})
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return nil
}

// Put transfers the local file src to u. A path ending in "/" receives
// src's base name.
func (b *Backend) Put(ctx context.Context, src string, u mover.URL, _ ...mover.Option) error {
	src, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
		}
		return err
	}
	if u.IsDir() {
		u = u.Join(filepath.Base(src))
	}
	return b.transfer(ctx, b.local, u.Host, []Item{{SourcePath: filepath.ToSlash(src), DestinationPath: u.Path}})
}

// Multi transfers every relative path under srcDir in a single task.
func (b *Backend) Multi(ctx context.Context, srcDir string, u mover.URL, relPaths []string, _ ...mover.Option) error {
	srcDir, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	items := make([]Item, 0, len(relPaths))
	for _, rel := range relPaths {
		rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
		if rel == "" || rel == ".." || strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") {
			return fmt.Errorf("%w: invalid relative path %q", mover.ErrInvalidURL, rel)
		}
		items = append(items, Item{
			SourcePath:      filepath.ToSlash(filepath.Join(srcDir, filepath.FromSlash(rel))),
			DestinationPath: u.Join(rel).Path,
		})
	}
	if len(items) == 0 {
		return nil
	}
	return b.transfer(ctx, b.local, u.Host, items)
}

func (b *Backend) transfer(ctx context.Context, source, destination string, items []Item) error {
	taskID, err := b.client.Submit(ctx, source, destination, items)
	if err != nil {
		return err
	}
	return b.client.Wait(ctx, taskID, source, destination)
}
