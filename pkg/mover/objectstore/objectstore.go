package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/retry"
)

// Client is the storage API the backend needs. It isolates the SDK so the
// aws and minio drivers are interchangeable.
type Client interface {
	// Head reports whether an object exists at exactly bucket/key.
	Head(ctx context.Context, bucket, key string) (bool, error)

	// Download streams the object into w.
	Download(ctx context.Context, bucket, key string, w io.Writer) error

	// Upload stores size bytes from r with server-side encryption.
	Upload(ctx context.Context, bucket, key string, r io.ReadSeeker, size int64) error
}

// Backend implements mover.Backend over a Client.
type Backend struct {
	client Client
	retry  RetryConfig
	logger *zap.Logger
}

// Ensure Backend implements mover.Backend.
var _ mover.Backend = (*Backend)(nil)

// New builds a backend with the driver selected in cfg.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
	}

	var (
		client Client
		err    error
	)
	switch strings.ToLower(cfg.Driver) {
	case DriverMinIO:
		client, err = newMinIOClient(cfg)
	default:
		client, err = newAWSClient(ctx, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
	}
	return NewWithClient(client, cfg.Retry, logger), nil
}

// NewWithClient wraps an existing client. Zero retry fields take the
// package defaults.
func NewWithClient(client Client, rc RetryConfig, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{client: client, retry: rc.withDefaults(), logger: logger}
}

// do runs fn under the retry policy. Only transient errors are retried;
// exhaustion surfaces as *retry.ExhaustedError so the mover reports the
// attempt count.
func (b *Backend) do(ctx context.Context, op string, u mover.URL, fn func(context.Context) error) error {
	return retry.Do(ctx, b.policy(op, u), fn)
}

func (b *Backend) policy(op string, u mover.URL) retry.Policy {
	return retry.Policy{
		MaxAttempts:    b.retry.MaxAttempts,
		InitialBackoff: b.retry.Backoff,
		MaxBackoff:     b.retry.MaxBackoff,
		Multiplier:     2,
		Retryable:      mover.RetryOn(mover.KindTransient),
		OnRetry: func(attempt int, err error, wait time.Duration) {
			b.logger.Warn("Retrying object request",
				zap.String("op", op),
				zap.String("url", u.String()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		},
	}
}

// Exists performs a head lookup on the exact key. A prefix that only has
// children is not an object and reports false.
func (b *Backend) Exists(ctx context.Context, u mover.URL) (bool, error) {
	if u.Path == "" || u.IsDir() {
		return false, nil
	}
	return retry.DoValue(ctx, b.policy("Head", u), func(ctx context.Context) (bool, error) {
		return b.client.Head(ctx, u.Host, u.Path)
	})
}

// Get downloads the object to dest. A directory destination receives the
// key's base name. An existing destination file is never replaced unless
// overwrite was requested.
func (b *Backend) Get(ctx context.Context, u mover.URL, dest string, opts ...mover.Option) error {
	o := mover.ApplyOptions(opts)
	if u.Path == "" || u.IsDir() {
		return fmt.Errorf("%w: %s names a prefix, not an object", mover.ErrInvalidURL, u)
	}

	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, u.Base())
	} else if strings.HasSuffix(dest, string(os.PathSeparator)) {
		dest = filepath.Join(dest, u.Base())
	}
	if !o.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%w: %s", mover.ErrAlreadyExists, dest)
		}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".recount-pump-get-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	err = b.do(ctx, "Download", u, func(ctx context.Context) error {
		// A failed attempt may have written part of the object.
		if err := tmp.Truncate(0); err != nil {
			return err
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return b.client.Download(ctx, u.Host, u.Path, tmp)
	})
	if err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return err
	}
	b.logger.Debug("Downloaded object", zap.String("url", u.String()), zap.String("dest", dest))
	return nil
}

// Put uploads src to the key in u, replacing any existing object. A key
// ending in "/" receives src's base name.
func (b *Backend) Put(ctx context.Context, src string, u mover.URL, _ ...mover.Option) error {
	if u.Path == "" || u.IsDir() {
		u = u.Join(filepath.Base(src))
	}

	f, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
		}
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%w: source %s is a directory", mover.ErrUnsupportedOperation, src)
	}

	err = b.do(ctx, "Upload", u, func(ctx context.Context) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return b.client.Upload(ctx, u.Host, u.Path, f, st.Size())
	})
	if err != nil {
		return err
	}
	b.logger.Debug("Uploaded object", zap.String("src", src), zap.String("url", u.String()), zap.Int64("bytes", st.Size()))
	return nil
}

// Multi uploads each relative path under srcDir to the same relative key
// under u.
func (b *Backend) Multi(ctx context.Context, srcDir string, u mover.URL, relPaths []string, opts ...mover.Option) error {
	for _, rel := range relPaths {
		rel = strings.TrimPrefix(filepath.ToSlash(rel), "/")
		if rel == "" || strings.HasPrefix(rel, "../") || strings.Contains(rel, "/../") {
			return fmt.Errorf("%w: invalid relative path %q", mover.ErrInvalidURL, rel)
		}
		if err := b.Put(ctx, filepath.Join(srcDir, filepath.FromSlash(rel)), u.Join(rel), opts...); err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
	}
	return nil
}
