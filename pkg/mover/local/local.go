// Package local implements the mover backend for local filesystem paths.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/langmead-lab/recount-pump/pkg/mover"
)

// Backend copies files on the local filesystem.
type Backend struct{}

// Ensure Backend implements mover.Backend.
var _ mover.Backend = (*Backend)(nil)

// New returns a local backend.
func New() *Backend {
	return &Backend{}
}

// Exists stats the path.
func (b *Backend) Exists(ctx context.Context, u mover.URL) (bool, error) {
	_ = ctx
	_, err := os.Stat(u.Path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapError(err)
}

// Get copies the file at u to dest.
func (b *Backend) Get(ctx context.Context, u mover.URL, dest string, opts ...mover.Option) error {
	return copyFile(ctx, u.Path, dest, mover.ApplyOptions(opts))
}

// Put copies src to the path in u.
func (b *Backend) Put(ctx context.Context, src string, u mover.URL, opts ...mover.Option) error {
	return copyFile(ctx, src, u.Path, mover.ApplyOptions(opts))
}

// Multi copies each relative path under srcDir to the same relative path
// under u.
func (b *Backend) Multi(ctx context.Context, srcDir string, u mover.URL, relPaths []string, opts ...mover.Option) error {
	o := mover.ApplyOptions(opts)
	for _, rel := range relPaths {
		clean, err := cleanRel(rel)
		if err != nil {
			return err
		}
		src := filepath.Join(srcDir, clean)
		dst := filepath.Join(u.Path, clean)
		if err := copyFile(ctx, src, dst, o); err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
	}
	return nil
}

// copyFile writes to a temp file in the destination directory and renames
// it into place, so dest is either absent or complete.
func copyFile(ctx context.Context, src, dest string, o mover.CallOptions) error {
	in, err := os.Open(src)
	if err != nil {
		return wrapError(err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return wrapError(err)
	}
	if st.IsDir() {
		return fmt.Errorf("%w: source %s is a directory", mover.ErrUnsupportedOperation, src)
	}

	if dst, err := os.Stat(dest); err == nil && dst.IsDir() {
		dest = filepath.Join(dest, filepath.Base(src))
	} else if strings.HasSuffix(dest, string(os.PathSeparator)) {
		dest = filepath.Join(dest, filepath.Base(src))
	}

	if !o.Overwrite {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%w: %s", mover.ErrAlreadyExists, dest)
		}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return wrapError(err)
	}

	tmp, err := os.CreateTemp(dir, ".recount-pump-*")
	if err != nil {
		return wrapError(err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in}); err != nil {
		return wrapError(err)
	}
	if err := tmp.Close(); err != nil {
		return wrapError(err)
	}
	if err := os.Chmod(tmpName, st.Mode().Perm()); err != nil {
		return wrapError(err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return wrapError(err)
	}
	return nil
}

// cleanRel rejects relative paths that escape their root.
func cleanRel(rel string) (string, error) {
	rel = strings.TrimPrefix(strings.TrimSpace(rel), "/")
	clean := filepath.Clean("/" + rel)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: invalid relative path %q", mover.ErrInvalidURL, rel)
	}
	return filepath.FromSlash(clean), nil
}

// ctxReader stops a copy when ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// wrapError normalizes filesystem errors to mover sentinels.
func wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %w", mover.ErrNotFound, err)
	case os.IsPermission(err):
		return fmt.Errorf("%w: %w", mover.ErrConfiguration, err)
	}
	return err
}
