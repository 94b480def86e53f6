// Package mover moves files between the local filesystem and the storage
// backends that hold pipeline inputs and outputs.
//
// Callers pass URL strings; the Mover parses the scheme and dispatches to
// the backend registered for it. Each backend must be enabled explicitly.
// A URL whose backend is not enabled fails with ErrBackendNotEnabled rather
// than falling back to another transport.
package mover

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/pkg/retry"
)

// Factory constructs a backend on first use.
type Factory func(ctx context.Context) (Backend, error)

// Options configures a Mover.
type Options struct {
	// Backends maps each enabled backend kind to its factory. Kinds absent
	// from the map are disabled.
	Backends map[BackendKind]Factory

	Logger *zap.Logger
	Tracer trace.Tracer
}

// lazyBackend builds its backend on first successful use. A failed build
// is not remembered, so a later call can try again.
type lazyBackend struct {
	mu      sync.Mutex
	factory Factory
	backend Backend
}

// get returns the backend, building it if needed. The build runs detached
// from ctx's cancellation because the backend outlives the call that
// happened to create it.
func (lb *lazyBackend) get(ctx context.Context) (Backend, bool, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if lb.backend != nil {
		return lb.backend, false, nil
	}
	b, err := lb.factory(context.WithoutCancel(ctx))
	if err != nil {
		return nil, false, err
	}
	lb.backend = b
	return b, true, nil
}

// Mover dispatches transfer operations by URL scheme.
type Mover struct {
	backends map[BackendKind]*lazyBackend
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds a Mover. Backends are constructed lazily and shared after.
func New(opts Options) *Mover {
	m := &Mover{
		backends: make(map[BackendKind]*lazyBackend, len(opts.Backends)),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.tracer == nil {
		m.tracer = noop.NewTracerProvider().Tracer("")
	}
	for kind, f := range opts.Backends {
		if f != nil {
			m.backends[kind] = &lazyBackend{factory: f}
		}
	}
	return m
}

// Enabled reports whether the backend kind is configured.
func (m *Mover) Enabled(kind BackendKind) bool {
	_, ok := m.backends[kind]
	return ok
}

// resolve parses raw and returns the backend serving it.
func (m *Mover) resolve(ctx context.Context, raw string) (URL, Backend, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return URL{}, nil, err
	}
	if !u.Scheme.Transferable() {
		return u, nil, fmt.Errorf("%w: %s", ErrNotTransferable, u.Scheme)
	}

	kind := u.Scheme.Backend()
	lb, ok := m.backends[kind]
	if !ok {
		return u, nil, fmt.Errorf("%w: %s (needed for %s URLs)", ErrBackendNotEnabled, kind, u.Scheme)
	}
	b, built, err := lb.get(ctx)
	if err != nil {
		return u, nil, fmt.Errorf("%w: initialize %s backend: %w", ErrConfiguration, kind, err)
	}
	if built {
		m.logger.Debug("Initialized mover backend", zap.String("backend", string(kind)))
	}
	return u, b, nil
}

func (m *Mover) wrap(op, raw string, u URL, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	attempts := 1
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		attempts = ex.Attempts
	}
	return &Error{Op: op, Backend: u.Scheme.Backend(), URL: raw, Attempts: attempts, Err: err}
}

func (m *Mover) span(ctx context.Context, op, raw string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "mover."+op, trace.WithAttributes(
		attribute.String("mover.url", raw),
	))
}

func endSpan(span trace.Span, u URL, err error) {
	span.SetAttributes(
		attribute.String("mover.scheme", u.Scheme.String()),
		attribute.String("mover.backend", string(u.Scheme.Backend())),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
	}
	span.End()
}

// Exists reports whether something exists at raw.
func (m *Mover) Exists(ctx context.Context, raw string) (ok bool, err error) {
	ctx, span := m.span(ctx, "exists", raw)
	var u URL
	defer func() { endSpan(span, u, err) }()

	u, b, err := m.resolve(ctx, raw)
	if err != nil {
		return false, m.wrap("Exists", raw, u, err)
	}
	ok, err = b.Exists(ctx, u)
	return ok, m.wrap("Exists", raw, u, err)
}

// Get copies raw to the local path dest. If dest is an existing directory
// the source's base name is appended.
func (m *Mover) Get(ctx context.Context, raw, dest string, opts ...Option) (err error) {
	ctx, span := m.span(ctx, "get", raw)
	var u URL
	defer func() { endSpan(span, u, err) }()

	u, b, err := m.resolve(ctx, raw)
	if err != nil {
		return m.wrap("Get", raw, u, err)
	}
	m.logger.Debug("Getting", zap.String("url", raw), zap.String("dest", dest))
	return m.wrap("Get", raw, u, b.Get(ctx, u, dest, opts...))
}

// Put copies the local file src to raw.
func (m *Mover) Put(ctx context.Context, src, raw string, opts ...Option) (err error) {
	ctx, span := m.span(ctx, "put", raw)
	var u URL
	defer func() { endSpan(span, u, err) }()

	u, b, err := m.resolve(ctx, raw)
	if err != nil {
		return m.wrap("Put", raw, u, err)
	}
	m.logger.Debug("Putting", zap.String("src", src), zap.String("url", raw))
	return m.wrap("Put", raw, u, b.Put(ctx, src, u, opts...))
}

// Multi copies each relPath under srcDir to the same relative path under raw.
func (m *Mover) Multi(ctx context.Context, srcDir, raw string, relPaths []string, opts ...Option) (err error) {
	ctx, span := m.span(ctx, "multi", raw)
	span.SetAttributes(attribute.Int("mover.files", len(relPaths)))
	var u URL
	defer func() { endSpan(span, u, err) }()

	u, b, err := m.resolve(ctx, raw)
	if err != nil {
		return m.wrap("Multi", raw, u, err)
	}
	return m.wrap("Multi", raw, u, b.Multi(ctx, srcDir, u, relPaths, opts...))
}

// GetVerified is Get followed by an MD5 comparison against checksum (hex).
// On mismatch the destination is removed. An empty checksum skips
// verification. It returns the path of the downloaded file.
func (m *Mover) GetVerified(ctx context.Context, raw, dest, checksum string, opts ...Option) (string, error) {
	target := dest
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		u, perr := ParseURL(raw)
		if perr != nil {
			return "", m.wrap("Get", raw, u, perr)
		}
		target = strings.TrimRight(dest, string(os.PathSeparator)) + string(os.PathSeparator) + u.Base()
	}

	if err := m.Get(ctx, raw, target, opts...); err != nil {
		return "", err
	}

	checksum = strings.ToLower(strings.TrimSpace(checksum))
	if checksum == "" {
		return target, nil
	}

	got, err := FileMD5(target)
	if err != nil {
		return "", m.wrap("Verify", raw, URL{Raw: raw}, err)
	}
	if got != checksum {
		_ = os.Remove(target)
		u, _ := ParseURL(raw)
		return "", m.wrap("Verify", raw, u,
			fmt.Errorf("%w: want %s, got %s", ErrChecksumMismatch, checksum, got))
	}
	return target, nil
}

// FileMD5 returns the hex MD5 digest of the file at path.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
