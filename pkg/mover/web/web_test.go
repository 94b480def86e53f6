package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/retry"
)

// script builds a GetCommand running body under sh with $1={out} and
// $2=counter, so tests can count invocations.
func script(body, counter string) []string {
	return []string{"sh", "-c", `echo x >> "$2"; ` + body, "sh", PlaceholderOut, counter}
}

func invocations(t *testing.T, counter string) int {
	t.Helper()
	data, err := os.ReadFile(counter)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "x")
}

func TestGetSuccess(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{GetCommand: script(`printf hello > "$1"`, counter)}, nil)

	dest := filepath.Join(dir, "reads.fastq.gz")
	err := b.Get(context.Background(), mover.MustParseURL("https://example.org/data/reads.fastq.gz"), dest)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, 1, invocations(t, counter))

	entries, _ := os.ReadDir(dir)
	assert.Len(t, entries, 1, "partial file should be renamed away")
}

func TestGetIntoDirectory(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{GetCommand: script(`printf hi > "$1"`, counter)}, nil)

	require.NoError(t, b.Get(context.Background(), mover.MustParseURL("http://example.org/a/b.txt"), dir))
	got, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}

func TestGetStalledTransferIsRetriedThenGivesUp(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{
		GetCommand:       script(`printf abc > "$1"; exec sleep 30`, counter),
		LivenessInterval: 50 * time.Millisecond,
		MaxAttempts:      3,
		RetrySleep:       -1,
	}, nil)

	dest := filepath.Join(dir, "big.sra")
	start := time.Now()
	err := b.Get(context.Background(), mover.MustParseURL("ftp://ftp.example.org/big.sra"), dest)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)

	assert.True(t, errors.Is(err, ErrStalled))
	assert.True(t, errors.Is(err, retry.ErrExhausted))
	assert.Equal(t, mover.KindTransient, mover.KindOf(err))
	assert.Equal(t, 3, invocations(t, counter))

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries, "no partial or destination file may remain")
}

func TestGetExitErrorIsNotRetried(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{GetCommand: script(`exit 22`, counter), RetrySleep: -1}, nil)

	dest := filepath.Join(t.TempDir(), "missing")
	err := b.Get(context.Background(), mover.MustParseURL("https://example.org/missing"), dest)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 22, exitErr.Code)
	assert.Contains(t, exitErr.Command, "sh -c")
	assert.Equal(t, 1, invocations(t, counter))
	assert.NoFileExists(t, dest)
}

func TestGetTimeoutExitIsRetried(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{
		GetCommand:     script(`exit 124`, counter),
		MaxAttempts:    2,
		RetrySleep:     -1,
		TimeoutBackoff: time.Millisecond,
	}, nil)

	err := b.Get(context.Background(), mover.MustParseURL("https://example.org/slow"), filepath.Join(t.TempDir(), "slow"))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, 2, invocations(t, counter))
}

func TestGetRefusesExistingDestination(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{GetCommand: script(`printf new > "$1"`, counter)}, nil)

	dest := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	err := b.Get(context.Background(), mover.MustParseURL("https://example.org/file"), dest)
	assert.True(t, mover.IsAlreadyExists(err))
	assert.Equal(t, 0, invocations(t, counter))

	require.NoError(t, b.Get(context.Background(), mover.MustParseURL("https://example.org/file"), dest, mover.WithOverwrite()))
	got, _ := os.ReadFile(dest)
	assert.Equal(t, "new", string(got))
}

func TestGetCancelled(t *testing.T) {
	dir := t.TempDir()
	counter := filepath.Join(t.TempDir(), "count")
	b := New(Config{GetCommand: script(`exec sleep 30`, counter), LivenessInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := b.Get(ctx, mover.MustParseURL("https://example.org/file"), filepath.Join(dir, "file"))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestExistsHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		switch r.URL.Path {
		case "/present":
			w.WriteHeader(http.StatusOK)
		case "/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/secret":
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	b := New(Config{}, nil)
	ctx := context.Background()

	ok, err := b.Exists(ctx, mover.MustParseURL(srv.URL+"/present"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Exists(ctx, mover.MustParseURL(srv.URL+"/missing"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.Exists(ctx, mover.MustParseURL(srv.URL+"/busy"))
	assert.Equal(t, mover.KindTransient, mover.KindOf(err))

	_, err = b.Exists(ctx, mover.MustParseURL(srv.URL+"/secret"))
	assert.Equal(t, mover.KindConfiguration, mover.KindOf(err))
}

func TestExistsFTPUsesHeadCommand(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		want    bool
		wantErr bool
	}{
		{"found", "0", true, false},
		{"remote file not found", "78", false, false},
		{"login denied", "67", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(Config{HeadCommand: []string{"sh", "-c", "exit " + tt.code, "sh", PlaceholderURL}}, nil)
			ok, err := b.Exists(context.Background(), mover.MustParseURL("ftp://ftp.example.org/x"))
			assert.Equal(t, tt.want, ok)
			if tt.wantErr {
				var exitErr *ExitError
				assert.True(t, errors.As(err, &exitErr))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPutAndMultiUnsupported(t *testing.T) {
	b := New(Config{}, nil)
	u := mover.MustParseURL("https://example.org/x")
	assert.Equal(t, mover.KindUnsupported, mover.KindOf(b.Put(context.Background(), "src", u)))
	assert.Equal(t, mover.KindUnsupported, mover.KindOf(b.Multi(context.Background(), "dir", u, []string{"a"})))
}

func TestExpand(t *testing.T) {
	got := expand(DefaultGetCommand, "https://h/f", "/tmp/.f.partial")
	assert.Equal(t, []string{"curl", "--fail", "--location", "--silent", "--show-error", "-o", "/tmp/.f.partial", "https://h/f"}, got)
}
