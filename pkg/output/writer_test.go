package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine[T any](t *testing.T, line []byte, wantType string) (Record, T) {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	assert.Equal(t, wantType, record.Type)

	var data T
	require.NoError(t, json.Unmarshal(record.Data, &data))
	return record, data
}

func TestJSONLWriter_WriteTask(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "redis")

	err := w.WriteTask(context.Background(), &TaskRecord{
		Queue:     "stage_p1",
		ProjectID: 1,
		InputID:   7,
		JobName:   "proj1_input7",
		Body:      "1 proj1_input7 7,SRR1,SRP1,None,None,None,None,None,None,sra 3,img,None 2,9606,hg38,None,None",
	})
	require.NoError(t, err)

	record, data := decodeLine[TaskRecord](t, buf.Bytes(), TypeTask)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, "redis", record.Backend)
	assert.False(t, record.TS.IsZero())
	assert.Equal(t, int64(7), data.InputID)
	assert.Equal(t, "stage_p1", data.Queue)
}

func TestJSONLWriter_WriteEventAndCounts(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "sqlite")
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	require.NoError(t, w.WriteEvent(context.Background(), &EventRecord{
		ProjectID: 1, InputID: 2, Kind: "attempt", Time: at, Node: "n1", Worker: "w1", Ordinal: 3,
	}))
	require.NoError(t, w.WriteCounts(context.Background(), &CountsRecord{
		ProjectID: 1, InputID: 2, Attempts: 3, Failures: 2, InFlight: 1,
	}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	_, ev := decodeLine[EventRecord](t, lines[0], TypeEvent)
	assert.Equal(t, at, ev.Time)
	assert.Equal(t, 3, ev.Ordinal)

	_, c := decodeLine[CountsRecord](t, lines[1], TypeCounts)
	assert.Equal(t, 1, c.InFlight)
	assert.False(t, c.Done)
}

func TestJSONLWriter_WriteTransfer(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "objectstore")
	exists := false

	require.NoError(t, w.WriteTransfer(context.Background(), &TransferRecord{
		Op:     "exists",
		Source: "s3://bucket/key",
		Exists: &exists,
	}))

	_, data := decodeLine[TransferRecord](t, buf.Bytes(), TypeTransfer)
	require.NotNil(t, data.Exists)
	assert.False(t, *data.Exists)
	assert.NotContains(t, buf.String(), `"checksum"`)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "managed")

	require.NoError(t, w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeConfiguration,
		Message: "endpoint activation expired",
		Target:  "globus://ep/path",
	}))

	_, data := decodeLine[ErrorRecord](t, buf.Bytes(), TypeError)
	assert.Equal(t, ErrCodeConfiguration, data.Code)
	assert.Equal(t, "globus://ep/path", data.Target)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "memory")

	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Command:       "worker run",
		Counts:        map[string]int{"polls": 10, "empty": 10},
		Duration:      1500 * time.Millisecond,
		DurationHuman: "1.5s",
	}))

	_, data := decodeLine[SummaryRecord](t, buf.Bytes(), TypeSummary)
	assert.Equal(t, 10, data.Counts["polls"])
	assert.Equal(t, 1500*time.Millisecond, data.Duration)
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "memory")

	require.NoError(t, w.Close())

	err := w.WriteMessage(context.Background(), &MessageRecord{ID: "m1"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "memory")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteTask(context.Background(), &TaskRecord{
					Queue:   "q",
					InputID: int64(writerID*writesPerWriter + j),
				})
			}
		}(i)
	}
	wg.Wait()

	// No interleaving
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "memory")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteTask(ctx, &TaskRecord{Queue: "q"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestJSONLWriter_WriteFailures(t *testing.T) {
	tests := []struct {
		name   string
		w      io.Writer
		wantOp string
		wantIs error
	}{
		{name: "write error", w: &failingWriter{err: errors.New("disk full")}, wantOp: "write"},
		{name: "zero write", w: &zeroWriteWriter{}, wantOp: "write", wantIs: io.ErrShortWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewJSONLWriter(tt.w, "run-1", "memory")
			err := w.WriteTask(context.Background(), &TaskRecord{Queue: "q"})
			require.Error(t, err)

			var writeErr *WriteError
			require.True(t, errors.As(err, &writeErr))
			assert.Equal(t, tt.wantOp, writeErr.Op)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
		})
	}
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	sw := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(sw, "run-1", "memory")

	require.NoError(t, w.WriteTask(context.Background(), &TaskRecord{Queue: "q", JobName: "proj1_input7"}))

	lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
	require.Len(t, lines, 1)
	decodeLine[TaskRecord](t, []byte(lines[0]), TypeTask)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
