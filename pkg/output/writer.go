package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteTask(ctx context.Context, rec *TaskRecord) error
	WriteMessage(ctx context.Context, rec *MessageRecord) error
	WriteEvent(ctx context.Context, rec *EventRecord) error
	WriteCounts(ctx context.Context, rec *CountsRecord) error
	WriteTransfer(ctx context.Context, rec *TransferRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized using a mutex so lines never interleave.
type JSONLWriter struct {
	w       io.Writer
	runID   string
	backend string
	now     func() time.Time
	mu      sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer stamping every record with
// runID and backend.
func NewJSONLWriter(w io.Writer, runID, backend string) *JSONLWriter {
	return &JSONLWriter{
		w:       w,
		runID:   runID,
		backend: backend,
		now:     time.Now,
	}
}

// WriteTask emits a published task record.
func (jw *JSONLWriter) WriteTask(ctx context.Context, rec *TaskRecord) error {
	return jw.writeRecord(ctx, TypeTask, rec)
}

// WriteMessage emits a received message record.
func (jw *JSONLWriter) WriteMessage(ctx context.Context, rec *MessageRecord) error {
	return jw.writeRecord(ctx, TypeMessage, rec)
}

// WriteEvent emits a ledger history record.
func (jw *JSONLWriter) WriteEvent(ctx context.Context, rec *EventRecord) error {
	return jw.writeRecord(ctx, TypeEvent, rec)
}

// WriteCounts emits a ledger counts record.
func (jw *JSONLWriter) WriteCounts(ctx context.Context, rec *CountsRecord) error {
	return jw.writeRecord(ctx, TypeCounts, rec)
}

func (jw *JSONLWriter) WriteTransfer(ctx context.Context, rec *TransferRecord) error {
	return jw.writeRecord(ctx, TypeTransfer, rec)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line while
// holding the mutex.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:    recordType,
		TS:      jw.now().UTC(),
		RunID:   jw.runID,
		Backend: jw.backend,
		Data:    dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
