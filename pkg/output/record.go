// Package output provides JSONL output for CLI commands.
//
// Output is structured as typed record envelopes. Each line is a
// self-contained JSON object that can be parsed independently, so command
// output can be piped into jq or appended to a log.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: recount-pump.<type>.v<version>
const (
	// TypeTask identifies published task records.
	TypeTask = "recount-pump.task.v1"

	// TypeMessage identifies received queue message records.
	TypeMessage = "recount-pump.message.v1"

	// TypeEvent identifies attempt ledger history records.
	TypeEvent = "recount-pump.event.v1"

	// TypeCounts identifies attempt ledger count records.
	TypeCounts = "recount-pump.counts.v1"

	// TypeTransfer identifies mover operation records.
	TypeTransfer = "recount-pump.transfer.v1"

	// TypeError identifies error records.
	TypeError = "recount-pump.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "recount-pump.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "recount-pump.task.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID correlates the records of one command invocation.
	RunID string `json:"run_id"`

	// Backend identifies the queue, ledger or mover backend involved.
	Backend string `json:"backend"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// TaskRecord is emitted for each task published to a queue.
type TaskRecord struct {
	Queue     string `json:"queue"`
	ProjectID int64  `json:"project_id"`
	InputID   int64  `json:"input_id"`
	JobName   string `json:"job_name"`
	Body      string `json:"body"`
}

// MessageRecord is emitted for a received queue message.
type MessageRecord struct {
	Queue        string `json:"queue"`
	ID           string `json:"id"`
	Body         string `json:"body"`
	ReceiveCount int    `json:"receive_count,omitempty"`

	// Acked reports whether the message was acknowledged after receipt.
	Acked bool `json:"acked"`
}

// EventRecord is one row of a job's ledger history.
type EventRecord struct {
	ProjectID int64     `json:"project_id"`
	InputID   int64     `json:"input_id"`
	Kind      string    `json:"kind"`
	Time      time.Time `json:"time"`
	Node      string    `json:"node"`
	Worker    string    `json:"worker"`
	Ordinal   int       `json:"ordinal,omitempty"`
}

// CountsRecord is a job's ledger counts.
type CountsRecord struct {
	ProjectID int64 `json:"project_id"`
	InputID   int64 `json:"input_id"`
	Attempts  int   `json:"attempts"`
	Successes int   `json:"successes"`
	Failures  int   `json:"failures"`
	InFlight  int   `json:"in_flight"`
	Done      bool  `json:"done"`
}

// TransferRecord is the result of one mover operation.
type TransferRecord struct {
	Op     string `json:"op"`
	Source string `json:"source,omitempty"`
	Dest   string `json:"dest,omitempty"`

	// Exists is set for exists operations.
	Exists *bool `json:"exists,omitempty"`

	Files    int           `json:"files,omitempty"`
	Bytes    int64         `json:"bytes,omitempty"`
	Checksum string        `json:"checksum,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ErrorRecord is the data payload for errors.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Target is the queue, job or URL the error relates to.
	Target string `json:"target,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConfiguration = "CONFIGURATION"
	ErrCodeTransient     = "TRANSIENT"
	ErrCodeIntegrity     = "DATA_INTEGRITY"
	ErrCodeInternal      = "INTERNAL"
)

// SummaryRecord is emitted at the end of a command with aggregate counts.
type SummaryRecord struct {
	// Command names what ran (e.g., "stage publish", "worker run").
	Command string `json:"command"`

	// Counts holds command-specific counters.
	Counts map[string]int `json:"counts,omitempty"`

	// Duration is the total command duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Errors int64 `json:"errors"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
