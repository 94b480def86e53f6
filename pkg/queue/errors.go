package queue

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue operations.
// Use errors.Is() to check for these conditions.
var (
	// ErrConnectionLost indicates the broker could not be reached. Retryable.
	ErrConnectionLost = errors.New("queue connection lost")

	// ErrQueueNotFound indicates the named queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrProtocolViolation indicates the caller broke the get/ack contract,
	// e.g. a second Get while a message is outstanding.
	ErrProtocolViolation = errors.New("queue protocol violation")

	// ErrQueueNotEmpty indicates a conditional delete found messages.
	ErrQueueNotEmpty = errors.New("queue not empty")

	// ErrInvalidName indicates a queue name the backends cannot represent.
	ErrInvalidName = errors.New("invalid queue name")
)

// Error wraps queue failures with operation context.
type Error struct {
	Op      string // Operation that failed (e.g., "Receive", "Ack")
	Queue   string // Queue name
	Backend string // Backend identifier (e.g., "redis", "sqs")
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Queue, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap builds an *Error, leaving nil and already-wrapped errors untouched.
func Wrap(backend, op, queue string, err error) error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return err
	}
	return &Error{Op: op, Queue: queue, Backend: backend, Err: err}
}

// IsConnectionLost returns true if err indicates a broker connectivity failure.
func IsConnectionLost(err error) bool {
	return errors.Is(err, ErrConnectionLost)
}

// IsNotFound returns true if err indicates a missing queue.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound)
}

// IsProtocolViolation returns true if err indicates get/ack misuse.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

// ConnectionLost marks a transport error so it matches both ErrConnectionLost
// and the original cause.
func ConnectionLost(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}
