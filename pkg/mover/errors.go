package mover

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies mover failures by how callers should react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers network blips, rate limits and stalled transfers. Retried.
	KindTransient
	// KindConfiguration covers missing credentials, disabled backends, failed activation. Never retried.
	KindConfiguration
	// KindProtocol covers misuse of an API contract.
	KindProtocol
	// KindDataIntegrity covers checksum mismatches after a transfer.
	KindDataIntegrity
	// KindNotFound covers missing sources.
	KindNotFound
	// KindUnsupported covers operations a backend cannot perform.
	KindUnsupported
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfiguration:
		return "configuration"
	case KindProtocol:
		return "protocol"
	case KindDataIntegrity:
		return "data_integrity"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Kind sentinels. Specific errors wrap one of these so KindOf can classify
// them with errors.Is.
var (
	ErrTransient     = errors.New("transient failure")
	ErrConfiguration = errors.New("configuration error")
	ErrProtocol      = errors.New("protocol violation")
	ErrDataIntegrity = errors.New("data integrity failure")
	ErrNotFound      = errors.New("not found")
	ErrUnsupported   = errors.New("unsupported")
)

// Specific sentinel errors.
var (
	ErrBackendNotEnabled    = fmt.Errorf("backend not enabled: %w", ErrConfiguration)
	ErrInvalidURL           = fmt.Errorf("invalid URL: %w", ErrConfiguration)
	ErrAlreadyExists        = fmt.Errorf("destination already exists: %w", ErrConfiguration)
	ErrNotTransferable      = fmt.Errorf("scheme is not transferable: %w", ErrUnsupported)
	ErrUnsupportedOperation = fmt.Errorf("operation not supported by backend: %w", ErrUnsupported)
	ErrChecksumMismatch     = fmt.Errorf("checksum mismatch: %w", ErrDataIntegrity)
)

// KindOf classifies err. Context cancellation is KindUnknown so callers stop
// rather than retry.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindUnknown
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrDataIntegrity):
		return KindDataIntegrity
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindUnknown
	}
}

// RetryOn returns a retry classifier that accepts the given kinds.
func RetryOn(kinds ...Kind) func(error) bool {
	return func(err error) bool {
		k := KindOf(err)
		for _, want := range kinds {
			if k == want {
				return true
			}
		}
		return false
	}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Error is the single summarizing error returned by Mover operations.
type Error struct {
	Op       string      // Operation that failed (e.g., "Get", "Put")
	Backend  BackendKind // Backend that served the URL
	URL      string      // URL the operation targeted
	Attempts int         // Attempts made, when the backend retried
	Err      error       // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	backend := string(e.Backend)
	if backend == "" {
		backend = "mover"
	}
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s %s: after %d attempts: %v", backend, e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", backend, e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind classifies the underlying error.
func (e *Error) Kind() Kind {
	return KindOf(e.Err)
}

// IsNotFound returns true if err indicates a missing source.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if err indicates a destination that would be overwritten.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
