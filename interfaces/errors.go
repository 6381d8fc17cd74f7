package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed requests. Validation failures
	// are rejected at the boundary and never reach the orchestrator.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound is returned when a registry or ledger lookup has no entry.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned for CIDR overlaps and for duplicate in-flight
	// enrollment requests.
	ErrConflict = errors.New("conflict")

	// ErrExhaustedAddressSpace is returned when no unused block of the
	// requested size remains in a scope's parent range.
	ErrExhaustedAddressSpace = errors.New("address space exhausted")
)

// BackendError is a typed error from a trust backend adapter. The adapter,
// not the orchestrator, classifies whether the failure is retryable.
type BackendError struct {
	// Backend names the collaborator, e.g. "identity" or "ca".
	Backend string

	// Retryable marks transient failures (timeouts, 5xx-class responses).
	Retryable bool

	Err error
}

func (e *BackendError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("%s backend: %v (retryable)", e.Backend, e.Err)
	}
	return fmt.Sprintf("%s backend: %v", e.Backend, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// RetryableError wraps a transient backend failure.
func RetryableError(backend string, err error) *BackendError {
	return &BackendError{Backend: backend, Retryable: true, Err: err}
}

// PermanentError wraps a terminal backend failure.
func PermanentError(backend string, err error) *BackendError {
	return &BackendError{Backend: backend, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a transient backend failure that the
// orchestrator's retry loop may absorb.
func IsRetryable(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}
