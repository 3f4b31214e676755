// Package orcherr defines the error taxonomy shared by every substrate
// component: workers translate domain failures into a Kind, and the
// orchestrator decides retry-vs-fail from the Kind alone.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind string

const (
	// InvalidInput means the task context is missing a required key or
	// has the wrong type for the target agent. Never retried.
	InvalidInput Kind = "invalid_input"
	// Cancelled means the task was cancelled cooperatively. Terminal,
	// not a failure.
	Cancelled Kind = "cancelled"
	// Timeout means the per-step deadline was exceeded. Retriable until
	// attempts are exhausted.
	Timeout Kind = "timeout"
	// Transient means an upstream dependency flaked (network, lock
	// contention). Retriable.
	Transient Kind = "transient"
	// Permanent means the upstream rejected the work outright (e.g. a
	// non-rate-limit 4xx). Never retried.
	Permanent Kind = "permanent"
	// ConcurrentUpdate means a CAS precondition failed. Internal to the
	// orchestrator; never surfaced past the core.
	ConcurrentUpdate Kind = "concurrent_update"
	// Unavailable means a dependency (event mesh, store) is down.
	// Surfaced to callers as a 5xx-equivalent.
	Unavailable Kind = "unavailable"
	// BackpressureExceeded means a queue or stream is saturated; the
	// caller should retry with backoff.
	BackpressureExceeded Kind = "backpressure_exceeded"
)

// Error wraps an underlying cause with a Kind and a human-readable
// detail, matching the "last error kind and detail" task-failure shape
// from the spec.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Transient for
// errors that were never classified — an unclassified error is treated
// as a flake worth retrying rather than a fatal one, since the
// alternative (defaulting to Permanent) would turn an ordinary bug into
// a silent non-retry.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Transient
}

// Retryable reports whether kind is ever worth retrying, independent of
// a specific step's retryable_errors allowlist.
func Retryable(kind Kind) bool {
	switch kind {
	case Timeout, Transient, BackpressureExceeded:
		return true
	default:
		return false
	}
}
