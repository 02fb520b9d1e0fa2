package types

import "errors"

// Error kinds surfaced by the core. Callers classify failures with
// errors.Is; wrapped messages carry the detail.
var (
	// ErrInvalidInput marks a malformed request or policy. Client fault, never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks an unknown policy or action id.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a concurrent update detected under strict mode. Retryable.
	ErrConflict = errors.New("conflict")

	// ErrStore marks a backend failure. Retryable with backoff.
	ErrStore = errors.New("store error")

	// ErrTimeout marks a deadline exceeded inside the core. No partial result.
	ErrTimeout = errors.New("timeout")

	// ErrUnavailable marks an agentic feature that is not configured.
	ErrUnavailable = errors.New("unavailable")

	// ErrCanceled marks caller cancellation before completion.
	ErrCanceled = errors.New("canceled")
)
