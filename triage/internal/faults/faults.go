// Package faults defines the error taxonomy shared by the triage pipeline.
//
// Transient faults (store or model temporarily unreachable) are retried with
// backoff by the orchestration layer; everything else is terminal for the
// attempt that produced it.
package faults

import "errors"

var (
	// ErrStoreUnavailable indicates the event/ticket store could not execute
	// a query. Transient; callers may retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrClassifierUnavailable indicates the external reasoning or embedding
	// model could not be reached or timed out. Transient.
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrMalformedResponse indicates the reasoning model returned output that
	// could not be parsed into the expected structure. Not retryable; the
	// event is surfaced as uncertain instead of looping.
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrNotFound indicates a referenced document does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an optimistic-concurrency version mismatch on a
	// document replace. Retryable with a fresh read, bounded attempts.
	ErrConflict = errors.New("version conflict")

	// ErrInvariantViolation indicates the ticket-membership back-reference
	// invariant would be broken. Never swallowed; the operation aborts and is
	// surfaced for operator attention.
	ErrInvariantViolation = errors.New("ticket membership invariant violated")
)

// Transient reports whether err should be retried with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrClassifierUnavailable)
}
