package core

import "errors"

// Sentinel errors. Callers classify failures with errors.Is rather than
// string matching; the API layer maps the retryable ones to 503.
var (
	// ErrNoResources means the pool could not produce a renderer: every
	// renderer is saturated or the launch (and its fallback) failed.
	// Retryable from the caller's point of view.
	ErrNoResources = errors.New("no available rendering resources")

	// ErrUnderPressure means admission was rejected by the memory pressure
	// gate before any pool work was attempted. Retryable.
	ErrUnderPressure = errors.New("service under memory pressure")

	// ErrRenderTimeout means a render operation exceeded its hard deadline
	// after exhausting the bounded retry budget.
	ErrRenderTimeout = errors.New("render operation timed out")

	// ErrPoolClosed means the pool has been shut down.
	ErrPoolClosed = errors.New("renderer pool is closed")
)

// Retryable reports whether the error is a transient serving condition the
// caller should surface with a retry hint.
func Retryable(err error) bool {
	return errors.Is(err, ErrNoResources) || errors.Is(err, ErrUnderPressure)
}
