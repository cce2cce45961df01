package perception

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the backend could not be constructed.
	// Fatal to the current session; not retried automatically.
	ErrBackendUnavailable = errors.New("perception: backend unavailable")

	// ErrBackendBroken means the backend can no longer serve calls (its
	// worker died or was killed). Backends wrap it; the session replaces
	// the backend on the next call.
	ErrBackendBroken = errors.New("perception: backend broken")

	// ErrInferenceFailed means a single backend call failed.
	ErrInferenceFailed = errors.New("perception: inference failed")

	// ErrAssetExhausted is the normal end of extraction or playback.
	ErrAssetExhausted = errors.New("perception: asset exhausted")

	// ErrStaleSession marks a result that completed after its session was
	// torn down or reconfigured. Such results are never rendered.
	ErrStaleSession = errors.New("perception: stale session result discarded")

	// ErrNotConfigured is returned when inference is requested before any
	// backend configuration was applied.
	ErrNotConfigured = errors.New("perception: no backend configuration")

	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("perception: invalid configuration")
)

// InferenceError attaches the sample position to a failed inference.
type InferenceError struct {
	Index int // sample index in a replay pre-scan, -1 for live frames
	Seq   uint64
	Err   error
}

func (e *InferenceError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("perception: inference failed at index %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("perception: inference failed for frame %d: %v", e.Seq, e.Err)
}

// Unwrap exposes both the cause and ErrInferenceFailed to errors.Is.
func (e *InferenceError) Unwrap() []error {
	return []error{ErrInferenceFailed, e.Err}
}
