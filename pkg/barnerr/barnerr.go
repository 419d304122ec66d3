// Package barnerr defines the error kinds the IPC boundary translates
// into wire-level status codes. Internal callers keep using plain
// wrapped errors (fmt.Errorf("...: %w", err)); only pkg/ipc classifies
// them with errors.Is against these sentinels.
package barnerr

import "errors"

var (
	// ErrInvalidRequest marks a malformed payload or unknown request type.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrJobNotFound marks a referenced job id that does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState marks an operation incompatible with a job's current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrStorageError marks a filesystem I/O failure.
	ErrStorageError = errors.New("storage error")

	// ErrLockContended marks a failure to acquire a required advisory lock.
	ErrLockContended = errors.New("lock contended")

	// ErrInternal is the catch-all kind for anything else.
	ErrInternal = errors.New("internal error")
)

// Code returns the wire-level error code for err, defaulting to
// INTERNAL_ERROR when err does not match a known sentinel. Kinds that
// are internal failures from the caller's point of view (storage
// errors, lock contention) are collapsed to INTERNAL_ERROR here too;
// callers that need the finer-grained kind for logging should check
// errors.Is against the sentinel directly, not this code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrJobNotFound):
		return "JOB_NOT_FOUND"
	case errors.Is(err, ErrInvalidState):
		return "INVALID_STATE"
	default:
		return "INTERNAL_ERROR"
	}
}
