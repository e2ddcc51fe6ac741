package backend

import "errors"

// Domain errors for the backend package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, backend.ErrNoDevice) {
//	    // no unit attached, surface as a conflict
//	}
var (
	// ErrNoDevice is returned by actions that need an attached unit
	// when none is current.
	ErrNoDevice = errors.New("backend: no device attached")

	// ErrNotReady is returned when an action requires the Ready state,
	// e.g. finalizing while an operation is still running.
	ErrNotReady = errors.New("backend: not ready")

	// ErrStopped is returned when the event loop is not running.
	ErrStopped = errors.New("backend: stopped")
)
