package device

import (
	"context"
	"errors"
)

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrBusy) {
//	    // another operation is already running
//	}
var (
	// ErrBusy is returned when an operation is requested while another
	// operation holds the device.
	ErrBusy = errors.New("device: operation in progress")

	// ErrClosed is returned when a device is used after it detached.
	ErrClosed = errors.New("device: closed")

	// ErrNotRecovery is returned when a recovery-only step is attempted
	// on a device running normal firmware.
	ErrNotRecovery = errors.New("device: not in recovery mode")

	// ErrRecovery is returned when a normal-mode step is attempted on a
	// device sitting in recovery mode.
	ErrRecovery = errors.New("device: in recovery mode")
)

// ErrorKind classifies what went wrong with a device interaction. The
// zero value means no error. Kinds travel with the device state so the
// orchestrator and the API can surface a stable category alongside the
// human-readable message.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindUnknown        ErrorKind = "unknown"
	KindInvalidDevice  ErrorKind = "invalid-device"
	KindSerialAccess   ErrorKind = "serial-access"
	KindRecoveryAccess ErrorKind = "recovery-access"
	KindSerial         ErrorKind = "serial"
	KindRecovery       ErrorKind = "recovery"
	KindProtocol       ErrorKind = "protocol"
	KindTimeout        ErrorKind = "timeout"
	KindOperation      ErrorKind = "operation"
	KindData           ErrorKind = "data"
	KindBackup         ErrorKind = "backup"
)

// String returns the kind identifier, or "none" for the zero value so
// log output never shows an empty field.
func (k ErrorKind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// KindError attaches an ErrorKind to an underlying error. It unwraps to
// the cause, so errors.Is and errors.As keep working through it.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string { return e.Err.Error() }

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with the given kind. A nil err stays nil. If err
// already carries a kind, the existing kind wins: the first classifier
// is closest to the failure and knows best.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return err
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the error kind from err. Unkinded timeouts map to
// KindTimeout, any other unkinded error to KindOperation, and nil to
// KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOperation
}
