// Package protocolerr defines the error kinds surfaced across the
// management-socket wire protocol.
package protocolerr

import "errors"

// Kind enumerates the error kinds the management protocol can report.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindProtocolMismatch  Kind = "protocol_mismatch"
	KindStateStoreError   Kind = "state_store_error"
	KindSpawnError        Kind = "spawn_error"
	KindStartupTimeout    Kind = "startup_timeout"
	KindHealthCheckFailed Kind = "health_check_failed"
	KindACMEError         Kind = "acme_error"
	KindLockConflict      Kind = "lock_conflict"
)

// Error is a classified failure surfaced to a management-protocol caller.
// The state store wraps its internal failures into one of these; other
// errors can reach the control server unwrapped. The control server sends
// only the Error() text (Message plus any cause); the Kind is not part of
// that text.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under the given kind, preserving it
// as the unwrap chain's cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// As extracts a *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the classified kind of err, defaulting to
// KindStateStoreError for unclassified errors (the catch-all for internal
// failures that reach the control boundary unwrapped).
func KindOf(err error) Kind {
	if pe, ok := As(err); ok {
		return pe.Kind
	}
	return KindStateStoreError
}
