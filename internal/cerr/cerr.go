// Package cerr defines the error taxonomy shared by the session core.
//
// Every subsystem translates raw library errors into a kinded *Error before
// returning them across a package boundary, so callers can branch on the kind
// without string matching. Cancellation is its own kind and is never reported
// to the UI as a failure.
package cerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	NotFound            Kind = "not_found"
	LimitReached        Kind = "limit_reached"
	ConnectionFailed    Kind = "connection_failed"
	AuthFailed          Kind = "auth_failed"
	Timeout             Kind = "timeout"
	StateTransition     Kind = "state_transition"
	ChannelError        Kind = "channel_error"
	ProtocolError       Kind = "protocol_error"
	AlreadyDisconnected Kind = "already_disconnected"
	Cancelled           Kind = "cancelled"
	IoError             Kind = "io_error"
)

// Error is a kinded error with a single-sentence, display-ready message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or anything it wraps) is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// KindOf returns the kind of err, or IoError when err carries no taxonomy kind.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return IoError
}

// Retryable reports whether a reconnect loop should retry after err.
// Authentication rejections and terminal-state errors are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ConnectionFailed, Timeout, IoError, ChannelError:
		return true
	default:
		return false
	}
}
