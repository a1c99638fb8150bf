package rpc

import (
	"errors"
	"fmt"
)

// UnhandledMessage is the error text sent when no handler accepts a variant
const UnhandledMessage = "Call unhandled"

var (
	// ErrSkip is returned by a handler to pass the message to the next
	// handler registered for the same variant. A stream handler must not
	// emit items before skipping.
	ErrSkip = errors.New("rpc: handler skipped")

	// ErrTimeout is returned by the caller when no reply (or, for streams,
	// no item) arrived in time
	ErrTimeout = errors.New("rpc: timeout")

	// ErrClosed is returned once the connection is gone
	ErrClosed = errors.New("rpc: connection closed")
)

// RemoteError carries the error text a handler replied with
type RemoteError struct {
	Variant string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// IsUnhandled reports whether err is the reply to a variant nobody handles
func IsUnhandled(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Message == UnhandledMessage
}

// ErrorCode categorizes handler errors
type ErrorCode string

const (
	ErrCodeInvalidPayload ErrorCode = "INVALID_PAYLOAD"
	ErrCodeUnavailable    ErrorCode = "UNAVAILABLE"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured handler error; its text is what the caller sees
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a handler error
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
