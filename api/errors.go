// File: api/errors.go
// Package api
// License: Apache-2.0
//
// Common error values shared by the executor, channel and bootstrap layers.
// Usage errors fail fast; operation failures travel through promises only.

package api

import (
	"errors"
	"fmt"
)

// Usage errors. Returned (or used to fail a promise) before any state changes.
var (
	ErrAlreadyRegistered       = errors.New("hioload: channel already registered to an event loop")
	ErrIncompatibleEventLoop   = errors.New("hioload: event loop incompatible with channel transport")
	ErrBlockingOperation       = errors.New("hioload: blocking wait from the promise's own event loop")
	ErrPromiseAlreadyCompleted = errors.New("hioload: promise already completed")
	ErrOptionType              = errors.New("hioload: option value has the wrong type")
	ErrInvalidOption           = errors.New("hioload: invalid option value")
	ErrDuplicateHandlerName    = errors.New("hioload: duplicate handler name")
	ErrHandlerNotSharable      = errors.New("hioload: handler is not sharable and was already added")
	ErrHandlerNotFound         = errors.New("hioload: handler not found in pipeline")
	ErrIllegalReferenceCount   = errors.New("hioload: illegal reference count")
	ErrNilEventLoop            = errors.New("hioload: event loop is nil")
	ErrPromiseChannelMismatch  = errors.New("hioload: promise belongs to a different channel")
)

// Operation failures. Reported only through the operation's promise.
var (
	ErrChannelClosed      = errors.New("hioload: channel closed")
	ErrConnectTimeout     = errors.New("hioload: connection timed out")
	ErrNotYetConnected    = errors.New("hioload: channel not yet connected")
	ErrConnectionPending  = errors.New("hioload: connection attempt already pending")
	ErrAlreadyConnected   = errors.New("hioload: channel already connected")
	ErrRejectedExecution  = errors.New("hioload: executor rejected task")
	ErrCancelled          = errors.New("hioload: operation cancelled")
	ErrNotSupported       = errors.New("hioload: operation not supported")
	ErrInvalidArgument    = errors.New("hioload: invalid argument")
	ErrTooLongFrame       = errors.New("hioload: frame exceeds maximum length")
	ErrCorruptedFrame     = errors.New("hioload: corrupted frame")
	ErrInvalidSchedule    = errors.New("hioload: invalid task or period for scheduling")
	ErrNotRegistered      = errors.New("hioload: channel not registered to an event loop")
	ErrAddressInUse       = errors.New("hioload: address already in use")
	ErrConnectionRefused  = errors.New("hioload: connection refused")
	ErrUnsupportedMessage = errors.New("hioload: unsupported message type")
	ErrDecoder            = errors.New("hioload: decoder failed")
	ErrEncoder            = errors.New("hioload: encoder failed")
)

// Bootstrap validation errors.
var (
	ErrGroupNotSet          = errors.New("hioload: event loop group not set")
	ErrChannelFactoryNotSet = errors.New("hioload: channel factory not set")
	ErrHandlerNotSet        = errors.New("hioload: handler not set")
	ErrChildHandlerNotSet   = errors.New("hioload: child handler not set")
	ErrChildGroupNotSet     = errors.New("hioload: child event loop group not set")
	ErrAddressNotSet        = errors.New("hioload: address not set")
)

// ErrorCode classifies structured errors.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeHandler
	ErrCodeHandlerAdded
	ErrCodeHandlerRemoved
	ErrCodeListener
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithCause sets the wrapped cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("hioload: panic: %v", e.Value)
}

// Unwrap returns the panic value if it is itself an error.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// FromPanic converts a recovered value into an error.
func FromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return PanicError{Value: r}
}

// HandlerError reports a failure raised inside a pipeline handler callback.
func HandlerError(handler, event string, cause error) *Error {
	return NewError(ErrCodeHandler, "hioload: handler failed").
		WithContext("handler", handler).
		WithContext("event", event).
		WithCause(cause)
}
