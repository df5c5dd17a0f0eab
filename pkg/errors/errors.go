// Package errors provides the structured error system shared by the iohost
// lifecycle core, with stable codes for every failure class the core can
// surface to a caller.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code identifies a failure class independent of the message text.
type Code string

const (
	// State machine errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeInvalidState      Code = "INVALID_STATE"

	// Construction / registration errors
	CodeInvalidConfig     Code = "INVALID_CONFIG"
	CodeOutOfMemory       Code = "OUT_OF_MEMORY"
	CodeTagAllocFailed    Code = "TAG_ALLOC_FAILED"
	CodeQueueCreateFailed Code = "QUEUE_CREATE_FAILED"
	CodePublishFailed     Code = "PUBLISH_FAILED"
	CodeWorkerSpawnFailed Code = "WORKER_SPAWN_FAILED"
	CodeAlreadyAttached   Code = "ALREADY_ATTACHED"

	// Runtime errors
	CodeNoQueue  Code = "NO_QUEUE"
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a structured error carrying a code plus the component and
// operation it originated from.
type Error struct {
	Code      Code
	Message   string
	Component string
	Operation string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code, so sentinel-style comparisons work across
// independently constructed instances.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithComponent sets the component that produced the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation during which the error occurred.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// IsCode reports whether err or any error it wraps carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or the empty code when err is not
// a structured error.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
