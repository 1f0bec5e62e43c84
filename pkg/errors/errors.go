// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors shared by the planner, executor and
// transport so callers can classify failures without string matching.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies errors for monitoring and recovery decisions.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodePlanning indicates a dependency table could not be turned into a plan
	// (cycle or unknown dependency). Fatal to the request.
	CodePlanning ErrorCode = "PLANNING_ERROR"

	// CodeUnit indicates a work unit failed. Recorded, never fatal.
	CodeUnit ErrorCode = "UNIT_ERROR"

	// CodeTransport indicates the RPC exchange could not be carried out
	// (client not ready, write failure, remote error response).
	CodeTransport ErrorCode = "TRANSPORT_ERROR"

	// CodeProtocol indicates a response frame could not be decoded.
	CodeProtocol ErrorCode = "PROTOCOL_ERROR"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeProcess indicates the child process exited or could not be spawned.
	CodeProcess ErrorCode = "PROCESS_ERROR"
)

// Error is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Message     string         `json:"message"`
		Code        string         `json:"code"`
		Err         string         `json:"error,omitempty"`
		Recoverable bool           `json:"recoverable"`
		Context     map[string]any `json:"context,omitempty"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]any),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" for metric attributes.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var te *Error
	if stderrors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal
// for untyped errors. A nil error has no code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if te, ok := As(err); ok {
		return te.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var te *Error
		if !stderrors.As(err, &te) {
			return false
		}
		if te.Code == code {
			return true
		}
		err = te.Err
	}
	return false
}

// Wrap converts an arbitrary error to *Error, preserving typed errors.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := As(err); ok {
		return te
	}
	return New(CodeInternal, "wrapped error", err)
}
