// Package boterrs defines the core's error taxonomy (spec §7) as typed
// errors carrying a stable code, so callers such as the admin HTTP
// handlers can switch on the code instead of parsing messages. Some
// packages (dispatch, statestore, contextstore) return their own sentinel
// errors instead; the admin API maps those onto the same codes.
package boterrs

import "errors"

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeAuthError         Code = "AuthError"
	CodeUnsupportedVer    Code = "UnsupportedVersion"
	CodeBadHandshake      Code = "BadHandshake"
	CodeNoCapableInstance Code = "NoCapableInstance"
	CodeInstanceGone      Code = "InstanceGone"
	CodeTimeout           Code = "Timeout"
	CodeExecutionError    Code = "ExecutionError"
	CodeInvalidArgument   Code = "InvalidArgument"
	CodeNotFound          Code = "NotFound"
	CodeConflict          Code = "Conflict"
	CodeCancelled         Code = "Cancelled"
	CodeInternal          Code = "Internal"
)

// Error is the core's typed error: a stable Code plus a human-readable
// message. Admin HTTP handlers translate Code to a status code;
// dispatch/task-manager callers switch on Code to decide whether to
// retry.
type Error struct {
	Code    Code
	Message string
	// Cause, if set, is wrapped so errors.Is/errors.As keep working
	// across component boundaries.
	Cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, or CodeInternal if err is not a
// *Error.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}
