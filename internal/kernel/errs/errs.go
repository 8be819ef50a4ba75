// Package errs defines the kernel error type whose codes map one-to-one
// onto the wire error taxonomy.
package errs

import (
	"errors"
	"fmt"

	v1 "github.com/aether-os/aether/pkg/kernel/v1"
)

// Error is a kernel error with a wire code and a human message.
// Stack traces never leave the process; the message is what clients see.
type Error struct {
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the given wire code.
func New(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error.
func Wrap(code string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Unauthorized(format string, args ...any) *Error {
	return New(v1.ErrUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(v1.ErrForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(v1.ErrNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(v1.ErrConflict, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return New(v1.ErrInvalidArgument, format, args...)
}

func SandboxUnavailable(format string, args ...any) *Error {
	return New(v1.ErrSandboxUnavailable, format, args...)
}

func ToolError(format string, args ...any) *Error {
	return New(v1.ErrToolError, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return New(v1.ErrTimeout, format, args...)
}

func NetworkError(format string, args ...any) *Error {
	return New(v1.ErrNetworkError, format, args...)
}

// Code extracts the wire code from any error; unknown errors map to internal.
func Code(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return v1.ErrInternal
}

// UserMessage extracts the client-safe message from any error.
func UserMessage(err error) string {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Message
	}
	return "internal error"
}
