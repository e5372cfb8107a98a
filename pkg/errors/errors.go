package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies application errors for transport-level mapping.
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
	CodeUpstream       ErrorCode = "UPSTREAM_ERROR"
)

// AppError carries a code, a human-readable message, and an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError creates an INVALID_INPUT error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError creates a NOT_FOUND error.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewUnauthorizedError creates an UNAUTHORIZED error. Used when no usable
// credential exists for an upstream provider.
func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: message}
}

// NewUnavailableError creates a SERVICE_UNAVAILABLE error. Used when the
// circuit breaker rejects a request before it reaches the upstream.
func NewUnavailableError(message string) *AppError {
	return &AppError{Code: CodeServiceUnavail, Message: message}
}

// NewUpstreamError creates an UPSTREAM_ERROR with the upstream failure as cause.
func NewUpstreamError(message string, cause error) *AppError {
	return &AppError{Code: CodeUpstream, Message: message, Err: cause}
}

// NewInternalError creates an INTERNAL_ERROR.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause creates an INTERNAL_ERROR wrapping a cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// CodeOf extracts the ErrorCode from err, or CodeInternal if it is not an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsNotFound reports whether err is a NOT_FOUND application error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsUnauthorized reports whether err is an UNAUTHORIZED application error.
func IsUnauthorized(err error) bool {
	return CodeOf(err) == CodeUnauthorized
}

// IsUnavailable reports whether err is a SERVICE_UNAVAILABLE application error.
func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeServiceUnavail
}
