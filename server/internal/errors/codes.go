// Package errors defines the typed errors returned across the runtime service boundary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a class of runtime failure. It is part of the HTTP contract.
type ErrorCode string

const (
	// ErrCodeAgentNotRegistered indicates the agent has no live registration.
	ErrCodeAgentNotRegistered ErrorCode = "AGENT_NOT_REGISTERED"
	// ErrCodeCapacityExceeded indicates the agent reached its concurrent session ceiling.
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"
	// ErrCodeSessionNotFound indicates the session id was never seen.
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	// ErrCodePersistenceFailure indicates a durable write failed.
	ErrCodePersistenceFailure ErrorCode = "PERSISTENCE_FAILURE"
	// ErrCodeDependencyUnavailable indicates the store or another collaborator is unreachable.
	ErrCodeDependencyUnavailable ErrorCode = "DEPENDENCY_UNAVAILABLE"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeTenantMismatch indicates the caller's tenant does not own the agent.
	ErrCodeTenantMismatch ErrorCode = "TENANT_MISMATCH"
	// ErrCodeTooManyAgents indicates the runtime reached its registration ceiling.
	ErrCodeTooManyAgents ErrorCode = "TOO_MANY_AGENTS"
	// ErrCodeUnauthorized indicates authentication failure.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeRateLimitExceeded indicates rate limit has been exceeded.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// ErrCodeInternal is used for anything without a more specific code.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// HTTPStatus maps a code to the status the API responds with.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrCodeAgentNotRegistered, ErrCodeCapacityExceeded, ErrCodeTenantMismatch,
		ErrCodeInvalidArgument, ErrCodeTooManyAgents:
		return http.StatusBadRequest
	case ErrCodeSessionNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured runtime error.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// New creates an error with the given code and message.
func New(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// IsCode checks if err, or anything it wraps, carries code.
func IsCode(err error, code ErrorCode) bool {
	return GetCodeFromError(err, "") == code
}

// GetCodeFromError extracts the error code from any error.
// Returns the provided default code if no Error is found in the chain.
func GetCodeFromError(err error, defaultCode ErrorCode) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return defaultCode
}

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *Error {
	return New(ErrCodeUnauthorized, msg)
}

// RateLimitExceeded creates a rate limit exceeded error.
func RateLimitExceeded(msg string) *Error {
	return New(ErrCodeRateLimitExceeded, msg)
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *Error {
	return New(ErrCodeInvalidArgument, msg)
}

// DependencyUnavailable creates a dependency unavailable error.
func DependencyUnavailable(msg string, cause error) *Error {
	return Wrap(cause, ErrCodeDependencyUnavailable, msg)
}
