// Package apperr defines the error taxonomy shared by the ingestion,
// normalization and ledger stages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind categorizes an error for propagation and retry decisions.
type Kind string

const (
	KindAuth            Kind = "auth"
	KindValidation      Kind = "validation"
	KindDuplicate       Kind = "duplicate_request"
	KindRateLimit       Kind = "rate_limited"
	KindMapping         Kind = "mapping"
	KindTransient       Kind = "transient_storage"
	KindVersionMismatch Kind = "version_mismatch"
	KindNotFound        Kind = "not_found"
)

// FieldError is one structured validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the structured error carried across stage boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details []FieldError
	Err     error
	// RetryAfter is set on rate limit errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the trigger layer should redeliver after err.
// Only transient storage failures are retried; everything else is terminal.
func IsRetryable(err error) bool {
	return Is(err, KindTransient)
}

// HTTPStatus maps an error to the status code returned to API callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation, KindMapping:
		return http.StatusBadRequest
	case KindDuplicate:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindVersionMismatch:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable code of err, or "internal".
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal"
}

// RetryAfter returns how long the caller should wait before retrying, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Auth creates an authentication error.
func Auth(message string) *Error {
	return &Error{Kind: KindAuth, Code: "unauthorized", Message: message}
}

// Validation creates a validation error with optional field details.
func Validation(message string, details ...FieldError) *Error {
	return &Error{Kind: KindValidation, Code: "invalid_request", Message: message, Details: details}
}

// Duplicate creates an idempotency collision error.
func Duplicate(key string) *Error {
	return &Error{Kind: KindDuplicate, Code: "duplicate_request", Message: "idempotency key already used: " + key}
}

// RateLimited creates a rate limit error.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimit, Code: "rate_limited", Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// Mapping creates an error for a raw event no mapper can normalize.
func Mapping(code, message string) *Error {
	return &Error{Kind: KindMapping, Code: code, Message: message}
}

// Transient wraps a retryable storage error.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Code: "storage_unavailable", Message: op, Err: err}
}

// NotFound creates a not-found error with a specific code.
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// VersionMismatch signals that a document was produced by an older pipeline.
func VersionMismatch(got, want int) *Error {
	return &Error{
		Kind:    KindVersionMismatch,
		Code:    "pipeline_version_mismatch",
		Message: fmt.Sprintf("pipeline version %d, expected %d", got, want),
	}
}
