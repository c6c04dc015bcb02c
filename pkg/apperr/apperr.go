// Package apperr defines the error taxonomy shared by every component of the
// runtime. Each error carries a stable machine code, a user-facing message,
// and the wrapped source chain. Codes survive middleware boundaries unchanged.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-visible error code.
type Code string

const (
	CodeValidationFailed Code = "VALIDATION_FAILED"
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeConflict         Code = "CONFLICT"
	CodeBusinessRule     Code = "BUSINESS_RULE_VIOLATION"
	CodeDeadlineExceeded Code = "DEADLINE_EXCEEDED"
	CodeTransient        Code = "INFRASTRUCTURE_TRANSIENT"
	CodeInternal         Code = "INTERNAL"
)

// FieldError describes one failed structural validation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the uniform application error.
type Error struct {
	Code    Code
	Message string
	// RuleCode is set for business-rule violations and is itself stable.
	RuleCode string
	// Fields carries field-level detail for validation failures.
	Fields []FieldError
	// Details holds small structured context (expected/actual versions, ...).
	Details map[string]string

	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller may retry the operation as-is
// (possibly after a fresh read, for concurrency conflicts).
func (e *Error) Retryable() bool { return e.retryable }

// StatusCode maps the error code onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Code {
	case CodeValidationFailed:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeConflict:
		return http.StatusConflict
	case CodeBusinessRule:
		return http.StatusUnprocessableEntity
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithCause attaches a source error, preserving the chain for errors.Is/As.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// AsRetryable marks the error as safe for a caller-side retry.
func (e *Error) AsRetryable() *Error {
	e.retryable = true
	return e
}

// WithDetail attaches one structured detail entry.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string, 2)
	}
	e.Details[key] = value
	return e
}

func newErr(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// ValidationFailed reports malformed input. Never retryable.
func ValidationFailed(msg string, fields ...FieldError) *Error {
	e := newErr(CodeValidationFailed, msg)
	e.Fields = fields
	return e
}

// Unauthorized reports a missing or invalid principal.
func Unauthorized(msg string) *Error { return newErr(CodeUnauthorized, msg) }

// Forbidden reports a denied permission check.
func Forbidden(msg string) *Error { return newErr(CodeForbidden, msg) }

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	e := newErr(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id))
	return e.WithDetail("resource", resource).WithDetail("id", id)
}

// AlreadyExists reports a duplicate create.
func AlreadyExists(resource, id string) *Error {
	e := newErr(CodeAlreadyExists, fmt.Sprintf("%s already exists: %s", resource, id))
	return e.WithDetail("resource", resource).WithDetail("id", id)
}

// Conflict reports a non-concurrency conflict such as idempotency key reuse.
// Not retryable: the caller must change the request, not repeat it.
func Conflict(reason string) *Error {
	e := newErr(CodeConflict, reason)
	return e.WithDetail("reason", reason)
}

// ConcurrencyConflict reports an optimistic lock failure. Retryable after a
// fresh read of the aggregate.
func ConcurrencyConflict(expected, actual uint64) *Error {
	e := newErr(CodeConflict, fmt.Sprintf("concurrency conflict: expected version %d, got %d", expected, actual))
	e.retryable = true
	return e.
		WithDetail("reason", "concurrency").
		WithDetail("expected", fmt.Sprintf("%d", expected)).
		WithDetail("actual", fmt.Sprintf("%d", actual))
}

// BusinessRule reports a domain rule violation with its own stable rule code.
func BusinessRule(ruleCode, msg string) *Error {
	e := newErr(CodeBusinessRule, msg)
	e.RuleCode = ruleCode
	return e
}

// DeadlineExceeded reports a missed deadline. Retryable with a fresh budget.
func DeadlineExceeded(msg string) *Error {
	e := newErr(CodeDeadlineExceeded, msg)
	e.retryable = true
	return e
}

// Transient reports a recoverable infrastructure failure (DB serialization,
// cache or log unavailability). Retryable.
func Transient(msg string, cause error) *Error {
	e := newErr(CodeTransient, msg)
	e.retryable = true
	e.cause = cause
	return e
}

// Internal reports an unexpected failure. Surfaced once, never retried.
func Internal(msg string, cause error) *Error {
	e := newErr(CodeInternal, msg)
	e.cause = cause
	return e
}

// From normalizes an arbitrary error into *Error. Context cancellation maps
// to DEADLINE_EXCEEDED; anything unrecognized becomes INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeadlineExceeded(err.Error())
	}
	return Internal("unexpected error", err)
}

// CodeOf extracts the stable code from any error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the error allows a caller-side retry.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.retryable
	}
	return false
}
