// Package core holds the domain types and the error taxonomy shared by the
// delivery pipeline: storage adapters, outbox, consumer, and middleware all
// speak these kinds.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error code. The string values go on the wire unchanged.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindQuotaExceeded      Kind = "QUOTA_EXCEEDED"
	KindValidationFailed   Kind = "VALIDATION_FAILED"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"
	KindConsistency        Kind = "CONSISTENCY_ERROR"
	KindChecksumMismatch   Kind = "CHECKSUM_MISMATCH"
	KindEncryption         Kind = "ENCRYPTION_ERROR"
	KindTransientAdapter   Kind = "TRANSIENT_ADAPTER_ERROR"
	KindPermanentAdapter   Kind = "PERMANENT_ADAPTER_ERROR"
	KindTimeout            Kind = "TIMEOUT"
	KindUnknown            Kind = "UNKNOWN"
)

// Error is the typed error carried across component boundaries. Metadata is
// free-form context (namespace, key, entry id) attached for logs and wire
// details; it is never parsed for control flow.
type Error struct {
	Kind     Kind
	Message  string
	Cause    error
	Metadata map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMeta attaches a metadata entry and returns the same error for chaining.
func (e *Error) WithMeta(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// E creates a new taxonomy error.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef creates a new taxonomy error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a taxonomy error around a cause. A nil cause is allowed.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the taxonomy kind from an error chain. Errors that never
// passed through the taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error is transient: safe to retry after a
// backoff. Permanent kinds and untyped errors short-circuit retries.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientAdapter, KindTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the response status the middleware writes.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindQuotaExceeded:
		return http.StatusTooManyRequests
	case KindValidationFailed:
		return http.StatusBadRequest
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindTransientAdapter:
		return http.StatusServiceUnavailable
	case KindPermanentAdapter:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
