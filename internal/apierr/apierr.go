// Package apierr implements the service's error taxonomy: a small set of
// named error kinds, each with a fixed HTTP status, that every ingress
// handler returns instead of raw errors or stack traces. It is a typed
// value the rest of the service can construct without importing echo.
package apierr

import "net/http"

// Kind is one of the service's named error categories.
type Kind string

const (
	InvalidRequest       Kind = "invalid_request"
	InvalidJSON          Kind = "invalid_json"
	PayloadTooLarge      Kind = "payload_too_large"
	Unauthorized         Kind = "unauthorized"
	Forbidden            Kind = "forbidden"
	ForbiddenNamespace   Kind = "forbidden_namespace"
	RateLimited          Kind = "rate_limited"
	QueueOverloaded      Kind = "queue_overloaded"
	NamespaceOverloaded  Kind = "namespace_overloaded"
	NamespaceWriteDisabled Kind = "namespace_write_disabled"
	Throttled            Kind = "throttled"
	SampledOut           Kind = "sampled_out"
	DegradedReadOnly     Kind = "degraded_read_only"
	Internal             Kind = "internal_error"
)

// statusByKind fixes the HTTP status for every taxonomy entry.
var statusByKind = map[Kind]int{
	InvalidRequest:         http.StatusBadRequest,
	InvalidJSON:            http.StatusBadRequest,
	PayloadTooLarge:        http.StatusRequestEntityTooLarge,
	Unauthorized:           http.StatusUnauthorized,
	Forbidden:              http.StatusForbidden,
	ForbiddenNamespace:     http.StatusForbidden,
	RateLimited:            http.StatusTooManyRequests,
	QueueOverloaded:        http.StatusServiceUnavailable,
	NamespaceOverloaded:    http.StatusServiceUnavailable,
	NamespaceWriteDisabled: http.StatusOK,
	Throttled:              http.StatusOK,
	SampledOut:             http.StatusOK,
	DegradedReadOnly:       http.StatusOK,
	Internal:               http.StatusInternalServerError,
}

// Error is a JSON-serializable application error carrying its taxonomy kind
// and HTTP status. It implements the error interface so it can flow through
// normal Go error returns up to the ingress layer.
type Error struct {
	Kind       Kind   `json:"error"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// Status returns the fixed HTTP status for this error's kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an *Error of the given kind with an optional message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithRetryAfter attaches a Retry-After seconds value. The ingress sets it
// on rate_limited errors only; queue_overloaded errors carry no
// Retry-After, and throttled / degraded_read_only are skip responses whose
// header the ingress sets directly.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}
