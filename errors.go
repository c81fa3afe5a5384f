package conclave

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies failures at component boundaries. The HTTP layer is
// the only place kinds are translated to status codes.
type ErrorKind string

const (
	// KindBadRequest covers malformed input, unknown agents in overrides,
	// and template render failures.
	KindBadRequest ErrorKind = "bad_request"
	// KindCancelled covers deadline expiry or explicit caller cancellation.
	KindCancelled ErrorKind = "cancelled"
	// KindModelUnavailable means the gateway exhausted its retry budget or
	// hit a non-retryable provider error.
	KindModelUnavailable ErrorKind = "model_unavailable"
	// KindDegraded marks a request that proceeded via a fallback path.
	// It is surfaced as a warning, never as a request failure.
	KindDegraded ErrorKind = "degraded"
	// KindConsistency marks an invariant breach (alternation, DAG acyclicity,
	// embedding dimension). Indicates a bug; the request fails.
	KindConsistency ErrorKind = "consistency_violation"
	// KindStorage means an underlying store failed.
	KindStorage ErrorKind = "storage_error"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Fail creates an Error of the given kind with a formatted message.
func Fail(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr wraps a cause in an Error of the given kind.
func WrapErr(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, walking wrapped causes.
// Bare context cancellation maps to KindCancelled; other unclassified
// errors return the empty kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return ""
}

// StatusCode maps an error kind to an HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindCancelled:
		return http.StatusRequestTimeout
	case KindModelUnavailable:
		return http.StatusBadGateway
	case KindConsistency, KindStorage:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrHTTP is a provider-level HTTP failure. RetryAfter is non-zero when the
// provider supplied a Retry-After header; the gateway honors it over its own
// backoff schedule.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return "http " + strconv.Itoa(e.Status) + ": " + truncateStr(e.Body, 200)
}

// Retryable reports whether the status indicates a transient condition.
func (e *ErrHTTP) Retryable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value: either delay seconds
// or an HTTP date. Returns 0 when the value is absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// truncateStr shortens s to max runes for log and error output.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
