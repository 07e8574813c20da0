// Package errors defines the error taxonomy shared by the resilience utilities.
// Every failure that crosses a package boundary is one of these kinds so callers
// can branch on the kind instead of matching messages.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an Error.
type Kind string

// Error kinds.
const (
	KindValidation Kind = "validation_error"
	KindRateLimit  Kind = "rate_limit_error"
	KindBatch      Kind = "batch_error"
	KindStorage    Kind = "storage_error"
	KindNetwork    Kind = "network_error"
)

// Error is the standard error returned by the resilience utilities.
type Error struct {
	Kind       Kind          `json:"type"`
	Message    string        `json:"message"`
	Key        string        `json:"key,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"-"`
	Retryable  bool          `json:"-"`
	Err        error         `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (key=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets the
// sentinels below be used with errors.Is regardless of message or key.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Key == ""
}

// HTTPStatusCode returns the HTTP status code that best represents the error.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrValidation  = &Error{Kind: KindValidation}
	ErrRateLimited = &Error{Kind: KindRateLimit}
	ErrBatch       = &Error{Kind: KindBatch}
	ErrStorage     = &Error{Kind: KindStorage}
	ErrNetwork     = &Error{Kind: KindNetwork}
)

// NewValidationError reports malformed caller input.
func NewValidationError(key, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Key:     key,
	}
}

// NewRateLimitError reports an exhausted quota on a non-blocking check.
func NewRateLimitError(limiter, key string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimit,
		Message:    fmt.Sprintf("rate limit %q exceeded", limiter),
		Key:        key,
		StatusCode: http.StatusTooManyRequests,
		RetryAfter: retryAfter,
		Retryable:  true,
	}
}

// NewBatchError reports a failed batch; every waiter of the batch receives it.
func NewBatchError(message string, cause error) *Error {
	return &Error{
		Kind:    KindBatch,
		Message: message,
		Err:     cause,
	}
}

// NewStorageError reports a persisted-store failure.
func NewStorageError(op, key string, cause error) *Error {
	return &Error{
		Kind:      KindStorage,
		Message:   op + " failed",
		Key:       key,
		Retryable: true,
		Err:       cause,
	}
}

// NewNetworkError reports a failed transport call. statusCode is zero when no
// response was received.
func NewNetworkError(method, url string, statusCode int, cause error) *Error {
	msg := fmt.Sprintf("%s %s", method, url)
	if statusCode > 0 {
		msg += fmt.Sprintf(" returned %d", statusCode)
	}
	return &Error{
		Kind:       KindNetwork,
		Message:    msg,
		StatusCode: statusCode,
		Retryable:  statusCode == 0 || IsRetryableStatus(statusCode),
		Err:        cause,
	}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryableStatus reports whether a response status is worth retrying.
// Rate limits, timeouts and all 5xx responses are; other 4xx are client errors.
func IsRetryableStatus(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests,
			http.StatusRequestTimeout:
			return true
		default:
			return false
		}
	}
	return statusCode >= 500
}
