package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestIsRetryableStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"rate limit 429", http.StatusTooManyRequests, true},
		{"timeout 408", http.StatusRequestTimeout, true},
		{"internal error 500", http.StatusInternalServerError, true},
		{"bad gateway 502", http.StatusBadGateway, true},
		{"service unavailable 503", http.StatusServiceUnavailable, true},

		{"bad request 400", http.StatusBadRequest, false},
		{"unauthorized 401", http.StatusUnauthorized, false},
		{"not found 404", http.StatusNotFound, false},
		{"conflict 409", http.StatusConflict, false},
		{"ok 200", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableStatus(tt.statusCode); got != tt.want {
				t.Errorf("IsRetryableStatus(%d) = %v, want %v", tt.statusCode, got, tt.want)
			}
		})
	}
}

func TestError(t *testing.T) {
	t.Run("message format", func(t *testing.T) {
		err := NewRateLimitError("auth", "member-42", time.Second)
		msg := err.Error()

		for _, s := range []string{"rate_limit_error", "auth", "member-42"} {
			if !strings.Contains(msg, s) {
				t.Errorf("error message should contain %q, got %q", s, msg)
			}
		}
	})

	t.Run("HTTP status codes", func(t *testing.T) {
		tests := []struct {
			name     string
			err      *Error
			wantCode int
		}{
			{"validation", NewValidationError("", "empty key"), 400},
			{"rate limit", NewRateLimitError("api", "k", time.Second), 429},
			{"batch", NewBatchError("failed", nil), 500},
			{"storage", NewStorageError("set", "k", nil), 500},
			{"network no response", NewNetworkError("GET", "/x", 0, nil), 502},
			{"network with status", NewNetworkError("GET", "/x", 503, nil), 503},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if got := tt.err.HTTPStatusCode(); got != tt.wantCode {
					t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.wantCode)
				}
			})
		}
	})

	t.Run("is matches by kind", func(t *testing.T) {
		wrapped := fmt.Errorf("enqueue: %w", NewRateLimitError("api", "k", time.Second))
		if !stderrors.Is(wrapped, ErrRateLimited) {
			t.Error("wrapped rate limit error should match ErrRateLimited")
		}
		if stderrors.Is(wrapped, ErrValidation) {
			t.Error("rate limit error should not match ErrValidation")
		}
		if KindOf(wrapped) != KindRateLimit {
			t.Errorf("KindOf() = %q, want %q", KindOf(wrapped), KindRateLimit)
		}
		if KindOf(stderrors.New("plain")) != "" {
			t.Error("KindOf() of a plain error should be empty")
		}
	})

	t.Run("unwrap exposes cause", func(t *testing.T) {
		cause := stderrors.New("connection refused")
		err := NewNetworkError("POST", "/v1/members", 0, cause)
		if !stderrors.Is(err, cause) {
			t.Error("network error should unwrap to its cause")
		}
		if !err.Retryable {
			t.Error("network error without response should be retryable")
		}
		if NewNetworkError("POST", "/v1/members", http.StatusBadRequest, nil).Retryable {
			t.Error("400 response should not be retryable")
		}
	})
}
