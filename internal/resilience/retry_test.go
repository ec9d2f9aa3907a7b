package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"429", &HTTPStatusError{StatusCode: http.StatusTooManyRequests, Err: errors.New("too many requests")}, true},
		{"500", &HTTPStatusError{StatusCode: http.StatusInternalServerError, Err: errors.New("server error")}, true},
		{"503", &HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}, true},
		{"404 not retryable", &HTTPStatusError{StatusCode: http.StatusNotFound, Err: errors.New("not found")}, false},
		{"400 not retryable", &HTTPStatusError{StatusCode: http.StatusBadRequest, Err: errors.New("bad request")}, false},
		{"network error", &net.DNSError{Err: "no such host", IsTemporary: true}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"plain error not retryable", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	err := WithRetry(context.Background(), "seclend", cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return &HTTPStatusError{StatusCode: 503, Err: errors.New("unavailable")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}

	err := WithRetry(context.Background(), "seclend", cfg, func(ctx context.Context) error {
		attempts++
		return &HTTPStatusError{StatusCode: 404, Err: errors.New("not found")}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_ExhaustsBudget(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	err := WithRetry(context.Background(), "seclend", cfg, func(ctx context.Context) error {
		attempts++
		return &HTTPStatusError{StatusCode: 500, Err: errors.New("server error")}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestWithRetry_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	err := WithRetry(ctx, "seclend", cfg, func(ctx context.Context) error {
		t.Fatal("operation should not run with an already-cancelled context")
		return nil
	})

	require.Error(t, err)
}
