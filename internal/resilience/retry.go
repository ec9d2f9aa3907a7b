package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/cryptofunk/locatefees/internal/metrics"
)

// RetryConfig configures bounded exponential backoff with full jitter
// for one endpoint (spec §4.4).
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// HTTPStatusError lets a data client report the status code it
// received so IsRetryable can classify it without string matching.
type HTTPStatusError struct {
	StatusCode int
	Err        error
}

func (e *HTTPStatusError) Error() string { return e.Err.Error() }
func (e *HTTPStatusError) Unwrap() error { return e.Err }

// IsRetryable reports whether err belongs to the transient class the
// spec names: network errors, 5xx, and 429. A 404 ("no rate
// available") or any other 4xx is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// Operation is a unit of work that can be retried.
type Operation func(ctx context.Context) error

// WithRetry executes op up to config.MaxRetries+1 times, sleeping with
// exponential backoff and full jitter (spec §4.4: "exponential backoff
// with full jitter") between transient failures. It stops immediately
// on a non-retryable error or context cancellation.
func WithRetry(ctx context.Context, endpoint string, config RetryConfig, op Operation) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		metrics.RecordRetryAttempt(endpoint)

		jittered := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}
