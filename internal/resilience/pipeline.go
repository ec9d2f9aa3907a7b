package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/metrics"
)

// Pipeline composes the three resilience concerns for one endpoint in
// the order the spec fixes: timeout, then retry, then circuit breaker
// (spec §4.4). WithTimeout wraps a single attempt; Pipeline handles the
// attempt budget and the breaker's admit/reject decision around it.
type Pipeline struct {
	endpoint    string
	breaker     *gobreaker.CircuitBreaker
	retry       RetryConfig
	attemptTTL  time.Duration
}

// NewPipeline builds the resilience pipeline for one endpoint.
func NewPipeline(endpoint string, breaker *gobreaker.CircuitBreaker, retry RetryConfig, attemptTimeout time.Duration) *Pipeline {
	return &Pipeline{endpoint: endpoint, breaker: breaker, retry: retry, attemptTTL: attemptTimeout}
}

// Call executes op through the breaker. Inside the breaker's admitted
// window, op is retried per p.retry with each attempt capped at
// p.attemptTTL. If the breaker rejects the call (gobreaker.ErrOpenState
// or gobreaker.ErrTooManyRequests), Call returns apierr.EndpointOpen
// without invoking op at all. If the retry budget is exhausted, Call
// returns apierr.EndpointTimeout.
func (p *Pipeline) Call(ctx context.Context, op func(ctx context.Context) error) error {
	start := time.Now()
	_, err := p.breaker.Execute(func() (interface{}, error) {
		retryErr := WithRetry(ctx, p.endpoint, p.retry, func(ctx context.Context) error {
			return WithTimeout(ctx, p.attemptTTL, op)
		})
		return nil, retryErr
	})
	metrics.RecordProviderCall(p.endpoint, float64(time.Since(start).Milliseconds()), err)
	recordResult(p.endpoint, err)

	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apierr.EndpointOpen(p.endpoint, err)
	}
	return apierr.EndpointTimeout(p.endpoint, err)
}
