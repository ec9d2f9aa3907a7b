package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPipeline() *Pipeline {
	m := NewBreakerManager(testSettings(), testSettings(), testSettings())
	retry := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	return NewPipeline(EndpointSecLend, m.Breaker(EndpointSecLend), retry, 50*time.Millisecond)
}

func TestPipeline_CallSucceeds(t *testing.T) {
	p := testPipeline()

	err := p.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})

	require.NoError(t, err)
}

func TestPipeline_RetriesTransientThenSucceeds(t *testing.T) {
	p := testPipeline()
	attempts := 0

	err := p.Call(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return &HTTPStatusError{StatusCode: 503, Err: errors.New("unavailable")}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPipeline_ExhaustedRetriesReturnEndpointTimeout(t *testing.T) {
	p := testPipeline()

	err := p.Call(context.Background(), func(ctx context.Context) error {
		return &HTTPStatusError{StatusCode: 500, Err: errors.New("server error")}
	})

	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindEndpointTimeout, kind)
}

func TestPipeline_OpenBreakerReturnsEndpointOpen(t *testing.T) {
	p := testPipeline()

	for i := 0; i < 3; i++ {
		_ = p.Call(context.Background(), func(ctx context.Context) error {
			return &HTTPStatusError{StatusCode: 500, Err: errors.New("server error")}
		})
	}

	called := false
	err := p.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, called)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindEndpointOpen, kind)
}

func TestPipeline_AttemptTimeoutBoundsSlowOperation(t *testing.T) {
	m := NewBreakerManager(testSettings(), testSettings(), testSettings())
	retry := RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	p := NewPipeline(EndpointMarket, m.Breaker(EndpointMarket), retry, 10*time.Millisecond)

	err := p.Call(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return nil
		}
	})

	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindEndpointTimeout, kind)
}
