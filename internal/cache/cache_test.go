package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptofunk/locatefees/internal/config"
)

func testTTLs() config.KeyspaceTTL {
	return config.KeyspaceTTL{
		BorrowSeconds:  300,
		VolSeconds:     900,
		EventSeconds:   3600,
		BrokerSeconds:  1800,
		MinRateSeconds: 86400,
		CalcSeconds:    60,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	shared, _ := newTestShared(t)
	local := NewLocal(100)
	return New(local, shared, nil, testTTLs(), zerolog.Nop())
}

func TestCache_FetchMissCallsOriginOnce(t *testing.T) {
	c := newTestCache(t)
	var calls int32

	v, result, err := c.Fetch(context.Background(), "borrow:GME", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "0.05", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "0.05", v)
	assert.Equal(t, ResultLive, result)
	assert.Equal(t, int32(1), calls)
}

func TestCache_FetchHitsLocalOnSecondCall(t *testing.T) {
	c := newTestCache(t)
	var calls int32
	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "0.05", nil
	}

	_, _, err := c.Fetch(context.Background(), "borrow:GME", fetch)
	require.NoError(t, err)

	_, result, err := c.Fetch(context.Background(), "borrow:GME", fetch)
	require.NoError(t, err)
	assert.Equal(t, ResultCached, result)
	assert.Equal(t, int32(1), calls)
}

func TestCache_FetchCoalescesConcurrentMisses(t *testing.T) {
	c := newTestCache(t)
	var calls int32
	start := make(chan struct{})

	fetch := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return "0.05", nil
	}

	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, _, err := c.Fetch(context.Background(), "borrow:GME", fetch)
			results <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(start)

	for i := 0; i < 5; i++ {
		require.NoError(t, <-results)
	}
	assert.Equal(t, int32(1), calls, "concurrent misses on the same key must coalesce into one fetch")
}

func TestCache_FetchPropagatesOriginError(t *testing.T) {
	c := newTestCache(t)
	wantErr := errors.New("seclend unavailable")

	_, _, err := c.Fetch(context.Background(), "borrow:GME", func(ctx context.Context) (string, error) {
		return "", wantErr
	})

	require.Error(t, err)
}

func TestCache_InvalidateDropsLocalEntryImmediately(t *testing.T) {
	c := newTestCache(t)
	_, _, err := c.Fetch(context.Background(), "borrow:GME", func(ctx context.Context) (string, error) {
		return "0.05", nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(context.Background(), KeyspaceBorrow, "borrow:GME"))

	_, ok := c.local.Get("borrow:GME")
	assert.False(t, ok, "invalidation must be visible to this process before any subsequent read (spec §5)")
}

func TestCache_StaleFetchNeverOverwritesPostInvalidationState(t *testing.T) {
	c := newTestCache(t)
	release := make(chan struct{})

	fetchDone := make(chan error, 1)
	go func() {
		_, _, err := c.Fetch(context.Background(), "borrow:GME", func(ctx context.Context) (string, error) {
			<-release
			return "stale-0.05", nil
		})
		fetchDone <- err
	}()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Invalidate(context.Background(), KeyspaceBorrow, "borrow:GME"))
	close(release)
	require.NoError(t, <-fetchDone)

	v, ok := c.local.Get("borrow:GME")
	assert.False(t, ok, "a fetch started before invalidation must not write back after it")
	_ = v
}

func TestCache_PeekDoesNotTriggerFetch(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Peek(context.Background(), "borrow:GME")
	assert.False(t, ok)
}

func TestCache_WriteThroughPopulatesBothTiers(t *testing.T) {
	c := newTestCache(t)
	c.WriteThrough(context.Background(), "borrow:GME", "0.05")

	v, ok := c.local.Get("borrow:GME")
	require.True(t, ok)
	assert.Equal(t, "0.05", v)

	v, ok = c.shared.Get(context.Background(), "borrow:GME")
	require.True(t, ok)
	assert.Equal(t, "0.05", v)
}
