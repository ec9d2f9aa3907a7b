package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/stretchr/testify/assert"
)

func newTestShared(t *testing.T) (*Shared, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewShared(client, zerolog.Nop()), mr
}

func TestShared_SetThenGet(t *testing.T) {
	s, _ := newTestShared(t)
	ctx := context.Background()

	s.Set(ctx, "borrow:GME", "0.05", time.Minute)

	v, ok := s.Get(ctx, "borrow:GME")
	require.True(t, ok)
	assert.Equal(t, "0.05", v)
}

func TestShared_MissReturnsFalse(t *testing.T) {
	s, _ := newTestShared(t)
	_, ok := s.Get(context.Background(), "borrow:NOPE")
	assert.False(t, ok)
}

func TestShared_DegradesOnUnreachableClient(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	s := NewShared(client, zerolog.Nop())

	_, ok := s.Get(context.Background(), "borrow:GME")
	assert.False(t, ok, "unreachable shared tier must degrade to a miss, not panic or block")
}

func TestShared_NilClientDegradesGracefully(t *testing.T) {
	s := NewShared(nil, zerolog.Nop())
	_, ok := s.Get(context.Background(), "borrow:GME")
	assert.False(t, ok)
	s.Set(context.Background(), "borrow:GME", "0.05", time.Minute)
	s.Delete(context.Background(), "borrow:GME")
	assert.Error(t, s.Health(context.Background()))
}

func TestShared_Delete(t *testing.T) {
	s, _ := newTestShared(t)
	ctx := context.Background()
	s.Set(ctx, "borrow:GME", "0.05", time.Minute)

	s.Delete(ctx, "borrow:GME")

	_, ok := s.Get(ctx, "borrow:GME")
	assert.False(t, ok)
}
