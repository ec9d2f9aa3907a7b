package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/metrics"
)

// redisCallTimeout bounds every individual shared-tier round trip so a
// degraded Redis never stalls a calculation (spec §4.3).
const redisCallTimeout = 500 * time.Millisecond

// Shared wraps the shared (Redis) cache tier. Every method degrades to
// a miss/no-op on error rather than propagating it — the caller falls
// back to the local tier or the origin.
type Shared struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewShared builds a shared tier over an existing client. A nil client
// is accepted and makes every call degrade immediately, so wiring code
// can construct a Shared unconditionally even with Redis disabled.
func NewShared(client *redis.Client, log zerolog.Logger) *Shared {
	return &Shared{client: client, log: log}
}

// Get returns the raw cached string for key, or false on miss,
// timeout, or any Redis error.
func (s *Shared) Get(ctx context.Context, key string) (string, bool) {
	if s.client == nil {
		return "", false
	}
	cacheCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	val, err := s.client.Get(cacheCtx, key).Result()
	metrics.RecordRedisOperation("get")
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Str("key", key).Msg("shared cache get degraded to miss")
			metrics.CacheSharedDegraded.Inc()
		}
		return "", false
	}
	return val, true
}

// Set writes value for key with ttl. Failures are logged and
// counted, never returned as a hard error.
func (s *Shared) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if s.client == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	metrics.RecordRedisOperation("set")
	if err := s.client.Set(cacheCtx, key, value, ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("shared cache write degraded, continuing")
		metrics.CacheSharedDegraded.Inc()
	}
}

// Delete removes key from the shared tier.
func (s *Shared) Delete(ctx context.Context, key string) {
	if s.client == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, redisCallTimeout)
	defer cancel()

	metrics.RecordRedisOperation("del")
	if err := s.client.Del(cacheCtx, key).Err(); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("shared cache delete degraded, continuing")
		metrics.CacheSharedDegraded.Inc()
	}
}

// Health reports whether the shared tier is reachable.
func (s *Shared) Health(ctx context.Context) error {
	if s.client == nil {
		return errors.New("shared cache client not configured")
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(cacheCtx).Err()
}
