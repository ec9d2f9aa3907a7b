package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/config"
	"github.com/cryptofunk/locatefees/internal/metrics"
)

// Keyspace names, matching the prefix before ':' in a cache key
// (spec §4.3's TTL policy table).
const (
	KeyspaceBorrow  = "borrow"
	KeyspaceVol     = "vol"
	KeyspaceEvent   = "event"
	KeyspaceBroker  = "broker"
	KeyspaceMinRate = "minrate"
	KeyspaceCalc    = "calc"
)

// Result reports where a value came from, for source_flags on the
// signal bundle (spec §3).
type Result string

const (
	ResultLive   Result = "LIVE"
	ResultCached Result = "CACHED"
	ResultMiss   Result = "MISS"
)

// Cache is the two-tier local+shared cache with single-flight fetch
// coalescing, per-keyspace TTLs, and generation-checked write-back.
type Cache struct {
	local  *Local
	shared *Shared
	inval  *Invalidator
	flight coalescer
	ttls   map[string]time.Duration
	gens   sync.Map // key (string) -> *uint64
	log    zerolog.Logger
}

// New builds a Cache wired to the given local/shared tiers and
// invalidation channel, with TTLs taken from configuration.
func New(local *Local, shared *Shared, inval *Invalidator, ttl config.KeyspaceTTL, log zerolog.Logger) *Cache {
	c := &Cache{
		local:  local,
		shared: shared,
		inval:  inval,
		log:    log,
		ttls: map[string]time.Duration{
			KeyspaceBorrow:  time.Duration(ttl.BorrowSeconds) * time.Second,
			KeyspaceVol:     time.Duration(ttl.VolSeconds) * time.Second,
			KeyspaceEvent:   time.Duration(ttl.EventSeconds) * time.Second,
			KeyspaceBroker:  time.Duration(ttl.BrokerSeconds) * time.Second,
			KeyspaceMinRate: time.Duration(ttl.MinRateSeconds) * time.Second,
			KeyspaceCalc:    time.Duration(ttl.CalcSeconds) * time.Second,
		},
	}
	if inval != nil {
		_ = inval.Subscribe(c.applyInvalidation)
	}
	return c
}

func keyspaceOf(key string) string {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx]
	}
	return key
}

func (c *Cache) ttlFor(key string) time.Duration {
	if ttl, ok := c.ttls[keyspaceOf(key)]; ok {
		return ttl
	}
	return 60 * time.Second
}

func (c *Cache) generationCounter(key string) *uint64 {
	v, _ := c.gens.LoadOrStore(key, new(uint64))
	return v.(*uint64)
}

func (c *Cache) generation(key string) uint64 {
	return atomic.LoadUint64(c.generationCounter(key))
}

// Generation exposes the current generation counter for key, for
// callers building a fingerprint that must change whenever an
// upstream invalidation would otherwise make a cached result stale
// (spec §6.7's calc:{fingerprint} short-circuit).
func (c *Cache) Generation(key string) uint64 {
	return c.generation(key)
}

// applyInvalidation drops matching local entries and bumps the
// in-process generation counter. Applying the same message twice is a
// no-op the second time (idempotent per spec §4.3).
func (c *Cache) applyInvalidation(msg InvalidationMessage) {
	key := msg.Key
	if key == "" {
		c.local.RemovePrefix(msg.Keyspace + ":")
		c.local.RemovePrefix(msg.Keyspace)
	} else {
		c.local.Remove(key)
	}
	c.shared.Delete(context.Background(), key)

	counterKey := key
	if counterKey == "" {
		counterKey = msg.Keyspace
	}
	counter := c.generationCounter(counterKey)
	for {
		cur := atomic.LoadUint64(counter)
		if msg.Generation <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(counter, cur, msg.Generation) {
			return
		}
	}
}

// Invalidate publishes an invalidation for key (or the whole keyspace
// if key is empty) and applies it locally immediately so this process
// observes it before any subsequent read (spec §5).
func (c *Cache) Invalidate(ctx context.Context, keyspace, key string) error {
	next := atomic.AddUint64(c.generationCounter(orEmpty(key, keyspace)), 1)
	c.applyInvalidation(InvalidationMessage{Keyspace: keyspace, Key: key, Generation: next})
	metrics.RecordInvalidation(keyspace)
	if c.inval == nil {
		return nil
	}
	return c.inval.Publish(keyspace, key, next)
}

func orEmpty(key, fallback string) string {
	if key == "" {
		return fallback
	}
	return key
}

// Fetch returns the value for key, consulting the local tier then the
// shared tier then, on a double miss, calling fetch exactly once per
// concurrently-missing key (single-flight). A successful fetch is
// written through to both tiers with the keyspace TTL, guarded by the
// generation recorded when the fetch started so a stale fetch never
// overwrites a post-invalidation state (spec §4.3).
func (c *Cache) Fetch(ctx context.Context, key string, fetch func(ctx context.Context) (string, error)) (string, Result, error) {
	if v, ok := c.local.Get(key); ok {
		metrics.RecordCacheLookup(key, "local_hit")
		return v, ResultCached, nil
	}

	if v, ok := c.shared.Get(ctx, key); ok {
		metrics.RecordCacheLookup(key, "shared_hit")
		c.local.Set(key, v, c.ttlFor(key))
		return v, ResultCached, nil
	}

	metrics.RecordCacheLookup(key, "miss")
	startGen := c.generation(key)

	v, err := c.flight.do(key, func() (string, error) {
		return fetch(ctx)
	})
	if err != nil {
		return "", ResultMiss, err
	}

	// Only write back if no invalidation bumped this key's generation
	// while the fetch was in flight; otherwise the value is still
	// returned to the caller but not cached (spec §4.3).
	if c.generation(key) == startGen {
		ttl := c.ttlFor(key)
		c.local.Set(key, v, ttl)
		c.shared.Set(ctx, key, v, ttl)
	}
	return v, ResultLive, nil
}

// Peek returns the value for key from either tier without triggering a
// fetch on miss, for callers implementing their own fallback policy
// (spec §4.6's "last cached value within grace window").
func (c *Cache) Peek(ctx context.Context, key string) (string, bool) {
	if v, ok := c.local.Get(key); ok {
		return v, true
	}
	if v, ok := c.shared.Get(ctx, key); ok {
		return v, true
	}
	return "", false
}

// WriteThrough stores value for key in both tiers under the keyspace
// TTL, bypassing single-flight. Used by the Data Service after a
// successful resilience-wrapped fetch it already made itself.
func (c *Cache) WriteThrough(ctx context.Context, key, value string) {
	ttl := c.ttlFor(key)
	c.local.Set(key, value, ttl)
	c.shared.Set(ctx, key, value, ttl)
}

// SharedHealthy reports whether the shared tier is reachable, for the
// Health() surface.
func (c *Cache) SharedHealthy(ctx context.Context) bool {
	return c.shared.Health(ctx) == nil
}
