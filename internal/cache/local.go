// Package cache implements the two-tier cache layer: a bounded
// per-process local tier backed by an LRU, and a shared Redis tier
// consulted on local miss, with single-flight fetch coalescing and
// NATS-propagated invalidation (spec §4.3).
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cryptofunk/locatefees/internal/metrics"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Local is the per-process LRU tier. Microsecond hit latency, bounded
// by entry count; eviction is plain LRU (spec §4.3).
type Local struct {
	mu  sync.Mutex
	lru *lru.Cache[string, entry]
}

// NewLocal builds a local tier bounded to maxEntries.
func NewLocal(maxEntries int) *Local {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c, err := lru.New[string, entry](maxEntries)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded above.
		panic(err)
	}
	return &Local{lru: c}
}

// Get returns the cached value for key if present and not expired.
func (l *Local) Get(key string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.lru.Get(key)
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		l.lru.Remove(key)
		return "", false
	}
	return e.value, true
}

// Set writes value for key with the given TTL, overwriting whatever is
// there. The generation check that guards write-back after a fetch
// lives in Cache, one layer up, since it depends on the keyspace's
// generation counter rather than anything the LRU tracks itself.
func (l *Local) Set(key, value string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
	metrics.CacheLocalEntries.Set(float64(l.lru.Len()))
}

// Remove drops key from the local tier, used on invalidation.
func (l *Local) Remove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lru.Remove(key)
	metrics.CacheLocalEntries.Set(float64(l.lru.Len()))
}

// RemovePrefix drops every key in the local tier matching keyspace,
// used when an invalidation names a keyspace without a specific key.
func (l *Local) RemovePrefix(prefix string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range l.lru.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			l.lru.Remove(k)
		}
	}
	metrics.CacheLocalEntries.Set(float64(l.lru.Len()))
}
