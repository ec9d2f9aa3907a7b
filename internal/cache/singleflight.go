package cache

import (
	"golang.org/x/sync/singleflight"

	"github.com/cryptofunk/locatefees/internal/metrics"
)

// coalescer wraps singleflight.Group so at most one fetch is in flight
// per key per process; concurrent callers for the same key wait for
// that fetch's result instead of each dispatching their own (spec
// §4.3: "at most one fetch is in flight per key").
type coalescer struct {
	group singleflight.Group
}

// do runs fn for key, coalescing concurrent callers, and records a
// coalesce metric for every caller that rode an in-flight fetch rather
// than triggering its own.
func (c *coalescer) do(key string, fn func() (string, error)) (string, error) {
	ran := false
	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		ran = true
		return fn()
	})
	if shared && !ran {
		metrics.RecordSingleFlightCoalesce(key)
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
