package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// invalidationSubjectPrefix namespaces cache invalidation subjects
// under "locatefees." so they stay apart from other subjects on a
// shared NATS deployment.
const invalidationSubjectPrefix = "locatefees.cache.invalidate"

// InvalidationMessage is published whenever an administrative write
// bumps a keyspace's generation. key is empty when the whole keyspace
// is invalidated (spec §4.3: "(keyspace, key?, generation)").
type InvalidationMessage struct {
	Keyspace   string `json:"keyspace"`
	Key        string `json:"key,omitempty"`
	Generation uint64 `json:"generation"`
}

// Invalidator publishes and subscribes to cache invalidation messages
// over NATS. Invalidations are idempotent: applying the same message
// twice leaves the cache in the same state as applying it once.
type Invalidator struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewInvalidator wraps an existing NATS connection. A nil connection
// makes Publish a no-op and Subscribe return immediately, so wiring
// code can build an Invalidator unconditionally.
func NewInvalidator(nc *nats.Conn, log zerolog.Logger) *Invalidator {
	return &Invalidator{nc: nc, log: log}
}

// Publish broadcasts an invalidation for keyspace (and optionally a
// single key within it) at generation.
func (inv *Invalidator) Publish(keyspace, key string, generation uint64) error {
	if inv.nc == nil {
		return nil
	}
	msg := InvalidationMessage{Keyspace: keyspace, Key: key, Generation: generation}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal invalidation message: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", invalidationSubjectPrefix, keyspace)
	if err := inv.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Subscribe registers handler for every invalidation message across
// all keyspaces. handler is expected to drop matching local entries
// and bump the in-process generation counter; it must be cheap and
// non-blocking since it runs on the NATS dispatch goroutine.
func (inv *Invalidator) Subscribe(handler func(InvalidationMessage)) error {
	if inv.nc == nil {
		return nil
	}
	subject := invalidationSubjectPrefix + ".*"
	_, err := inv.nc.Subscribe(subject, func(msg *nats.Msg) {
		var parsed InvalidationMessage
		if err := json.Unmarshal(msg.Data, &parsed); err != nil {
			inv.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed cache invalidation message")
			return
		}
		handler(parsed)
	})
	if err != nil {
		return fmt.Errorf("subscribe to cache invalidations: %w", err)
	}
	return nil
}

// Drain flushes any pending publishes, bounded by timeout, for
// graceful shutdown. It does not unsubscribe; the subscription ends
// when the NATS connection is closed.
func (inv *Invalidator) Drain(timeout time.Duration) error {
	if inv.nc == nil {
		return nil
	}
	_ = inv.nc.FlushTimeout(timeout)
	return nil
}
