package audit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/metrics"
)

// Store is the durable append-only sink the queue drains into. A
// partition's records are always handed to PersistBatch in the order
// they were enqueued.
type Store interface {
	PersistBatch(ctx context.Context, records []*Record) error
	LastHash(ctx context.Context, partition string) (string, error)
}

// QueueConfig bounds the in-process audit queue (spec §4.8).
type QueueConfig struct {
	Capacity         int
	HighWatermark    int
	EnqueueDeadline  time.Duration
	PersistDeadline  time.Duration
	PartitionWorkers int
	BatchSize        int
	BatchInterval    time.Duration
}

// Queue is a bounded, multi-producer multi-consumer audit queue. Each
// record is sharded to one of PartitionWorkers ordered workers by its
// partition (client_id), so persistence order within a partition
// matches enqueue order and the hash chain stays well-defined.
type Queue struct {
	cfg      QueueConfig
	store    Store
	log      zerolog.Logger
	inbound  chan *Record
	shards   []chan *Record
	depth    int64
	depthMu  sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewQueue builds a queue with PartitionWorkers ordered shards, each
// buffered to Capacity/PartitionWorkers.
func NewQueue(cfg QueueConfig, store Store, log zerolog.Logger) *Queue {
	if cfg.PartitionWorkers < 1 {
		cfg.PartitionWorkers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	shardCap := cfg.Capacity / cfg.PartitionWorkers
	if shardCap < 1 {
		shardCap = 1
	}
	q := &Queue{
		cfg:     cfg,
		store:   store,
		log:     log,
		inbound: make(chan *Record, cfg.Capacity),
		shards:  make([]chan *Record, cfg.PartitionWorkers),
		stopCh:  make(chan struct{}),
	}
	for i := range q.shards {
		q.shards[i] = make(chan *Record, shardCap)
	}
	return q
}

// Start launches the dispatcher and one ordered worker per shard.
// Call once; Stop drains and shuts them down.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.dispatch(ctx)

	for i, shard := range q.shards {
		q.wg.Add(1)
		go q.runShard(ctx, i, shard)
	}
}

// Stop closes the inbound channel and waits for every shard to drain
// and persist its remaining backlog.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		close(q.inbound)
	})
	q.wg.Wait()
}

// Enqueue admits rec onto the queue. Below HighWatermark it admits
// immediately; at or above it, the call blocks up to EnqueueDeadline
// waiting for room before failing with AuditBackpressure — a
// calculation must never be acknowledged without its record at least
// queued (spec §4.8).
func (q *Queue) Enqueue(ctx context.Context, rec *Record) error {
	if q.Depth() < int64(q.cfg.HighWatermark) {
		select {
		case q.inbound <- rec:
			q.incDepth(1)
			metrics.AuditEnqueued.Inc()
			return nil
		default:
			// raced past the watermark check; fall through to the bounded wait
		}
	}

	timer := time.NewTimer(q.cfg.EnqueueDeadline)
	defer timer.Stop()
	for q.Depth() >= int64(q.cfg.HighWatermark) {
		select {
		case <-timer.C:
			metrics.AuditBackpressureEvents.Inc()
			return apierr.AuditBackpressure("audit queue at high watermark, enqueue deadline exceeded")
		case <-ctx.Done():
			return apierr.AuditBackpressure("context cancelled while enqueuing audit record")
		case <-time.After(time.Millisecond):
		}
	}
	select {
	case q.inbound <- rec:
		q.incDepth(1)
		metrics.AuditEnqueued.Inc()
		return nil
	case <-timer.C:
		metrics.AuditBackpressureEvents.Inc()
		return apierr.AuditBackpressure("audit queue at high watermark, enqueue deadline exceeded")
	case <-ctx.Done():
		return apierr.AuditBackpressure("context cancelled while enqueuing audit record")
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for rec := range q.inbound {
		idx := q.shardFor(rec.ClientID)
		select {
		case q.shards[idx] <- rec:
		case <-ctx.Done():
			return
		}
	}
	for _, shard := range q.shards {
		close(shard)
	}
}

func (q *Queue) shardFor(partition string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partition))
	return int(h.Sum32()) % len(q.shards)
}

// runShard persists one partition shard's records in strict enqueue
// order, batching up to BatchSize or BatchInterval, whichever comes
// first, and chaining each record's hash from the one before it.
func (q *Queue) runShard(ctx context.Context, idx int, shard chan *Record) {
	defer q.wg.Done()

	lastHash := make(map[string]string)

	batch := make([]*Record, 0, q.cfg.BatchSize)
	ticker := time.NewTicker(q.cfg.BatchInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.persist(ctx, lastHash, batch)
		q.incDepth(int64(-len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-shard:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= q.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func (q *Queue) persist(ctx context.Context, lastHash map[string]string, batch []*Record) {
	pctx, cancel := context.WithTimeout(ctx, q.cfg.PersistDeadline)
	defer cancel()

	start := time.Now()
	for _, rec := range batch {
		prev, ok := lastHash[rec.ClientID]
		if !ok {
			fetched, err := q.store.LastHash(pctx, rec.ClientID)
			if err != nil {
				q.log.Error().Err(err).Str("client_id", rec.ClientID).Msg("failed to load last audit hash for partition")
				fetched = GenesisHash
			}
			prev = fetched
		}
		rec.PrevHash = prev
		if err := Seal(rec); err != nil {
			q.log.Error().Err(err).Str("client_id", rec.ClientID).Msg("failed to seal audit record")
			continue
		}
		lastHash[rec.ClientID] = rec.Hash
	}

	err := q.store.PersistBatch(pctx, batch)
	for err != nil && pctx.Err() == nil {
		q.log.Warn().Err(err).Int("batch_size", len(batch)).Msg("audit batch persist failed, retrying")
		select {
		case <-pctx.Done():
		case <-time.After(q.cfg.BatchInterval):
			err = q.store.PersistBatch(pctx, batch)
		}
	}
	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		q.log.Error().Err(err).Int("batch_size", len(batch)).Msg("failed to persist audit batch")
		metrics.RecordAuditPersist("failure", durationMs)
		return
	}
	metrics.RecordAuditPersist("success", durationMs)
}

func (q *Queue) incDepth(delta int64) {
	q.depthMu.Lock()
	q.depth += delta
	depth := q.depth
	q.depthMu.Unlock()
	metrics.AuditQueueDepth.Set(float64(depth))
}

// Depth returns the current number of records queued or in flight,
// for the Health() surface.
func (q *Queue) Depth() int64 {
	q.depthMu.Lock()
	defer q.depthMu.Unlock()
	return q.depth
}
