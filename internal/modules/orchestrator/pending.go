package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/pitboss/internal/broker"
)

// PendingKey is the KV key holding the msgpack checkpoint of the in-flight
// pipeline map.
const PendingKey = "orchestrator:pending"

// adoptWindow bounds how old a checkpointed pipeline may be and still be
// re-adopted after a restart.
const adoptWindow = time.Hour

// checkpointTTL keeps an abandoned checkpoint from outliving its usefulness.
const checkpointTTL = 24 * time.Hour

// PendingPipeline is what the orchestrator remembers between the signal and
// the risk verdict: enough to turn an approving response into an order.
type PendingPipeline struct {
	Symbol     string    `msgpack:"symbol"`
	Side       string    `msgpack:"side"`
	Confidence float64   `msgpack:"confidence"`
	TraceID    string    `msgpack:"traceId"`
	Started    time.Time `msgpack:"started"`
}

// CacheStore is the slice of the KV surface the checkpoint needs.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// PendingCache is the soft cache of in-flight pipelines. Every mutation is
// mirrored into a KV checkpoint so a restart can re-adopt recent pipelines;
// losing the checkpoint only stalls those pipelines, it never corrupts
// anything, because every downstream consumer is idempotent.
type PendingCache struct {
	store CacheStore
	log   zerolog.Logger

	mu        sync.Mutex
	pipelines map[string]PendingPipeline
}

// NewPendingCache creates an empty cache over the given store.
func NewPendingCache(store CacheStore, log zerolog.Logger) *PendingCache {
	return &PendingCache{
		store:     store,
		log:       log.With().Str("component", "pending_cache").Logger(),
		pipelines: make(map[string]PendingPipeline),
	}
}

// Put records one in-flight pipeline and writes through to the checkpoint.
func (c *PendingCache) Put(ctx context.Context, requestID string, p PendingPipeline) {
	if p.Started.IsZero() {
		p.Started = time.Now().UTC()
	}

	c.mu.Lock()
	c.pipelines[requestID] = p
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.checkpoint(ctx, snapshot)
}

// Take removes and returns the pipeline for requestID, reporting whether it
// was present. The checkpoint follows the removal.
func (c *PendingCache) Take(ctx context.Context, requestID string) (PendingPipeline, bool) {
	c.mu.Lock()
	p, ok := c.pipelines[requestID]
	if ok {
		delete(c.pipelines, requestID)
	}
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if ok {
		c.checkpoint(ctx, snapshot)
	}
	return p, ok
}

// Len reports how many pipelines are in flight.
func (c *PendingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pipelines)
}

// Load re-adopts checkpointed pipelines younger than the adoption window.
// A missing or undecodable checkpoint is not an error; the cache simply
// starts empty.
func (c *PendingCache) Load(ctx context.Context) int {
	raw, err := c.store.Get(ctx, PendingKey)
	if err != nil {
		if !errors.Is(err, broker.ErrNotFound) {
			c.log.Warn().Err(err).Msg("Pending checkpoint unreadable, starting empty")
		}
		return 0
	}

	var stored map[string]PendingPipeline
	if err := msgpack.Unmarshal([]byte(raw), &stored); err != nil {
		c.log.Warn().Err(err).Msg("Pending checkpoint undecodable, starting empty")
		return 0
	}

	cutoff := time.Now().UTC().Add(-adoptWindow)
	adopted := 0

	c.mu.Lock()
	for requestID, p := range stored {
		if p.Started.Before(cutoff) {
			continue
		}
		if _, exists := c.pipelines[requestID]; exists {
			continue
		}
		c.pipelines[requestID] = p
		adopted++
	}
	c.mu.Unlock()

	if adopted > 0 {
		c.log.Info().Int("adopted", adopted).Msg("Re-adopted in-flight pipelines from checkpoint")
	}
	return adopted
}

// snapshotLocked copies the map for checkpointing. Callers hold the mutex.
func (c *PendingCache) snapshotLocked() map[string]PendingPipeline {
	snapshot := make(map[string]PendingPipeline, len(c.pipelines))
	for k, v := range c.pipelines {
		snapshot[k] = v
	}
	return snapshot
}

// checkpoint persists the snapshot. Failures are logged and absorbed; the
// in-memory map stays authoritative for this process.
func (c *PendingCache) checkpoint(ctx context.Context, snapshot map[string]PendingPipeline) {
	raw, err := msgpack.Marshal(snapshot)
	if err != nil {
		c.log.Warn().Err(err).Msg("Pending checkpoint encode failed")
		return
	}
	if err := c.store.Set(ctx, PendingKey, string(raw), checkpointTTL); err != nil {
		c.log.Warn().Err(err).Msg("Pending checkpoint write failed")
	}
}
