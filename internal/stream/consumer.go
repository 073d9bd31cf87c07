package stream

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/broker"
	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
)

// Idempotency configures duplicate suppression for a subscription. KeyFn
// derives the key from the payload; an empty result falls back to the
// entry id.
type Idempotency struct {
	KeyFn func(payload map[string]any) string
	TTL   time.Duration
}

// ConsumerConfig describes one (stream, group) subscription.
type ConsumerConfig struct {
	Stream       string
	Group        string
	ConsumerName string        // defaults to host-pid
	Handler      Handler
	Idempotency  *Idempotency
	DLQStream    string        // empty disables dead-lettering
	MaxFailures  int           // default 5
	BatchSize    int64         // default 10
	BlockTimeout time.Duration // default 10s
}

// Consumer runs the delivery loop for one subscription.
type Consumer struct {
	cfg     ConsumerConfig
	broker  Broker
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewConsumer applies defaults and binds the subscription to the broker.
func NewConsumer(b Broker, reg *metrics.Registry, cfg ConsumerConfig, log zerolog.Logger) *Consumer {
	if cfg.ConsumerName == "" {
		host, _ := os.Hostname()
		cfg.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 10 * time.Second
	}

	return &Consumer{
		cfg:     cfg,
		broker:  b,
		metrics: reg,
		log: log.With().
			Str("component", "consumer").
			Str("stream", cfg.Stream).
			Str("group", cfg.Group).
			Logger(),
	}
}

// Stream returns the subscribed stream name.
func (c *Consumer) Stream() string { return c.cfg.Stream }

// Group returns the consumer group name.
func (c *Consumer) Group() string { return c.cfg.Group }

// FailureHashKey returns the per-entry attempt counter hash for this
// subscription.
func (c *Consumer) FailureHashKey() string {
	return fmt.Sprintf("stream:%s:group:%s:failures", c.cfg.Stream, c.cfg.Group)
}

func (c *Consumer) idemKey(k string) string {
	return fmt.Sprintf("idem:%s:%s:%s", c.cfg.Stream, c.cfg.Group, k)
}

// Run executes the delivery loop until ctx is cancelled. Single-entry
// failures never exit the loop; a vanished consumer group is recreated.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info().Str("consumer", c.cfg.ConsumerName).Msg("Consumer starting")

	for ctx.Err() == nil {
		if err := c.broker.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
			c.log.Error().Err(err).Msg("Failed to ensure consumer group")
			if !sleepCtx(ctx, time.Second) {
				break
			}
			continue
		}

		c.consume(ctx)
	}

	c.log.Info().Msg("Consumer stopped")
}

// consume sweeps until cancellation or a NOGROUP answer, which sends control
// back to Run for group recreation.
func (c *Consumer) consume(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := c.Sweep(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if broker.IsNoGroup(err) {
				c.log.Warn().Err(err).Msg("Consumer group vanished, recreating")
				return
			}
			c.log.Error().Err(err).Msg("Read failed")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if n == 0 {
			if !sleepCtx(ctx, 50*time.Millisecond) {
				return
			}
		}
	}
}

// Sweep performs one delivery cycle: the pending backlog first, then a
// blocking read at the group frontier. Every delivered entry is processed.
// Returns the number of entries delivered.
func (c *Consumer) Sweep(ctx context.Context) (int, error) {
	entries, err := c.broker.ReadBacklog(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ConsumerName, c.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		entries, err = c.broker.ReadNew(ctx, c.cfg.Stream, c.cfg.Group, c.cfg.ConsumerName, c.cfg.BatchSize, c.cfg.BlockTimeout)
		if err != nil {
			return 0, err
		}
	}

	for _, e := range entries {
		c.processEntry(ctx, e)
	}
	return len(entries), nil
}

// processEntry drives one entry through idempotency, the handler and the
// ack/failure bookkeeping. Errors are absorbed; the entry's pending state
// carries the retry.
func (c *Consumer) processEntry(ctx context.Context, e broker.Entry) {
	log := c.log.With().Str("entry_id", e.ID).Logger()

	payload, err := DecodePayload(e.Values)
	if err != nil {
		// An undecodable entry can never succeed; let the failure budget
		// route it to the DLQ.
		log.Error().Err(err).Msg("Entry payload not decodable")
		c.fail(ctx, e, nil, err)
		return
	}

	var idemKey string
	if c.cfg.Idempotency != nil {
		k := ""
		if c.cfg.Idempotency.KeyFn != nil {
			k = c.cfg.Idempotency.KeyFn(payload)
		}
		if k == "" {
			k = e.ID
		}
		idemKey = c.idemKey(k)

		claimed, err := c.broker.SetNX(ctx, idemKey, "1", c.cfg.Idempotency.TTL)
		if err != nil {
			log.Error().Err(err).Msg("Idempotency claim failed, leaving entry pending")
			return
		}
		if !claimed {
			c.metrics.Inc(metrics.DuplicatesSuppressed)
			log.Debug().Str("key", idemKey).Msg("Duplicate suppressed")
			if err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, e.ID); err != nil {
				log.Error().Err(err).Msg("Failed to ack duplicate")
			}
			return
		}
	}

	if err := c.cfg.Handler(ctx, Message{ID: e.ID, Stream: c.cfg.Stream, Payload: payload}); err != nil {
		// The claim stands for completed work only; release it so the next
		// delivery invokes the handler again.
		if idemKey != "" {
			if delErr := c.broker.Del(ctx, idemKey); delErr != nil {
				log.Error().Err(delErr).Msg("Failed to release idempotency claim")
			}
		}
		c.fail(ctx, e, payload, err)
		return
	}

	if err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, e.ID); err != nil {
		log.Error().Err(err).Msg("Failed to ack processed entry")
		return
	}
	if err := c.broker.HDel(ctx, c.FailureHashKey(), e.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to clear failure counter")
	}
}

// fail records a handler failure and dead-letters the entry once its budget
// is spent. Otherwise the entry stays pending for the next backlog sweep.
func (c *Consumer) fail(ctx context.Context, e broker.Entry, payload map[string]any, handlerErr error) {
	log := c.log.With().Str("entry_id", e.ID).Logger()
	log.Error().Err(handlerErr).Msg("Handler failed")

	count, err := c.broker.HIncrBy(ctx, c.FailureHashKey(), e.ID, 1)
	if err != nil {
		log.Error().Err(err).Msg("Failed to record failure, leaving entry pending")
		return
	}

	if int(count) < c.cfg.MaxFailures {
		log.Warn().Int64("attempts", count).Int("max_failures", c.cfg.MaxFailures).Msg("Entry left pending for retry")
		return
	}

	if c.cfg.DLQStream == "" {
		log.Warn().Int64("attempts", count).Msg("Failure budget spent and no DLQ configured, entry stays pending")
		return
	}

	dlqEntry := domain.DLQEntry{
		OriginalStream: c.cfg.Stream,
		Group:          c.cfg.Group,
		ID:             e.ID,
		Payload:        payload,
		Error:          handlerErr.Error(),
		TS:             domain.Now(),
	}
	if _, err := Append(ctx, c.broker, c.cfg.DLQStream, dlqEntry); err != nil {
		log.Error().Err(err).Msg("DLQ append failed, entry stays pending")
		return
	}

	if err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, e.ID); err != nil {
		log.Error().Err(err).Msg("Failed to ack dead-lettered entry")
	}
	if err := c.broker.HDel(ctx, c.FailureHashKey(), e.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to clear failure counter after DLQ move")
	}

	c.metrics.Inc(metrics.DLQMoves)
	log.Warn().Str("dlq", c.cfg.DLQStream).Int64("attempts", count).Msg("Entry moved to DLQ")
}

// sleepCtx waits d unless ctx ends first. Reports whether the full wait
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
