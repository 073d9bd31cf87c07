// Package broker wraps the append-only log broker and the KV store behind
// one client. Streams live on the broker connection, keys and hashes on the
// KV connection; both may point at the same instance.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned for reads of absent keys or hash fields.
var ErrNotFound = errors.New("broker: not found")

const connectTimeout = 30 * time.Second

// Config holds the connection targets.
type Config struct {
	BrokerURL string
	KVURL     string
}

// Entry is one stream entry as delivered by the broker.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// PendingSummary mirrors the broker's pending overview for (stream, group).
type PendingSummary struct {
	Count     int64            `json:"count"`
	Lower     string           `json:"lower"`
	Higher    string           `json:"higher"`
	Consumers map[string]int64 `json:"consumers"`
}

// Client is the shared broker/KV client. Safe for concurrent use.
type Client struct {
	streams *redis.Client
	kv      *redis.Client
	log     zerolog.Logger
}

// Connect dials the broker (and KV store when distinct) and waits for both
// to answer a ping, retrying with exponential backoff up to connectTimeout.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	streamOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	streamClient := redis.NewClient(streamOpts)

	kvClient := streamClient
	if cfg.KVURL != "" && cfg.KVURL != cfg.BrokerURL {
		kvOpts, err := redis.ParseURL(cfg.KVURL)
		if err != nil {
			_ = streamClient.Close()
			return nil, fmt.Errorf("invalid kv url: %w", err)
		}
		kvClient = redis.NewClient(kvOpts)
	}

	c := &Client{
		streams: streamClient,
		kv:      kvClient,
		log:     log.With().Str("component", "broker").Logger(),
	}

	if err := c.waitReady(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// waitReady pings until the broker answers or the connect budget runs out.
func (c *Client) waitReady(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second
	deadline := time.Now().Add(connectTimeout)

	for {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("broker unreachable after %s: %w", connectTimeout, err)
		}

		sleep := backoffCfg.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", sleep).Msg("Broker ping failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Ping verifies both connections.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.streams.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	if c.kv != c.streams {
		if err := c.kv.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("kv ping: %w", err)
		}
	}
	return nil
}

// Close releases both connections.
func (c *Client) Close() error {
	err := c.streams.Close()
	if c.kv != c.streams {
		if kvErr := c.kv.Close(); err == nil {
			err = kvErr
		}
	}
	return err
}

// ---- Stream operations ----

// Append adds an entry with an auto-assigned id and returns that id.
func (c *Client) Append(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group from the stream's beginning,
// creating the stream itself when absent. An already-existing group is not
// an error.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.streams.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !IsBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadBacklog returns up to count entries already delivered to this consumer
// but not yet acknowledged. Never blocks.
func (c *Client) ReadBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, error) {
	return c.readGroup(ctx, stream, group, consumer, "0", count, -1)
}

// ReadNew blocks up to block for entries at the group frontier and returns
// up to count of them.
func (c *Client) ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	return c.readGroup(ctx, stream, group, consumer, ">", count, block)
}

func (c *Client) readGroup(ctx context.Context, stream, group, consumer, id string, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.streams.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s as %s/%s: %w", stream, group, consumer, err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	entries := make([]Entry, 0, len(res[0].Messages))
	for _, msg := range res[0].Messages {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}

// Ack acknowledges entries for the group.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.streams.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s/%s: %w", stream, group, err)
	}
	return nil
}

// Range scans entries by id, inclusive on both ends. Use "-" and "+" for the
// stream extremes.
func (c *Client) Range(ctx context.Context, stream, start, stop string, count int64) ([]Entry, error) {
	msgs, err := c.streams.XRangeN(ctx, stream, start, stop, count).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s [%s,%s]: %w", stream, start, stop, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, Entry{ID: msg.ID, Values: msg.Values})
	}
	return entries, nil
}

// DeleteEntries removes entries by id, returning how many existed.
func (c *Client) DeleteEntries(ctx context.Context, stream string, ids ...string) (int64, error) {
	n, err := c.streams.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", stream, err)
	}
	return n, nil
}

// Pending returns the group's pending summary.
func (c *Client) Pending(ctx context.Context, stream, group string) (*PendingSummary, error) {
	p, err := c.streams.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("pending on %s/%s: %w", stream, group, err)
	}
	return &PendingSummary{
		Count:     p.Count,
		Lower:     p.Lower,
		Higher:    p.Higher,
		Consumers: p.Consumers,
	}, nil
}

// ---- KV operations ----

// SetNX writes key only if absent. Returns whether this call claimed it.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.kv.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set writes key with an optional TTL (zero means no expiry).
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.kv.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Get reads key, returning ErrNotFound when absent.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.kv.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// Del removes keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.kv.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.kv.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

// ExistsBatch probes many keys in one round trip, preserving order.
func (c *Client) ExistsBatch(ctx context.Context, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(keys))
	_, err := c.kv.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Exists(ctx, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exists batch: %w", err)
	}

	flags := make([]bool, len(keys))
	for i, cmd := range cmds {
		flags[i] = cmd.Val() > 0
	}
	return flags, nil
}

// HGet reads one hash field, returning ErrNotFound when absent.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.kv.HGet(ctx, key, field).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("hget %s.%s: %w", key, field, err)
	}
	return v, nil
}

// HGetAll reads a whole hash; an absent key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.kv.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

// HSet writes hash fields from alternating field, value arguments.
func (c *Client) HSet(ctx context.Context, key string, values ...any) error {
	if err := c.kv.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HIncrBy atomically adds n to an integer hash field and returns the result.
func (c *Client) HIncrBy(ctx context.Context, key, field string, n int64) (int64, error) {
	v, err := c.kv.HIncrBy(ctx, key, field, n).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrby %s.%s: %w", key, field, err)
	}
	return v, nil
}

// HIncrByFloat atomically adds f to a float hash field and returns the result.
func (c *Client) HIncrByFloat(ctx context.Context, key, field string, f float64) (float64, error) {
	v, err := c.kv.HIncrByFloat(ctx, key, field, f).Result()
	if err != nil {
		return 0, fmt.Errorf("hincrbyfloat %s.%s: %w", key, field, err)
	}
	return v, nil
}

// HDel removes hash fields.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	if err := c.kv.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("hdel %s: %w", key, err)
	}
	return nil
}

// ScanKeys iterates the keyspace for pattern without blocking the store.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.kv.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// ---- Error classification ----

// IsBusyGroup reports the broker's already-exists answer to group creation.
func IsBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// IsNoGroup reports a read against a group that does not (or no longer)
// exists, signalling the consumer loop to recreate it.
func IsNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
