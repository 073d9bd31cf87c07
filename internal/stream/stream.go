// Package stream implements the consumer runtime over the append-only log
// broker: payload codec, append, the consumer loop with idempotency and
// dead-lettering, and the pending monitor.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/aristath/pitboss/internal/broker"
)

// ErrMissingData marks an entry without the conventional data field.
var ErrMissingData = errors.New("stream: entry has no data field")

// Broker is the slice of the broker client the runtime needs.
type Broker interface {
	Append(ctx context.Context, stream string, values map[string]any) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]broker.Entry, error)
	ReadNew(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]broker.Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string) (*broker.PendingSummary, error)
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	HIncrBy(ctx context.Context, key, field string, n int64) (int64, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// Message is one delivered entry handed to a handler.
type Message struct {
	ID      string
	Stream  string
	Payload map[string]any
}

// Handler processes one message. A nil return acknowledges the entry; an
// error counts against the entry's failure budget.
type Handler func(ctx context.Context, msg Message) error

// EncodePayload serializes payload as JSON under the conventional data field.
func EncodePayload(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return map[string]any{"data": string(raw)}, nil
}

// DecodePayload extracts the JSON object under the data field.
func DecodePayload(values map[string]any) (map[string]any, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return nil, ErrMissingData
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

// Append serializes payload and appends it to stream, returning the assigned
// entry id. The caller owns retries.
func Append(ctx context.Context, b Broker, stream string, payload any) (string, error) {
	values, err := EncodePayload(payload)
	if err != nil {
		return "", err
	}
	return b.Append(ctx, stream, values)
}
