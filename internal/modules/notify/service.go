// Package notify consumes notify.events, keeps a ring of recent events,
// delivers severity-routed renderings to outbound sinks and tracks
// acknowledgments in the KV store.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/stream"
)

// DefaultAckTTL is how long an acknowledgment mark survives.
const DefaultAckTTL = 7 * 24 * time.Hour

const ackKeyPrefix = "notify:ack:"

// AckKey returns the KV key marking one event acknowledged.
func AckKey(id string) string {
	return ackKeyPrefix + id
}

// Store is the slice of the KV surface acknowledgments need.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	ExistsBatch(ctx context.Context, keys []string) ([]bool, error)
}

// Config tunes the notifier.
type Config struct {
	AckTTL         time.Duration
	MaxFailures    int
	IdempotencyTTL time.Duration
}

// RecentEvent is one ring entry annotated with its acknowledged state.
type RecentEvent struct {
	domain.Event
	Acked bool `json:"acked"`
}

// Service is the notification manager.
type Service struct {
	broker  stream.Broker
	store   Store
	ring    *Ring
	hub     *Hub
	routes  []SinkRoute
	metrics *metrics.Registry
	cfg     Config
	log     zerolog.Logger
}

// NewService creates the notifier. Events flow to every route whose minimum
// severity the event meets.
func NewService(b stream.Broker, store Store, hub *Hub, routes []SinkRoute, reg *metrics.Registry, cfg Config, log zerolog.Logger) *Service {
	if cfg.AckTTL <= 0 {
		cfg.AckTTL = DefaultAckTTL
	}
	return &Service{
		broker:  b,
		store:   store,
		ring:    NewRing(),
		hub:     hub,
		routes:  routes,
		metrics: reg,
		cfg:     cfg,
		log:     log.With().Str("component", "notify").Logger(),
	}
}

// Run executes the consumer loop and its pending monitor until ctx ends.
func (s *Service) Run(ctx context.Context) {
	consumer := stream.NewConsumer(s.broker, s.metrics, s.consumerConfig(), s.log)
	monitor := stream.NewPendingMonitor(s.broker, consumer.Stream(), consumer.Group(), 0, s.recordPending, s.log)

	var tasks conc.WaitGroup
	tasks.Go(func() { consumer.Run(ctx) })
	tasks.Go(func() { monitor.Run(ctx) })
	tasks.Wait()
}

func (s *Service) consumerConfig() stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:  domain.StreamNotify,
		Group:   domain.GroupNotify,
		Handler: s.handleEvent,
		Idempotency: &stream.Idempotency{
			KeyFn: eventAckID,
			TTL:   s.cfg.IdempotencyTTL,
		},
		DLQStream:   domain.DLQStream(domain.StreamNotify),
		MaxFailures: s.cfg.MaxFailures,
	}
}

// eventAckID mirrors Event.AckID over the raw payload map.
func eventAckID(payload map[string]any) string {
	if id, _ := payload["requestId"].(string); id != "" {
		return id
	}
	eventType, _ := payload["type"].(string)
	traceID, _ := payload["traceId"].(string)
	ts, _ := payload["ts"].(string)
	if eventType == "" && traceID == "" && ts == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", eventType, traceID, ts)
}

func (s *Service) recordPending(streamName, group string, count int64) {
	s.metrics.SetGauge(metrics.PendingGauge(streamName, group), float64(count))
}

// handleEvent records one event and delivers it to the matching sinks. A
// failed delivery fails the whole handler so the entry is retried.
func (s *Service) handleEvent(ctx context.Context, msg stream.Message) error {
	var event domain.Event
	if err := domain.DecodeInto(msg.Payload, &event); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	s.ring.Add(event)
	if s.hub != nil {
		s.hub.Broadcast(event)
	}

	rank := severityRank(event.Severity)
	for _, route := range s.routes {
		if rank < severityRank(route.Min) {
			continue
		}
		if err := route.Sink.Deliver(ctx, event); err != nil {
			s.metrics.Inc(metrics.NotificationsFailed)
			return fmt.Errorf("deliver via %s: %w", route.Sink.Name(), err)
		}
	}

	s.metrics.Inc(metrics.NotificationsDelivered)
	return nil
}

// Ack marks one event acknowledged for the configured TTL.
func (s *Service) Ack(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("ack id is empty")
	}
	if err := s.store.Set(ctx, AckKey(id), "1", s.cfg.AckTTL); err != nil {
		return fmt.Errorf("write ack %s: %w", id, err)
	}
	s.log.Debug().Str("id", id).Msg("Event acknowledged")
	return nil
}

// ResolveTraceID returns the ack id of the newest ring event carrying
// traceID, or "" when no recent event matches.
func (s *Service) ResolveTraceID(traceID string) string {
	if traceID == "" {
		return ""
	}
	for _, event := range s.ring.Recent() {
		if event.TraceID == traceID {
			return event.AckID()
		}
	}
	return ""
}

// Recent returns the ring contents newest first, each annotated with its
// acknowledged state via one batched existence probe.
func (s *Service) Recent(ctx context.Context) ([]RecentEvent, error) {
	events := s.ring.Recent()
	if len(events) == 0 {
		return []RecentEvent{}, nil
	}

	keys := make([]string, len(events))
	for i, event := range events {
		keys[i] = AckKey(event.AckID())
	}
	acked, err := s.store.ExistsBatch(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("probe ack keys: %w", err)
	}

	out := make([]RecentEvent, len(events))
	for i, event := range events {
		out[i] = RecentEvent{Event: event, Acked: acked[i]}
	}
	return out, nil
}

// Hub exposes the live-subscriber hub for the websocket handler.
func (s *Service) Hub() *Hub {
	return s.hub
}
