package risk

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

// Config tunes the risk consumer.
type Config struct {
	MaxFailures    int
	IdempotencyTTL time.Duration
}

// Service consumes risk.requests, evaluates each request against the active
// parameters and appends the verdict to risk.responses. It owns the single
// risk_rejected notification per rejected pipeline.
type Service struct {
	broker  stream.Broker
	store   Store
	metrics *metrics.Registry
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

// NewService creates the risk manager.
func NewService(b stream.Broker, store Store, reg *metrics.Registry, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		broker:  b,
		store:   store,
		metrics: reg,
		cfg:     cfg,
		log:     log.With().Str("component", "risk").Logger(),
		now:     time.Now,
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
		Stream:  domain.StreamRiskRequests,
		Group:   domain.GroupRisk,
		Handler: s.handleRequest,
		Idempotency: &stream.Idempotency{
			KeyFn: func(payload map[string]any) string {
				id, _ := payload["requestId"].(string)
				return id
			},
			TTL: s.cfg.IdempotencyTTL,
		},
		DLQStream:   domain.DLQStream(domain.StreamRiskRequests),
		MaxFailures: s.cfg.MaxFailures,
	}
}

func (s *Service) recordPending(streamName, group string, count int64) {
	s.metrics.SetGauge(metrics.PendingGauge(streamName, group), float64(count))
}

// Check evaluates one request against the active parameters. Parameters are
// loaded fresh per call; nothing is appended anywhere, so the synchronous
// agent endpoint shares it with the stream consumer.
func (s *Service) Check(ctx context.Context, req domain.RiskRequest) domain.RiskResponse {
	params := LoadParams(ctx, s.store, s.log)
	decision := Evaluate(req, params, s.now())

	if decision.OK {
		s.metrics.Inc(metrics.RiskApproved)
		s.log.Debug().
			Str("request_id", req.RequestID).
			Str("symbol", req.Symbol).
			Float64("confidence", req.Confidence).
			Msg("Risk approved")
	} else {
		s.metrics.Inc(metrics.RiskRejected)
		s.log.Info().
			Str("request_id", req.RequestID).
			Str("symbol", req.Symbol).
			Str("reason", decision.Reason).
			Msg("Risk rejected")
	}

	return domain.RiskResponse{
		RequestID: req.RequestID,
		OK:        decision.OK,
		Reason:    decision.Reason,
		TraceID:   req.TraceID,
		TS:        domain.Now(),
	}
}

// handleRequest evaluates one delivered request and appends the verdict,
// plus the single rejection notification when it failed.
func (s *Service) handleRequest(ctx context.Context, msg stream.Message) error {
	var req domain.RiskRequest
	if err := domain.DecodeInto(msg.Payload, &req); err != nil {
		return fmt.Errorf("decode risk request: %w", err)
	}

	resp := s.Check(ctx, req)
	if _, err := stream.Append(ctx, s.broker, domain.StreamRiskResponses, resp); err != nil {
		return fmt.Errorf("append risk response: %w", err)
	}

	if resp.OK {
		return nil
	}

	event := domain.Event{
		Type:     domain.EventRiskRejected,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Trade %s %s rejected: %s", req.Side, req.Symbol, resp.Reason),
		Context: map[string]any{
			"symbol":     req.Symbol,
			"side":       req.Side,
			"confidence": req.Confidence,
			"reason":     resp.Reason,
		},
		RequestID: req.RequestID,
		TraceID:   req.TraceID,
		TS:        domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamNotify, event); err != nil {
		return fmt.Errorf("append rejection notification: %w", err)
	}
	return nil
}
