// Package analyst consumes analyze commands, runs the configured strategy
// over the symbol's price window and emits trade signals.
package analyst

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

// Config tunes the analyst consumer.
type Config struct {
	MaxFailures    int
	IdempotencyTTL time.Duration
}

// Service consumes orchestrator.commands and answers analyze commands with
// signals on analysis.signals. Commands of any other type are acknowledged
// and skipped.
type Service struct {
	broker   stream.Broker
	strategy Strategy
	feed     *Feed
	metrics  *metrics.Registry
	cfg      Config
	log      zerolog.Logger
}

// NewService creates the analyst.
func NewService(b stream.Broker, strategy Strategy, feed *Feed, reg *metrics.Registry, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		broker:   b,
		strategy: strategy,
		feed:     feed,
		metrics:  reg,
		cfg:      cfg,
		log:      log.With().Str("component", "analyst").Logger(),
	}
}

// Run executes the consumer loop, its pending monitor and the market data
// feed until ctx ends.
func (s *Service) Run(ctx context.Context) {
	consumer := stream.NewConsumer(s.broker, s.metrics, s.consumerConfig(), s.log)
	monitor := stream.NewPendingMonitor(s.broker, consumer.Stream(), consumer.Group(), 0, s.recordPending, s.log)

	var tasks conc.WaitGroup
	tasks.Go(func() { consumer.Run(ctx) })
	tasks.Go(func() { monitor.Run(ctx) })
	tasks.Go(func() { s.feed.Run(ctx) })
	tasks.Wait()
}

func (s *Service) consumerConfig() stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:  domain.StreamCommands,
		Group:   domain.GroupAnalyst,
		Handler: s.handleCommand,
		Idempotency: &stream.Idempotency{
			KeyFn: func(payload map[string]any) string {
				id, _ := payload["requestId"].(string)
				return id
			},
			TTL: s.cfg.IdempotencyTTL,
		},
		DLQStream:   domain.DLQStream(domain.StreamCommands),
		MaxFailures: s.cfg.MaxFailures,
	}
}

func (s *Service) recordPending(streamName, group string, count int64) {
	s.metrics.SetGauge(metrics.PendingGauge(streamName, group), float64(count))
}

// handleCommand answers one analyze command with a signal.
func (s *Service) handleCommand(ctx context.Context, msg stream.Message) error {
	var cmd domain.Command
	if err := domain.DecodeInto(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	if cmd.Type != domain.CommandAnalyze {
		s.log.Debug().Str("type", cmd.Type).Str("id", msg.ID).Msg("Ignoring non-analyze command")
		return nil
	}

	sig := s.Signal(cmd.Symbol, cmd.RequestID, cmd.TraceID)
	if _, err := stream.Append(ctx, s.broker, domain.StreamSignals, sig); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}

	s.metrics.Inc(metrics.SignalsEmitted)
	s.log.Info().
		Str("request_id", cmd.RequestID).
		Str("symbol", cmd.Symbol).
		Str("side", sig.Side).
		Float64("confidence", sig.Confidence).
		Str("strategy", s.strategy.Name()).
		Msg("Signal emitted")

	return nil
}

// Signal runs the strategy over the symbol's price window. It is pure
// computation, shared between the stream consumer and the synchronous agent
// endpoint; nothing is appended anywhere.
func (s *Service) Signal(symbol, requestID, traceID string) domain.Signal {
	prices := s.feed.Snapshot(symbol)
	side, confidence := s.strategy.Analyze(symbol, prices)

	return domain.Signal{
		RequestID:  requestID,
		Symbol:     symbol,
		Side:       side,
		Confidence: confidence,
		TraceID:    traceID,
		TS:         domain.Now(),
	}
}
