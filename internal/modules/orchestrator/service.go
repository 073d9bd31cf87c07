// Package orchestrator drives the trading pipeline: it admits runs against
// the daily PnL target, originates analyze commands, forwards signals into
// risk requests, approved verdicts into orders, and settles fills into the
// ledger. It also owns the administrative operations over streams, DLQs and
// the halt flag.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/aristath/pitboss/internal/audit"
	"github.com/aristath/pitboss/internal/broker"
	"github.com/aristath/pitboss/internal/config"
	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/pnl"
	"github.com/aristath/pitboss/internal/stream"
)

// Broker is the slice of the broker client the orchestrator needs: the
// stream runtime surface plus DLQ ranging and the checkpoint keys.
type Broker interface {
	stream.Broker
	Range(ctx context.Context, streamName, start, stop string, count int64) ([]broker.Entry, error)
	DeleteEntries(ctx context.Context, streamName string, ids ...string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Auditor records audit trail events. *audit.Repository satisfies it; tests
// substitute a recorder.
type Auditor interface {
	Record(e audit.Event) error
}

// HaltReasonTarget marks the halt that fires when the day crosses its
// profit target.
const HaltReasonTarget = "daily_target_reached"

// Config tunes the orchestrator.
type Config struct {
	CommMode       string  // default pipeline mode: pubsub, http or hybrid
	OrderQty       float64 // quantity attached to every originated order
	MaxFailures    int
	IdempotencyTTL time.Duration
}

// RunRequest asks for one pipeline. RequestID and TraceID are allocated when
// absent; Mode overrides the configured default when set.
type RunRequest struct {
	Symbol    string `json:"symbol"`
	Mode      string `json:"mode,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

// RunResult reports an admitted pipeline. Pipeline is populated in http mode
// only, where the stages ran synchronously.
type RunResult struct {
	RequestID string          `json:"requestId"`
	TraceID   string          `json:"traceId"`
	Mode      string          `json:"mode"`
	Pipeline  *PipelineResult `json:"pipeline,omitempty"`
}

// HaltedError rejects admission while the halt flag is up. It carries the
// PnL snapshot so callers can show why.
type HaltedError struct {
	Status *pnl.Status
}

func (e *HaltedError) Error() string {
	return "pipeline admission rejected: trading halted"
}

// Service is the orchestrator.
type Service struct {
	broker   Broker
	ledger   *pnl.Ledger
	auditor  Auditor
	pending  *PendingCache
	pipeline *HTTPPipeline
	metrics  *metrics.Registry
	cfg      Config
	log      zerolog.Logger
}

// NewService creates the orchestrator. pipeline may be nil when http mode is
// never used.
func NewService(b Broker, ledger *pnl.Ledger, auditor Auditor, pipeline *HTTPPipeline, reg *metrics.Registry, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		broker:   b,
		ledger:   ledger,
		auditor:  auditor,
		pending:  NewPendingCache(b, log),
		pipeline: pipeline,
		metrics:  reg,
		cfg:      cfg,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Pending exposes the in-flight cache, for observability.
func (s *Service) Pending() *PendingCache { return s.pending }

// Run re-adopts checkpointed pipelines, then executes the three consumer
// loops and their pending monitors until ctx ends.
func (s *Service) Run(ctx context.Context) {
	s.pending.Load(ctx)

	configs := []stream.ConsumerConfig{
		s.signalConsumerConfig(),
		s.riskResponseConsumerConfig(),
		s.orderStatusConsumerConfig(),
	}

	var tasks conc.WaitGroup
	for _, cfg := range configs {
		consumer := stream.NewConsumer(s.broker, s.metrics, cfg, s.log)
		monitor := stream.NewPendingMonitor(s.broker, consumer.Stream(), consumer.Group(), 0, s.recordPending, s.log)
		tasks.Go(func() { consumer.Run(ctx) })
		tasks.Go(func() { monitor.Run(ctx) })
	}
	tasks.Wait()
}

func (s *Service) signalConsumerConfig() stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:      domain.StreamSignals,
		Group:       domain.GroupOrchestrator,
		Handler:     s.handleSignal,
		Idempotency: requestIDIdempotency(s.cfg.IdempotencyTTL),
		DLQStream:   domain.DLQStream(domain.StreamSignals),
		MaxFailures: s.cfg.MaxFailures,
	}
}

func (s *Service) riskResponseConsumerConfig() stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:      domain.StreamRiskResponses,
		Group:       domain.GroupOrchestrator,
		Handler:     s.handleRiskResponse,
		Idempotency: requestIDIdempotency(s.cfg.IdempotencyTTL),
		DLQStream:   domain.DLQStream(domain.StreamRiskResponses),
		MaxFailures: s.cfg.MaxFailures,
	}
}

func (s *Service) orderStatusConsumerConfig() stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:  domain.StreamOrderStatus,
		Group:   domain.GroupOrchestrator,
		Handler: s.handleOrderStatus,
		Idempotency: &stream.Idempotency{
			KeyFn: func(payload map[string]any) string {
				id, _ := payload["orderId"].(string)
				return id
			},
			TTL: s.cfg.IdempotencyTTL,
		},
		DLQStream:   domain.DLQStream(domain.StreamOrderStatus),
		MaxFailures: s.cfg.MaxFailures,
	}
}

func requestIDIdempotency(ttl time.Duration) *stream.Idempotency {
	return &stream.Idempotency{
		KeyFn: func(payload map[string]any) string {
			id, _ := payload["requestId"].(string)
			return id
		},
		TTL: ttl,
	}
}

func (s *Service) recordPending(streamName, group string, count int64) {
	s.metrics.SetGauge(metrics.PendingGauge(streamName, group), float64(count))
}

// Start admits one pipeline: the day is initialized, the halt flag checked,
// correlation ids allocated, and the pipeline originated in the resolved
// mode. Halted days answer with a HaltedError carrying the PnL snapshot.
func (s *Service) Start(ctx context.Context, req RunRequest) (*RunResult, error) {
	snapshot, err := s.ledger.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pnl status: %w", err)
	}
	if snapshot.Halted {
		return nil, &HaltedError{Status: snapshot}
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = domain.NewRequestID()
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = domain.NewTraceID()
	}
	mode := s.resolveMode(req.Mode)

	s.metrics.Inc(metrics.PipelinesStarted)
	s.audit(audit.Event{
		Type:      audit.TypePipelineStarted,
		RequestID: requestID,
		TraceID:   traceID,
		Symbol:    req.Symbol,
		Detail:    map[string]any{"mode": mode},
	})
	s.log.Info().
		Str("request_id", requestID).
		Str("symbol", req.Symbol).
		Str("mode", mode).
		Msg("Pipeline admitted")

	result := &RunResult{RequestID: requestID, TraceID: traceID, Mode: mode}

	if mode == config.ModeHTTP {
		pipeline, err := s.pipeline.Run(ctx, req.Symbol, requestID, traceID, s.cfg.OrderQty)
		if err != nil {
			return nil, err
		}
		result.Pipeline = pipeline
		return result, nil
	}

	cmd := domain.Command{
		Type:      domain.CommandAnalyze,
		Symbol:    req.Symbol,
		RequestID: requestID,
		TraceID:   traceID,
		TS:        domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamCommands, cmd); err != nil {
		return nil, fmt.Errorf("append analyze command: %w", err)
	}
	return result, nil
}

// resolveMode picks the pipeline mode: an explicit request mode wins,
// otherwise COMM_MODE=http defaults to http and everything else to pubsub.
func (s *Service) resolveMode(requested string) string {
	switch requested {
	case config.ModePubSub, config.ModeHTTP:
		return requested
	}
	if s.cfg.CommMode == config.ModeHTTP {
		return config.ModeHTTP
	}
	return config.ModePubSub
}

// handleSignal turns one signal into a risk request, remembering the
// pipeline so the verdict can be forwarded into an order.
func (s *Service) handleSignal(ctx context.Context, msg stream.Message) error {
	var sig domain.Signal
	if err := domain.DecodeInto(msg.Payload, &sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	s.pending.Put(ctx, sig.RequestID, PendingPipeline{
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Confidence: sig.Confidence,
		TraceID:    sig.TraceID,
	})

	req := domain.RiskRequest{
		RequestID:  sig.RequestID,
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Confidence: sig.Confidence,
		TraceID:    sig.TraceID,
		TS:         domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamRiskRequests, req); err != nil {
		return fmt.Errorf("append risk request: %w", err)
	}

	s.log.Debug().
		Str("request_id", sig.RequestID).
		Str("symbol", sig.Symbol).
		Str("side", sig.Side).
		Msg("Signal forwarded to risk")
	return nil
}

// handleRiskResponse forwards an approving verdict into an order. Rejections
// terminate the pipeline; the risk manager already owns the operator
// notification for those.
func (s *Service) handleRiskResponse(ctx context.Context, msg stream.Message) error {
	var resp domain.RiskResponse
	if err := domain.DecodeInto(msg.Payload, &resp); err != nil {
		return fmt.Errorf("decode risk response: %w", err)
	}

	pipeline, found := s.pending.Take(ctx, resp.RequestID)

	if !resp.OK {
		s.metrics.Inc(metrics.PipelinesRejected)
		s.audit(audit.Event{
			Type:      audit.TypeRiskRejected,
			RequestID: resp.RequestID,
			TraceID:   resp.TraceID,
			Symbol:    pipeline.Symbol,
			Detail:    map[string]any{"reason": resp.Reason},
		})
		s.log.Info().
			Str("request_id", resp.RequestID).
			Str("reason", resp.Reason).
			Msg("Pipeline rejected by risk")
		return nil
	}

	if !found {
		// The soft cache lost this pipeline, likely across a restart older
		// than the adoption window. The pipeline stalls here by design.
		s.log.Warn().
			Str("request_id", resp.RequestID).
			Msg("Approved response without pending pipeline, cannot compose order")
		return nil
	}

	order := domain.Order{
		OrderID: resp.RequestID,
		Symbol:  pipeline.Symbol,
		Side:    pipeline.Side,
		Qty:     s.cfg.OrderQty,
		TraceID: resp.TraceID,
		TS:      domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamOrders, order); err != nil {
		// Restore the pipeline so the retry can compose the order again.
		s.pending.Put(ctx, resp.RequestID, pipeline)
		return fmt.Errorf("append order: %w", err)
	}

	s.audit(audit.Event{
		Type:      audit.TypeOrderPlaced,
		RequestID: resp.RequestID,
		TraceID:   resp.TraceID,
		Symbol:    pipeline.Symbol,
		Detail:    map[string]any{"side": pipeline.Side, "qty": s.cfg.OrderQty},
	})
	s.log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Msg("Order submitted")
	return nil
}

// handleOrderStatus settles terminal fills into the ledger and crosses the
// halt threshold when the day's target is reached. The idempotency claim on
// orderId makes the increment and the order_filled audit row exactly-once
// per order under redelivery.
func (s *Service) handleOrderStatus(ctx context.Context, msg stream.Message) error {
	var status domain.OrderStatus
	if err := domain.DecodeInto(msg.Payload, &status); err != nil {
		return fmt.Errorf("decode order status: %w", err)
	}

	if !domain.TerminalStatus(status.Status) {
		s.log.Debug().
			Str("order_id", status.OrderID).
			Str("status", status.Status).
			Msg("Ignoring non-terminal order status")
		return nil
	}

	if status.Status != domain.StatusFilled {
		s.metrics.Inc(metrics.PipelinesRejected)
		s.audit(audit.Event{
			Type:      audit.TypeOrderRejected,
			RequestID: status.OrderID,
			TraceID:   status.TraceID,
			Symbol:    status.Symbol,
			Detail:    map[string]any{"status": status.Status, "error": status.Error},
		})

		event := domain.Event{
			Type:      domain.EventOrderRejected,
			Severity:  domain.SeverityWarning,
			Message:   fmt.Sprintf("Order %s for %s ended %s", status.OrderID, status.Symbol, status.Status),
			Context:   map[string]any{"orderId": status.OrderID, "status": status.Status},
			RequestID: status.OrderID,
			TraceID:   status.TraceID,
			TS:        domain.Now(),
		}
		if _, err := stream.Append(ctx, s.broker, domain.StreamNotify, event); err != nil {
			return fmt.Errorf("append order rejection notification: %w", err)
		}
		return nil
	}

	profit := 0.0
	if status.Profit != nil {
		profit = *status.Profit
	}

	// Everything before the increment may fail and retry safely; everything
	// after it is absorbed, because a retry would double-count the fill.
	snapshot, err := s.ledger.Increment(ctx, profit)
	if err != nil {
		return fmt.Errorf("settle fill %s: %w", status.OrderID, err)
	}

	s.metrics.Inc(metrics.PipelinesSettled)
	s.audit(audit.Event{
		Type:      audit.TypeOrderFilled,
		RequestID: status.OrderID,
		TraceID:   status.TraceID,
		Symbol:    status.Symbol,
		Detail:    map[string]any{"profit": profit, "realized": snapshot.Realized, "percent": snapshot.Percent},
	})
	s.log.Info().
		Str("order_id", status.OrderID).
		Float64("profit", profit).
		Float64("realized", snapshot.Realized).
		Float64("percent", snapshot.Percent).
		Msg("Fill settled")

	if !snapshot.Halted && snapshot.TargetReached() {
		s.haltOnTarget(ctx, status, snapshot)
	}
	return nil
}

// haltOnTarget flips the halt flag, then announces it: the flag write comes
// first so admission rejects new pipelines even if the announcements fail.
func (s *Service) haltOnTarget(ctx context.Context, status domain.OrderStatus, snapshot *pnl.Status) {
	if err := s.ledger.SetHalted(ctx, true); err != nil {
		s.log.Error().Err(err).Msg("Failed to set halt flag at daily target, will retry on next fill")
		return
	}
	s.metrics.SetGauge(metrics.GaugeHalted, 1)
	s.audit(audit.Event{
		Type:    audit.TypeHaltSet,
		TraceID: status.TraceID,
		Detail:  map[string]any{"reason": HaltReasonTarget, "percent": snapshot.Percent},
	})
	s.log.Info().
		Float64("percent", snapshot.Percent).
		Float64("target", snapshot.DailyTargetPct).
		Msg("Daily target reached, trading halted")

	cmd := domain.Command{
		Type:    domain.CommandHalt,
		Reason:  HaltReasonTarget,
		TraceID: status.TraceID,
		TS:      domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamCommands, cmd); err != nil {
		s.log.Error().Err(err).Msg("Failed to append halt command")
	}

	event := domain.Event{
		Type:     domain.EventDailyTarget,
		Severity: domain.SeverityInfo,
		Message:  fmt.Sprintf("Daily target reached: %.2f%% of %.2f%%", snapshot.Percent, snapshot.DailyTargetPct),
		Context:  map[string]any{"realized": snapshot.Realized, "percent": snapshot.Percent},
		TraceID:  status.TraceID,
		TS:       domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamNotify, event); err != nil {
		s.log.Error().Err(err).Msg("Failed to append daily target notification")
	}
}

// audit writes one trail event, logging failures instead of propagating
// them. The trail must never take a pipeline down with it.
func (s *Service) audit(e audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(e); err != nil {
		s.log.Error().Err(err).Str("type", e.Type).Msg("Audit record failed")
	}
}
