// Package executor consumes exec.orders, places each order through the
// configured exchange adapter and reports fills on exec.status. A
// reconciliation loop flags orders that never reached a terminal state.
package executor

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

// Config tunes the executor consumer and its reconciliation loop.
type Config struct {
	ProfitPerTrade    float64
	MaxFailures       int
	IdempotencyTTL    time.Duration
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
}

// Service is the trade executor.
type Service struct {
	broker  stream.Broker
	orders  *OrderStore
	adapter domain.ExchangeAdapter
	metrics *metrics.Registry
	cfg     Config
	log     zerolog.Logger
}

// NewService creates the executor.
func NewService(b stream.Broker, orders *OrderStore, adapter domain.ExchangeAdapter, reg *metrics.Registry, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		broker:  b,
		orders:  orders,
		adapter: adapter,
		metrics: reg,
		cfg:     cfg,
		log:     log.With().Str("component", "executor").Logger(),
	}
}

// Run executes the consumer loop, its pending monitor and the reconciler
// until ctx ends.
func (s *Service) Run(ctx context.Context) {
	consumer := stream.NewConsumer(s.broker, s.metrics, s.consumerConfig(), s.log)
	monitor := stream.NewPendingMonitor(s.broker, consumer.Stream(), consumer.Group(), 0, s.recordPending, s.log)
	reconciler := NewReconciler(s.broker, s.orders, s.metrics, s.cfg.ReconcileInterval, s.cfg.StaleAfter, s.log)

	var tasks conc.WaitGroup
	tasks.Go(func() { consumer.Run(ctx) })
	tasks.Go(func() { monitor.Run(ctx) })
	tasks.Go(func() { reconciler.Run(ctx) })
	tasks.Wait()
}

func (s *Service) consumerConfig() stream.ConsumerConfig {
	return stream.ConsumerConfig{
		Stream:  domain.StreamOrders,
		Group:   domain.GroupExec,
		Handler: s.handleOrder,
		Idempotency: &stream.Idempotency{
			KeyFn: func(payload map[string]any) string {
				id, _ := payload["orderId"].(string)
				return id
			},
			TTL: s.cfg.IdempotencyTTL,
		},
		DLQStream:   domain.DLQStream(domain.StreamOrders),
		MaxFailures: s.cfg.MaxFailures,
	}
}

func (s *Service) recordPending(streamName, group string, count int64) {
	s.metrics.SetGauge(metrics.PendingGauge(streamName, group), float64(count))
}

// handleOrder places one delivered order.
func (s *Service) handleOrder(ctx context.Context, msg stream.Message) error {
	var order domain.Order
	if err := domain.DecodeInto(msg.Payload, &order); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}

	_, err := s.Execute(ctx, order)
	return err
}

// Execute places one order and reports the outcome on exec.status. The
// terminal-state check makes it safe under redelivery and shared between the
// stream consumer and the synchronous agent endpoint: a repeated order id
// answers with the recorded terminal status instead of reaching the venue
// again.
func (s *Service) Execute(ctx context.Context, order domain.Order) (*domain.OrderStatus, error) {
	record, err := s.orders.Get(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Terminal() {
		s.log.Info().
			Str("order_id", order.OrderID).
			Str("status", record.LastStatus.Status).
			Msg("Duplicate order skipped, already terminal")
		return record.LastStatus, nil
	}

	if err := s.orders.PutInitial(ctx, order, domain.Now()); err != nil {
		return nil, err
	}

	result, err := s.adapter.PlaceOrder(ctx, domain.OrderRequest{
		OrderID: order.OrderID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Qty:     order.Qty,
	})
	if err != nil {
		return nil, fmt.Errorf("place order %s at %s: %w", order.OrderID, s.adapter.Name(), err)
	}

	status := s.composeStatus(order, result)
	if err := s.orders.PutStatus(ctx, order.OrderID, status); err != nil {
		return nil, err
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamOrderStatus, status); err != nil {
		return nil, fmt.Errorf("append order status: %w", err)
	}

	if status.Status == domain.StatusFilled {
		s.metrics.Inc(metrics.OrdersFilled)
		s.log.Info().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Float64("price", result.Price).
			Float64("fee", result.Fee).
			Msg("Order filled")
	} else {
		s.metrics.Inc(metrics.OrdersRejected)
		s.log.Warn().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Msg("Order rejected by venue")
	}

	return &status, nil
}

func (s *Service) composeStatus(order domain.Order, result *domain.OrderResult) domain.OrderStatus {
	status := domain.OrderStatus{
		OrderID: order.OrderID,
		Symbol:  order.Symbol,
		Side:    order.Side,
		Qty:     order.Qty,
		TraceID: order.TraceID,
		TS:      domain.Now(),
	}

	if !result.Filled {
		status.Status = domain.StatusRejected
		return status
	}

	profit := s.cfg.ProfitPerTrade - result.Fee
	status.Status = domain.StatusFilled
	status.Profit = &profit
	status.Fee = &result.Fee
	status.Price = &result.Price
	return status
}
