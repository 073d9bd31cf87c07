package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/stream"
)

// Reconciliation defaults.
const (
	DefaultReconcileInterval = 30 * time.Second
	DefaultStaleAfter        = 120 * time.Second
)

// Reconciler periodically scans persisted orders and raises a single
// exec_order_stale warning for each order stuck outside a terminal state.
type Reconciler struct {
	broker     stream.Broker
	orders     *OrderStore
	metrics    *metrics.Registry
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewReconciler creates a reconciler. Zero durations take the defaults.
func NewReconciler(b stream.Broker, orders *OrderStore, reg *metrics.Registry, interval, staleAfter time.Duration, log zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reconciler{
		broker:     b,
		orders:     orders,
		metrics:    reg,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "reconciler").Logger(),
		now:        time.Now,
	}
}

// Run sweeps on the configured interval until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error().Err(err).Msg("Reconciliation sweep failed")
			}
		}
	}
}

// Sweep scans all orders once and returns how many stale warnings went out.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	records, err := r.orders.All(ctx)
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, record := range records {
		if record.Terminal() || record.StaleNotified {
			continue
		}

		received, err := time.Parse(domain.TimestampLayout, record.ReceivedTS)
		if err != nil {
			r.log.Warn().Str("order_id", record.OrderID).Str("received_ts", record.ReceivedTS).
				Msg("Order record has unreadable received_ts")
			continue
		}
		age := r.now().Sub(received)
		if age < r.staleAfter {
			continue
		}

		if err := r.flagStale(ctx, record, age); err != nil {
			r.log.Error().Err(err).Str("order_id", record.OrderID).Msg("Failed to flag stale order")
			continue
		}
		flagged++
	}

	if flagged > 0 {
		r.log.Info().Int("flagged", flagged).Msg("Stale orders flagged")
	}
	return flagged, nil
}

// flagStale emits the warning and marks the order so it never fires twice.
func (r *Reconciler) flagStale(ctx context.Context, record *OrderRecord, age time.Duration) error {
	event := domain.Event{
		Type:     domain.EventOrderStale,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Order %s has no terminal status after %s", record.OrderID, age.Round(time.Second)),
		Context: map[string]any{
			"orderId":     record.OrderID,
			"symbol":      record.Symbol,
			"side":        record.Side,
			"age_seconds": int(age.Seconds()),
		},
		RequestID: record.OrderID,
		TS:        domain.Now(),
	}
	if _, err := stream.Append(ctx, r.broker, domain.StreamNotify, event); err != nil {
		return fmt.Errorf("append stale warning: %w", err)
	}

	if err := r.orders.MarkStaleNotified(ctx, record.OrderID); err != nil {
		return err
	}

	r.metrics.Inc(metrics.StaleOrdersFlagged)
	return nil
}
