package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// PendingMonitor periodically reports the pending-entry count for one
// (stream, group). Probe failures are swallowed; the gauge is best-effort.
type PendingMonitor struct {
	broker   Broker
	stream   string
	group    string
	interval time.Duration
	onCount  func(stream, group string, count int64)
	log      zerolog.Logger
}

// NewPendingMonitor builds a monitor invoking onCount every interval.
func NewPendingMonitor(b Broker, stream, group string, interval time.Duration, onCount func(stream, group string, count int64), log zerolog.Logger) *PendingMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &PendingMonitor{
		broker:   b,
		stream:   stream,
		group:    group,
		interval: interval,
		onCount:  onCount,
		log: log.With().
			Str("component", "pending_monitor").
			Str("stream", stream).
			Str("group", group).
			Logger(),
	}
}

// Run probes until ctx is cancelled.
func (m *PendingMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe performs one pending query and reports the count.
func (m *PendingMonitor) Probe(ctx context.Context) {
	summary, err := m.broker.Pending(ctx, m.stream, m.group)
	if err != nil {
		m.log.Debug().Err(err).Msg("Pending probe failed")
		return
	}
	m.onCount(m.stream, m.group, summary.Count)
}
