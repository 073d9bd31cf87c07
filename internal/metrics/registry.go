// Package metrics keeps in-process counters and gauges. The admin surface
// serves the snapshot as JSON; there is no scrape endpoint.
package metrics

import "sync"

// Counter names.
const (
	PipelinesStarted       = "pipelines_started"
	PipelinesSettled       = "pipelines_settled"
	PipelinesRejected      = "pipelines_rejected"
	RiskApproved           = "risk_approved"
	RiskRejected           = "risk_rejected"
	SignalsEmitted         = "signals_emitted"
	OrdersFilled           = "orders_filled"
	OrdersRejected         = "orders_rejected"
	StaleOrdersFlagged     = "stale_orders_flagged"
	DLQMoves               = "dlq_moves"
	DuplicatesSuppressed   = "duplicates_suppressed"
	NotificationsDelivered = "notifications_delivered"
	NotificationsFailed    = "notifications_failed"
)

// Gauge names.
const (
	GaugeHalted    = "halted"
	GaugeWSClients = "notify_ws_clients"
)

// PendingGauge names the pending-count gauge for one (stream, group).
func PendingGauge(stream, group string) string {
	return "pending:" + stream + ":" + group
}

// Registry is a concurrency-safe counter/gauge store.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// Inc adds one to a counter.
func (r *Registry) Inc(name string) {
	r.Add(name, 1)
}

// Add adds n to a counter.
func (r *Registry) Add(name string, n int64) {
	r.mu.Lock()
	r.counters[name] += n
	r.mu.Unlock()
}

// Counter reads a counter; absent counters read zero.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// SetGauge overwrites a gauge.
func (r *Registry) SetGauge(name string, v float64) {
	r.mu.Lock()
	r.gauges[name] = v
	r.mu.Unlock()
}

// Gauge reads a gauge; absent gauges read zero.
func (r *Registry) Gauge(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Snapshot copies the current state for serving.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		counters[k] = v
	}
	gauges := make(map[string]float64, len(r.gauges))
	for k, v := range r.gauges {
		gauges[k] = v
	}

	return map[string]any{
		"counters": counters,
		"gauges":   gauges,
	}
}
