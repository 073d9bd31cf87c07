package domain

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Command types carried on orchestrator.commands
const (
	CommandAnalyze = "analyze"
	CommandHalt    = "halt"
)

// Order status values; everything except StatusPending is terminal
const (
	StatusFilled   = "filled"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
	StatusPending  = "pending"
	StatusCanceled = "canceled"
)

// Notification severities
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Notification event types
const (
	EventRiskRejected  = "risk_rejected"
	EventDailyTarget   = "daily_target_reached"
	EventOrderStale    = "exec_order_stale"
	EventOrderRejected = "order_rejected"
	EventHaltSet       = "orchestrator_halt"
	EventHaltCleared   = "orchestrator_unhalt"
)

// TerminalStatus reports whether an order status admits no further transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusFilled, StatusRejected, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Command is the payload on orchestrator.commands.
// type=analyze carries symbol+requestId; type=halt carries reason.
type Command struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	TraceID   string `json:"traceId"`
	TS        string `json:"ts"`
}

// Signal is the payload on analysis.signals.
type Signal struct {
	RequestID  string  `json:"requestId"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Confidence float64 `json:"confidence"`
	TraceID    string  `json:"traceId"`
	TS         string  `json:"ts"`
}

// RiskRequest is the payload on risk.requests.
type RiskRequest struct {
	RequestID  string  `json:"requestId"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Confidence float64 `json:"confidence"`
	TraceID    string  `json:"traceId"`
	TS         string  `json:"ts"`
}

// RiskResponse is the payload on risk.responses.
type RiskResponse struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	TraceID   string `json:"traceId"`
	TS        string `json:"ts"`
}

// Order is the payload on exec.orders. OrderID equals the pipeline requestId.
type Order struct {
	OrderID string  `json:"orderId"`
	Symbol  string  `json:"symbol"`
	Side    string  `json:"side"`
	Qty     float64 `json:"qty"`
	TraceID string  `json:"traceId"`
	TS      string  `json:"ts"`
}

// OrderStatus is the payload on exec.status. Profit, Fee and Price are
// pointers so an absent field survives the decode round-trip.
type OrderStatus struct {
	OrderID string   `json:"orderId"`
	Status  string   `json:"status"`
	Symbol  string   `json:"symbol,omitempty"`
	Side    string   `json:"side,omitempty"`
	Qty     float64  `json:"qty,omitempty"`
	Profit  *float64 `json:"profit,omitempty"`
	Fee     *float64 `json:"fee,omitempty"`
	Price   *float64 `json:"price,omitempty"`
	Error   string   `json:"error,omitempty"`
	TraceID string   `json:"traceId"`
	TS      string   `json:"ts"`
}

// Event is the payload on notify.events.
type Event struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	TS        string         `json:"ts"`
}

// AckID returns the identifier under which this event is acknowledged.
func (e Event) AckID() string {
	if e.RequestID != "" {
		return e.RequestID
	}
	return fmt.Sprintf("%s:%s:%s", e.Type, e.TraceID, e.TS)
}

// DLQEntry wraps a dead-lettered payload with its provenance.
type DLQEntry struct {
	OriginalStream string         `json:"originalStream"`
	Group          string         `json:"group"`
	ID             string         `json:"id"`
	Payload        map[string]any `json:"payload"`
	Error          string         `json:"error"`
	TS             string         `json:"ts"`
}

// DecodeInto converts a generic payload map into a typed message.
func DecodeInto(payload map[string]any, v any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Float64Ptr returns a pointer to v, for optional numeric message fields.
func Float64Ptr(v float64) *float64 {
	return &v
}
