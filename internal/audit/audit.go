// Package audit persists the trading audit trail: every pipeline decision
// and order lifecycle transition, queryable after the streams have been
// trimmed.
package audit

import (
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/domain"
)

// Audit event types.
const (
	TypePipelineStarted = "pipeline_started"
	TypeRiskApproved    = "risk_approved"
	TypeRiskRejected    = "risk_rejected"
	TypeOrderPlaced     = "order_placed"
	TypeOrderFilled     = "order_filled"
	TypeOrderRejected   = "order_rejected"
	TypeHaltSet         = "halt_set"
	TypeHaltCleared     = "halt_cleared"
	TypePnLReset        = "pnl_reset"
	TypeDLQRequeued     = "dlq_requeued"
)

// Event is one audit trail row.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	Symbol    string         `json:"symbol,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Repository handles audit database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an audit repository over the audit database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "audit").Logger(),
	}
}

// Record inserts one audit event. An empty timestamp is filled with now.
func (r *Repository) Record(e Event) error {
	if e.TS == "" {
		e.TS = domain.Now()
	}

	var detail any
	if len(e.Detail) > 0 {
		raw, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(raw)
	}

	query := `
		INSERT INTO audit_events (ts, event_type, request_id, trace_id, symbol, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		e.TS,
		e.Type,
		nullString(e.RequestID),
		nullString(e.TraceID),
		nullString(e.Symbol),
		detail,
	)
	if err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}

	r.log.Debug().Str("type", e.Type).Str("request_id", e.RequestID).Msg("Audit event recorded")
	return nil
}

// Recent returns the newest events, most recent first.
func (r *Repository) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, ts, event_type, request_id, trace_id, symbol, detail
		FROM audit_events
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// ByRequest returns a pipeline's events in insertion order.
func (r *Repository) ByRequest(requestID string) ([]Event, error) {
	query := `
		SELECT id, ts, event_type, request_id, trace_id, symbol, detail
		FROM audit_events
		WHERE request_id = ?
		ORDER BY id ASC
	`

	rows, err := r.db.Query(query, requestID)
	if err != nil {
		return nil, fmt.Errorf("query audit events by request: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// CountsByType returns how many events exist per type.
func (r *Repository) CountsByType() (map[string]int64, error) {
	rows, err := r.db.Query("SELECT event_type, COUNT(*) FROM audit_events GROUP BY event_type")
	if err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan audit count: %w", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit counts: %w", err)
	}
	return counts, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var requestID, traceID, symbol, detail sql.NullString

	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &requestID, &traceID, &symbol, &detail); err != nil {
		return Event{}, fmt.Errorf("scan audit event: %w", err)
	}

	e.RequestID = requestID.String
	e.TraceID = traceID.String
	e.Symbol = symbol.String
	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return Event{}, fmt.Errorf("decode audit detail: %w", err)
		}
	}
	return e, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
