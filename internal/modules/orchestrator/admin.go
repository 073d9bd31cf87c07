package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/pitboss/internal/audit"
	"github.com/aristath/pitboss/internal/broker"
	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/pnl"
	"github.com/aristath/pitboss/internal/stream"
)

// Admin operation errors, translated to HTTP codes by the server layer.
var (
	// ErrDLQEntryNotFound answers a requeue for an id the DLQ does not hold.
	ErrDLQEntryNotFound = errors.New("orchestrator: dlq entry not found")

	// ErrInvalidDLQFormat answers a requeue of an entry without the
	// originalStream/payload wrapping.
	ErrInvalidDLQFormat = errors.New("orchestrator: invalid dlq entry format")
)

// DLQEntryView is one decoded dead-letter entry as served to operators.
type DLQEntryView struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

// Stop broadcasts a halt command without raising the halt flag: consumers
// wind down in-flight work while admission stays open.
func (s *Service) Stop(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "stop_requested"
	}

	cmd := domain.Command{
		Type:    domain.CommandHalt,
		Reason:  reason,
		TraceID: domain.NewTraceID(),
		TS:      domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamCommands, cmd); err != nil {
		return fmt.Errorf("append halt command: %w", err)
	}

	s.log.Info().Str("reason", reason).Msg("Stop command broadcast")
	return nil
}

// Halt raises the halt flag and announces it on the command stream and to
// operators. New pipeline admission stops immediately.
func (s *Service) Halt(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "manual"
	}

	if err := s.ledger.SetHalted(ctx, true); err != nil {
		return err
	}
	s.metrics.SetGauge(metrics.GaugeHalted, 1)
	s.audit(audit.Event{
		Type:   audit.TypeHaltSet,
		Detail: map[string]any{"reason": reason},
	})

	cmd := domain.Command{
		Type:    domain.CommandHalt,
		Reason:  reason,
		TraceID: domain.NewTraceID(),
		TS:      domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamCommands, cmd); err != nil {
		return fmt.Errorf("append halt command: %w", err)
	}

	event := domain.Event{
		Type:     domain.EventHaltSet,
		Severity: domain.SeverityWarning,
		Message:  fmt.Sprintf("Trading halted: %s", reason),
		Context:  map[string]any{"reason": reason},
		TraceID:  cmd.TraceID,
		TS:       domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamNotify, event); err != nil {
		return fmt.Errorf("append halt notification: %w", err)
	}

	s.log.Warn().Str("reason", reason).Msg("Trading halted by operator")
	return nil
}

// Unhalt clears the halt flag, reopening admission for the rest of the day.
func (s *Service) Unhalt(ctx context.Context) error {
	if err := s.ledger.SetHalted(ctx, false); err != nil {
		return err
	}
	s.metrics.SetGauge(metrics.GaugeHalted, 0)
	s.audit(audit.Event{Type: audit.TypeHaltCleared})

	event := domain.Event{
		Type:     domain.EventHaltCleared,
		Severity: domain.SeverityInfo,
		Message:  "Trading halt cleared",
		TraceID:  domain.NewTraceID(),
		TS:       domain.Now(),
	}
	if _, err := stream.Append(ctx, s.broker, domain.StreamNotify, event); err != nil {
		return fmt.Errorf("append unhalt notification: %w", err)
	}

	s.log.Info().Msg("Trading halt cleared by operator")
	return nil
}

// ResetDay overwrites today's PnL record with the configured initial values.
func (s *Service) ResetDay(ctx context.Context) (*pnl.Status, error) {
	snapshot, err := s.ledger.Reset(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetGauge(metrics.GaugeHalted, 0)
	s.audit(audit.Event{
		Type:   audit.TypePnLReset,
		Detail: map[string]any{"startEquity": snapshot.StartEquity, "dailyTargetPct": snapshot.DailyTargetPct},
	})
	return snapshot, nil
}

// PnLStatus returns the current day's snapshot.
func (s *Service) PnLStatus(ctx context.Context) (*pnl.Status, error) {
	return s.ledger.Status(ctx)
}

// PendingSummary returns the broker's pending overview for (stream, group).
func (s *Service) PendingSummary(ctx context.Context, streamName, group string) (*broker.PendingSummary, error) {
	return s.broker.Pending(ctx, streamName, group)
}

// DLQList decodes up to count dead-letter entries in [start, end]. Empty
// bounds default to the stream extremes; count defaults to 50. Entries whose
// payload cannot be decoded are served with a nil payload rather than hidden.
func (s *Service) DLQList(ctx context.Context, dlqStream, start, end string, count int64) ([]DLQEntryView, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}
	if count <= 0 {
		count = 50
	}

	entries, err := s.broker.Range(ctx, dlqStream, start, end, count)
	if err != nil {
		return nil, fmt.Errorf("list dlq %s: %w", dlqStream, err)
	}

	views := make([]DLQEntryView, 0, len(entries))
	for _, e := range entries {
		payload, err := stream.DecodePayload(e.Values)
		if err != nil {
			s.log.Warn().Err(err).Str("entry_id", e.ID).Str("dlq", dlqStream).Msg("Undecodable DLQ entry")
		}
		views = append(views, DLQEntryView{ID: e.ID, Payload: payload})
	}
	return views, nil
}

// DLQRequeue moves one dead-lettered payload back onto its original stream
// and removes the DLQ entry. Returns the id the payload was re-appended
// under.
func (s *Service) DLQRequeue(ctx context.Context, dlqStream, id string) (string, error) {
	entries, err := s.broker.Range(ctx, dlqStream, id, id, 1)
	if err != nil {
		return "", fmt.Errorf("look up dlq entry %s: %w", id, err)
	}
	if len(entries) == 0 || entries[0].ID != id {
		return "", ErrDLQEntryNotFound
	}

	wrapped, err := stream.DecodePayload(entries[0].Values)
	if err != nil {
		return "", ErrInvalidDLQFormat
	}

	originalStream, _ := wrapped["originalStream"].(string)
	payload, _ := wrapped["payload"].(map[string]any)
	if originalStream == "" || payload == nil {
		return "", ErrInvalidDLQFormat
	}

	newID, err := stream.Append(ctx, s.broker, originalStream, payload)
	if err != nil {
		return "", fmt.Errorf("requeue to %s: %w", originalStream, err)
	}

	if _, err := s.broker.DeleteEntries(ctx, dlqStream, id); err != nil {
		// The payload is already back on its stream; a leftover DLQ entry is
		// an operator nuisance, not a correctness problem.
		s.log.Error().Err(err).Str("entry_id", id).Str("dlq", dlqStream).Msg("Failed to delete requeued DLQ entry")
	}

	s.audit(audit.Event{
		Type: audit.TypeDLQRequeued,
		Detail: map[string]any{
			"dlqStream":      dlqStream,
			"dlqId":          id,
			"originalStream": originalStream,
			"requeuedId":     newID,
		},
	})
	s.log.Info().
		Str("dlq", dlqStream).
		Str("entry_id", id).
		Str("stream", originalStream).
		Str("requeued_id", newID).
		Msg("DLQ entry requeued")
	return newID, nil
}
