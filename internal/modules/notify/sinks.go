package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aristath/pitboss/internal/domain"
)

// Sink delivers one event to an outbound destination. A returned error
// engages the consumer's retry and dead-letter handling.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event domain.Event) error
}

// SinkRoute binds a sink to the lowest severity it receives.
type SinkRoute struct {
	Sink Sink
	Min  string
}

// severityRank orders severities for routing. Unknown severities rank as
// info so they are never silently dropped from the log sink.
func severityRank(severity string) int {
	switch severity {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// LogSink renders events into the service log. It never fails.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("sink", "log").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, event domain.Event) error {
	var entry *zerolog.Event
	switch event.Severity {
	case domain.SeverityCritical:
		entry = s.log.Error()
	case domain.SeverityWarning:
		entry = s.log.Warn()
	default:
		entry = s.log.Info()
	}

	entry.Str("type", event.Type).
		Str("request_id", event.RequestID).
		Str("trace_id", event.TraceID).
		Fields(map[string]any{"context": event.Context}).
		Msg(event.Message)
	return nil
}

// WebhookSink POSTs events as JSON to a configured endpoint. Deliveries
// pass a rate limiter so bursts cannot flood the receiver.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewWebhookSink creates a webhook sink sending at most perSec events per
// second.
func NewWebhookSink(url string, perSec float64, log zerolog.Logger) *WebhookSink {
	if perSec <= 0 {
		perSec = 5
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		log:     log.With().Str("sink", "webhook").Logger(),
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, event domain.Event) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate wait: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.log.Debug().Str("type", event.Type).Msg("Webhook delivered")
	return nil
}
