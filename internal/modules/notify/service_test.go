package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/stream"
	testingpkg "github.com/aristath/pitboss/internal/testing"
)

var _ Store = (*testingpkg.FakeBroker)(nil)

// recorderSink captures deliveries and fails on demand.
type recorderSink struct {
	mu     sync.Mutex
	name   string
	events []domain.Event
	err    error
}

func (r *recorderSink) Name() string { return r.name }

func (r *recorderSink) Deliver(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recorderSink) delivered() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestService(t *testing.T, routes []SinkRoute, cfg Config) (*Service, *stream.Consumer, *testingpkg.FakeBroker, *metrics.Registry) {
	t.Helper()

	fb := testingpkg.NewFakeBroker()
	reg := metrics.NewRegistry()
	svc := NewService(fb, fb, NewHub(reg), routes, reg, cfg, zerolog.Nop())
	consumer := stream.NewConsumer(fb, reg, svc.consumerConfig(), zerolog.Nop())
	require.NoError(t, fb.EnsureGroup(context.Background(), consumer.Stream(), consumer.Group()))
	return svc, consumer, fb, reg
}

func appendEvent(t *testing.T, fb *testingpkg.FakeBroker, event domain.Event) {
	t.Helper()
	_, err := stream.Append(context.Background(), fb, domain.StreamNotify, event)
	require.NoError(t, err)
}

func TestService_RecordsAndDelivers(t *testing.T) {
	ctx := context.Background()
	sink := &recorderSink{name: "recorder"}
	svc, consumer, fb, reg := newTestService(t, []SinkRoute{{Sink: sink, Min: domain.SeverityInfo}}, Config{})

	appendEvent(t, fb, domain.Event{
		Type: domain.EventDailyTarget, Severity: domain.SeverityInfo,
		Message: "Daily target reached", RequestID: "req-1", TS: domain.Now(),
	})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	require.Len(t, sink.delivered(), 1)
	assert.Equal(t, domain.EventDailyTarget, sink.delivered()[0].Type)

	recent, err := svc.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "req-1", recent[0].RequestID)
	assert.False(t, recent[0].Acked)

	assert.Equal(t, int64(1), reg.Counter(metrics.NotificationsDelivered))
}

func TestService_SeverityRouting(t *testing.T) {
	ctx := context.Background()
	always := &recorderSink{name: "log"}
	urgent := &recorderSink{name: "webhook"}
	_, consumer, fb, _ := newTestService(t, []SinkRoute{
		{Sink: always, Min: domain.SeverityInfo},
		{Sink: urgent, Min: domain.SeverityWarning},
	}, Config{})

	appendEvent(t, fb, domain.Event{Type: domain.EventDailyTarget, Severity: domain.SeverityInfo, RequestID: "req-1", TS: domain.Now()})
	appendEvent(t, fb, domain.Event{Type: domain.EventRiskRejected, Severity: domain.SeverityWarning, RequestID: "req-2", TS: domain.Now()})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	assert.Len(t, always.delivered(), 2)
	require.Len(t, urgent.delivered(), 1, "info events bypass the urgent sink")
	assert.Equal(t, domain.EventRiskRejected, urgent.delivered()[0].Type)
}

func TestService_SinkFailureEngagesRetryThenDLQ(t *testing.T) {
	ctx := context.Background()
	sink := &recorderSink{name: "recorder", err: errors.New("endpoint down")}
	_, consumer, fb, reg := newTestService(t, []SinkRoute{{Sink: sink, Min: domain.SeverityInfo}}, Config{MaxFailures: 2})

	appendEvent(t, fb, domain.Event{Type: domain.EventRiskRejected, Severity: domain.SeverityWarning, RequestID: "req-3", TS: domain.Now()})

	for i := 0; i < 3; i++ {
		_, err := consumer.Sweep(ctx)
		require.NoError(t, err)
	}

	assert.Len(t, fb.Entries(domain.DLQStream(domain.StreamNotify)), 1)
	assert.Equal(t, int64(2), reg.Counter(metrics.NotificationsFailed))
	assert.Equal(t, int64(0), reg.Counter(metrics.NotificationsDelivered))
}

func TestService_AckRoundTrip(t *testing.T) {
	ctx := context.Background()
	sink := &recorderSink{name: "recorder"}
	svc, consumer, fb, _ := newTestService(t, []SinkRoute{{Sink: sink, Min: domain.SeverityInfo}}, Config{})

	appendEvent(t, fb, domain.Event{Type: domain.EventRiskRejected, Severity: domain.SeverityWarning, RequestID: "req-4", TS: domain.Now()})
	appendEvent(t, fb, domain.Event{Type: domain.EventDailyTarget, Severity: domain.SeverityInfo, RequestID: "req-5", TS: domain.Now()})

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Ack(ctx, "req-4"))

	recent, err := svc.Recent(ctx)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	ackedByID := map[string]bool{}
	for _, event := range recent {
		ackedByID[event.RequestID] = event.Acked
	}
	assert.True(t, ackedByID["req-4"])
	assert.False(t, ackedByID["req-5"])
}

func TestService_AckRejectsEmptyID(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil, Config{})
	assert.Error(t, svc.Ack(context.Background(), ""))
}

func TestService_CompositeKeySuppressesRedelivery(t *testing.T) {
	ctx := context.Background()
	sink := &recorderSink{name: "recorder"}
	svc, consumer, fb, _ := newTestService(t, []SinkRoute{{Sink: sink, Min: domain.SeverityInfo}}, Config{})

	// No requestId: the ack id falls back to type:traceId:ts, which also
	// deduplicates redelivered copies.
	event := domain.Event{Type: domain.EventOrderStale, Severity: domain.SeverityWarning, TraceID: "trace-1", TS: "2026-03-09T12:00:00.000Z"}
	appendEvent(t, fb, event)
	appendEvent(t, fb, event)

	_, err := consumer.Sweep(ctx)
	require.NoError(t, err)

	assert.Len(t, sink.delivered(), 1)
	assert.Equal(t, 1, svc.ring.Len())
}

func TestService_ResolveTraceID(t *testing.T) {
	svc, _, _, _ := newTestService(t, nil, Config{})

	svc.ring.Add(domain.Event{Type: domain.EventRiskRejected, TraceID: "trace-1", RequestID: "req-1", TS: domain.Now()})
	svc.ring.Add(domain.Event{Type: domain.EventOrderStale, TraceID: "trace-2", TS: "2026-03-09T12:00:00.000Z"})

	assert.Equal(t, "req-1", svc.ResolveTraceID("trace-1"))
	assert.Equal(t, "exec_order_stale:trace-2:2026-03-09T12:00:00.000Z", svc.ResolveTraceID("trace-2"),
		"events without a requestId resolve to the composite ack id")
	assert.Empty(t, svc.ResolveTraceID("trace-unknown"))
	assert.Empty(t, svc.ResolveTraceID(""))
}

func TestEventAckIDFromPayload(t *testing.T) {
	assert.Equal(t, "req-1", eventAckID(map[string]any{"requestId": "req-1", "type": "x"}))
	assert.Equal(t, "exec_order_stale:trace-1:ts-1", eventAckID(map[string]any{
		"type": "exec_order_stale", "traceId": "trace-1", "ts": "ts-1",
	}))
	assert.Empty(t, eventAckID(map[string]any{}))
}
