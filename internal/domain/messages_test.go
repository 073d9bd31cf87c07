package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDLQStream(t *testing.T) {
	assert.Equal(t, "exec.orders.dlq", DLQStream(StreamOrders))
	assert.Equal(t, "notify.events.dlq", DLQStream(StreamNotify))
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusFilled, true},
		{StatusRejected, true},
		{StatusFailed, true},
		{StatusPending, false},
		{StatusCanceled, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, TerminalStatus(tt.status))
		})
	}
}

func TestEventAckID(t *testing.T) {
	withRequest := Event{Type: EventRiskRejected, RequestID: "req-1", TraceID: "trace-1", TS: "2026-01-02T00:00:00.000Z"}
	assert.Equal(t, "req-1", withRequest.AckID())

	withoutRequest := Event{Type: EventOrderStale, TraceID: "trace-2", TS: "2026-01-02T00:00:00.000Z"}
	assert.Equal(t, "exec_order_stale:trace-2:2026-01-02T00:00:00.000Z", withoutRequest.AckID())
}

func TestDecodeInto(t *testing.T) {
	payload := map[string]any{
		"requestId":  "req-1",
		"symbol":     "ETH-USD",
		"side":       "buy",
		"confidence": 0.75,
		"traceId":    "trace-1",
	}

	var sig Signal
	require.NoError(t, DecodeInto(payload, &sig))
	assert.Equal(t, "req-1", sig.RequestID)
	assert.Equal(t, "ETH-USD", sig.Symbol)
	assert.Equal(t, SideBuy, sig.Side)
	assert.Equal(t, 0.75, sig.Confidence)
}

func TestNow_FormatsUTCMilliseconds(t *testing.T) {
	ts := Now()
	parsed, err := time.Parse(TimestampLayout, ts)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, parsed.Location())
	assert.True(t, strings.HasSuffix(ts, "Z"))
}

func TestNewRequestID_SortsByTime(t *testing.T) {
	a := NewRequestID()
	time.Sleep(2 * time.Millisecond)
	b := NewRequestID()

	assert.NotEqual(t, a, b)
	assert.True(t, a < b, "ids carry a leading timestamp")
}

func TestNewTraceID_IsUUID(t *testing.T) {
	id := NewTraceID()
	assert.Len(t, id, 36)
	assert.Equal(t, 4, strings.Count(id, "-"))
}
