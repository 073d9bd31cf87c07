package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/domain"
)

func TestWebhookSink_PostsEventAsJSON(t *testing.T) {
	var received domain.Event
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, 100, zerolog.Nop())
	err := sink.Deliver(context.Background(), domain.Event{
		Type: "risk_rejected", Severity: domain.SeverityWarning, Message: "Trade rejected",
	})
	require.NoError(t, err)
	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "risk_rejected", received.Type)
	assert.Equal(t, "Trade rejected", received.Message)
}

func TestWebhookSink_NonSuccessStatusFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sink := NewWebhookSink(server.URL, 100, zerolog.Nop())
	err := sink.Deliver(context.Background(), domain.Event{Type: "risk_rejected"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookSink_UnreachableEndpointFails(t *testing.T) {
	sink := NewWebhookSink("http://127.0.0.1:1", 100, zerolog.Nop())
	assert.Error(t, sink.Deliver(context.Background(), domain.Event{Type: "risk_rejected"}))
}

func TestLogSink_NeverFails(t *testing.T) {
	sink := NewLogSink(zerolog.Nop())
	for _, severity := range []string{domain.SeverityInfo, domain.SeverityWarning, domain.SeverityCritical, "unknown"} {
		assert.NoError(t, sink.Deliver(context.Background(), domain.Event{Type: "test", Severity: severity}))
	}
}

func TestSeverityRank(t *testing.T) {
	assert.Greater(t, severityRank(domain.SeverityCritical), severityRank(domain.SeverityWarning))
	assert.Greater(t, severityRank(domain.SeverityWarning), severityRank(domain.SeverityInfo))
	assert.Equal(t, severityRank(domain.SeverityInfo), severityRank("unknown"))
}
