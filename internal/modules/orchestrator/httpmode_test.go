package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/domain"
)

const stubToken = "agent-secret"

// agentStub serves the three agent endpoints with canned answers. Every
// endpoint demands the admin token, like the real server does.
type agentStub struct {
	signal   domain.Signal
	verdict  domain.RiskResponse
	status   domain.OrderStatus
	orders   []domain.Order
	failWith int // non-zero makes /agents/exec/order answer this code
}

func (a *agentStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents/analyze", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(a.signal)
	})
	mux.HandleFunc("POST /agents/risk/evaluate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(a.verdict)
	})
	mux.HandleFunc("POST /agents/exec/order", func(w http.ResponseWriter, r *http.Request) {
		if a.failWith != 0 {
			http.Error(w, "venue unavailable", a.failWith)
			return
		}
		var order domain.Order
		require.NoError(t, json.NewDecoder(r.Body).Decode(&order))
		a.orders = append(a.orders, order)
		json.NewEncoder(w).Encode(a.status)
	})

	gated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(adminTokenHeader) != stubToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(gated)
	t.Cleanup(srv.Close)
	return srv
}

func newStubPipeline(t *testing.T, stub *agentStub) *HTTPPipeline {
	t.Helper()
	srv := stub.server(t)
	return NewHTTPPipeline(srv.URL, srv.URL, srv.URL, stubToken, zerolog.Nop())
}

func TestHTTPPipeline_FullRun(t *testing.T) {
	stub := &agentStub{
		signal:  domain.Signal{RequestID: "req-1", Symbol: "BTC-USD", Side: "buy", Confidence: 0.8},
		verdict: domain.RiskResponse{RequestID: "req-1", OK: true},
		status:  domain.OrderStatus{OrderID: "req-1", Status: domain.StatusFilled, Profit: domain.Float64Ptr(3)},
	}
	pipeline := newStubPipeline(t, stub)

	result, err := pipeline.Run(context.Background(), "BTC-USD", "req-1", "trace-1", 2)
	require.NoError(t, err)

	assert.Equal(t, "buy", result.Signal.Side)
	assert.True(t, result.Risk.OK)
	require.NotNil(t, result.Order)
	assert.Equal(t, domain.StatusFilled, result.Order.Status)

	require.Len(t, stub.orders, 1)
	assert.Equal(t, "req-1", stub.orders[0].OrderID)
	assert.Equal(t, "BTC-USD", stub.orders[0].Symbol)
	assert.Equal(t, 2.0, stub.orders[0].Qty)
}

func TestHTTPPipeline_RiskRejectionCompletesWithoutOrder(t *testing.T) {
	stub := &agentStub{
		signal:  domain.Signal{RequestID: "req-1", Symbol: "BTC-USD", Side: "sell", Confidence: 0.1},
		verdict: domain.RiskResponse{RequestID: "req-1", OK: false, Reason: "low_confidence"},
	}
	pipeline := newStubPipeline(t, stub)

	result, err := pipeline.Run(context.Background(), "BTC-USD", "req-1", "trace-1", 1)
	require.NoError(t, err, "a rejection is a completed run")

	assert.False(t, result.Risk.OK)
	assert.Equal(t, "low_confidence", result.Risk.Reason)
	assert.Nil(t, result.Order)
	assert.Empty(t, stub.orders)
}

func TestHTTPPipeline_ExecuteFailureNamesStage(t *testing.T) {
	stub := &agentStub{
		signal:   domain.Signal{RequestID: "req-1", Symbol: "BTC-USD", Side: "buy", Confidence: 0.9},
		verdict:  domain.RiskResponse{RequestID: "req-1", OK: true},
		failWith: http.StatusBadGateway,
	}
	pipeline := newStubPipeline(t, stub)

	_, err := pipeline.Run(context.Background(), "BTC-USD", "req-1", "trace-1", 1)
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, "execute", pipeErr.Stage)
}

func TestHTTPPipeline_AnalyzeFailureNamesStage(t *testing.T) {
	// No server behind the analyst URL.
	pipeline := NewHTTPPipeline("http://127.0.0.1:1", "http://127.0.0.1:1", "http://127.0.0.1:1", stubToken, zerolog.Nop())

	_, err := pipeline.Run(context.Background(), "BTC-USD", "req-1", "trace-1", 1)
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, "analyze", pipeErr.Stage)
}

func TestHTTPPipeline_MissingTokenIsRejectedAtFirstHop(t *testing.T) {
	stub := &agentStub{
		signal:  domain.Signal{RequestID: "req-1", Symbol: "BTC-USD", Side: "buy", Confidence: 0.8},
		verdict: domain.RiskResponse{RequestID: "req-1", OK: true},
	}
	srv := stub.server(t)
	pipeline := NewHTTPPipeline(srv.URL, srv.URL, srv.URL, "", zerolog.Nop())

	_, err := pipeline.Run(context.Background(), "BTC-USD", "req-1", "trace-1", 1)
	var pipeErr *PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, "analyze", pipeErr.Stage)
	assert.Contains(t, pipeErr.Error(), "401")
	assert.Empty(t, stub.orders)
}
