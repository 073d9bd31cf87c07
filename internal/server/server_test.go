package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/pitboss/internal/audit"
	"github.com/aristath/pitboss/internal/config"
	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/modules/analyst"
	"github.com/aristath/pitboss/internal/modules/executor"
	"github.com/aristath/pitboss/internal/modules/notify"
	"github.com/aristath/pitboss/internal/modules/orchestrator"
	"github.com/aristath/pitboss/internal/modules/risk"
	"github.com/aristath/pitboss/internal/pnl"
	testingpkg "github.com/aristath/pitboss/internal/testing"
)

const testToken = "test-admin-token"

type serverHarness struct {
	srv    *Server
	fb     *testingpkg.FakeBroker
	ledger *pnl.Ledger
	orch   *orchestrator.Service
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	fb := testingpkg.NewFakeBroker()
	reg := metrics.NewRegistry()
	log := zerolog.Nop()

	db, cleanup := testingpkg.NewTestDB(t, "audit")
	t.Cleanup(cleanup)
	auditRepo := audit.NewRepository(db.Conn(), log)

	ledger := pnl.NewLedger(fb, pnl.Config{StartEquity: 1000, DailyTargetPct: 1}, log)
	orch := orchestrator.NewService(fb, ledger, auditRepo, nil, reg,
		orchestrator.Config{CommMode: config.ModePubSub, OrderQty: 1}, log)

	strategy, err := analyst.NewStrategy("static", log)
	require.NoError(t, err)
	feed := analyst.NewFeed("", nil, log)
	analystSvc := analyst.NewService(fb, strategy, feed, reg, analyst.Config{}, log)

	riskSvc := risk.NewService(fb, fb, reg, risk.Config{}, log)

	orders := executor.NewOrderStore(fb, log)
	execSvc := executor.NewService(fb, orders, testingpkg.NewMockExchange("paper"), reg,
		executor.Config{ProfitPerTrade: 10}, log)

	hub := notify.NewHub(reg)
	notifySvc := notify.NewService(fb, fb, hub, nil, reg, notify.Config{}, log)

	cfg := &config.Config{
		Port:       0,
		AdminToken: testToken,
		CommMode:   config.ModePubSub,
	}

	srv := New(Config{
		Log:          log,
		Config:       cfg,
		Orchestrator: orch,
		Analyst:      analystSvc,
		Risk:         riskSvc,
		Executor:     execSvc,
		Notify:       notifySvc,
		Audit:        auditRepo,
		Metrics:      reg,
		Broker:       fb,
		KV:           fb,
		AuditDB:      db,
	})

	return &serverHarness{srv: srv, fb: fb, ledger: ledger, orch: orch}
}

// do performs one request against the in-process router with the admin token.
func (h *serverHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.doWithToken(t, method, path, body, testToken)
}

func (h *serverHarness) doWithToken(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set(AdminTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestAuth_HealthIsOpen(t *testing.T) {
	h := newServerHarness(t)

	rec := h.doWithToken(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestAuth_TokenRequiredEverywhereElse(t *testing.T) {
	h := newServerHarness(t)

	for _, path := range []string{"/metrics", "/pnl/status", "/notify/recent", "/admin/audit/recent"} {
		rec := h.doWithToken(t, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := h.doWithToken(t, http.MethodPost, "/orchestrate/run", map[string]string{"symbol": "BTC-USD"}, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOrchestrateRun_Accepted(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/orchestrate/run", map[string]string{"symbol": "BTC-USD"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result orchestrator.RunResult
	decodeJSON(t, rec, &result)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, config.ModePubSub, result.Mode)

	assert.Len(t, h.fb.Entries(domain.StreamCommands), 1)
}

func TestOrchestrateRun_SymbolRequired(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/orchestrate/run", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrchestrateRun_ConflictWhileHalted(t *testing.T) {
	h := newServerHarness(t)
	require.NoError(t, h.ledger.SetHalted(context.Background(), true))

	rec := h.do(t, http.MethodPost, "/orchestrate/run", map[string]string{"symbol": "BTC-USD"})
	require.Equal(t, http.StatusConflict, rec.Code)

	var body struct {
		Error string      `json:"error"`
		PnL   *pnl.Status `json:"pnl"`
	}
	decodeJSON(t, rec, &body)
	assert.Equal(t, "halted", body.Error)
	require.NotNil(t, body.PnL)
	assert.True(t, body.PnL.Halted)
}

func TestOrchestrateStop_AppendsCommand(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/orchestrate/stop", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.fb.Entries(domain.StreamCommands), 1)

	halted, err := h.ledger.IsHalted(context.Background())
	require.NoError(t, err)
	assert.False(t, halted, "stop does not raise the halt flag")
}

func TestPnLStatusAndReset(t *testing.T) {
	h := newServerHarness(t)

	_, err := h.ledger.Increment(context.Background(), 5)
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/pnl/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status pnl.Status
	decodeJSON(t, rec, &status)
	assert.Equal(t, 5.0, status.Realized)

	rec = h.do(t, http.MethodPost, "/admin/pnl/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &status)
	assert.Zero(t, status.Realized)
}

func TestHaltUnhaltEndpoints(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/admin/orchestrate/halt", map[string]string{"reason": "drill"})
	assert.Equal(t, http.StatusOK, rec.Code)

	runRec := h.do(t, http.MethodPost, "/orchestrate/run", map[string]string{"symbol": "BTC-USD"})
	assert.Equal(t, http.StatusConflict, runRec.Code)

	rec = h.do(t, http.MethodPost, "/admin/orchestrate/unhalt", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	runRec = h.do(t, http.MethodPost, "/orchestrate/run", map[string]string{"symbol": "BTC-USD"})
	assert.Equal(t, http.StatusAccepted, runRec.Code)
}

func TestStreamsPending_RequiresParams(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodGet, "/admin/streams/pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/admin/streams/pending?stream=analysis.signals&group=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDLQEndpoints(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	dlq := domain.DLQStream(domain.StreamSignals)
	_, err := h.fb.Append(ctx, dlq, map[string]any{
		"data": `{"originalStream":"analysis.signals","group":"orchestrator","id":"5-0","payload":{"requestId":"req-1","symbol":"BTC-USD"},"error":"boom","ts":"t"}`,
	})
	require.NoError(t, err)
	dlqID := h.fb.Entries(dlq)[0].ID

	rec := h.do(t, http.MethodGet, "/admin/streams/dlq?stream=analysis.signals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Stream  string                      `json:"stream"`
		Entries []orchestrator.DLQEntryView `json:"entries"`
	}
	decodeJSON(t, rec, &listing)
	assert.Equal(t, dlq, listing.Stream)
	require.Len(t, listing.Entries, 1)

	rec = h.do(t, http.MethodPost, "/admin/streams/dlq/requeue", map[string]string{
		"dlqStream": dlq, "id": dlqID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, h.fb.Entries(domain.StreamSignals), 1)

	rec = h.do(t, http.MethodPost, "/admin/streams/dlq/requeue", map[string]string{
		"dlqStream": dlq, "id": "99-0",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNotifyAckAndRecent(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/admin/notify/ack", map[string]string{"requestId": "req-1"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/notify/ack", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/admin/notify/ack", map[string]string{"traceId": "trace-unknown"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/notify/recent", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events []notify.RecentEvent `json:"events"`
	}
	decodeJSON(t, rec, &body)
	assert.Empty(t, body.Events)
}

func TestAuditRecent(t *testing.T) {
	h := newServerHarness(t)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/admin/orchestrate/halt", nil).Code)

	rec := h.do(t, http.MethodGet, "/admin/audit/recent?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []audit.Event `json:"events"`
	}
	decodeJSON(t, rec, &body)
	require.NotEmpty(t, body.Events)
	assert.Equal(t, audit.TypeHaltSet, body.Events[0].Type)
}

func TestBackupNotConfigured(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/admin/backup", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAgentAnalyze(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/agents/analyze", map[string]string{
		"symbol": "BTC-USD", "requestId": "req-1", "traceId": "trace-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var sig domain.Signal
	decodeJSON(t, rec, &sig)
	assert.Equal(t, "req-1", sig.RequestID)
	assert.Equal(t, "BTC-USD", sig.Symbol)
	assert.NotEmpty(t, sig.Side)
}

func TestAgentRiskEvaluate(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/agents/risk/evaluate", domain.RiskRequest{
		RequestID: "req-1", Symbol: "BTC-USD", Side: "buy", Confidence: 0.9,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.RiskResponse
	decodeJSON(t, rec, &resp)
	assert.True(t, resp.OK)
}

func TestAgentExecOrder(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/agents/exec/order", domain.Order{
		OrderID: "req-1", Symbol: "BTC-USD", Side: "buy", Qty: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.OrderStatus
	decodeJSON(t, rec, &status)
	assert.Equal(t, domain.StatusFilled, status.Status)

	// The fill still travels the stream so settlement stays single-path.
	assert.Len(t, h.fb.Entries(domain.StreamOrderStatus), 1)
}

// TestHTTPPipeline_ThroughRouter drives the synchronous pipeline against the
// real router, so every hop crosses the token gate in front of /agents/*.
func TestHTTPPipeline_ThroughRouter(t *testing.T) {
	h := newServerHarness(t)

	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	pipeline := orchestrator.NewHTTPPipeline(ts.URL, ts.URL, ts.URL, testToken, zerolog.Nop())
	result, err := pipeline.Run(context.Background(), "BTC-USD", "req-e2e", "trace-e2e", 1)
	require.NoError(t, err)

	assert.Equal(t, "req-e2e", result.Signal.RequestID)
	assert.True(t, result.Risk.OK)
	require.NotNil(t, result.Order)
	assert.Equal(t, domain.StatusFilled, result.Order.Status)

	// The execute hop still lands its fill on the stream.
	assert.Len(t, h.fb.Entries(domain.StreamOrderStatus), 1)
}

// TestHTTPPipeline_ThroughRouter_NoToken proves the first hop is refused
// when the pipeline carries no admin token.
func TestHTTPPipeline_ThroughRouter_NoToken(t *testing.T) {
	h := newServerHarness(t)

	ts := httptest.NewServer(h.srv.Handler())
	t.Cleanup(ts.Close)

	pipeline := orchestrator.NewHTTPPipeline(ts.URL, ts.URL, ts.URL, "", zerolog.Nop())
	_, err := pipeline.Run(context.Background(), "BTC-USD", "req-e2e", "trace-e2e", 1)

	var pipeErr *orchestrator.PipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, "analyze", pipeErr.Stage)
	assert.Empty(t, h.fb.Entries(domain.StreamOrderStatus))
}

func TestAgentExecOrder_Validation(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(t, http.MethodPost, "/agents/exec/order", domain.Order{Symbol: "BTC-USD"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsSnapshot(t *testing.T) {
	h := newServerHarness(t)

	require.Equal(t, http.StatusAccepted,
		h.do(t, http.MethodPost, "/orchestrate/run", map[string]string{"symbol": "BTC-USD"}).Code)

	rec := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Counters map[string]int64 `json:"counters"`
		Gauges   map[string]float64
		System   map[string]any `json:"system"`
	}
	bodyStr := rec.Body.String()
	decodeJSON(t, rec, &body)
	assert.Equal(t, int64(1), body.Counters[metrics.PipelinesStarted])
	assert.Contains(t, bodyStr, "riskParams")
}
