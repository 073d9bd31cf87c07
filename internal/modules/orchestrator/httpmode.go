package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/domain"
)

// hopTimeout bounds each synchronous agent call.
const hopTimeout = 5 * time.Second

// adminTokenHeader mirrors the server's auth header. Agent endpoints sit
// behind the same token gate as the rest of the surface, so every hop must
// present the shared secret.
const adminTokenHeader = "X-Admin-Token"

// PipelineError wraps a failed hop of the synchronous pipeline. The server
// layer surfaces it as pipeline_failed with the stage detail.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// PipelineResult is the combined outcome of a synchronous run. Order is nil
// when risk rejected the signal.
type PipelineResult struct {
	Signal domain.Signal       `json:"signal"`
	Risk   domain.RiskResponse `json:"risk"`
	Order  *domain.OrderStatus `json:"order,omitempty"`
}

// HTTPPipeline drives the analyze, risk and execute stages over their agent
// endpoints, blocking for each response. The agent URLs default to the
// process itself and point at peers when the roles are split.
type HTTPPipeline struct {
	client     *http.Client
	analystURL string
	riskURL    string
	execURL    string
	token      string
	log        zerolog.Logger
}

// NewHTTPPipeline creates the synchronous pipeline driver. token is the
// admin secret forwarded on every hop.
func NewHTTPPipeline(analystURL, riskURL, execURL, token string, log zerolog.Logger) *HTTPPipeline {
	return &HTTPPipeline{
		client:     &http.Client{Timeout: hopTimeout},
		analystURL: analystURL,
		riskURL:    riskURL,
		execURL:    execURL,
		token:      token,
		log:        log.With().Str("component", "http_pipeline").Logger(),
	}
}

// Run executes one pipeline synchronously. A risk rejection is a completed
// run, not an error; only transport failures and non-2xx answers fail it.
func (p *HTTPPipeline) Run(ctx context.Context, symbol, requestID, traceID string, qty float64) (*PipelineResult, error) {
	result := &PipelineResult{}

	analyzeReq := map[string]any{
		"symbol":    symbol,
		"requestId": requestID,
		"traceId":   traceID,
	}
	if err := p.post(ctx, p.analystURL+"/agents/analyze", analyzeReq, &result.Signal); err != nil {
		return nil, &PipelineError{Stage: "analyze", Err: err}
	}

	riskReq := domain.RiskRequest{
		RequestID:  requestID,
		Symbol:     symbol,
		Side:       result.Signal.Side,
		Confidence: result.Signal.Confidence,
		TraceID:    traceID,
		TS:         domain.Now(),
	}
	if err := p.post(ctx, p.riskURL+"/agents/risk/evaluate", riskReq, &result.Risk); err != nil {
		return nil, &PipelineError{Stage: "risk", Err: err}
	}

	if !result.Risk.OK {
		p.log.Info().
			Str("request_id", requestID).
			Str("reason", result.Risk.Reason).
			Msg("Synchronous pipeline rejected by risk")
		return result, nil
	}

	order := domain.Order{
		OrderID: requestID,
		Symbol:  symbol,
		Side:    result.Signal.Side,
		Qty:     qty,
		TraceID: traceID,
		TS:      domain.Now(),
	}
	var status domain.OrderStatus
	if err := p.post(ctx, p.execURL+"/agents/exec/order", order, &status); err != nil {
		return nil, &PipelineError{Stage: "execute", Err: err}
	}
	result.Order = &status

	p.log.Info().
		Str("request_id", requestID).
		Str("status", status.Status).
		Msg("Synchronous pipeline completed")
	return result, nil
}

// post sends one JSON request and decodes the 2xx answer into out.
func (p *HTTPPipeline) post(ctx context.Context, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set(adminTokenHeader, p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s answered %d: %s", url, resp.StatusCode, string(detail))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}
