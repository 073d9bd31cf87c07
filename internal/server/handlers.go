package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/aristath/pitboss/internal/broker"
	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/modules/orchestrator"
)

// errorResponse is the JSON body of every non-2xx answer.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message, detail string) {
	s.writeJSON(w, status, errorResponse{Error: message, Detail: detail})
}

// decodeBody decodes a JSON request body into v. An empty body is allowed
// and leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// handleOrchestrateRun admits one pipeline. 202 on admission, 409 while
// halted, 502 when a synchronous hop failed.
func (s *Server) handleOrchestrateRun(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RunRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol_required", "")
		return
	}

	result, err := s.orch.Start(r.Context(), req)
	if err != nil {
		var halted *orchestrator.HaltedError
		if errors.As(err, &halted) {
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"error": "halted",
				"pnl":   halted.Status,
			})
			return
		}
		var pipeErr *orchestrator.PipelineError
		if errors.As(err, &pipeErr) {
			s.writeError(w, http.StatusBadGateway, "pipeline_failed", pipeErr.Error())
			return
		}
		s.log.Error().Err(err).Str("symbol", req.Symbol).Msg("Pipeline admission failed")
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, result)
}

// handleOrchestrateStop broadcasts a halt command to the consumers.
func (s *Server) handleOrchestrateStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.orch.Stop(r.Context(), req.Reason); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stop_requested"})
}

func (s *Server) handlePnLStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.PnLStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePnLReset(w http.ResponseWriter, r *http.Request) {
	status, err := s.orch.ResetDay(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.orch.Halt(r.Context(), req.Reason); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"halted": true})
}

func (s *Server) handleUnhalt(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Unhalt(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"halted": false})
}

// handleStreamsPending serves the broker's pending overview for one
// (stream, group).
func (s *Server) handleStreamsPending(w http.ResponseWriter, r *http.Request) {
	streamName := r.URL.Query().Get("stream")
	group := r.URL.Query().Get("group")
	if streamName == "" || group == "" {
		s.writeError(w, http.StatusBadRequest, "stream_and_group_required", "")
		return
	}

	summary, err := s.orch.PendingSummary(r.Context(), streamName, group)
	if err != nil {
		if broker.IsNoGroup(err) {
			s.writeError(w, http.StatusNotFound, "group_not_found", err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleDLQList serves dead-letter entries. The stream parameter names the
// original stream; its DLQ companion is derived unless a .dlq name is passed
// directly.
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	streamName := r.URL.Query().Get("stream")
	if streamName == "" {
		s.writeError(w, http.StatusBadRequest, "stream_required", "")
		return
	}
	if !strings.HasSuffix(streamName, ".dlq") {
		streamName = domain.DLQStream(streamName)
	}

	count, _ := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	entries, err := s.orch.DLQList(r.Context(), streamName,
		r.URL.Query().Get("start"), r.URL.Query().Get("end"), count)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stream":  streamName,
		"entries": entries,
	})
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DLQStream string `json:"dlqStream"`
		ID        string `json:"id"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.DLQStream == "" || req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "dlqStream_and_id_required", "")
		return
	}

	newID, err := s.orch.DLQRequeue(r.Context(), req.DLQStream, req.ID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrDLQEntryNotFound):
			s.writeError(w, http.StatusNotFound, "not_found", req.ID)
		case errors.Is(err, orchestrator.ErrInvalidDLQFormat):
			s.writeError(w, http.StatusBadRequest, "invalid_dlq_format", req.ID)
		default:
			s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"requeuedId": newID})
}

// handleNotifyAck marks one notification acknowledged: by explicit ack id,
// by requestId, or by traceId resolved against the recent ring.
func (s *Server) handleNotifyAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		RequestID string `json:"requestId"`
		TraceID   string `json:"traceId"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = req.RequestID
	}
	if id == "" && req.TraceID != "" {
		if id = s.notify.ResolveTraceID(req.TraceID); id == "" {
			s.writeError(w, http.StatusNotFound, "not_found", req.TraceID)
			return
		}
	}
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "id_required", "")
		return
	}

	if err := s.notify.Ack(r.Context(), id); err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"acked": id})
}

func (s *Server) handleNotifyRecent(w http.ResponseWriter, r *http.Request) {
	events, err := s.notify.Recent(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.audit.Recent(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "backup_not_configured", "")
		return
	}

	archive, err := s.backup.RunNow(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "backup_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"archive": archive})
}

// handleAgentAnalyze is the synchronous analyze hop.
func (s *Server) handleAgentAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol    string `json:"symbol"`
		RequestID string `json:"requestId"`
		TraceID   string `json:"traceId"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol_required", "")
		return
	}

	s.writeJSON(w, http.StatusOK, s.analyst.Signal(req.Symbol, req.RequestID, req.TraceID))
}

// handleAgentRiskEvaluate is the synchronous risk hop.
func (s *Server) handleAgentRiskEvaluate(w http.ResponseWriter, r *http.Request) {
	var req domain.RiskRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	s.writeJSON(w, http.StatusOK, s.risk.Check(r.Context(), req))
}

// handleAgentExecOrder is the synchronous execute hop. The fill still lands
// on exec.status, so settlement runs through the stream consumer exactly as
// in pubsub mode.
func (s *Server) handleAgentExecOrder(w http.ResponseWriter, r *http.Request) {
	var order domain.Order
	if !s.decodeBody(w, r, &order) {
		return
	}
	if order.OrderID == "" || order.Symbol == "" {
		s.writeError(w, http.StatusBadRequest, "orderId_and_symbol_required", "")
		return
	}

	status, err := s.exec.Execute(r.Context(), order)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "execution_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}
