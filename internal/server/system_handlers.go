package server

import (
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/pitboss/internal/modules/risk"
)

// handleHealth answers liveness: broker and audit database reachability plus
// uptime. The broker being down makes the process unhealthy; a degraded
// audit store does not, pipelines keep trading without their trail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{
		"broker": "ok",
		"audit":  "ok",
	}

	if err := s.broker.Ping(ctx); err != nil {
		checks["broker"] = err.Error()
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if s.auditDB != nil {
		if err := s.auditDB.HealthCheck(ctx); err != nil {
			checks["audit"] = err.Error()
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	s.writeJSON(w, code, map[string]any{
		"status":         status,
		"service":        "pitboss",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"checks":         checks,
	})
}

// handleMetrics serves the counter/gauge snapshot with host load and the
// active risk parameters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.metrics.Snapshot()
	snapshot["uptime_seconds"] = int64(time.Since(s.started).Seconds())
	snapshot["riskParams"] = risk.LoadParams(r.Context(), s.kv, s.log)

	system := map[string]any{}
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		system["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		system["mem_used_percent"] = memStat.UsedPercent
		system["mem_used_mb"] = memStat.Used / 1024 / 1024
	}
	snapshot["system"] = system

	s.writeJSON(w, http.StatusOK, snapshot)
}
