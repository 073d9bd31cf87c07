// Package server provides the HTTP admin surface: pipeline control, PnL and
// stream administration, the notification feed and the synchronous agent
// endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/audit"
	"github.com/aristath/pitboss/internal/config"
	"github.com/aristath/pitboss/internal/database"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/modules/analyst"
	"github.com/aristath/pitboss/internal/modules/executor"
	"github.com/aristath/pitboss/internal/modules/notify"
	"github.com/aristath/pitboss/internal/modules/orchestrator"
	"github.com/aristath/pitboss/internal/modules/risk"
)

// Pinger reports broker liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BackupRunner triggers one backup cycle on demand.
type BackupRunner interface {
	RunNow(ctx context.Context) (string, error)
}

// Config wires the server to the services it fronts. Backup may be nil when
// no backup service is configured.
type Config struct {
	Log          zerolog.Logger
	Config       *config.Config
	Orchestrator *orchestrator.Service
	Analyst      *analyst.Service
	Risk         *risk.Service
	Executor     *executor.Service
	Notify       *notify.Service
	Audit        *audit.Repository
	Metrics      *metrics.Registry
	Broker       Pinger
	KV           risk.Store
	AuditDB      *database.DB
	Backup       BackupRunner
}

// Server is the HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	log     zerolog.Logger
	cfg     *config.Config
	orch    *orchestrator.Service
	analyst *analyst.Service
	risk    *risk.Service
	exec    *executor.Service
	notify  *notify.Service
	audit   *audit.Repository
	metrics *metrics.Registry
	broker  Pinger
	kv      risk.Store
	auditDB *database.DB
	backup  BackupRunner
	started time.Time
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		log:     cfg.Log.With().Str("component", "server").Logger(),
		cfg:     cfg.Config,
		orch:    cfg.Orchestrator,
		analyst: cfg.Analyst,
		risk:    cfg.Risk,
		exec:    cfg.Executor,
		notify:  cfg.Notify,
		audit:   cfg.Audit,
		metrics: cfg.Metrics,
		broker:  cfg.Broker,
		kv:      cfg.KV,
		auditDB: cfg.AuditDB,
		backup:  cfg.Backup,
		started: time.Now(),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, for tests driving the server in-process.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes. Everything except the health check sits
// behind the admin token.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/metrics", s.handleMetrics)

		r.Post("/orchestrate/run", s.handleOrchestrateRun)
		r.Post("/orchestrate/stop", s.handleOrchestrateStop)

		r.Get("/pnl/status", s.handlePnLStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/pnl/reset", s.handlePnLReset)
			r.Post("/orchestrate/halt", s.handleHalt)
			r.Post("/orchestrate/unhalt", s.handleUnhalt)
			r.Get("/streams/pending", s.handleStreamsPending)
			r.Get("/streams/dlq", s.handleDLQList)
			r.Post("/streams/dlq/requeue", s.handleDLQRequeue)
			r.Post("/notify/ack", s.handleNotifyAck)
			r.Get("/audit/recent", s.handleAuditRecent)
			r.Post("/backup", s.handleBackup)
		})

		r.Get("/notify/recent", s.handleNotifyRecent)

		r.Route("/agents", func(r chi.Router) {
			r.Post("/analyze", s.handleAgentAnalyze)
			r.Post("/risk/evaluate", s.handleAgentRiskEvaluate)
			r.Post("/exec/order", s.handleAgentExecOrder)
		})
	})

	// The websocket feed holds its connection open, so it skips the request
	// timeout the rest of the surface carries.
	s.router.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/notify/stream", s.handleNotifyStream)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
