// Package main is the entry point for the pitboss trading coordinator. It
// wires the broker, the audit ledger and every agent service, starts the
// consumer loops and the admin HTTP surface, and shuts the whole thing down
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/pitboss/internal/config"
	"github.com/aristath/pitboss/internal/di"
	"github.com/aristath/pitboss/internal/server"
	"github.com/aristath/pitboss/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		// No configured level yet, fall back to a default logger.
		fallback := logger.New(logger.Config{Level: "info"})
		fallback.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Int("port", cfg.Port).
		Str("comm_mode", cfg.CommMode).
		Str("data_dir", cfg.DataDir).
		Msg("Starting pitboss")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to wire container")
		return 1
	}

	srv := server.New(server.Config{
		Log:          log,
		Config:       cfg,
		Orchestrator: container.Orchestrator,
		Analyst:      container.Analyst,
		Risk:         container.Risk,
		Executor:     container.Executor,
		Notify:       container.Notify,
		Audit:        container.AuditRepo,
		Metrics:      container.Metrics,
		Broker:       container.Broker,
		KV:           container.Broker,
		AuditDB:      container.AuditDB,
		Backup:       container.Backup,
	})

	container.RunAll(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
		exitCode = 1
	}

	shutdown(log, srv, container, cancel)
	log.Info().Msg("Shutdown complete")
	return exitCode
}

// shutdown drains the HTTP server first so no new pipelines are admitted,
// then cancels the consumer loops and waits for them via the container.
func shutdown(log zerolog.Logger, srv *server.Server, container *di.Container, cancel context.CancelFunc) {
	ctx, release := context.WithTimeout(context.Background(), shutdownTimeout)
	defer release()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	container.Close()
}
