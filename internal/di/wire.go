// Package di wires the application graph in dependency order and owns the
// lifecycle of everything it built.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/aristath/pitboss/internal/audit"
	"github.com/aristath/pitboss/internal/broker"
	"github.com/aristath/pitboss/internal/config"
	"github.com/aristath/pitboss/internal/database"
	"github.com/aristath/pitboss/internal/domain"
	"github.com/aristath/pitboss/internal/metrics"
	"github.com/aristath/pitboss/internal/modules/analyst"
	"github.com/aristath/pitboss/internal/modules/executor"
	"github.com/aristath/pitboss/internal/modules/notify"
	"github.com/aristath/pitboss/internal/modules/orchestrator"
	"github.com/aristath/pitboss/internal/modules/risk"
	"github.com/aristath/pitboss/internal/pnl"
	"github.com/aristath/pitboss/internal/reliability"
)

// Container holds every wired component. Fields are populated by Wire and
// stay valid until Close.
type Container struct {
	Cfg *config.Config
	Log zerolog.Logger

	Broker  *broker.Client
	AuditDB *database.DB

	Metrics   *metrics.Registry
	Ledger    *pnl.Ledger
	AuditRepo *audit.Repository
	Orders    *executor.OrderStore
	Hub       *notify.Hub

	Orchestrator *orchestrator.Service
	Analyst      *analyst.Service
	Risk         *risk.Service
	Executor     *executor.Service
	Notify       *notify.Service

	Backup      *reliability.BackupService
	Maintenance *reliability.Maintenance

	tasks conc.WaitGroup
}

// Wire connects the infrastructure and builds all services. On a partial
// failure everything already opened is closed before the error returns.
func Wire(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Cfg: cfg, Log: log}

	if err := c.connectBroker(ctx); err != nil {
		return nil, err
	}
	if err := c.openAuditDB(); err != nil {
		c.closeInfra()
		return nil, err
	}
	c.buildCore()
	if err := c.buildServices(); err != nil {
		c.closeInfra()
		return nil, err
	}
	if err := c.buildReliability(ctx); err != nil {
		c.closeInfra()
		return nil, err
	}

	log.Info().
		Str("comm_mode", cfg.CommMode).
		Str("exchange", cfg.Exchange).
		Str("strategy", cfg.AnalystStrategy).
		Bool("offsite_backup", cfg.Backup.UploadEnabled()).
		Msg("Container wired")

	return c, nil
}

func (c *Container) connectBroker(ctx context.Context) error {
	b, err := broker.Connect(ctx, broker.Config{
		BrokerURL: c.Cfg.BrokerURL,
		KVURL:     c.Cfg.KVURL,
	}, c.Log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	c.Broker = b
	return nil
}

func (c *Container) openAuditDB() error {
	db, err := database.New(database.Config{
		Path:    filepath.Join(c.Cfg.DataDir, "audit.db"),
		Profile: database.ProfileStandard,
		Name:    "audit",
	})
	if err != nil {
		return fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate audit db: %w", err)
	}
	c.AuditDB = db
	return nil
}

func (c *Container) buildCore() {
	c.Metrics = metrics.NewRegistry()
	c.Ledger = pnl.NewLedger(c.Broker, pnl.Config{
		StartEquity:    c.Cfg.StartEquity,
		DailyTargetPct: c.Cfg.DailyTargetPct,
	}, c.Log)
	c.AuditRepo = audit.NewRepository(c.AuditDB.Conn(), c.Log)
	c.Orders = executor.NewOrderStore(c.Broker, c.Log)
	c.Hub = notify.NewHub(c.Metrics)
}

func (c *Container) buildServices() error {
	cfg := c.Cfg

	strategy, err := analyst.NewStrategy(cfg.AnalystStrategy, c.Log)
	if err != nil {
		return fmt.Errorf("build strategy: %w", err)
	}
	history := analyst.NewHistoryStore(filepath.Join(cfg.DataDir, "history"), c.Log)
	feed := analyst.NewFeed(cfg.MarketDataWSURL, history, c.Log)
	c.Analyst = analyst.NewService(c.Broker, strategy, feed, c.Metrics, analyst.Config{
		MaxFailures:    cfg.MaxFailures,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, c.Log)

	c.Risk = risk.NewService(c.Broker, c.Broker, c.Metrics, risk.Config{
		MaxFailures:    cfg.MaxFailures,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, c.Log)

	adapter, err := executor.NewAdapter(cfg, c.Log)
	if err != nil {
		return fmt.Errorf("build exchange adapter: %w", err)
	}
	c.Executor = executor.NewService(c.Broker, c.Orders, adapter, c.Metrics, executor.Config{
		ProfitPerTrade:    cfg.ProfitPerTrade,
		MaxFailures:       cfg.MaxFailures,
		IdempotencyTTL:    cfg.IdempotencyTTL,
		ReconcileInterval: cfg.ReconcileInterval,
		StaleAfter:        cfg.StaleAfter,
	}, c.Log)

	c.Notify = notify.NewService(c.Broker, c.Broker, c.Hub, sinkRoutes(cfg, c.Log), c.Metrics, notify.Config{
		AckTTL:         cfg.AckTTL,
		MaxFailures:    cfg.MaxFailures,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, c.Log)

	pipeline := orchestrator.NewHTTPPipeline(cfg.AnalystURL, cfg.RiskURL, cfg.ExecURL, cfg.AdminToken, c.Log)
	c.Orchestrator = orchestrator.NewService(c.Broker, c.Ledger, c.AuditRepo, pipeline, c.Metrics, orchestrator.Config{
		CommMode:       cfg.CommMode,
		OrderQty:       cfg.OrderQty,
		MaxFailures:    cfg.MaxFailures,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, c.Log)

	return nil
}

// sinkRoutes builds the notification fan-out: every event reaches the log,
// warnings and above additionally hit the webhook when one is configured.
func sinkRoutes(cfg *config.Config, log zerolog.Logger) []notify.SinkRoute {
	routes := []notify.SinkRoute{
		{Sink: notify.NewLogSink(log), Min: domain.SeverityInfo},
	}
	if cfg.NotifyWebhookURL != "" {
		routes = append(routes, notify.SinkRoute{
			Sink: notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyRatePerSec, log),
			Min:  domain.SeverityWarning,
		})
	}
	return routes
}

func (c *Container) buildReliability(ctx context.Context) error {
	var uploader reliability.Uploader
	if c.Cfg.Backup.UploadEnabled() {
		s3c, err := reliability.NewS3Client(ctx, c.Cfg.Backup, c.Log)
		if err != nil {
			return fmt.Errorf("build s3 client: %w", err)
		}
		uploader = s3c
	}
	c.Backup = reliability.NewBackupService(c.AuditDB, c.Cfg.DataDir, uploader, c.Cfg.Backup.Retention, c.Log)

	maintenance, err := reliability.NewMaintenance(c.AuditDB, c.Backup, c.Log)
	if err != nil {
		return fmt.Errorf("build maintenance: %w", err)
	}
	c.Maintenance = maintenance
	return nil
}

// RunAll launches every consumer loop and the maintenance schedule. The
// loops stop when ctx is cancelled; call Close afterwards to wait for them.
func (c *Container) RunAll(ctx context.Context) {
	c.Maintenance.Start()

	c.tasks.Go(func() { c.Orchestrator.Run(ctx) })
	c.tasks.Go(func() { c.Analyst.Run(ctx) })
	c.tasks.Go(func() { c.Risk.Run(ctx) })
	c.tasks.Go(func() { c.Executor.Run(ctx) })
	c.tasks.Go(func() { c.Notify.Run(ctx) })

	c.Log.Info().Msg("All consumer loops running")
}

// Close waits for the consumer loops, stops the maintenance schedule and
// releases the infrastructure.
func (c *Container) Close() {
	c.tasks.Wait()
	if c.Maintenance != nil {
		c.Maintenance.Stop()
	}
	c.closeInfra()
}

func (c *Container) closeInfra() {
	if c.AuditDB != nil {
		if err := c.AuditDB.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close audit db")
		}
		c.AuditDB = nil
	}
	if c.Broker != nil {
		if err := c.Broker.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("Failed to close broker")
		}
		c.Broker = nil
	}
}
