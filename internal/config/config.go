// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Coordination modes for the orchestrator pipeline.
const (
	ModePubSub = "pubsub"
	ModeHTTP   = "http"
	ModeHybrid = "hybrid"
)

// Config holds application configuration
type Config struct {
	BrokerURL string // Append-only log broker (Redis protocol)
	KVURL     string // KV store; defaults to BrokerURL when unset

	Port      int
	LogLevel  string
	LogPretty bool
	DevMode   bool

	DataDir string // Base directory for the audit database and backup staging (always absolute)

	CommMode string // pubsub, http, hybrid

	StartEquity    float64
	DailyTargetPct float64
	ProfitPerTrade float64
	OrderQty       float64

	IdempotencyTTL time.Duration
	MaxFailures    int
	AckTTL         time.Duration

	StaleAfter        time.Duration
	ReconcileInterval time.Duration

	AdminToken string

	Exchange          string
	PaperFillPrice    float64
	PaperFee          float64
	PaperSlippagePct  float64
	ExchangeAPIKey    string
	ExchangeAPISecret string

	AnalystStrategy string
	MarketDataWSURL string

	AnalystURL string
	RiskURL    string
	ExecURL    string

	NotifyWebhookURL string
	NotifyRatePerSec float64

	Backup BackupConfig
}

// BackupConfig holds the off-site backup target. Backups stay local-only
// until an S3-compatible endpoint and bucket are both configured.
type BackupConfig struct {
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	Retention   int
}

// UploadEnabled reports whether archives should be shipped off-site.
func (b BackupConfig) UploadEnabled() bool {
	return b.S3Endpoint != "" && b.S3Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Data directory: resolve to absolute path and ensure it exists
	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	token, err := loadAdminToken()
	if err != nil {
		return nil, err
	}

	brokerURL := getEnv("BROKER_URL", "redis://localhost:6379")
	selfURL := fmt.Sprintf("http://localhost:%d", getEnvAsInt("PORT", 8090))

	cfg := &Config{
		BrokerURL: brokerURL,
		KVURL:     getEnv("KV_URL", brokerURL),

		Port:      getEnvAsInt("PORT", 8090),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		DataDir: absDataDir,

		CommMode: getEnv("COMM_MODE", ModePubSub),

		StartEquity:    getEnvAsFloat("START_EQUITY", 10000),
		DailyTargetPct: getEnvAsFloat("DAILY_TARGET_PCT", 1.0),
		ProfitPerTrade: getEnvAsFloat("PROFIT_PER_TRADE", 10),
		OrderQty:       getEnvAsFloat("ORDER_QTY", 1),

		IdempotencyTTL: time.Duration(getEnvAsInt("STREAM_IDEMP_TTL_SECONDS", 86400)) * time.Second,
		MaxFailures:    getEnvAsInt("STREAM_MAX_FAILURES", 5),
		AckTTL:         time.Duration(getEnvAsInt("ACK_TTL_SECONDS", 604800)) * time.Second,

		StaleAfter:        time.Duration(getEnvAsInt("EXEC_ORDER_STALE_AFTER_SECONDS", 120)) * time.Second,
		ReconcileInterval: time.Duration(getEnvAsInt("EXEC_RECONCILE_INTERVAL_MS", 30000)) * time.Millisecond,

		AdminToken: token,

		Exchange:          getEnv("EXCHANGE", "paper"),
		PaperFillPrice:    getEnvAsFloat("PAPER_FILL_PRICE", 100),
		PaperFee:          getEnvAsFloat("PAPER_FEE", 0),
		PaperSlippagePct:  getEnvAsFloat("PAPER_SLIPPAGE_PCT", 0),
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),

		AnalystStrategy: getEnv("ANALYST_STRATEGY", "static"),
		MarketDataWSURL: getEnv("MARKET_DATA_WS_URL", ""),

		AnalystURL: getEnv("ANALYST_URL", selfURL),
		RiskURL:    getEnv("RISK_URL", selfURL),
		ExecURL:    getEnv("EXEC_URL", selfURL),

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		NotifyRatePerSec: getEnvAsFloat("NOTIFY_RATE_PER_SEC", 5),

		Backup: BackupConfig{
			S3Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
			S3Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
			S3AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
			Retention:   getEnvAsInt("BACKUP_RETENTION", 7),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadAdminToken resolves the shared admin secret. ADMIN_TOKEN_FILE wins over
// ADMIN_TOKEN and is read exactly once at startup.
func loadAdminToken() (string, error) {
	if path := getEnv("ADMIN_TOKEN_FILE", ""); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read ADMIN_TOKEN_FILE: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", fmt.Errorf("ADMIN_TOKEN_FILE %s is empty", path)
		}
		return token, nil
	}
	return getEnv("ADMIN_TOKEN", ""), nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("BROKER_URL is required")
	}
	if c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN or ADMIN_TOKEN_FILE is required")
	}
	switch c.CommMode {
	case ModePubSub, ModeHTTP, ModeHybrid:
	default:
		return fmt.Errorf("COMM_MODE must be pubsub, http or hybrid, got %q", c.CommMode)
	}
	switch c.Exchange {
	case "paper", "binance", "coinbase":
	default:
		return fmt.Errorf("EXCHANGE must be paper, binance or coinbase, got %q", c.Exchange)
	}
	switch c.AnalystStrategy {
	case "static", "technical":
	default:
		return fmt.Errorf("ANALYST_STRATEGY must be static or technical, got %q", c.AnalystStrategy)
	}
	if c.StartEquity <= 0 {
		return fmt.Errorf("START_EQUITY must be positive, got %v", c.StartEquity)
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("STREAM_MAX_FAILURES must be at least 1, got %d", c.MaxFailures)
	}
	if c.OrderQty <= 0 {
		return fmt.Errorf("ORDER_QTY must be positive, got %v", c.OrderQty)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
