// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool

	// Tracing
	OTLPEndpoint string

	// Payment gateway
	GatewayProvider      string // "sandbox" or "stripe"
	GatewayAPIKey        string
	GatewayAPISecret     string
	WebhookSecret        string
	PayoutWebhookSecret  string
	GatewayTimeout       time.Duration
	GatewayRetryAttempts int
	WebhookPersistTries  int
	WebhookPersistDelay  time.Duration

	// Money rules, all amounts in minor units of Currency
	Currency            string
	OrderMinAmount      int64
	OrderMaxAmount      int64
	WithdrawalMinAmount int64
	WithdrawalMaxAmount int64
	WithdrawalDailyCap  int64
	WithdrawalFeeFlat   int64
	WithdrawalFeePct    string // decimal percent, e.g. "1.5"
	PlatformFeePct      string // decimal percent, e.g. "10"
	PlatformAccountID   string

	// Sweeps
	UnpaidOrderTTL        time.Duration
	ReviewGracePeriod     time.Duration
	WithdrawalApprovalSLA time.Duration
	PaymentReconcileAfter time.Duration
	PayoutRetryAfter      time.Duration
	SweepInterval         time.Duration
	LedgerAuditInterval   time.Duration

	// Collaborators
	CatalogURL          string // catalog service base URL (optional, uses in-memory if not set)
	CatalogTimeout      time.Duration
	NotifyWebhookURL    string // notification delivery endpoint (optional)
	NotifyWebhookSecret string

	// Security
	AdminSecret  string
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultGatewayProvider       = "sandbox"
	DefaultGatewayTimeout        = 10 * time.Second
	DefaultGatewayRetryAttempts  = 3
	DefaultWebhookPersistTries   = 3
	DefaultWebhookPersistDelay   = 200 * time.Millisecond
	DefaultCurrency              = "usd"
	DefaultOrderMinAmount        = 500       // 5.00
	DefaultOrderMaxAmount        = 10_000_00 // 10,000.00
	DefaultWithdrawalMinAmount   = 1_000
	DefaultWithdrawalMaxAmount   = 5_000_00
	DefaultWithdrawalDailyCap    = 10_000_00
	DefaultWithdrawalFeeFlat     = 0
	DefaultWithdrawalFeePct      = "0"
	DefaultPlatformFeePct        = "10"
	DefaultPlatformAccountID     = "platform"
	DefaultUnpaidOrderTTL        = 24 * time.Hour
	DefaultReviewGracePeriod     = 72 * time.Hour
	DefaultWithdrawalApprovalSLA = 48 * time.Hour
	DefaultPaymentReconcileAfter = 15 * time.Minute
	DefaultPayoutRetryAfter      = 30 * time.Minute
	DefaultSweepInterval         = time.Minute
	DefaultLedgerAuditInterval   = time.Hour
	DefaultCatalogTimeout        = 5 * time.Second
	DefaultRateLimitRPM          = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		AutoMigrate:  getEnvBool("AUTO_MIGRATE", false),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		GatewayProvider:      strings.ToLower(getEnv("GATEWAY_PROVIDER", DefaultGatewayProvider)),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		GatewayAPISecret:     os.Getenv("GATEWAY_API_SECRET"),
		WebhookSecret:        os.Getenv("WEBHOOK_SECRET"),
		PayoutWebhookSecret:  os.Getenv("PAYOUT_WEBHOOK_SECRET"),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		GatewayRetryAttempts: int(getEnvInt64("GATEWAY_RETRY_ATTEMPTS", DefaultGatewayRetryAttempts)),
		WebhookPersistTries:  int(getEnvInt64("WEBHOOK_PERSIST_ATTEMPTS", DefaultWebhookPersistTries)),
		WebhookPersistDelay:  getEnvDuration("WEBHOOK_PERSIST_BACKOFF", DefaultWebhookPersistDelay),

		Currency:            strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		OrderMinAmount:      getEnvInt64("ORDER_MIN_AMOUNT", DefaultOrderMinAmount),
		OrderMaxAmount:      getEnvInt64("ORDER_MAX_AMOUNT", DefaultOrderMaxAmount),
		WithdrawalMinAmount: getEnvInt64("WITHDRAWAL_MIN_AMOUNT", DefaultWithdrawalMinAmount),
		WithdrawalMaxAmount: getEnvInt64("WITHDRAWAL_MAX_AMOUNT", DefaultWithdrawalMaxAmount),
		WithdrawalDailyCap:  getEnvInt64("WITHDRAWAL_DAILY_CAP", DefaultWithdrawalDailyCap),
		WithdrawalFeeFlat:   getEnvInt64("WITHDRAWAL_FEE_FLAT", DefaultWithdrawalFeeFlat),
		WithdrawalFeePct:    getEnv("WITHDRAWAL_FEE_PERCENT", DefaultWithdrawalFeePct),
		PlatformFeePct:      getEnv("PLATFORM_FEE_PERCENT", DefaultPlatformFeePct),
		PlatformAccountID:   getEnv("PLATFORM_ACCOUNT_ID", DefaultPlatformAccountID),

		UnpaidOrderTTL:        getEnvDuration("UNPAID_ORDER_TTL", DefaultUnpaidOrderTTL),
		ReviewGracePeriod:     getEnvDuration("REVIEW_GRACE_PERIOD", DefaultReviewGracePeriod),
		WithdrawalApprovalSLA: getEnvDuration("WITHDRAWAL_APPROVAL_SLA", DefaultWithdrawalApprovalSLA),
		PaymentReconcileAfter: getEnvDuration("PAYMENT_RECONCILE_AFTER", DefaultPaymentReconcileAfter),
		PayoutRetryAfter:      getEnvDuration("PAYOUT_RETRY_AFTER", DefaultPayoutRetryAfter),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		LedgerAuditInterval:   getEnvDuration("LEDGER_AUDIT_INTERVAL", DefaultLedgerAuditInterval),

		CatalogURL:          os.Getenv("CATALOG_URL"),
		CatalogTimeout:      getEnvDuration("CATALOG_TIMEOUT", DefaultCatalogTimeout),
		NotifyWebhookURL:    os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret: os.Getenv("NOTIFY_WEBHOOK_SECRET"),

		AdminSecret:  os.Getenv("ADMIN_SECRET"),
		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.GatewayProvider {
	case "sandbox", "stripe":
	default:
		return fmt.Errorf("GATEWAY_PROVIDER must be sandbox or stripe, got %q", c.GatewayProvider)
	}
	if c.GatewayProvider == "stripe" && c.GatewayAPIKey == "" {
		return fmt.Errorf("GATEWAY_API_KEY is required for the stripe provider")
	}

	if c.OrderMinAmount <= 0 || c.OrderMaxAmount < c.OrderMinAmount {
		return fmt.Errorf("ORDER_MIN_AMOUNT must be positive and not above ORDER_MAX_AMOUNT")
	}
	if c.WithdrawalMinAmount <= 0 || c.WithdrawalMaxAmount < c.WithdrawalMinAmount {
		return fmt.Errorf("WITHDRAWAL_MIN_AMOUNT must be positive and not above WITHDRAWAL_MAX_AMOUNT")
	}
	if c.WithdrawalDailyCap < c.WithdrawalMaxAmount {
		return fmt.Errorf("WITHDRAWAL_DAILY_CAP must be at least WITHDRAWAL_MAX_AMOUNT")
	}
	if c.WithdrawalFeeFlat < 0 {
		return fmt.Errorf("WITHDRAWAL_FEE_FLAT must not be negative")
	}
	if c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID is required")
	}
	if c.WebhookPersistTries < 1 || c.GatewayRetryAttempts < 1 {
		return fmt.Errorf("retry attempt counts must be at least 1")
	}
	if c.SweepInterval <= 0 || c.LedgerAuditInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and LEDGER_AUDIT_INTERVAL must be positive")
	}
	if c.NotifyWebhookURL != "" && c.NotifyWebhookSecret == "" {
		return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if c.GatewayAPIKey == "" {
			return fmt.Errorf("GATEWAY_API_KEY is required in production")
		}
		if c.PayoutWebhookSecret == "" {
			return fmt.Errorf("PAYOUT_WEBHOOK_SECRET is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
