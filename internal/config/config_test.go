package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Env:                  "development",
		GatewayProvider:      "sandbox",
		GatewayRetryAttempts: 3,
		WebhookPersistTries:  3,
		OrderMinAmount:       500,
		OrderMaxAmount:       100_000,
		WithdrawalMinAmount:  1_000,
		WithdrawalMaxAmount:  50_000,
		WithdrawalDailyCap:   100_000,
		PlatformAccountID:    "platform",
		SweepInterval:        time.Minute,
		LedgerAuditInterval:  time.Hour,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "development")
	t.Setenv("GATEWAY_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultGatewayProvider, cfg.GatewayProvider)
	assert.Equal(t, DefaultUnpaidOrderTTL, cfg.UnpaidOrderTTL)
	assert.Equal(t, DefaultReviewGracePeriod, cfg.ReviewGracePeriod)
	assert.Equal(t, DefaultWithdrawalApprovalSLA, cfg.WithdrawalApprovalSLA)
	assert.Equal(t, DefaultPaymentReconcileAfter, cfg.PaymentReconcileAfter)
	assert.Equal(t, DefaultPlatformFeePct, cfg.PlatformFeePct)
	assert.Equal(t, DefaultLedgerAuditInterval, cfg.LedgerAuditInterval)
	assert.Empty(t, cfg.CatalogURL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("UNPAID_ORDER_TTL", "2h")
	t.Setenv("ORDER_MAX_AMOUNT", "250000")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("CURRENCY", "EUR")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Hour, cfg.UnpaidOrderTTL)
	assert.Equal(t, int64(250000), cfg.OrderMaxAmount)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "eur", cfg.Currency)
}

func TestLoad_CORSOrigins(t *testing.T) {
	t.Setenv("ENV", "development")

	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	t.Setenv("CORS_ALLOWED_ORIGINS", " https://market.example , ,https://ops.example")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://market.example", "https://ops.example"}, cfg.CORSOrigins)
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("GATEWAY_TIMEOUT", "soon")
	t.Setenv("ORDER_MIN_AMOUNT", "five")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultGatewayTimeout, cfg.GatewayTimeout)
	assert.Equal(t, int64(DefaultOrderMinAmount), cfg.OrderMinAmount)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown provider", func(c *Config) { c.GatewayProvider = "paypal" }, "GATEWAY_PROVIDER"},
		{"stripe without key", func(c *Config) { c.GatewayProvider = "stripe" }, "GATEWAY_API_KEY"},
		{"order range inverted", func(c *Config) { c.OrderMaxAmount = 100 }, "ORDER_MIN_AMOUNT"},
		{"withdrawal range inverted", func(c *Config) { c.WithdrawalMinAmount = 0 }, "WITHDRAWAL_MIN_AMOUNT"},
		{"cap below max", func(c *Config) { c.WithdrawalDailyCap = 10 }, "WITHDRAWAL_DAILY_CAP"},
		{"negative flat fee", func(c *Config) { c.WithdrawalFeeFlat = -1 }, "WITHDRAWAL_FEE_FLAT"},
		{"no platform account", func(c *Config) { c.PlatformAccountID = "" }, "PLATFORM_ACCOUNT_ID"},
		{"zero retries", func(c *Config) { c.WebhookPersistTries = 0 }, "retry attempt"},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }, "SWEEP_INTERVAL"},
		{"notify webhook without secret", func(c *Config) { c.NotifyWebhookURL = "https://hooks.example.com" }, "NOTIFY_WEBHOOK_SECRET"},
		{"production needs database", func(c *Config) { c.Env = "production" }, "DATABASE_URL"},
		{"production needs webhook secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/settle"
		}, "WEBHOOK_SECRET"},
		{"production needs payout secret", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/settle"
			c.WebhookSecret = "whsec"
			c.GatewayAPIKey = "sk_live"
		}, "PAYOUT_WEBHOOK_SECRET"},
		{"production complete", func(c *Config) {
			c.Env = "production"
			c.DatabaseURL = "postgres://localhost/settle"
			c.WebhookSecret = "whsec"
			c.GatewayAPIKey = "sk_live"
			c.PayoutWebhookSecret = "whsec_payouts"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_EnvHelpers(t *testing.T) {
	cfg := &Config{Env: "production"}
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
}
