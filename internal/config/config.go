// Package config loads the environment configuration shared by the payments
// server and the operator CLI.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"givepay/internal/common/database"
	"givepay/internal/common/nats"
	"givepay/internal/payment"
	"givepay/internal/providers/cards"
	"givepay/internal/providers/sbp"
	"givepay/internal/providers/wallet"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"PAYMENTS_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	TransactionTTL      time.Duration `envconfig:"PAYMENTS_TRANSACTION_TTL" default:"30m"`
	GatewayTimeout      time.Duration `envconfig:"PAYMENTS_GATEWAY_TIMEOUT" default:"10s"`
	GatewayMaxAttempts  int           `envconfig:"PAYMENTS_GATEWAY_MAX_ATTEMPTS" default:"3"`
	GatewayBackoff      time.Duration `envconfig:"PAYMENTS_GATEWAY_BACKOFF" default:"200ms"`
	AutoMigrate         bool          `envconfig:"PAYMENTS_AUTO_MIGRATE" default:"false"`
	CORSAllowedOrigins  []string      `envconfig:"PAYMENTS_CORS_ALLOWED_ORIGINS"`
	ExpiredSweepLimit   int           `envconfig:"PAYMENTS_EXPIRED_SWEEP_LIMIT" default:"500"`
	ShutdownGracePeriod time.Duration `envconfig:"PAYMENTS_SHUTDOWN_GRACE" default:"30s"`

	Database database.Config
	NATS     nats.Config

	SBP    sbp.Config
	Cards  cards.Config
	Wallet wallet.Config
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	if c.TransactionTTL <= 0 {
		return fmt.Errorf("PAYMENTS_TRANSACTION_TTL must be positive, got %s", c.TransactionTTL)
	}
	if c.GatewayMaxAttempts < 1 {
		return fmt.Errorf("PAYMENTS_GATEWAY_MAX_ATTEMPTS must be at least 1, got %d", c.GatewayMaxAttempts)
	}
	if c.SBP.Enabled && (c.SBP.BaseURL == "" || c.SBP.WebhookSecret == "") {
		return fmt.Errorf("SBP_BASE_URL and SBP_WEBHOOK_SECRET are required when SBP is enabled")
	}
	if c.Cards.Enabled && (c.Cards.BaseURL == "" || c.Cards.TerminalKey == "" || c.Cards.Password == "") {
		return fmt.Errorf("CARDS_BASE_URL, CARDS_TERMINAL_KEY and CARDS_PASSWORD are required when cards are enabled")
	}
	if c.Wallet.Enabled && (c.Wallet.BaseURL == "" || c.Wallet.ShopID == "" || c.Wallet.SecretKey == "" || c.Wallet.WebhookSecret == "") {
		return fmt.Errorf("WALLET_BASE_URL, WALLET_SHOP_ID, WALLET_SECRET_KEY and WALLET_WEBHOOK_SECRET are required when the wallet is enabled")
	}
	return nil
}

// Payment returns the payment service configuration.
func (c *Config) Payment() payment.Config {
	return payment.Config{
		TransactionTTL: c.TransactionTTL,
		Retry: payment.RetryPolicy{
			Attempts: c.GatewayMaxAttempts,
			Backoff:  c.GatewayBackoff,
			Timeout:  c.GatewayTimeout,
		},
	}
}
