package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds runtime configuration. Every field maps to an environment
// variable of the same name; a .env file in the working directory is read if present.
type Config struct {
	// Server
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"` // development | production
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`

	// Storage
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SeedDemo    bool   `mapstructure:"SEED_DEMO"`

	// Redis price book cache
	RedisAddr             string `mapstructure:"REDIS_ADDR"`
	RedisPassword         string `mapstructure:"REDIS_PASSWORD"`
	RedisDB               int    `mapstructure:"REDIS_DB"`
	PriceBookCacheTTLSecs int    `mapstructure:"PRICEBOOK_CACHE_TTL_SECONDS"`

	// Auth
	AuthSecret            string `mapstructure:"AUTH_SECRET"`
	AccessTokenTTLMinutes int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	ManagerPIN            string `mapstructure:"MANAGER_PIN"`

	// Outbox relay
	KafkaBrokers           string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic             string `mapstructure:"KAFKA_TOPIC"`
	OutboxWorkers          int    `mapstructure:"OUTBOX_WORKERS"`
	OutboxBatchSize        int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollMillis       int    `mapstructure:"OUTBOX_POLL_MS"`
	OutboxMaxRetries       int    `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxRetentionDays    int    `mapstructure:"OUTBOX_RETENTION_DAYS"`
	OutboxClaimTimeoutSecs int    `mapstructure:"OUTBOX_CLAIM_TIMEOUT_SECONDS"`

	// Sales policy
	RequireOpenShift         bool   `mapstructure:"REQUIRE_OPEN_SHIFT"`
	TxTimeoutSeconds         int    `mapstructure:"TX_TIMEOUT_SECONDS"`
	CashOutApprovalThreshold string `mapstructure:"CASH_OUT_APPROVAL_THRESHOLD"`
}

// Load reads configuration from environment variables and an optional .env file.
// Secrets have no defaults; an empty value is rejected at startup.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	// Every key needs a default so Unmarshal sees values that only exist in the environment.
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SEED_DEMO", false)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("PRICEBOOK_CACHE_TTL_SECONDS", 30)
	v.SetDefault("AUTH_SECRET", "")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("MANAGER_PIN", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "pos.events")
	v.SetDefault("OUTBOX_WORKERS", 2)
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_POLL_MS", 1000)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OUTBOX_RETENTION_DAYS", 7)
	v.SetDefault("OUTBOX_CLAIM_TIMEOUT_SECONDS", 300)
	v.SetDefault("REQUIRE_OPEN_SHIFT", false)
	v.SetDefault("TX_TIMEOUT_SECONDS", 10)
	v.SetDefault("CASH_OUT_APPROVAL_THRESHOLD", "0")

	// Optional .env file for local development; a missing file is fine.
	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	if _, err := decimal.NewFromString(cfg.CashOutApprovalThreshold); err != nil {
		return Config{}, fmt.Errorf("CASH_OUT_APPROVAL_THRESHOLD: %w", err)
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

func (c Config) AccessTokenTTL() time.Duration {
	if c.AccessTokenTTLMinutes < 1 {
		return 8 * time.Hour
	}
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c Config) PriceBookCacheTTL() time.Duration {
	return time.Duration(c.PriceBookCacheTTLSecs) * time.Second
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollMillis) * time.Millisecond
}

func (c Config) OutboxClaimTimeout() time.Duration {
	return time.Duration(c.OutboxClaimTimeoutSecs) * time.Second
}

func (c Config) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutSeconds) * time.Second
}

// Brokers splits KAFKA_BROKERS on commas. Empty means no broker is configured.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// CashOutThreshold is validated by Load.
func (c Config) CashOutThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.CashOutApprovalThreshold)
	if err != nil {
		return decimal.Zero
	}
	return d
}
