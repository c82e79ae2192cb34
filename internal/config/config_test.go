package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret, "expected empty AUTH_SECRET when unset")
	assert.Empty(t, cfg.ManagerPIN, "expected empty MANAGER_PIN when unset")
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AUTH_SECRET", "  a-very-long-secret-value-for-tests  ")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("OUTBOX_WORKERS", "4")
	t.Setenv("REQUIRE_OPEN_SHIFT", "true")
	t.Setenv("CASH_OUT_APPROVAL_THRESHOLD", "250000")
	t.Setenv("APP_ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "a-very-long-secret-value-for-tests", cfg.AuthSecret)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers())
	assert.Equal(t, 4, cfg.OutboxWorkers)
	assert.True(t, cfg.RequireOpenShift)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "250000", cfg.CashOutThreshold().String())
	assert.Equal(t, 10*time.Second, cfg.TxTimeout())
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("CASH_OUT_APPROVAL_THRESHOLD", "lots")

	_, err := Load()
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Brokers())
	assert.Equal(t, 8*time.Hour, cfg.AccessTokenTTL())
	assert.Equal(t, time.Second, cfg.OutboxPollInterval())
	assert.Equal(t, 5*time.Minute, cfg.OutboxClaimTimeout())
	assert.Equal(t, 30*time.Second, cfg.PriceBookCacheTTL())
}
