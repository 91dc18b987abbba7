package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("WEBHOOK_HMAC_KEY", "hook")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 15*time.Second, cfg.AllocatorInterval)
	assert.Equal(t, 10*time.Second, cfg.SenderInterval)
	assert.Equal(t, int32(10), cfg.SenderBatchSize)
	assert.Equal(t, "@every 1h", cfg.ReconciliationSchedule)
	assert.Equal(t, []string{"BTC", "USDC"}, cfg.ReconciliationAssets)
	assert.True(t, cfg.ReconciliationTolerance.IsZero())
	assert.Equal(t, "mock", cfg.CustodyProvider)
	assert.Equal(t, "mainnet", cfg.BTCNetwork)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadPrefixedNames(t *testing.T) {
	t.Setenv("FULFILLMENT_JWT_SECRET", testSecret)
	t.Setenv("FULFILLMENT_WEBHOOK_SKIP_SIG", "true")
	t.Setenv("FULFILLMENT_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("FULFILLMENT_RECONCILIATION_TOLERANCE", "0.0005")
	t.Setenv("FULFILLMENT_BTC_NETWORK", "Testnet")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "0.0005", cfg.ReconciliationTolerance.String())
	assert.Equal(t, "testnet", cfg.BTCNetwork)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing secret", env: map[string]string{"WEBHOOK_SKIP_SIG": "true"}},
		{name: "short secret", env: map[string]string{"JWT_SECRET": "short", "WEBHOOK_SKIP_SIG": "true"}},
		{name: "missing hmac key", env: map[string]string{"JWT_SECRET": testSecret}},
		{name: "bad duration", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "SENDER_INTERVAL": "soon"}},
		{name: "negative tolerance", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "RECONCILIATION_TOLERANCE": "-1"}},
		{name: "unknown asset", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "RECONCILIATION_ASSETS": "BTC,ETH"}},
		{name: "unknown custody", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "CUSTODY_PROVIDER": "bitgo"}},
		{name: "fireblocks without key", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "CUSTODY_PROVIDER": "fireblocks"}},
		{name: "unknown network", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "BTC_NETWORK": "signet"}},
		{name: "static oracle without price", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "PRICE_ORACLE": "static"}},
		{name: "unknown oracle", env: map[string]string{"JWT_SECRET": testSecret, "WEBHOOK_SKIP_SIG": "true", "PRICE_ORACLE": "binance"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
