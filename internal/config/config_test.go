package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "backtest"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateTradeModeRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key and api_secret are required")

	cfg.Binance.ApiKey = "k"
	cfg.Binance.ApiSecret = "s"
	require.NoError(t, cfg.Validate())
}

func TestValidateRequiresEnabledExchange(t *testing.T) {
	cfg := Defaults()
	cfg.Binance.Enabled = false
	cfg.Bitfinex.Enabled = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one exchange must be enabled")
}

func TestValidateRejectsMalformedPair(t *testing.T) {
	cfg := Defaults()
	cfg.Binance.Pairs = []string{"BTCUSDT"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BASE-QUOTE")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRADESYNC_MODE", "trade")
	t.Setenv("TRADESYNC_BINANCE_PAIRS", "ETH-USDT, BNB-USDT")
	t.Setenv("TRADESYNC_SERVER_PORT", "9100")
	t.Setenv("TRADESYNC_BOOK_SNAPSHOT_REFRESH", "30m")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, []string{"ETH-USDT", "BNB-USDT"}, cfg.Binance.Pairs)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "30m0s", cfg.Book.SnapshotRefresh.Duration.String())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Binance.ApiSecret = "secret"
	cfg.Postgres.Password = "pw"
	cfg.Notify.TelegramToken = "token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Binance.ApiSecret)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Original must be untouched.
	assert.Equal(t, "secret", cfg.Binance.ApiSecret)
}
