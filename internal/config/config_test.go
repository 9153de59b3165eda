package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "paper", cfg.Exchange.Name)
	assert.Equal(t, "trade", cfg.Mode)
}

func TestValidateBinanceRequiresCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.Name = "binance"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	cfg.Exchange.ApiKey = "k"
	cfg.Exchange.ApiSecret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestValidateMonitorRequiresRedis(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor")

	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadInstrument(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.Instruments = []string{"ETHUSDT"}
	assert.Error(t, cfg.Validate())
}

func TestValidateTelegramPair(t *testing.T) {
	cfg := Defaults()
	cfg.Notify.TelegramToken = "token"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "trade"
log_level = "debug"

[exchange]
name = "paper"
instruments = ["BTC-USDT", "ETH-USDT"]

[connector]
poll_interval = "3s"
rate_limit = 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, cfg.Exchange.Instruments)
	assert.Equal(t, 3*time.Second, cfg.Connector.PollInterval.Duration)
	assert.Equal(t, 5, cfg.Connector.RateLimit)
	// Untouched fields keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Connector.RulesInterval.Duration)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MMBOT_EXCHANGE_API_KEY", "env-key")
	t.Setenv("MMBOT_REDIS_ADDR", "redis:6379")
	t.Setenv("MMBOT_CONNECTOR_POLL_INTERVAL", "7s")
	t.Setenv("MMBOT_EXCHANGE_INSTRUMENTS", "SOL-USDT, DOGE-USDT")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	assert.Equal(t, "env-key", cfg.Exchange.ApiKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 7*time.Second, cfg.Connector.PollInterval.Duration)
	assert.Equal(t, []string{"SOL-USDT", "DOGE-USDT"}, cfg.Exchange.Instruments)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.ApiSecret = "secret"
	cfg.Redis.Password = "hunter2"
	cfg.Notify.TelegramToken = "token"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Exchange.ApiSecret)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	// Original is untouched.
	assert.Equal(t, "secret", cfg.Exchange.ApiSecret)
}
