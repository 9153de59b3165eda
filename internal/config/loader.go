package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MMBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MMBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.Name, "MMBOT_EXCHANGE_NAME")
	setStr(&cfg.Exchange.ApiKey, "MMBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "MMBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.BaseURL, "MMBOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsURL, "MMBOT_EXCHANGE_WS_URL")
	setStringSlice(&cfg.Exchange.Instruments, "MMBOT_EXCHANGE_INSTRUMENTS")

	// ── Connector ──
	setDuration(&cfg.Connector.PollInterval, "MMBOT_CONNECTOR_POLL_INTERVAL")
	setDuration(&cfg.Connector.RulesInterval, "MMBOT_CONNECTOR_RULES_INTERVAL")
	setDuration(&cfg.Connector.CancelTimeout, "MMBOT_CONNECTOR_CANCEL_TIMEOUT")
	setDuration(&cfg.Connector.ReconnectWait, "MMBOT_CONNECTOR_RECONNECT_WAIT")
	setInt(&cfg.Connector.RateLimit, "MMBOT_CONNECTOR_RATE_LIMIT")
	setDuration(&cfg.Connector.RateWindow, "MMBOT_CONNECTOR_RATE_WINDOW")
	setInt(&cfg.Connector.NotFoundThreshold, "MMBOT_CONNECTOR_NOT_FOUND_THRESHOLD")

	// ── Paper ──
	setFloat64(&cfg.Paper.StartPrice, "MMBOT_PAPER_START_PRICE")
	setFloat64(&cfg.Paper.TickSize, "MMBOT_PAPER_TICK_SIZE")
	setFloat64(&cfg.Paper.LevelSize, "MMBOT_PAPER_LEVEL_SIZE")
	setDuration(&cfg.Paper.TickInterval, "MMBOT_PAPER_TICK_INTERVAL")
	setInt64(&cfg.Paper.Seed, "MMBOT_PAPER_SEED")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MMBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "MMBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MMBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MMBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MMBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MMBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MMBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MMBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MMBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MMBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MMBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MMBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MMBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MMBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MMBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MMBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.CacheTTL, "MMBOT_REDIS_CACHE_TTL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MMBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MMBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MMBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MMBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MMBOT_MODE")
	setStr(&cfg.LogLevel, "MMBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
