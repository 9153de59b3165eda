// Package config defines the top-level configuration for the market-making
// bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MMBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Connector ConnectorConfig `toml:"connector"`
	Paper     PaperConfig     `toml:"paper"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig selects the exchange adapter and holds its credentials.
type ExchangeConfig struct {
	Name        string   `toml:"name"`
	ApiKey      string   `toml:"api_key"`
	ApiSecret   string   `toml:"api_secret"`
	BaseURL     string   `toml:"base_url"`
	WsURL       string   `toml:"ws_url"`
	Instruments []string `toml:"instruments"`
}

// ParsedInstruments converts the configured "BASE-QUOTE" pairs into domain
// instruments.
func (e ExchangeConfig) ParsedInstruments() ([]domain.Instrument, error) {
	out := make([]domain.Instrument, 0, len(e.Instruments))
	for _, raw := range e.Instruments {
		inst, err := domain.ParseInstrument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// ConnectorConfig tunes the order tracking and reconciliation loops.
type ConnectorConfig struct {
	PollInterval      duration `toml:"poll_interval"`
	RulesInterval     duration `toml:"rules_interval"`
	CancelTimeout     duration `toml:"cancel_timeout"`
	ReconnectWait     duration `toml:"reconnect_wait"`
	RateLimit         int      `toml:"rate_limit"`
	RateWindow        duration `toml:"rate_window"`
	NotFoundThreshold int      `toml:"not_found_threshold"`
}

// PaperConfig tunes the simulated exchange used when exchange.name is "paper".
type PaperConfig struct {
	StartPrice   float64  `toml:"start_price"`
	TickSize     float64  `toml:"tick_size"`
	LevelSize    float64  `toml:"level_size"`
	TickInterval duration `toml:"tick_interval"`
	Seed         int64    `toml:"seed"`
}

// PostgresConfig holds PostgreSQL connection parameters for tracking-state
// persistence.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// Enabled reports whether a database connection is configured. When false the
// bot runs without tracking-state persistence.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || strings.TrimSpace(p.Host) != ""
}

// RedisConfig holds Redis connection parameters. An empty Addr disables the
// top-of-book cache, rate limiter, instance lock, and event bus.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	CacheTTL   duration `toml:"cache_ttl"`
}

// Enabled reports whether Redis is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Addr) != ""
}

// NotifyConfig holds notification channel credentials and the alert-kind
// filter.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Name:        "paper",
			Instruments: []string{"ETH-USDT"},
		},
		Connector: ConnectorConfig{
			PollInterval:      duration{10 * time.Second},
			RulesInterval:     duration{60 * time.Second},
			CancelTimeout:     duration{10 * time.Second},
			ReconnectWait:     duration{2 * time.Second},
			RateLimit:         10,
			RateWindow:        duration{time.Second},
			NotFoundThreshold: 3,
		},
		Paper: PaperConfig{
			StartPrice:   100,
			TickSize:     0.01,
			LevelSize:    10,
			TickInterval: duration{100 * time.Millisecond},
			Seed:         1,
		},
		Postgres: PostgresConfig{
			Port:          5432,
			Database:      "mmbot",
			User:          "mmbot",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
			CacheTTL:   duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"order_failed", "order_expired", "book_resync"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validExchanges enumerates the accepted values for Exchange.Name.
var validExchanges = map[string]bool{
	"binance": true,
	"paper":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	name := strings.ToLower(c.Exchange.Name)
	if !validExchanges[name] {
		errs = append(errs, fmt.Sprintf("exchange: unknown name %q (valid: binance, paper)", c.Exchange.Name))
	}
	if name == "binance" {
		if c.Exchange.ApiKey == "" || c.Exchange.ApiSecret == "" {
			errs = append(errs, "exchange: api_key and api_secret are required for binance")
		}
	}
	if len(c.Exchange.Instruments) == 0 {
		errs = append(errs, "exchange: at least one instrument is required")
	} else if _, err := c.Exchange.ParsedInstruments(); err != nil {
		errs = append(errs, fmt.Sprintf("exchange: %v", err))
	}

	// Connector
	if c.Connector.RateLimit < 0 {
		errs = append(errs, "connector: rate_limit must be >= 0")
	}
	if c.Connector.NotFoundThreshold < 1 {
		errs = append(errs, "connector: not_found_threshold must be >= 1")
	}

	// Paper
	if name == "paper" {
		if c.Paper.StartPrice <= 0 {
			errs = append(errs, "paper: start_price must be > 0")
		}
		if c.Paper.TickSize <= 0 {
			errs = append(errs, "paper: tick_size must be > 0")
		}
	}

	// Postgres — only checked when persistence is configured.
	if c.Postgres.Enabled() && strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled() && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if strings.ToLower(c.Mode) == "monitor" && !c.Redis.Enabled() {
		errs = append(errs, "redis: addr is required for monitor mode")
	}

	// Notify — chat id without token (or vice versa) is a misconfig.
	tt := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tt != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
