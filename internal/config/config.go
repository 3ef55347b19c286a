// Package config defines the top-level configuration for the tradesync
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRADESYNC_* environment variables.
type Config struct {
	Binance  ExchangeConfig `toml:"binance"`
	Bitfinex ExchangeConfig `toml:"bitfinex"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Book     BookConfig     `toml:"book"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ExchangeConfig holds per-exchange endpoints, credentials, and the trading
// pairs to track. API credentials are only required in trade mode.
type ExchangeConfig struct {
	Enabled   bool     `toml:"enabled"`
	RestURL   string   `toml:"rest_url"`
	WsURL     string   `toml:"ws_url"`
	ApiKey    string   `toml:"api_key"`
	ApiSecret string   `toml:"api_secret"`
	Pairs     []string `toml:"pairs"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// BookConfig holds order book tracking parameters.
type BookConfig struct {
	// SnapshotRefresh is how often a READY book proactively re-snapshots to
	// bound silent drift. Zero disables the refresh.
	SnapshotRefresh duration `toml:"snapshot_refresh"`
	// SnapshotRateLimit caps REST snapshot requests per exchange within
	// SnapshotRateWindow. Zero disables the limiter.
	SnapshotRateLimit  int      `toml:"snapshot_rate_limit"`
	SnapshotRateWindow duration `toml:"snapshot_rate_window"`
}

// ArchiveConfig holds terminal-order archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	ApiKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Binance: ExchangeConfig{
			Enabled: true,
			RestURL: "https://api.binance.com",
			WsURL:   "wss://stream.binance.com:9443",
			Pairs:   []string{"BTC-USDT"},
		},
		Bitfinex: ExchangeConfig{
			Enabled: false,
			RestURL: "https://api.bitfinex.com",
			WsURL:   "wss://api-pub.bitfinex.com/ws/2",
			Pairs:   []string{"BTC-USD"},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "tradesync",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "tradesync-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Book: BookConfig{
			SnapshotRefresh:    duration{time.Hour},
			SnapshotRateLimit:  10,
			SnapshotRateWindow: duration{time.Minute},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 7,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"book_desynced", "order_filled", "order_failed", "error"},
		},
		Mode:     "sync",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"sync":  true,
	"trade": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: sync, trade)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchanges — at least one must be enabled, each enabled exchange needs
	// endpoints and pairs, and trade mode needs credentials.
	if !c.Binance.Enabled && !c.Bitfinex.Enabled {
		errs = append(errs, "at least one exchange must be enabled")
	}
	errs = append(errs, validateExchange("binance", c.Binance, c.Mode)...)
	errs = append(errs, validateExchange("bitfinex", c.Bitfinex, c.Mode)...)

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only required when archival is enabled.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0 when enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Book
	if c.Book.SnapshotRefresh.Duration < 0 {
		errs = append(errs, "book: snapshot_refresh must not be negative")
	}
	if c.Book.SnapshotRateLimit > 0 && c.Book.SnapshotRateWindow.Duration <= 0 {
		errs = append(errs, "book: snapshot_rate_window must be > 0 when snapshot_rate_limit is set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateExchange(name string, ex ExchangeConfig, mode string) []string {
	if !ex.Enabled {
		return nil
	}
	var errs []string
	if ex.RestURL == "" {
		errs = append(errs, name+": rest_url must not be empty")
	}
	if ex.WsURL == "" {
		errs = append(errs, name+": ws_url must not be empty")
	}
	if len(ex.Pairs) == 0 {
		errs = append(errs, name+": at least one trading pair is required")
	}
	for _, p := range ex.Pairs {
		if !strings.Contains(p, "-") {
			errs = append(errs, fmt.Sprintf("%s: pair %q must be BASE-QUOTE, e.g. BTC-USDT", name, p))
		}
	}
	if strings.ToLower(mode) == "trade" {
		if ex.ApiKey == "" || ex.ApiSecret == "" {
			errs = append(errs, name+": api_key and api_secret are required for trade mode")
		}
	}
	return errs
}
