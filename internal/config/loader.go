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
// built-in defaults, applies TRADESYNC_* environment variable overrides, and
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

// applyEnvOverrides reads well-known TRADESYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Binance ──
	setBool(&cfg.Binance.Enabled, "TRADESYNC_BINANCE_ENABLED")
	setStr(&cfg.Binance.RestURL, "TRADESYNC_BINANCE_REST_URL")
	setStr(&cfg.Binance.WsURL, "TRADESYNC_BINANCE_WS_URL")
	setStr(&cfg.Binance.ApiKey, "TRADESYNC_BINANCE_API_KEY")
	setStr(&cfg.Binance.ApiSecret, "TRADESYNC_BINANCE_API_SECRET")
	setStringSlice(&cfg.Binance.Pairs, "TRADESYNC_BINANCE_PAIRS")

	// ── Bitfinex ──
	setBool(&cfg.Bitfinex.Enabled, "TRADESYNC_BITFINEX_ENABLED")
	setStr(&cfg.Bitfinex.RestURL, "TRADESYNC_BITFINEX_REST_URL")
	setStr(&cfg.Bitfinex.WsURL, "TRADESYNC_BITFINEX_WS_URL")
	setStr(&cfg.Bitfinex.ApiKey, "TRADESYNC_BITFINEX_API_KEY")
	setStr(&cfg.Bitfinex.ApiSecret, "TRADESYNC_BITFINEX_API_SECRET")
	setStringSlice(&cfg.Bitfinex.Pairs, "TRADESYNC_BITFINEX_PAIRS")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "TRADESYNC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "TRADESYNC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRADESYNC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRADESYNC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRADESYNC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRADESYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRADESYNC_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRADESYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRADESYNC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRADESYNC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "TRADESYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRADESYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRADESYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRADESYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRADESYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRADESYNC_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "TRADESYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRADESYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRADESYNC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRADESYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRADESYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRADESYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRADESYNC_S3_FORCE_PATH_STYLE")

	// ── Book ──
	setDuration(&cfg.Book.SnapshotRefresh, "TRADESYNC_BOOK_SNAPSHOT_REFRESH")
	setInt(&cfg.Book.SnapshotRateLimit, "TRADESYNC_BOOK_SNAPSHOT_RATE_LIMIT")
	setDuration(&cfg.Book.SnapshotRateWindow, "TRADESYNC_BOOK_SNAPSHOT_RATE_WINDOW")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "TRADESYNC_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "TRADESYNC_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "TRADESYNC_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRADESYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRADESYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "TRADESYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "TRADESYNC_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "TRADESYNC_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRADESYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRADESYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRADESYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRADESYNC_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRADESYNC_MODE")
	setStr(&cfg.LogLevel, "TRADESYNC_LOG_LEVEL")
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
