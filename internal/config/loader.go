package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults, loads a .env file when
// present and applies MARKETNODE_* overrides. A missing file is not an error
// so a node can run from the environment alone. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose MARKETNODE_* variable is set and
// non-empty.
func applyEnvOverrides(cfg *Config) {
	// ── Market ──
	setStr(&cfg.Market.ID, "MARKETNODE_MARKET_ID")
	setDuration(&cfg.Market.PollInterval, "MARKETNODE_MARKET_POLL_INTERVAL")
	setDuration(&cfg.Market.RPCTimeout, "MARKETNODE_MARKET_RPC_TIMEOUT")
	setInt(&cfg.Market.MaxDeferredAttempts, "MARKETNODE_MARKET_MAX_DEFERRED_ATTEMPTS")
	setInt(&cfg.Market.SenderRateLimit, "MARKETNODE_MARKET_SENDER_RATE_LIMIT")
	setDuration(&cfg.Market.SenderRateWindow, "MARKETNODE_MARKET_SENDER_RATE_WINDOW")
	setStr(&cfg.Market.ProfileAddress, "MARKETNODE_MARKET_PROFILE_ADDRESS")

	// ── Daemon ──
	setStr(&cfg.Daemon.URL, "MARKETNODE_DAEMON_URL")
	setStr(&cfg.Daemon.User, "MARKETNODE_DAEMON_USER")
	setStr(&cfg.Daemon.Password, "MARKETNODE_DAEMON_PASSWORD")
	setStr(&cfg.Daemon.PasswordFile, "MARKETNODE_DAEMON_PASSWORD_FILE")
	setStr(&cfg.Daemon.PasswordPassphrase, "MARKETNODE_DAEMON_PASSWORD_PASSPHRASE")
	setInt(&cfg.Daemon.RetentionDays, "MARKETNODE_DAEMON_RETENTION_DAYS")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "MARKETNODE_STORAGE_DRIVER")
	setStr(&cfg.Storage.Postgres.DSN, "MARKETNODE_POSTGRES_DSN")
	setStr(&cfg.Storage.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Storage.Postgres.Host, "MARKETNODE_POSTGRES_HOST")
	setInt(&cfg.Storage.Postgres.Port, "MARKETNODE_POSTGRES_PORT")
	setStr(&cfg.Storage.Postgres.Database, "MARKETNODE_POSTGRES_DATABASE")
	setStr(&cfg.Storage.Postgres.User, "MARKETNODE_POSTGRES_USER")
	setStr(&cfg.Storage.Postgres.Password, "MARKETNODE_POSTGRES_PASSWORD")
	setStr(&cfg.Storage.Postgres.SSLMode, "MARKETNODE_POSTGRES_SSL_MODE")
	setInt(&cfg.Storage.Postgres.PoolMaxConns, "MARKETNODE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Storage.Postgres.PoolMinConns, "MARKETNODE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Storage.Postgres.RunMigrations, "MARKETNODE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETNODE_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETNODE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETNODE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETNODE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETNODE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETNODE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETNODE_REDIS_TLS_ENABLED")
	setBool(&cfg.Redis.DurableEvents, "MARKETNODE_REDIS_DURABLE_EVENTS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARKETNODE_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETNODE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETNODE_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETNODE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETNODE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETNODE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETNODE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETNODE_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setStr(&cfg.Archive.Cron, "MARKETNODE_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "MARKETNODE_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETNODE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETNODE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETNODE_SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "MARKETNODE_SERVER_API_KEYS")
	setInt(&cfg.Server.RateLimit, "MARKETNODE_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETNODE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETNODE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETNODE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETNODE_NOTIFY_EVENTS")
	setStringSlice(&cfg.Notify.Outcomes, "MARKETNODE_NOTIFY_OUTCOMES")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETNODE_MODE")
	setStr(&cfg.LogLevel, "MARKETNODE_LOG_LEVEL")
}

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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
