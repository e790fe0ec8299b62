// Package config defines the marketplace node configuration and its
// validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by MARKETNODE_* environment variables.
type Config struct {
	Market   MarketConfig  `toml:"market"`
	Daemon   DaemonConfig  `toml:"daemon"`
	Storage  StorageConfig `toml:"storage"`
	Redis    RedisConfig   `toml:"redis"`
	S3       S3Config      `toml:"s3"`
	Archive  ArchiveConfig `toml:"archive"`
	Server   ServerConfig  `toml:"server"`
	Notify   NotifyConfig  `toml:"notify"`
	Mode     string        `toml:"mode"`
	LogLevel string        `toml:"log_level"`
}

// MarketConfig controls inbox polling for one market.
type MarketConfig struct {
	// ID namespaces shared Redis keys and the router lock.
	ID                  string   `toml:"id"`
	PollInterval        duration `toml:"poll_interval"`
	RPCTimeout          duration `toml:"rpc_timeout"`
	MaxDeferredAttempts int      `toml:"max_deferred_attempts"`
	// SenderRateLimit caps inbound messages per sender per SenderRateWindow.
	// Zero disables the limit.
	SenderRateLimit  int      `toml:"sender_rate_limit"`
	SenderRateWindow duration `toml:"sender_rate_window"`
	// ProfileAddress is the local seller identity used when registering
	// templates.
	ProfileAddress string `toml:"profile_address"`
}

// DaemonConfig holds the blockchain daemon RPC endpoint and credentials.
// The password may be given directly or as a sealed file.
type DaemonConfig struct {
	URL                string `toml:"url"`
	User               string `toml:"user"`
	Password           string `toml:"password"`
	PasswordFile       string `toml:"password_file"`
	PasswordPassphrase string `toml:"password_passphrase"`
	RetentionDays      int    `toml:"retention_days"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string         `toml:"driver"`
	Postgres PostgresConfig `toml:"postgres"`
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

// RedisConfig holds Redis connection parameters. Without Redis the node runs
// with no event bus, cache, lock or rate limit.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// DurableEvents also appends every action event to a Redis stream.
	DurableEvents bool `toml:"durable_events"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold storage of old action records. It needs S3.
type ArchiveConfig struct {
	Cron          string `toml:"cron"`
	RetentionDays int    `toml:"retention_days"`
}

// duration wraps time.Duration for TOML strings such as "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds the query API parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKeys, when non-empty, are required in the X-API-Key header.
	APIKeys []string `toml:"api_keys"`
	// RateLimit is requests per minute per client; zero disables it. It is
	// enforced only when Redis is enabled.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials and filters.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Outcomes          []string `toml:"outcomes"`
}

// Defaults returns a Config populated with default values.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			ID:                  "default",
			PollInterval:        duration{5 * time.Second},
			RPCTimeout:          duration{10 * time.Second},
			MaxDeferredAttempts: 3,
			SenderRateWindow:    duration{time.Minute},
		},
		Daemon: DaemonConfig{
			URL:           "http://127.0.0.1:51735",
			RetentionDays: 7,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				Host:          "localhost",
				Port:          5432,
				Database:      "marketnode",
				User:          "postgres",
				SSLMode:       "disable",
				PoolMaxConns:  10,
				PoolMinConns:  2,
				RunMigrations: true,
			},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketnode-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Cron:          "0 3 1 * *",
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"MPA_ACCEPT", "MPA_LOCK", "MPA_RELEASE", "MPA_REFUND", "MP_PROPOSAL_ADD"},
		},
		Mode:     "node",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"node":   true,
	"poll":   true,
	"server": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Polls reports whether the mode runs the inbox router.
func (c *Config) Polls() bool {
	m := strings.ToLower(c.Mode)
	return m == "node" || m == "poll"
}

// Serves reports whether the mode runs the HTTP query API.
func (c *Config) Serves() bool {
	m := strings.ToLower(c.Mode)
	return m == "server" || (m == "node" && c.Server.Enabled)
}

// Validate checks c for invalid or missing values and returns one error
// listing every problem.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: node, poll, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Market
	if strings.TrimSpace(c.Market.ID) == "" {
		errs = append(errs, "market: id must not be empty")
	}
	if c.Market.PollInterval.Duration <= 0 {
		errs = append(errs, "market: poll_interval must be > 0")
	}
	if c.Market.RPCTimeout.Duration <= 0 {
		errs = append(errs, "market: rpc_timeout must be > 0")
	}
	if c.Market.MaxDeferredAttempts < 1 {
		errs = append(errs, "market: max_deferred_attempts must be >= 1")
	}
	if c.Market.SenderRateLimit < 0 {
		errs = append(errs, "market: sender_rate_limit must be >= 0")
	}
	if c.Market.SenderRateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "market: sender_rate_limit requires redis.enabled")
	}

	// Daemon
	if c.Polls() && c.Daemon.URL == "" {
		errs = append(errs, "daemon: url must not be empty for mode "+c.Mode)
	}
	if c.Daemon.PasswordFile != "" && c.Daemon.PasswordPassphrase == "" {
		errs = append(errs, "daemon: password_passphrase is required when password_file is set")
	}

	// Storage
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
		if strings.ToLower(c.Mode) == "server" {
			errs = append(errs, "storage: driver memory cannot serve a separate server process; use postgres")
		}
	case "postgres":
		p := c.Storage.Postgres
		if strings.TrimSpace(p.DSN) == "" {
			if p.Host == "" {
				errs = append(errs, "storage.postgres: host must not be empty (or set dsn)")
			}
			if p.Port <= 0 || p.Port > 65535 {
				errs = append(errs, fmt.Sprintf("storage.postgres: port must be 1-65535, got %d", p.Port))
			}
			if p.Database == "" {
				errs = append(errs, "storage.postgres: database must not be empty")
			}
		}
		if p.PoolMaxConns < 1 {
			errs = append(errs, "storage.postgres: pool_max_conns must be >= 1")
		}
		if p.PoolMinConns < 0 || p.PoolMinConns > p.PoolMaxConns {
			errs = append(errs, "storage.postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: memory, postgres)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 and archive
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Serves() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	if c.NotifyEnabled() && !c.Redis.Enabled {
		errs = append(errs, "notify: channels require redis.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// NotifyEnabled reports whether any notification channel is configured.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.TelegramToken != "" || c.Notify.DiscordWebhookURL != ""
}
