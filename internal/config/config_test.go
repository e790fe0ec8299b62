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
	assert.Equal(t, 5*time.Second, cfg.Market.PollInterval.Duration)
	assert.Equal(t, 10*time.Second, cfg.Market.RPCTimeout.Duration)
	assert.Equal(t, 3, cfg.Market.MaxDeferredAttempts)
	assert.True(t, cfg.Polls())
	assert.True(t, cfg.Serves())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marketnode.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "poll"

[market]
id = "m1"
poll_interval = "2s"

[storage]
driver = "postgres"

[storage.postgres]
dsn = "postgres://file"
`), 0o600))

	t.Setenv("MARKETNODE_MARKET_RPC_TIMEOUT", "3s")
	t.Setenv("MARKETNODE_POSTGRES_DSN", "postgres://env")
	t.Setenv("MARKETNODE_SERVER_CORS_ORIGINS", " a , ,b")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "poll", cfg.Mode)
	assert.Equal(t, "m1", cfg.Market.ID)
	assert.Equal(t, 2*time.Second, cfg.Market.PollInterval.Duration)
	assert.Equal(t, 3*time.Second, cfg.Market.RPCTimeout.Duration)
	assert.Equal(t, "postgres://env", cfg.Storage.Postgres.DSN)
	assert.Equal(t, []string{"a", "b"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Serves())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "node", cfg.Mode)
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Storage.Driver = "sqlite"
	cfg.Market.MaxDeferredAttempts = 0
	cfg.Daemon.PasswordFile = "/etc/rpc.sealed"
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown driver "sqlite"`,
		"max_deferred_attempts",
		"password_passphrase",
		"telegram_token and telegram_chat_id",
		"notify: channels require redis.enabled",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_ServerModeNeedsPostgres(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	assert.ErrorContains(t, cfg.Validate(), "driver memory")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Daemon.Password = "secret"
	cfg.Storage.Postgres.DSN = "postgres://u:p@h/db"
	cfg.Server.APIKeys = []string{"k1"}

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Daemon.Password)
	assert.Equal(t, "***", red.Storage.Postgres.DSN)
	assert.Equal(t, []string{"***"}, red.Server.APIKeys)
	assert.Empty(t, red.Redis.Password)

	red.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "secret", cfg.Daemon.Password)
	assert.Equal(t, "k1", cfg.Server.APIKeys[0])
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
