package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/config"
	"github.com/alanyoungcy/marketnode/internal/crypto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDaemon answers smsginbox with one listing on the first call and an
// empty inbox afterwards.
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	var inboxCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case "smsginbox":
			msgs := []map[string]any{}
			if inboxCalls.Add(1) == 1 {
				msgs = append(msgs, map[string]any{
					"msgid":    "m1",
					"received": 1714521600,
					"sent":     1714521590,
					"from":     "pSeller",
					"to":       "pMarket",
					"text":     `{"version":"0.1.0","item":{"seller":"pSeller","information":{"title":"Chair"},"payment":{"type":"SALE"}}}`,
				})
			}
			result = map[string]any{"messages": msgs, "result": "0"}
		case "getblockcount":
			result = 1000
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"Method not found"}}`))
			return
		}
		raw, _ := json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + string(raw) + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWire_MemoryServerOnly(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "server"
	cfg.Daemon.URL = ""

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.Router)
	assert.Nil(t, deps.Daemon)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.Archiver)
	assert.Empty(t, deps.Pingers)
	assert.NotNil(t, deps.Listings)
	assert.False(t, deps.Notifier.Enabled())
}

func TestWire_PollModeNeedsDaemon(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "poll"
	cfg.Daemon.URL = ""

	_, _, err := Wire(context.Background(), &cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon.url")
}

func TestWire_SealedDaemonPassword(t *testing.T) {
	sealed, err := crypto.Seal("rpcpass", "phrase")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "daemon.pass")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	cfg := config.Defaults()
	cfg.Daemon.URL = fakeDaemon(t).URL
	cfg.Daemon.PasswordFile = path
	cfg.Daemon.PasswordPassphrase = "phrase"

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.NotNil(t, deps.Router)
	require.Contains(t, deps.Pingers, "daemon")
	assert.NoError(t, deps.Pingers["daemon"].Ping(context.Background()))

	cfg.Daemon.PasswordPassphrase = "wrong"
	_, _, err = Wire(context.Background(), &cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon password")
}

func TestPollMode_StoresInboxActions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "poll"
	cfg.Daemon.URL = fakeDaemon(t).URL
	cfg.Market.PollInterval.Duration = 20 * time.Millisecond

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	a := New(&cfg, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.PollMode(ctx, deps) }()

	require.Eventually(t, func() bool {
		recs, err := deps.Stores.Actions.ListBefore(context.Background(), time.Now().Add(24*time.Hour))
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poll mode did not stop")
	}
}

func TestRun_UnsupportedMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	cfg.Daemon.URL = ""

	a := New(&cfg, testLogger())
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}
