package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }
func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return b.ch, nil
}
func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestIsSubscribed(t *testing.T) {
	c := &client{subs: map[string]bool{"mp:MPA_BID": true, "mp:MPA_R*": true}}
	assert.True(t, c.isSubscribed("mp:MPA_BID"))
	assert.True(t, c.isSubscribed("mp:MPA_REFUND"))
	assert.False(t, c.isSubscribed("mp:MP_VOTE"))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://ok.example"})
	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://ok.example")
	assert.True(t, check(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
}

func TestHub_FansOutEvents(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "node", MarketID: "m1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var status struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "node_status", status.Type)
	assert.Equal(t, "m1", status.Payload["market_id"])

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ev, err := json.Marshal(domain.ActionEvent{Topic: domain.ActionBid, Outcome: domain.OutcomeApplied})
	require.NoError(t, err)
	bus.ch <- []byte("garbage")
	bus.ch <- ev

	var got domain.ActionEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, domain.ActionBid, got.Topic)
}
