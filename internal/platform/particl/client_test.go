package particl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// daemon is a scripted JSON-RPC endpoint.
type daemon struct {
	mu       sync.Mutex
	calls    []rpcRequest
	auth     string
	handlers map[string]func(w http.ResponseWriter, req rpcRequest)
}

func (d *daemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.auth = r.Header.Get("Authorization")
	h := d.handlers[req.Method]
	d.mu.Unlock()
	if h == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":` + string(req.ID) + `}`))
		return
	}
	h(w, req)
}

func reply(w http.ResponseWriter, req rpcRequest, result any) {
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + string(raw) + `}`))
}

func newClient(t *testing.T, d *daemon, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	c, err := Dial(context.Background(), Config{URL: srv.URL, User: "rpcuser", Password: "secret", Timeout: timeout})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestClient_InboxConsumesUnread(t *testing.T) {
	d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
		"smsginbox": func(w http.ResponseWriter, req rpcRequest) {
			reply(w, req, map[string]any{
				"messages": []map[string]any{
					{"msgid": "m1", "version": "0300", "received": 1714521600, "sent": 1714521590, "from": "pA", "to": "pB", "text": `{"version":"0.1","item":{}}`},
					{"msgid": "m2", "received": "2024-05-01T00:00:10Z", "sent": "2024-05-01 00:00:05", "from": "pC", "to": "pB", "text": "x"},
				},
				"result": "2",
			})
		},
	}}
	c := newClient(t, d, time.Second)

	msgs, err := c.Inbox(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "pA", msgs[0].From)
	assert.Equal(t, time.Unix(1714521600, 0).UTC(), msgs[0].ReceivedAt)
	assert.Equal(t, `{"version":"0.1","item":{}}`, string(msgs[0].Payload))
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 5, 0, time.UTC), msgs[1].SentAt)

	require.Len(t, d.calls, 1)
	assert.Equal(t, "unread", d.calls[0].Params[0])
	assert.Contains(t, d.auth, "Basic ")
}

func TestClient_SendEncodesEnvelope(t *testing.T) {
	d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
		"smsgsend": func(w http.ResponseWriter, req rpcRequest) {
			reply(w, req, map[string]any{"result": "Sent.", "msgid": "out-1"})
		},
	}}
	c := newClient(t, d, time.Second)

	id, err := c.Send(context.Background(), "pB", "pA", protocol.Envelope{
		Version: "0.1",
		Action:  &protocol.BidAction{Action: domain.ActionBidAccept, Item: "h1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out-1", id)

	require.Len(t, d.calls, 1)
	params := d.calls[0].Params
	assert.Equal(t, "pB", params[0])
	assert.Equal(t, "pA", params[1])

	env, err := protocol.Decode([]byte(params[2].(string)))
	require.NoError(t, err)
	assert.Equal(t, domain.ActionBidAccept, env.Kind())
}

func TestClient_SendRejected(t *testing.T) {
	d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
		"smsgsend": func(w http.ResponseWriter, req rpcRequest) {
			reply(w, req, map[string]any{"result": "Send failed.", "error": "Unknown public key for address"})
		},
	}}
	c := newClient(t, d, time.Second)

	_, err := c.Send(context.Background(), "pB", "pA", protocol.Envelope{
		Action: &protocol.VoteCast{ProposalHash: "p", OptionID: 1, Block: 3},
	})
	var de *DaemonError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Message, "Unknown public key")
}

func TestClient_AddressWeightAndBlockCount(t *testing.T) {
	d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
		"getaddressbalance": func(w http.ResponseWriter, req rpcRequest) {
			reply(w, req, map[string]any{"balance": 1_250_000_000, "received": 2_000_000_000})
		},
		"getblockcount": func(w http.ResponseWriter, req rpcRequest) {
			reply(w, req, 4321)
		},
	}}
	c := newClient(t, d, time.Second)

	w, err := c.AddressWeight(context.Background(), "pA")
	require.NoError(t, err)
	assert.Equal(t, int64(12), w)

	n, err := c.BlockCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4321), n)
}

func TestClient_AddressWeightIsExact(t *testing.T) {
	cases := []struct {
		name    string
		balance int64
		want    int64
	}{
		{"under one coin", 99_999_999, 0},
		{"one coin", 100_000_000, 1},
		{"above float precision", 8_999_999_999_999_999_999, 89_999_999_999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
				"getaddressbalance": func(w http.ResponseWriter, req rpcRequest) {
					reply(w, req, map[string]any{"balance": tc.balance})
				},
			}}
			c := newClient(t, d, time.Second)

			w, err := c.AddressWeight(context.Background(), "pA")
			require.NoError(t, err)
			assert.Equal(t, tc.want, w)
		})
	}
}

func TestClient_DaemonErrorTranslated(t *testing.T) {
	d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
		"getaddressbalance": func(w http.ResponseWriter, req rpcRequest) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"result":null,"error":{"code":-5,"message":"Invalid address"},"id":1}`))
		},
	}}
	c := newClient(t, d, time.Second)

	_, err := c.AddressWeight(context.Background(), "bogus")
	var de *DaemonError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, -5, de.Code)
	assert.Equal(t, "Invalid address", de.Message)
	assert.NotErrorIs(t, err, domain.ErrUnavailable)
}

func TestClient_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	d := &daemon{handlers: map[string]func(http.ResponseWriter, rpcRequest){
		"getblockcount": func(w http.ResponseWriter, req rpcRequest) {
			<-release
			reply(w, req, 1)
		},
	}}
	c := newClient(t, d, 50*time.Millisecond)
	defer close(release)

	_, err := c.BlockCount(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestClient_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := Dial(context.Background(), Config{URL: url, Timeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Inbox(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}
