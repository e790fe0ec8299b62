// Package particl talks to the Particl daemon over JSON-RPC. It provides
// the secure-messaging inbox and send operations plus the balance and
// chain-height queries used for vote weighting.
package particl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// satoshisPerCoin converts daemon balances to whole coins.
const satoshisPerCoin = 100_000_000

// DaemonError is a JSON-RPC failure reported by the daemon.
type DaemonError struct {
	Code    int
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Config holds the daemon connection settings.
type Config struct {
	URL      string
	User     string
	Password string
	// Timeout bounds every call that has no earlier deadline.
	Timeout time.Duration
	// RetentionDays is passed to smsgsend.
	RetentionDays int
}

// Client is a Particl daemon JSON-RPC client.
type Client struct {
	rpc       *rpc.Client
	timeout   time.Duration
	retention int
}

// Dial connects to the daemon. The connection is lazy for HTTP endpoints,
// so Dial succeeds even when the daemon is still starting.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("particl: dial: empty url")
	}
	opts := []rpc.ClientOption{
		rpc.WithHTTPClient(&http.Client{}),
	}
	if cfg.User != "" || cfg.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.User + ":" + cfg.Password))
		opts = append(opts, rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Basic "+token)
			return nil
		}))
	}
	c, err := rpc.DialOptions(ctx, cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("particl: dial %s: %w", cfg.URL, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 7
	}
	return &Client{rpc: c, timeout: timeout, retention: retention}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// call performs a bounded JSON-RPC call and translates failures.
func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		return fmt.Errorf("particl: %s: %w", method, translate(err))
	}
	return nil
}

// translate maps transport and daemon failures onto DaemonError and
// domain.ErrUnavailable.
func translate(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	// Covers refused connections and client-side timeouts.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &DaemonError{Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
	}

	// The daemon answers failed calls with a non-2xx status and the
	// JSON-RPC error in the body.
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		var body struct {
			Error *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(httpErr.Body, &body) == nil && body.Error != nil {
			return &DaemonError{Code: body.Error.Code, Message: body.Error.Message}
		}
		if httpErr.StatusCode == http.StatusServiceUnavailable || httpErr.StatusCode == http.StatusBadGateway {
			return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
		}
		return &DaemonError{Code: httpErr.StatusCode, Message: httpErr.Status}
	}
	return err
}

// smsgTime decodes the daemon's message timestamps, which are either unix
// seconds or an ISO-8601 string depending on the daemon version.
type smsgTime time.Time

func (t *smsgTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = smsgTime(time.Unix(n, 0).UTC())
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if v, err := time.Parse(layout, s); err == nil {
			*t = smsgTime(v.UTC())
			return nil
		}
	}
	return fmt.Errorf("particl: unrecognised time %q", s)
}

type smsgMessage struct {
	MsgID    string   `json:"msgid"`
	Version  string   `json:"version"`
	Received smsgTime `json:"received"`
	Sent     smsgTime `json:"sent"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Text     string   `json:"text"`
}

type smsgInboxResult struct {
	Messages []smsgMessage `json:"messages"`
}

// Inbox returns and consumes unread secure messages.
func (c *Client) Inbox(ctx context.Context) ([]domain.RawMessage, error) {
	var res smsgInboxResult
	if err := c.call(ctx, &res, "smsginbox", "unread", "", map[string]any{"updatestatus": true}); err != nil {
		return nil, err
	}
	out := make([]domain.RawMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		out = append(out, domain.RawMessage{
			ID:         m.MsgID,
			From:       m.From,
			To:         m.To,
			SentAt:     time.Time(m.Sent),
			ReceivedAt: time.Time(m.Received),
			Payload:    []byte(m.Text),
		})
	}
	return out, nil
}

type smsgSendResult struct {
	Result string `json:"result"`
	MsgID  string `json:"msgid"`
	Error  string `json:"error"`
}

// Send encodes env and sends it from one address to another. It returns
// the transport message id.
func (c *Client) Send(ctx context.Context, from, to string, env protocol.Envelope) (string, error) {
	payload, err := protocol.Encode(env)
	if err != nil {
		return "", fmt.Errorf("particl: smsgsend: %w", err)
	}
	var res smsgSendResult
	if err := c.call(ctx, &res, "smsgsend", from, to, string(payload), false, c.retention); err != nil {
		return "", err
	}
	if res.Result != "" && res.Result != "Sent." {
		msg := res.Error
		if msg == "" {
			msg = res.Result
		}
		return "", fmt.Errorf("particl: smsgsend: %w", &DaemonError{Code: -1, Message: msg})
	}
	return res.MsgID, nil
}

type addressBalance struct {
	Balance  int64 `json:"balance"`
	Received int64 `json:"received"`
}

// AddressWeight returns the confirmed balance of address in whole coins,
// rounded down. It is the vote weight of the address, so a balance under
// one coin gives weight 0.
func (c *Client) AddressWeight(ctx context.Context, address string) (int64, error) {
	var res addressBalance
	if err := c.call(ctx, &res, "getaddressbalance", map[string]any{"addresses": []string{address}}); err != nil {
		return 0, err
	}
	if res.Balance <= 0 {
		return 0, nil
	}
	return res.Balance / satoshisPerCoin, nil
}

// BlockCount returns the current chain height.
func (c *Client) BlockCount(ctx context.Context) (int64, error) {
	var n int64
	if err := c.call(ctx, &n, "getblockcount"); err != nil {
		return 0, err
	}
	return n, nil
}
