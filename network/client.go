package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

var errNotConnected = errors.New("network: client not connected")

const (
	defaultWriteTimeout = 10 * time.Second
	maxMessageBytes     = 4 << 20
)

type pendingCall struct {
	req      Request
	callback func(Response)
}

// Client speaks JSON-RPC over a websocket to a wallet server. Replies and
// subscription notifications are delivered to callbacks on the read
// goroutine started by Run, so callbacks must not block.
type Client struct {
	url          string
	dialOpts     *websocket.DialOptions
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *clientMetrics

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]pendingCall
	subs    map[string]func(Response)

	connected atomic.Bool
}

// Option customises a Client.
type Option func(*Client)

// WithDialOptions overrides the websocket dial options (TLS client, headers).
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) { c.dialOpts = opts }
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// NewClient constructs an unconnected client for url (ws:// or wss://).
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:          strings.TrimSpace(url),
		writeTimeout: defaultWriteTimeout,
		logger:       slog.Default(),
		metrics:      defaultClientMetrics(),
		pending:      make(map[string]pendingCall),
		subs:         make(map[string]func(Response)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to the server. Run must then be called to process replies.
func (c *Client) Dial(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("nil network client")
	}
	conn, _, err := websocket.Dial(ctx, c.url, c.dialOpts)
	if err != nil {
		return fmt.Errorf("network: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(maxMessageBytes)
	c.attach(conn)
	return nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.metrics.connected.Set(1)
}

// IsConnected reports whether the websocket is established.
func (c *Client) IsConnected() bool {
	return c != nil && c.connected.Load()
}

// Close tears down the websocket.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closed")
}

// Send writes each request and arranges for callback to be invoked with its
// reply. Requests whose method ends in ".subscribe" additionally route later
// notifications carrying the same first parameter to callback.
func (c *Client) Send(reqs []Request, callback func(Response)) error {
	for _, req := range reqs {
		if _, err := c.send(req, callback); err != nil {
			return err
		}
	}
	return nil
}

// Call sends a single request and waits for its reply.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	replies := make(chan Response, 1)
	id, err := c.send(Request{Method: method, Params: params}, func(resp Response) {
		select {
		case replies <- resp:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-replies:
		if err := resp.Err(); err != nil {
			return nil, fmt.Errorf("network: %s: %w", method, err)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) send(req Request, callback func(Response)) (string, error) {
	if c == nil {
		return "", fmt.Errorf("nil network client")
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return "", errNotConnected
	}
	id := uuid.NewString()
	payload, err := json.Marshal(wireRequest{JSONRPC: "2.0", ID: id, Method: req.Method, Params: normaliseParams(req.Params)})
	if err != nil {
		return "", fmt.Errorf("network: encode %s: %w", req.Method, err)
	}

	c.mu.Lock()
	c.pending[id] = pendingCall{req: req, callback: callback}
	if key, ok := subscriptionKey(req); ok && callback != nil {
		c.subs[key] = callback
	}
	c.metrics.pending.Set(float64(len(c.pending)))
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		c.forget(id)
		return "", fmt.Errorf("network: write %s: %w", req.Method, err)
	}
	c.metrics.requests.WithLabelValues(req.Method).Inc()
	return id, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.metrics.pending.Set(float64(len(c.pending)))
	c.mu.Unlock()
}

// Run reads from the websocket until the context is cancelled or the
// connection fails. Outstanding calls receive ErrConnectionClosed.
func (c *Client) Run(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("nil network client")
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	defer c.shutdown()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.metrics.responses.WithLabelValues("malformed").Inc()
		c.logger.Warn("network: malformed message", "error", err)
		return
	}
	if id := decodeID(msg.ID); id != "" {
		c.mu.Lock()
		call, ok := c.pending[id]
		delete(c.pending, id)
		c.metrics.pending.Set(float64(len(c.pending)))
		c.mu.Unlock()
		if !ok {
			c.metrics.responses.WithLabelValues("orphan").Inc()
			return
		}
		outcome := "result"
		if msg.Error != nil {
			outcome = "error"
		}
		c.metrics.responses.WithLabelValues(outcome).Inc()
		params, err := encodeParams(call.req.Params)
		if err != nil {
			params = nil
		}
		if call.callback != nil {
			call.callback(Response{
				ID:     id,
				Method: call.req.Method,
				Params: params,
				Result: msg.Result,
				Error:  msg.Error,
			})
		}
		return
	}
	if msg.Method == "" {
		c.metrics.responses.WithLabelValues("malformed").Inc()
		return
	}
	resp := Response{Method: msg.Method, Notification: true}
	if n := len(msg.Params); n > 0 {
		resp.Params = msg.Params[:n-1]
		resp.Result = msg.Params[n-1]
	}
	c.metrics.notifications.WithLabelValues(msg.Method).Inc()
	key := msg.Method
	if first, ok := resp.StringParam(0); ok {
		key = msg.Method + "|" + first
	}
	c.mu.Lock()
	callback := c.subs[key]
	c.mu.Unlock()
	if callback == nil {
		c.logger.Debug("network: notification without subscriber", "method", msg.Method)
		return
	}
	callback(resp)
}

func (c *Client) shutdown() {
	c.connected.Store(false)
	c.metrics.connected.Set(0)
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	c.subs = make(map[string]func(Response))
	c.conn = nil
	c.metrics.pending.Set(0)
	c.mu.Unlock()
	for id, call := range pending {
		if call.callback == nil {
			continue
		}
		call.callback(Response{
			ID:     id,
			Method: call.req.Method,
			Error:  &RPCError{Message: ErrConnectionClosed.Error()},
		})
	}
}

func subscriptionKey(req Request) (string, bool) {
	if !strings.HasSuffix(req.Method, ".subscribe") {
		return "", false
	}
	if len(req.Params) == 0 {
		return req.Method, true
	}
	first, ok := req.Params[0].(string)
	if !ok {
		return req.Method, true
	}
	return req.Method + "|" + first, true
}

func normaliseParams(params []any) []any {
	if params == nil {
		return []any{}
	}
	return params
}
