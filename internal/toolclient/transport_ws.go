package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCallTimeout      = 30 * time.Second
	defaultReconnectInitial = 200 * time.Millisecond
	defaultReconnectMax     = 5
	reconnectFactor         = 2
	maxPayloadBytes         = 1 << 20
)

// WSConfig configures a websocket transport.
type WSConfig struct {
	// Endpoint is the ws:// or wss:// URL of the tool server.
	Endpoint string

	// Bearer is the caller's credential, sent as an Authorization header on
	// the dial. Empty means explicit unauthenticated mode.
	Bearer string

	// Handshake runs on every established connection, initial and
	// reconnect, before the connection serves ordinary calls.
	Handshake func(ctx context.Context, call RawCall) error

	// HandshakeTimeout bounds the dial plus handshake. Default: 10s.
	HandshakeTimeout time.Duration

	// CallTimeout bounds a single request/response when the caller's
	// context carries no tighter deadline. Default: 30s.
	CallTimeout time.Duration

	// ReconnectInitial is the first reconnect backoff delay, doubled per
	// attempt. Default: 200ms.
	ReconnectInitial time.Duration

	// ReconnectMaxAttempts caps reconnect attempts after a drop.
	// Default: 5.
	ReconnectMaxAttempts int

	Logger *slog.Logger
}

func (c WSConfig) withDefaults() WSConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = defaultReconnectInitial
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = defaultReconnectMax
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// wsConn is one live websocket connection. Each connection owns its pending
// map: a response can only arrive on the connection its request was written
// to, so correlation state never crosses a reconnect.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	dead     chan struct{}
	deadOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn:    conn,
		pending: make(map[string]chan *Response),
		dead:    make(chan struct{}),
	}
}

// errStaleConn marks a request that was never written because the connection
// had already died. Unlike a post-write failure it is safe to resend.
var errStaleConn = errors.New("stale connection")

func (c *wsConn) register(id string) (chan *Response, error) {
	select {
	case <-c.dead:
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, errStaleConn)
	default:
	}
	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch, nil
}

func (c *wsConn) deregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *wsConn) deliver(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

// markDead wakes every in-flight call on this connection.
func (c *wsConn) markDead() {
	c.deadOnce.Do(func() { close(c.dead) })
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// WSTransport implements Transport over a persistent websocket. Writes are
// serialized with a mutex (the stream is not multiplexed) while responses
// are matched by correlation ID, so concurrent callers interleave safely.
// A dropped stream is re-dialed lazily on the next call with exponential
// backoff; authentication rejections abort reconnection immediately.
type WSTransport struct {
	config WSConfig
	logger *slog.Logger

	connMu  sync.RWMutex
	current *wsConn

	connected atomic.Bool
	closed    atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewWSTransport creates a websocket transport for the given endpoint.
func NewWSTransport(config WSConfig) *WSTransport {
	config = config.withDefaults()
	return &WSTransport{
		config: config,
		logger: config.Logger.With("component", "toolclient", "endpoint", config.Endpoint),
		stop:   make(chan struct{}),
	}
}

// Connect establishes the initial connection and runs the handshake. Unlike
// the reconnect path it makes a single attempt; the caller decides whether
// a fresh session is worth retrying.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.connected.Load() {
		return nil
	}
	return t.connectLocked(ctx)
}

// Call sends a request and waits for the correlated response, restoring the
// connection first if the stream has dropped. A request that died before it
// was written is resent on a fresh connection once; a request that was
// already on the wire when the stream dropped fails instead, since the
// server may have executed it.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	for attempt := 0; ; attempt++ {
		if err := t.ensureConnected(ctx); err != nil {
			return nil, err
		}

		t.connMu.RLock()
		c := t.current
		t.connMu.RUnlock()
		if c == nil {
			if attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: connection lost", ErrNotConnected)
		}

		result, err := t.callOn(ctx, c, method, params)
		if err != nil && attempt == 0 && errors.Is(err, errStaleConn) && ctx.Err() == nil {
			// The read loop may not have retired the dead connection
			// yet; do it here so the next pass reconnects.
			t.dropConn(c)
			continue
		}
		return result, err
	}
}

// Close tears down the transport and wakes all waiters.
func (t *WSTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.stop)

	t.connMu.Lock()
	c := t.current
	t.current = nil
	t.connected.Store(false)
	t.connMu.Unlock()

	if c != nil {
		c.conn.Close()
	}
	t.wg.Wait()
	return nil
}

// Connected reports whether the stream is currently up.
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// dial opens the websocket with the caller's bearer header. A 401/403 on the
// upgrade is an authentication rejection, not a connection failure.
func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.config.HandshakeTimeout}
	header := http.Header{}
	if t.config.Bearer != "" {
		header.Set("Authorization", "Bearer "+t.config.Bearer)
	}

	conn, resp, err := dialer.DialContext(ctx, t.config.Endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Endpoint: t.config.Endpoint, Reason: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, t.config.Endpoint, err)
	}
	conn.SetReadLimit(maxPayloadBytes)
	return conn, nil
}

// connectLocked dials, starts the read loop, and runs the handshake before
// publishing the connection. Caller holds t.connMu.
func (t *WSTransport) connectLocked(ctx context.Context) error {
	raw, err := t.dial(ctx)
	if err != nil {
		return err
	}

	c := newWSConn(raw)
	t.wg.Add(1)
	go t.readLoop(c)

	if t.config.Handshake != nil {
		hctx, cancel := context.WithTimeout(ctx, t.config.HandshakeTimeout)
		err := t.config.Handshake(hctx, func(ctx context.Context, method string, params any) (json.RawMessage, error) {
			return t.callOn(ctx, c, method, params)
		})
		cancel()
		if err != nil {
			raw.Close()
			return err
		}
	}

	t.current = c
	t.connected.Store(true)
	return nil
}

// ensureConnected restores a dropped connection with exponential backoff.
// Connection-level failures are retried up to the attempt cap; an
// authentication rejection aborts immediately and is never retried.
func (t *WSTransport) ensureConnected(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if t.connected.Load() {
		return nil
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.connected.Load() {
		return nil
	}

	delay := t.config.ReconnectInitial
	var lastErr error
	for attempt := 1; attempt <= t.config.ReconnectMaxAttempts; attempt++ {
		err := t.connectLocked(ctx)
		if err == nil {
			if attempt > 1 {
				t.logger.Info("reconnected to tool server", "attempt", attempt)
			}
			return nil
		}
		if IsAuthError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if attempt < t.config.ReconnectMaxAttempts {
			t.logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"backoff", delay,
				"error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-t.stop:
				return ErrClosed
			}
			delay *= reconnectFactor
		}
	}
	return fmt.Errorf("%w: reconnect failed after %d attempts: %v", ErrNotConnected, t.config.ReconnectMaxAttempts, lastErr)
}

// callOn issues one request on a specific connection and waits for its
// correlated response.
func (t *WSTransport) callOn(ctx context.Context, c *wsConn, method string, params any) (json.RawMessage, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		req.Params = data
	}

	respChan, err := c.register(req.ID)
	if err != nil {
		return nil, err
	}
	defer c.deregister(req.ID)

	// A failed write tears the connection down; closing it here unblocks
	// the read loop, which retires the connection from its own goroutine.
	// callOn may run under connMu (handshake), so it must not take it.
	if err := c.writeJSON(req); err != nil {
		c.markDead()
		c.conn.Close()
		return nil, fmt.Errorf("%w: write %s: %v", ErrNotConnected, method, err)
	}

	select {
	case resp := <-respChan:
		return t.unpack(resp)
	case <-c.dead:
		// The response may have been delivered just before the stream
		// died; prefer it over reporting the loss.
		select {
		case resp := <-respChan:
			return t.unpack(resp)
		default:
			return nil, fmt.Errorf("%w: connection lost awaiting %s", ErrNotConnected, method)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(t.config.CallTimeout):
		return nil, fmt.Errorf("toolclient: %s timed out after %v: %w", method, t.config.CallTimeout, context.DeadlineExceeded)
	case <-t.stop:
		return nil, ErrClosed
	}
}

func (t *WSTransport) unpack(resp *Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, rpcErrorToError(t.config.Endpoint, "", resp.Error)
	}
	return resp.Result, nil
}

// readLoop pumps responses off one connection until it dies.
func (t *WSTransport) readLoop(c *wsConn) {
	defer t.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.markDead()
			t.dropConn(c)
			if !t.closed.Load() {
				t.logger.Warn("tool server stream dropped", "error", err)
			}
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("malformed frame from tool server", "error", err)
			continue
		}
		if resp.ID == "" {
			// Server notification; this client has no use for them.
			continue
		}
		c.deliver(&resp)
	}
}

// dropConn retires a connection if it is still the current one.
func (t *WSTransport) dropConn(c *wsConn) {
	t.connMu.Lock()
	if t.current == c {
		t.current = nil
		t.connected.Store(false)
	}
	t.connMu.Unlock()
}
