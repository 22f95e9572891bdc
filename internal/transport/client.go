package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/chat-relay/internal/version"
)

// Conn is a single-use full-duplex event channel.
type Conn interface {
	// On registers a handler for an event name.
	On(event string, h Handler) *Subscription

	// Open dials the server. The outcome is also reported to the connect or
	// connect_error handlers.
	Open(ctx context.Context, p OpenParams) error

	// Emit sends an event without waiting for an answer.
	Emit(event string, payload any) error

	// Request sends an event and waits for the server's reply.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)

	// Close ends the session.
	Close() error

	// Connected returns current connection state.
	Connected() bool
}

// Client implements Conn over a WebSocket.
type Client struct {
	cfg    Config
	logger *slog.Logger
	connID string

	handlers *handlerSet

	conn *websocket.Conn
	done chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu           sync.RWMutex
	opened       bool
	connected    bool
	disconnected bool // Disconnect already reported
	closed       bool
	lastPingAt   time.Time

	// Request/reply correlation
	pendingMu sync.Mutex
	pending   map[int64]chan frame
	frameID   atomic.Int64
}

// NewClient creates a new WebSocket client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	connID := uuid.NewString()

	return &Client{
		cfg:      cfg,
		logger:   logger.With("conn_id", connID),
		connID:   connID,
		handlers: newHandlerSet(),
		done:     make(chan struct{}),
		pending:  make(map[int64]chan frame),
	}
}

// ID returns the connection ID sent to the server.
func (c *Client) ID() string {
	return c.connID
}

// On registers h for event.
func (c *Client) On(event string, h Handler) *Subscription {
	return c.handlers.add(event, h)
}

// Open establishes the WebSocket connection.
func (c *Client) Open(ctx context.Context, p OpenParams) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	if c.opened {
		c.mu.Unlock()
		return errors.New("client already opened")
	}
	c.opened = true
	c.mu.Unlock()

	if p.Reconnect {
		return c.failOpen(errors.New("transport-level reconnect is not supported"))
	}

	target, err := buildURL(p)
	if err != nil {
		return c.failOpen(err)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	header.Set("X-Connection-ID", c.connID)
	header.Set("User-Agent", version.UserAgent())
	if p.Token != "" {
		header.Set("Authorization", "Bearer "+p.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return c.failOpen(err)
	}

	c.mu.Lock()
	if c.closed {
		// Close raced with the dial.
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.connected = true
	c.lastPingAt = time.Now()
	c.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		c.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	c.logger.Debug("websocket connected", "url", p.Endpoint, "platform", p.Platform)
	c.dispatch(Event{Name: EventConnect, ReceivedAt: time.Now()})

	return nil
}

// failOpen reports a failed open to connect_error handlers.
func (c *Client) failOpen(err error) error {
	c.logger.Debug("websocket connect failed", "error", err)
	c.dispatch(Event{Name: EventConnectError, Err: err, ReceivedAt: time.Now()})
	return err
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	report := c.conn != nil && !c.disconnected
	c.disconnected = true
	conn := c.conn
	c.mu.Unlock()

	// Signal goroutines to stop
	close(c.done)
	c.failPending()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = conn.Close()
	}

	if report {
		c.dispatch(Event{Name: EventDisconnect, Reason: ReasonClientDisconnect, ReceivedAt: time.Now()})
	}
	return err
}

// Emit sends an event without waiting for a reply.
func (c *Client) Emit(event string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(frame{Event: event, Data: data})
}

// Request sends an event and waits for the matching reply frame.
func (c *Client) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id := c.frameID.Add(1)
	respCh := make(chan frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.send(frame{ID: id, Event: event, Data: data}); err != nil {
		return nil, err
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok && c.cfg.RequestTimeout > 0 {
		timer := time.NewTimer(c.cfg.RequestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, ErrTimeout
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Data, nil
	}
}

// Connected returns the current connection state.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// send writes one frame.
func (c *Client) send(f frame) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.RUnlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames and dispatches them until the socket goes away.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-c.done:
				return
			default:
			}

			if websocket.IsCloseError(err, CloseUnauthorized) {
				c.dispatch(Event{
					Name:       EventError,
					Err:        fmt.Errorf("%w: session closed by server", ErrUnauthorized),
					ReceivedAt: receivedAt,
				})
			}
			c.drop(disconnectReason(err), err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			if err == nil {
				err = errors.New("frame has no event name")
			}
			c.logger.Warn("malformed frame", "error", err, "bytes", len(data))
			c.dispatch(Event{
				Name:       EventError,
				Err:        fmt.Errorf("decode frame: %w", err),
				ReceivedAt: receivedAt,
			})
			continue
		}

		switch {
		case f.Event == eventReply && f.ReplyTo != 0:
			c.routeReply(f)
		case f.Event == EventError:
			var cause error = &RemoteError{Code: "unknown", Message: "error event without details"}
			if f.Error != nil {
				cause = f.Error
			}
			c.dispatch(Event{Name: EventError, Data: f.Data, Err: cause, ReceivedAt: receivedAt})
		default:
			c.dispatch(Event{Name: f.Event, Data: f.Data, ReceivedAt: receivedAt})
		}
	}
}

// heartbeatLoop pings the server and detects stale connections.
func (c *Client) heartbeatLoop() {
	interval := c.cfg.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			lastPing := c.lastPingAt
			stopped := c.disconnected
			c.mu.RUnlock()

			if stopped {
				return
			}

			c.writeMu.Lock()
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
			c.writeMu.Unlock()

			if c.cfg.PingTimeout > 0 && time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				c.drop(ReasonPingTimeout, ErrStaleConnection)
				return
			}
		}
	}
}

// drop tears down a connection that failed underneath us and reports the
// disconnect once.
func (c *Client) drop(reason string, cause error) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	c.failPending()
	if conn != nil {
		conn.Close()
	}

	c.logger.Debug("websocket disconnected", "reason", reason, "error", cause)
	c.dispatch(Event{Name: EventDisconnect, Reason: reason, Err: cause, ReceivedAt: time.Now()})
}

// routeReply hands a reply frame to the waiting Request.
func (c *Client) routeReply(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ReplyTo]
	if ok {
		delete(c.pending, f.ReplyTo)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- f:
		default:
		}
	}
}

// failPending wakes every waiting Request.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// dispatch calls the handlers registered for ev.Name, in order.
func (c *Client) dispatch(ev Event) {
	for _, h := range c.handlers.get(ev.Name) {
		h(ev)
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// disconnectReason maps a read error to a disconnect reason.
func disconnectReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, CloseUnauthorized:
			return ReasonServerDisconnect
		}
		return ReasonTransportClose
	}
	return ReasonTransportError
}

// buildURL adds identity and platform to the endpoint query.
func buildURL(p OpenParams) (string, error) {
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	q := u.Query()
	if p.Identity != "" {
		q.Set("identity", p.Identity)
	}
	if p.Platform != "" {
		q.Set("platform", p.Platform)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
