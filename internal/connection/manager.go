package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chat-relay/internal/auth"
	"github.com/rickgao/chat-relay/internal/metrics"
	"github.com/rickgao/chat-relay/internal/transport"
)

// Validator checks the credential before every connect attempt.
type Validator interface {
	Validate(ctx context.Context, platform string) (auth.Session, error)
}

type domainHandler struct {
	event string
	fn    transport.Handler
}

// Manager runs the connection lifecycle for one logical session.
type Manager struct {
	cfg       Config
	validator Validator
	dial      DialFunc
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	// Serializes transport (re)initialization
	dialMu sync.Mutex

	mu        sync.Mutex
	state     State
	busy      bool   // An attempt owns the transport reference
	gen       uint64 // Bumped whenever the transport is detached or replaced
	conn      transport.Conn
	subs      []*transport.Subscription
	attempts  int
	validated bool // A validation has succeeded in this session
	announced bool // Connected notice sent

	handlers []domainHandler
	hooks    []func()
	queue    *Queue

	connects   int64
	reconnects int64
	flushed    int64

	// Side effects collected under mu, run after unlock
	effects []func()

	// For testing
	after func(time.Duration) <-chan time.Time
}

// NewManager creates a new Connection Manager. A nil dial uses a
// WebSocket transport.Client built from cfg.Transport.
func NewManager(cfg Config, validator Validator, dial DialFunc, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connection")
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if dial == nil {
		tcfg := cfg.Transport
		dial = func() transport.Conn {
			return transport.NewClient(tcfg, logger)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       cfg,
		validator: validator,
		dial:      dial,
		notifier:  notifier,
		metrics:   m,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateIdle,
		queue:     NewQueue(cfg.QueueSize),
		after:     time.After,
	}
}

// Connect starts the session. It returns once validation has been
// scheduled; progress is observable through State, notices and handlers.
func (m *Manager) Connect() error {
	m.mu.Lock()
	switch {
	case m.state == StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case m.state != StateIdle:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.setStateLocked(StateValidating)
	gen := m.gen
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("connecting", "endpoint", m.cfg.Endpoint, "platform", m.cfg.Platform)
	go m.attempt(gen)
	return nil
}

// Teardown moves the manager to Closed from any state. Repeated calls are
// no-ops. Handlers are released before the transport is closed and the
// outbound queue is cleared.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.logger.Info("tearing down connection", "state", m.state)
	m.closeLocked("")
	m.unlock()
}

// Stop tears down and waits for background work to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.Teardown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, abandoning connection goroutines")
		return ctx.Err()
	}
}

// Send emits event when connected and queues it otherwise. The payload is
// encoded up front; one that cannot be encoded is rejected with
// ErrInvalidPayload and never queued. While older events are still queued,
// new ones line up behind them so the server sees enqueue order.
func (m *Manager) Send(event string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}

	m.mu.Lock()
	defer m.unlock()

	if m.state == StateClosed {
		return ErrClosed
	}

	if m.state == StateConnected && m.conn != nil && m.queue.Len() == 0 {
		err := m.conn.Emit(event, data)
		if err == nil {
			return nil
		}
		// The socket is going away; the disconnect event will follow.
		m.logger.Debug("emit failed, queueing", "event", event, "error", err)
	}

	msg := m.queue.Enqueue(event, data)
	m.metrics.SetQueueDepth(m.queue.Len())
	m.logger.Debug("queued outbound event", "event", event, "id", msg.ID, "state", m.state)
	return nil
}

// Request emits event and waits for the server's reply. Only allowed while
// connected; requests are never queued.
func (m *Manager) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()

	return conn.Request(ctx, event, payload)
}

// Handle registers a domain event handler. It is attached to the current
// connection and to every connection after it. Handlers run on the
// transport's read goroutine.
func (m *Manager) Handle(event string, h transport.Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, domainHandler{event: event, fn: h})
	if m.conn != nil {
		m.subs = append(m.subs, m.conn.On(event, h))
	}
}

// OnConnected registers a hook run after every successful connect, once the
// outbound queue has been flushed.
func (m *Manager) OnConnected(hook func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed when the manager reaches Closed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// WaitClosed blocks until the manager reaches Closed or ctx is done.
func (m *Manager) WaitClosed(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		State:      m.state,
		Attempts:   m.attempts,
		Connects:   m.connects,
		Reconnects: m.reconnects,
		Queued:     m.queue.Len(),
		Flushed:    m.flushed,
	}
}

// attempt validates the credential and opens a fresh transport.
// The caller has done wg.Add(1).
func (m *Manager) attempt(gen uint64) {
	defer m.wg.Done()

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.gen != gen || m.state != StateValidating {
		m.mu.Unlock()
		return
	}
	m.busy = true
	m.mu.Unlock()

	session, err := m.validator.Validate(m.ctx, m.cfg.Platform)

	m.mu.Lock()
	if m.gen != gen || m.state != StateValidating {
		// Torn down while validating
		m.busy = false
		m.unlock()
		return
	}
	if err != nil {
		m.busy = false
		notice := NoticeLost
		if !m.validated {
			notice = NoticeSessionInvalid
		}
		m.logger.Warn("credential validation failed", "error", err, "attempt", m.attempts)
		m.closeLocked(notice)
		m.unlock()
		return
	}
	m.validated = true

	conn := m.dial()
	m.attachLocked(conn)
	m.setStateLocked(StateConnecting)
	gen = m.gen
	m.mu.Unlock()

	err = conn.Open(m.ctx, transport.OpenParams{
		Endpoint:  m.cfg.Endpoint,
		Token:     session.Token,
		Identity:  session.Identity,
		Platform:  m.cfg.Platform,
		Reconnect: false,
	})

	m.mu.Lock()
	m.busy = false
	switch {
	case m.conn != conn:
		// Detached while opening; nobody else will close it.
		m.effects = append(m.effects, func() { conn.Close() })
	case err != nil && m.gen == gen && m.state == StateConnecting:
		m.logger.Warn("connect failed", "error", err, "attempt", m.attempts)
		if transport.IsAuthError(err) {
			m.revalidateLocked()
		} else {
			m.scheduleReconnectLocked()
		}
	}
	m.unlock()
}

// attachLocked makes conn the current transport and registers lifecycle and
// domain handlers on it. Every lifecycle handler is bound to the generation
// it was registered for.
func (m *Manager) attachLocked(conn transport.Conn) {
	m.gen++
	gen := m.gen
	m.conn = conn

	m.subs = append(m.subs,
		conn.On(transport.EventConnect, func(transport.Event) { m.onConnect(gen) }),
		conn.On(transport.EventConnectError, func(ev transport.Event) {
			m.logger.Debug("transport connect_error", "error", ev.Err)
		}),
		conn.On(transport.EventDisconnect, func(ev transport.Event) { m.onDisconnect(gen, ev) }),
		conn.On(transport.EventError, func(ev transport.Event) { m.onError(gen, ev) }),
	)
	for _, h := range m.handlers {
		m.subs = append(m.subs, conn.On(h.event, h.fn))
	}
}

// detachLocked releases every handler and drops the transport reference.
// The transport is closed after unlock unless an attempt still owns it.
func (m *Manager) detachLocked() {
	for _, s := range m.subs {
		s.Unsubscribe()
	}
	m.subs = nil
	m.gen++

	conn := m.conn
	m.conn = nil
	if conn != nil && !m.busy {
		m.effects = append(m.effects, func() { conn.Close() })
	}
}

func (m *Manager) onConnect(gen uint64) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen || m.state != StateConnecting {
		return
	}

	m.setStateLocked(StateConnected)
	m.attempts = 0
	m.connects++

	conn := m.conn
	n, err := m.queue.Flush(func(msg QueuedMessage) error {
		return conn.Emit(msg.Event, msg.Payload)
	})
	m.flushed += int64(n)
	m.metrics.AddFlushed(n)
	m.metrics.SetQueueDepth(m.queue.Len())
	if err != nil {
		m.logger.Warn("outbound flush interrupted", "sent", n, "remaining", m.queue.Len(), "error", err)
	} else if n > 0 {
		m.logger.Info("flushed outbound queue", "count", n)
	}

	m.logger.Info("connected", "endpoint", m.cfg.Endpoint)
	if !m.announced {
		m.announced = true
		m.noticeLocked(NoticeConnected)
	}
	for _, hook := range m.hooks {
		m.effects = append(m.effects, hook)
	}
}

func (m *Manager) onDisconnect(gen uint64, ev transport.Event) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen {
		return
	}
	if m.state != StateConnected && m.state != StateConnecting {
		return
	}

	if transport.IsGraceful(ev.Reason) {
		m.logger.Info("connection closed", "reason", ev.Reason)
		m.closeLocked("")
		return
	}

	m.logger.Warn("connection lost", "reason", ev.Reason, "error", ev.Err)
	m.scheduleReconnectLocked()
}

func (m *Manager) onError(gen uint64, ev transport.Event) {
	m.mu.Lock()
	defer m.unlock()

	if gen != m.gen {
		return
	}
	if m.state != StateConnected && m.state != StateConnecting {
		return
	}

	switch {
	case transport.IsAuthError(ev.Err):
		m.logger.Warn("authentication error, revalidating", "error", ev.Err)
		m.revalidateLocked()
	case m.state == StateConnecting || transport.IsTransient(ev.Err):
		m.logger.Warn("transport error", "state", m.state, "error", ev.Err)
		m.scheduleReconnectLocked()
	default:
		m.logger.Error("transport error", "error", ev.Err)
	}
}

// scheduleReconnectLocked drops the transport and either gives up or waits
// for the next backoff delay before validating again.
func (m *Manager) scheduleReconnectLocked() {
	m.detachLocked()
	m.setStateLocked(StateReconnecting)

	if m.cfg.Reconnect.Exceeded(m.attempts) {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.attempts)
		m.closeLocked(NoticeLost)
		return
	}

	m.attempts++
	m.reconnects++
	m.metrics.IncReconnects()
	delay := m.cfg.Reconnect.NextDelay(m.attempts)
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)

	gen := m.gen
	wait := m.after(delay)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.ctx.Done():
			return
		case <-wait:
		}

		m.mu.Lock()
		if gen != m.gen || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateValidating)
		m.wg.Add(1)
		m.mu.Unlock()

		m.attempt(gen)
	}()
}

// revalidateLocked drops the transport and re-runs validation right away.
// Invalid goes to Closed; valid continues on the reconnect path.
func (m *Manager) revalidateLocked() {
	m.detachLocked()
	m.setStateLocked(StateReconnecting)

	gen := m.gen
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		_, err := m.validator.Validate(m.ctx, m.cfg.Platform)

		m.mu.Lock()
		defer m.unlock()
		if gen != m.gen || m.state != StateReconnecting {
			return
		}
		if err != nil {
			m.logger.Warn("session no longer valid", "error", err)
			m.closeLocked(NoticeSessionInvalid)
			return
		}
		m.scheduleReconnectLocked()
	}()
}

// closeLocked enters the terminal state.
func (m *Manager) closeLocked(notice NoticeKind) {
	if m.state == StateClosed {
		return
	}

	m.detachLocked()
	m.setStateLocked(StateClosed)
	m.cancel()

	if n := m.queue.Clear(); n > 0 {
		m.logger.Warn("discarded queued outbound events", "count", n)
	}
	m.metrics.SetQueueDepth(0)
	close(m.done)

	if notice != "" {
		m.noticeLocked(notice)
	}
}

func (m *Manager) noticeLocked(kind NoticeKind) {
	n := newNotice(kind)
	m.effects = append(m.effects, func() { m.notifier.Notify(n) })
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("state transition", "from", m.state, "to", s)
	m.state = s
	m.metrics.SetState(int(s), s.String())
}

// unlock releases mu and runs the side effects collected while it was held.
func (m *Manager) unlock() {
	effects := m.effects
	m.effects = nil
	m.mu.Unlock()

	for _, f := range effects {
		f()
	}
}
