package connection

import (
	"errors"
	"log/slog"
	"time"

	"github.com/rickgao/chat-relay/internal/backoff"
	"github.com/rickgao/chat-relay/internal/transport"
)

// Errors
var (
	ErrClosed         = errors.New("connection manager closed")
	ErrAlreadyStarted = errors.New("connection manager already started")
	ErrNotConnected   = errors.New("not connected")
	ErrInvalidPayload = errors.New("payload cannot be encoded")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed // Reserved for reporting; the manager never enters it
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NoticeKind identifies a user-visible notification.
type NoticeKind string

const (
	NoticeConnected      NoticeKind = "connected"
	NoticeLost           NoticeKind = "lost"
	NoticeSessionInvalid NoticeKind = "session_invalid"
)

// Notice is a user-visible notification.
type Notice struct {
	Kind    NoticeKind
	Message string
	At      time.Time
}

var noticeMessages = map[NoticeKind]string{
	NoticeConnected:      "real-time updates enabled",
	NoticeLost:           "lost connection to server, please retry",
	NoticeSessionInvalid: "session is no longer valid, please sign in again",
}

func newNotice(kind NoticeKind) Notice {
	return Notice{Kind: kind, Message: noticeMessages[kind], At: time.Now()}
}

// Notifier receives user-visible notifications.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to a logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(n Notice) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if n.Kind == NoticeConnected {
		logger.Info(n.Message, "notice", n.Kind)
		return
	}
	logger.Warn(n.Message, "notice", n.Kind)
}

// DialFunc creates a fresh transport for one connect attempt.
type DialFunc func() transport.Conn

// Config configures the Connection Manager.
type Config struct {
	Endpoint  string           // WebSocket URL (e.g., wss://relay.example.com/ws)
	Platform  string           // Bridged platform identifier passed to validation and open
	Reconnect backoff.Policy   // Reconnect backoff
	Transport transport.Config // Used by the default DialFunc
	QueueSize int              // Initial outbound queue capacity
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Reconnect: backoff.Policy{
			Base:        2 * time.Second,
			MaxAttempts: 3,
		},
		Transport: transport.DefaultConfig(),
		QueueSize: 64,
	}
}

// Stats provides statistics about the connection manager.
type Stats struct {
	State      State
	Attempts   int   // Reconnect attempts since the last successful connect
	Connects   int64 // Successful opens
	Reconnects int64 // Scheduled reconnects
	Queued     int   // Outbound messages waiting for a connection
	Flushed    int64 // Outbound messages sent from the queue
}
