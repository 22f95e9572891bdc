package config

import (
	"time"

	"github.com/rickgao/chat-relay/internal/backoff"
)

// RelayConfig is the root configuration for a relay instance.
type RelayConfig struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Platform   PlatformConfig   `yaml:"platform"`
	Connection ConnectionConfig `yaml:"connection"`
	Batch      BatchConfig      `yaml:"batch"`
	Retry      RetryConfig      `yaml:"retry"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// InstanceConfig identifies this relay.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ServerConfig holds relay server endpoints.
type ServerConfig struct {
	WSURL   string        `yaml:"ws_url"`   // Real-time channel (ws:// or wss://)
	RestURL string        `yaml:"rest_url"` // REST API, used for platform readiness probes
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig holds the credential. Token takes precedence over TokenFile.
type SessionConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"` // Re-read on every connect attempt
	Identity  string `yaml:"identity"`   // Defaults to the token subject
}

// PlatformConfig selects the bridged platform.
type PlatformConfig struct {
	Name          string        `yaml:"name"`
	Probe         []string      `yaml:"probe"` // Platforms that need a readiness probe
	ProbeAttempts int           `yaml:"probe_attempts"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

// ConnectionConfig holds connection manager settings.
type ConnectionConfig struct {
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"` // 0 = uncapped
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	QueueSize            int           `yaml:"queue_size"`
}

// ReconnectPolicy returns the reconnect backoff.
func (c ConnectionConfig) ReconnectPolicy() backoff.Policy {
	return backoff.Policy{
		Base:        c.ReconnectBaseDelay,
		Max:         c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}

// BatchConfig holds inbound batcher settings.
type BatchConfig struct {
	Size            int           `yaml:"size"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRedeliveries *int          `yaml:"max_redeliveries"` // 0 = drop a failed batch
}

// Redeliveries returns MaxRedeliveries or the default when unset.
func (c BatchConfig) Redeliveries() int {
	if c.MaxRedeliveries == nil {
		return DefaultMaxRedeliveries
	}
	return *c.MaxRedeliveries
}

// RetryConfig holds acknowledgment retry settings.
type RetryConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Policy returns the acknowledgment backoff.
func (c RetryConfig) Policy() backoff.Policy {
	return backoff.Policy{
		Base:        c.BaseDelay,
		Max:         c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
	}
}

// DedupConfig holds inbound dedup settings.
type DedupConfig struct {
	Window time.Duration `yaml:"window"` // Negative disables dedup
}

// DatabaseConfig holds the optional sink database. Batches are only logged
// when Host is empty.
type DatabaseConfig struct {
	Postgres DBConfig `yaml:"postgres"`
}

// Enabled reports whether a database sink is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Postgres.Host != ""
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
