package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout           = 30 * time.Second
	DefaultProbeAttempts        = 3
	DefaultProbeInterval        = 2 * time.Second
	DefaultReconnectBaseDelay   = 2 * time.Second
	DefaultReconnectMaxAttempts = 3
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultPingInterval         = 30 * time.Second
	DefaultPingTimeout          = 60 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultRequestTimeout       = 10 * time.Second
	DefaultQueueSize            = 64
	DefaultBatchSize            = 50
	DefaultBatchTimeout         = 1 * time.Second
	DefaultMaxRedeliveries      = 3
	DefaultRetryBaseDelay       = 1 * time.Second
	DefaultRetryMaxDelay        = 5 * time.Second
	DefaultRetryMaxAttempts     = 3
	DefaultDedupWindow          = 1 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 10
	DefaultMinConns             = 2
	DefaultMetricsPort          = 9090
	DefaultMetricsPath          = "/metrics"
)

func (c *RelayConfig) applyDefaults() {
	// Server defaults
	if c.Server.Timeout == 0 {
		c.Server.Timeout = DefaultAPITimeout
	}

	// Platform defaults
	if c.Platform.ProbeAttempts == 0 {
		c.Platform.ProbeAttempts = DefaultProbeAttempts
	}
	if c.Platform.ProbeInterval == 0 {
		c.Platform.ProbeInterval = DefaultProbeInterval
	}

	// Connection defaults (ReconnectMaxDelay stays 0: uncapped)
	if c.Connection.ReconnectBaseDelay == 0 {
		c.Connection.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Connection.ReconnectMaxAttempts == 0 {
		c.Connection.ReconnectMaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.PingInterval == 0 {
		c.Connection.PingInterval = DefaultPingInterval
	}
	if c.Connection.PingTimeout == 0 {
		c.Connection.PingTimeout = DefaultPingTimeout
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.RequestTimeout == 0 {
		c.Connection.RequestTimeout = DefaultRequestTimeout
	}
	if c.Connection.QueueSize == 0 {
		c.Connection.QueueSize = DefaultQueueSize
	}

	// Batch defaults
	if c.Batch.Size == 0 {
		c.Batch.Size = DefaultBatchSize
	}
	if c.Batch.Timeout == 0 {
		c.Batch.Timeout = DefaultBatchTimeout
	}
	if c.Batch.MaxRedeliveries == nil {
		n := DefaultMaxRedeliveries
		c.Batch.MaxRedeliveries = &n
	}

	// Retry defaults
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}

	// Dedup defaults
	if c.Dedup.Window == 0 {
		c.Dedup.Window = DefaultDedupWindow
	}

	// Database defaults
	if c.Database.Enabled() {
		applyDBDefaults(&c.Database.Postgres)
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
