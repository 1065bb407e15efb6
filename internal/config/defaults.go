package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8000

	DefaultTokenURL = "https://authapi.flattrade.in/trade/apitoken"
	DefaultFeedURL  = "wss://piconnect.flattrade.in/PiConnectWSTp/"
	DefaultRestURL  = "https://piconnect.flattrade.in/PiConnectTP"

	DefaultAckTimeout         = 6 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultFrameBufferSize    = 1024
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second

	DefaultCacheTTL = 24 * time.Hour

	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second
	DefaultBufferSize    = 10000

	DefaultDBPort    = 5432
	DefaultDBSSLMode = "prefer"
	DefaultMaxConns  = 10
	DefaultMinConns  = 2
)

func (c *BridgeConfig) applyDefaults() {
	// Server defaults
	if c.Server.Host == "" {
		c.Server.Host = DefaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}

	// Auth defaults
	if c.Auth.TokenURL == "" {
		c.Auth.TokenURL = DefaultTokenURL
	}

	// Upstream defaults
	if c.Upstream.URL == "" {
		c.Upstream.URL = DefaultFeedURL
	}
	if c.Upstream.AckTimeout == 0 {
		c.Upstream.AckTimeout = DefaultAckTimeout
	}
	if c.Upstream.WriteTimeout == 0 {
		c.Upstream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Upstream.BufferSize == 0 {
		c.Upstream.BufferSize = DefaultFrameBufferSize
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}

	// Resolver defaults
	if c.Resolver.RestURL == "" {
		c.Resolver.RestURL = DefaultRestURL
	}
	if c.Resolver.CacheTTL == 0 {
		c.Resolver.CacheTTL = DefaultCacheTTL
	}

	// Recorder defaults
	if c.Recorder.BatchSize == 0 {
		c.Recorder.BatchSize = DefaultBatchSize
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = DefaultFlushInterval
	}
	if c.Recorder.BufferSize == 0 {
		c.Recorder.BufferSize = DefaultBufferSize
	}

	// Database defaults
	applyDBDefaults(&c.Database)
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
