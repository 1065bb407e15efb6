// Package config loads and validates bridge configuration from YAML
// with ${ENV_VAR} substitution for secrets.
package config

import "time"

// BridgeConfig is the root configuration for a bridge instance.
type BridgeConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Resolver ResolverConfig `yaml:"resolver"`
	Redis    RedisConfig    `yaml:"redis"`
	Recorder RecorderConfig `yaml:"recorder"`
	Database DBConfig       `yaml:"database"`
}

// ServerConfig configures the viewer-facing HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AuthConfig configures the Flattrade token exchange. Optional: when
// viewers bring their own session tokens the exchange is never used.
type AuthConfig struct {
	TokenURL  string `yaml:"token_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

// UpstreamConfig configures the broker feed connection.
type UpstreamConfig struct {
	URL    string `yaml:"url"`
	UserID string `yaml:"user_id"`

	AckTimeout   time.Duration `yaml:"ack_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BufferSize   int           `yaml:"buffer_size"`

	// DisableReconnect turns automatic redial off; the zero value keeps
	// sessions reconnecting with backoff after a lost feed.
	DisableReconnect   bool          `yaml:"disable_reconnect"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

// ResolverConfig configures symbol-to-token resolution.
type ResolverConfig struct {
	RestURL  string        `yaml:"rest_url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// RedisConfig configures the optional shared scrip-token cache.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RecorderConfig configures the optional tick recorder.
type RecorderConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig configures one PostgreSQL connection pool.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
