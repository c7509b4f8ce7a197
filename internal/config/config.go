// Package config implements TOML configuration loading, validation,
// environment overrides, and live reload for synckit.
package config

import "time"

// Config is the top-level configuration structure as decoded from
// TOML. Duration-valued options are strings here ("15s", "10m");
// Resolve parses them into a typed Resolved.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Server  ServerConfig  `toml:"server"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // auto | text | json
}

// NetworkConfig controls the client transport.
type NetworkConfig struct {
	ServerURL         string `toml:"server_url"` // empty → local-only mode
	AuthToken         string `toml:"auth_token"`
	HeartbeatInterval string `toml:"heartbeat_interval"`
	ReconnectBase     string `toml:"reconnect_base"`
	ReconnectCap      string `toml:"reconnect_cap"`
	MaxSkew           string `toml:"max_skew"`
	SubscribeTimeout  string `toml:"subscribe_timeout"`
}

// StorageConfig selects and locates the client persistence backend.
type StorageConfig struct {
	Backend   string `toml:"backend"` // memory | bolt | sqlite
	DataDir   string `toml:"data_dir"`
	Namespace string `toml:"namespace"`
}

// SyncConfig controls client engine behavior.
type SyncConfig struct {
	QueueCap int `toml:"queue_cap"`
}

// ServerConfig controls the hub process.
type ServerConfig struct {
	ListenAddr         string `toml:"listen_addr"`
	DBPath             string `toml:"db_path"`
	AuthToken          string `toml:"auth_token"` // empty → open server
	RingSize           int    `toml:"ring_size"`
	CompactionInterval string `toml:"compaction_interval"`
	TombstoneRetention string `toml:"tombstone_retention"`
	SessionMaxAge      string `toml:"session_max_age"`
	HeartbeatTimeout   string `toml:"heartbeat_timeout"`
}

// Resolved is the validated configuration with durations parsed. All
// engine components consume this, never raw Config.
type Resolved struct {
	Logging LoggingConfig

	ServerURL         string
	AuthToken         string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxSkew           time.Duration
	SubscribeTimeout  time.Duration

	Backend   string
	DataDir   string
	Namespace string

	QueueCap int

	ListenAddr         string
	DBPath             string
	ServerAuthToken    string
	RingSize           int
	CompactionInterval time.Duration
	TombstoneRetention time.Duration
	SessionMaxAge      time.Duration
	HeartbeatTimeout   time.Duration
}
