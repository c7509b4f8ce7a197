package config

// Default values for configuration options. These are the "layer 0"
// of the override chain: defaults, then config file, then environment,
// then CLI flags.
const (
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
	defaultHeartbeatInterval  = "15s"
	defaultReconnectBase      = "500ms"
	defaultReconnectCap       = "30s"
	defaultMaxSkew            = "5m"
	defaultSubscribeTimeout   = "30s"
	defaultBackend            = "bolt"
	defaultNamespace          = "default"
	defaultQueueCap           = 10000
	defaultListenAddr         = "127.0.0.1:8722"
	defaultRingSize           = 1000
	defaultCompactionInterval = "10m"
	defaultTombstoneRetention = "168h" // 7 days
	defaultSessionMaxAge      = "24h"
	defaultHeartbeatTimeout   = "30s"
)

// DefaultConfig returns a Config populated with all default values.
// Used as the starting point for TOML decoding (unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			HeartbeatInterval: defaultHeartbeatInterval,
			ReconnectBase:     defaultReconnectBase,
			ReconnectCap:      defaultReconnectCap,
			MaxSkew:           defaultMaxSkew,
			SubscribeTimeout:  defaultSubscribeTimeout,
		},
		Storage: StorageConfig{
			Backend:   defaultBackend,
			Namespace: defaultNamespace,
		},
		Sync: SyncConfig{
			QueueCap: defaultQueueCap,
		},
		Server: ServerConfig{
			ListenAddr:         defaultListenAddr,
			RingSize:           defaultRingSize,
			CompactionInterval: defaultCompactionInterval,
			TombstoneRetention: defaultTombstoneRetention,
			SessionMaxAge:      defaultSessionMaxAge,
			HeartbeatTimeout:   defaultHeartbeatTimeout,
		},
	}
}
