package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Backend names accepted in [storage].
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Resolve validates cfg and parses its duration strings into a typed
// Resolved. Error messages name the offending key so users can fix
// the file without reading source.
func Resolve(cfg *Config) (*Resolved, error) {
	r := &Resolved{
		Logging:         cfg.Logging,
		ServerURL:       cfg.Network.ServerURL,
		AuthToken:       cfg.Network.AuthToken,
		Backend:         cfg.Storage.Backend,
		DataDir:         cfg.Storage.DataDir,
		Namespace:       cfg.Storage.Namespace,
		QueueCap:        cfg.Sync.QueueCap,
		ListenAddr:      cfg.Server.ListenAddr,
		DBPath:          cfg.Server.DBPath,
		ServerAuthToken: cfg.Server.AuthToken,
		RingSize:        cfg.Server.RingSize,
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("config: logging.log_level %q (want debug, info, warn or error)", cfg.Logging.LogLevel)
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		return nil, fmt.Errorf("config: logging.log_format %q (want auto, text or json)", cfg.Logging.LogFormat)
	}

	if cfg.Network.ServerURL != "" {
		u, err := url.Parse(cfg.Network.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("config: network.server_url: %w", err)
		}

		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return nil, fmt.Errorf("config: network.server_url scheme %q (want ws, wss, http or https)", u.Scheme)
		}
	}

	switch cfg.Storage.Backend {
	case BackendMemory, BackendBolt, BackendSQLite:
	default:
		return nil, fmt.Errorf("config: storage.backend %q (want memory, bolt or sqlite)", cfg.Storage.Backend)
	}

	if cfg.Storage.Namespace == "" {
		return nil, fmt.Errorf("config: storage.namespace must not be empty")
	}

	if cfg.Sync.QueueCap <= 0 {
		return nil, fmt.Errorf("config: sync.queue_cap %d (want > 0)", cfg.Sync.QueueCap)
	}

	if cfg.Server.RingSize <= 0 {
		return nil, fmt.Errorf("config: server.ring_size %d (want > 0)", cfg.Server.RingSize)
	}

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"network.heartbeat_interval", cfg.Network.HeartbeatInterval, &r.HeartbeatInterval},
		{"network.reconnect_base", cfg.Network.ReconnectBase, &r.ReconnectBase},
		{"network.reconnect_cap", cfg.Network.ReconnectCap, &r.ReconnectCap},
		{"network.max_skew", cfg.Network.MaxSkew, &r.MaxSkew},
		{"network.subscribe_timeout", cfg.Network.SubscribeTimeout, &r.SubscribeTimeout},
		{"server.compaction_interval", cfg.Server.CompactionInterval, &r.CompactionInterval},
		{"server.tombstone_retention", cfg.Server.TombstoneRetention, &r.TombstoneRetention},
		{"server.session_max_age", cfg.Server.SessionMaxAge, &r.SessionMaxAge},
		{"server.heartbeat_timeout", cfg.Server.HeartbeatTimeout, &r.HeartbeatTimeout},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("config: %s %q: %w", d.key, d.value, err)
		}

		if parsed <= 0 {
			return nil, fmt.Errorf("config: %s must be positive, got %q", d.key, d.value)
		}

		*d.dst = parsed
	}

	if r.ReconnectBase > r.ReconnectCap {
		return nil, fmt.Errorf("config: network.reconnect_base exceeds network.reconnect_cap")
	}

	if r.DataDir == "" {
		dataDir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		r.DataDir = dataDir
	}

	if r.DBPath == "" {
		r.DBPath = filepath.Join(r.DataDir, "server.db")
	}

	return r, nil
}
