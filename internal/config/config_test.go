package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	resolved, err := Load(filepath.Join(t.TempDir(), "nope.toml"), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "info", resolved.Logging.LogLevel)
	assert.Equal(t, BackendBolt, resolved.Backend)
	assert.Equal(t, 15*time.Second, resolved.HeartbeatInterval)
	assert.Equal(t, 500*time.Millisecond, resolved.ReconnectBase)
	assert.Equal(t, 30*time.Second, resolved.ReconnectCap)
	assert.Equal(t, 5*time.Minute, resolved.MaxSkew)
	assert.Equal(t, 10000, resolved.QueueCap)
	assert.Equal(t, 1000, resolved.RingSize)
	assert.Equal(t, 7*24*time.Hour, resolved.TombstoneRetention)
	assert.Equal(t, "", resolved.ServerURL, "default is local-only")
	assert.NotEmpty(t, resolved.DataDir)
	assert.NotEmpty(t, resolved.DBPath)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[logging]
log_level = "debug"
log_format = "json"

[network]
server_url = "wss://sync.example.com"
heartbeat_interval = "5s"

[storage]
backend = "sqlite"
namespace = "work"

[sync]
queue_cap = 50

[server]
listen_addr = "0.0.0.0:9000"
ring_size = 10
`)

	resolved, err := Load(path, testLogger())
	require.NoError(t, err)

	assert.Equal(t, "debug", resolved.Logging.LogLevel)
	assert.Equal(t, "json", resolved.Logging.LogFormat)
	assert.Equal(t, "wss://sync.example.com", resolved.ServerURL)
	assert.Equal(t, 5*time.Second, resolved.HeartbeatInterval)
	assert.Equal(t, BackendSQLite, resolved.Backend)
	assert.Equal(t, "work", resolved.Namespace)
	assert.Equal(t, 50, resolved.QueueCap)
	assert.Equal(t, "0.0.0.0:9000", resolved.ListenAddr)
	assert.Equal(t, 10, resolved.RingSize)

	// Unset sections keep their defaults.
	assert.Equal(t, 30*time.Second, resolved.ReconnectCap)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, `
[network]
server_uri = "wss://typo.example.com"
`)

	_, err := Load(path, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvServerURL, "wss://env.example.com")
	t.Setenv(EnvToken, "env-token")
	t.Setenv(EnvNamespace, "env-ns")

	resolved, err := Load(filepath.Join(t.TempDir(), "nope.toml"), testLogger())
	require.NoError(t, err)

	assert.Equal(t, "wss://env.example.com", resolved.ServerURL)
	assert.Equal(t, "env-token", resolved.AuthToken)
	assert.Equal(t, "env-ns", resolved.Namespace)
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.Logging.LogLevel = "loud" }, "log_level"},
		{"bad log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"bad backend", func(c *Config) { c.Storage.Backend = "redis" }, "backend"},
		{"empty namespace", func(c *Config) { c.Storage.Namespace = "" }, "namespace"},
		{"bad url scheme", func(c *Config) { c.Network.ServerURL = "ftp://x" }, "server_url"},
		{"zero queue cap", func(c *Config) { c.Sync.QueueCap = 0 }, "queue_cap"},
		{"bad duration", func(c *Config) { c.Network.MaxSkew = "fast" }, "max_skew"},
		{"negative duration", func(c *Config) { c.Server.HeartbeatTimeout = "-5s" }, "heartbeat_timeout"},
		{"base above cap", func(c *Config) {
			c.Network.ReconnectBase = "1m"
			c.Network.ReconnectCap = "10s"
		}, "reconnect_base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)

			_, err := Resolve(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestResolveDefaultsDBPathUnderDataDir(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Storage.DataDir = "/tmp/synckit-test"

	resolved, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/synckit-test", "server.db"), resolved.DBPath)
}
