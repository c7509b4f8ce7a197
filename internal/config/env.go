package config

import "os"

// Environment variable names for overrides. Environment sits between
// the config file and CLI flags in the override chain.
const (
	EnvConfig    = "SYNCKIT_CONFIG"
	EnvServerURL = "SYNCKIT_SERVER_URL"
	EnvToken     = "SYNCKIT_TOKEN"
	EnvDataDir   = "SYNCKIT_DATA_DIR"
	EnvNamespace = "SYNCKIT_NAMESPACE"
)

// ApplyEnvOverrides folds recognized environment variables into cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.Network.ServerURL = v
	}

	if v := os.Getenv(EnvToken); v != "" {
		cfg.Network.AuthToken = v
	}

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv(EnvNamespace); v != "" {
		cfg.Storage.Namespace = v
	}
}
