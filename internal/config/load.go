package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file over the defaults,
// validates it, and returns the resolved configuration. A missing file
// is not an error: defaults (plus env overrides) apply.
func Load(path string, logger *slog.Logger) (*Resolved, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Debug("no config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	default:
		md, decodeErr := toml.Decode(string(data), cfg)
		if decodeErr != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, decodeErr)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
		}

		logger.Debug("config file parsed", "path", path)
	}

	ApplyEnvOverrides(cfg)

	resolved, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	return resolved, nil
}

// DefaultPath returns the conventional config file location,
// ~/.config/synckit/config.toml, or "" when the home directory cannot
// be determined.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(base, "synckit", "config.toml")
}

// DefaultDataDir returns the conventional data directory,
// ~/.local/share/synckit (platform equivalent).
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "synckit"), nil
}
