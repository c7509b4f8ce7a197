package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qkeluna/synckit-go/internal/config"
)

func resetFlags() {
	flagVerbose = false
	flagDebug = false
	flagQuiet = false
}

func TestBuildLoggerLevelPrecedence(t *testing.T) {
	defer resetFlags()

	cfg := &config.Resolved{Logging: config.LoggingConfig{LogLevel: "info", LogFormat: "json"}}

	resetFlags()
	buildLogger(cfg)
	assert.Equal(t, slog.LevelInfo, logLevel.Level())

	flagQuiet = true
	buildLogger(cfg)
	assert.Equal(t, slog.LevelError, logLevel.Level(), "CLI flags win over config")

	resetFlags()
	flagDebug = true
	buildLogger(cfg)
	assert.Equal(t, slog.LevelDebug, logLevel.Level())
}

func TestSetLogLevelRespectsFlagPin(t *testing.T) {
	defer resetFlags()

	resetFlags()
	logLevel.Set(slog.LevelInfo)

	setLogLevel(&config.Resolved{Logging: config.LoggingConfig{LogLevel: "error"}})
	assert.Equal(t, slog.LevelError, logLevel.Level())

	// A reload must not override an explicit CLI flag.
	flagDebug = true
	logLevel.Set(slog.LevelDebug)
	setLogLevel(&config.Resolved{Logging: config.LoggingConfig{LogLevel: "error"}})
	assert.Equal(t, slog.LevelDebug, logLevel.Level())
}

func TestRootCommandTree(t *testing.T) {
	cmd := newRootCmd()

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"serve", "set", "get", "del", "watch", "docs", "cleanup"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}
