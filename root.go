package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/qkeluna/synckit-go/internal/config"
	"github.com/qkeluna/synckit-go/internal/storage"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagToken      string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// logLevel is shared with all handlers so a config reload can adjust
// verbosity without rebuilding loggers.
var logLevel = new(slog.LevelVar)

// CLIContext bundles the resolved config and logger. Created once in
// PersistentPreRunE and threaded through the command context.
type CLIContext struct {
	Cfg    *config.Resolved
	Logger *slog.Logger
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// cliContext extracts the CLIContext from the command's context.
// Panics when absent — the command tree guarantees PersistentPreRunE
// populated it before any RunE executes.
func cliContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "synckit",
		Short:         "Local-first document sync engine",
		Long:          "synckit replicates JSON documents across clients with offline writes,\ndeterministic last-writer-wins merging, and a relay server.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&flagConfigPath, "config", "", "config file path")
	flags.StringVar(&flagServerURL, "server", "", "sync server URL (overrides config)")
	flags.StringVar(&flagToken, "token", "", "auth token (overrides config)")
	flags.BoolVar(&flagJSON, "json", false, "machine-readable output")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "info-level logging")
	flags.BoolVar(&flagDebug, "debug", false, "debug-level logging")
	flags.BoolVarP(&flagQuiet, "quiet", "q", false, "errors only")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newDelCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newDocsCmd())
	cmd.AddCommand(newCleanupCmd())

	return cmd
}

// loadConfig resolves the effective configuration and stores the
// CLIContext in the command's context.
func loadConfig(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	path := flagConfigPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}

	if path == "" {
		path = config.DefaultPath()
	}

	resolved, err := config.Load(path, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags win over file and environment.
	if flagServerURL != "" {
		resolved.ServerURL = flagServerURL
	}

	if flagToken != "" {
		resolved.AuthToken = flagToken
	}

	finalLogger := buildLogger(resolved)
	cc := &CLIContext{Cfg: resolved, Logger: finalLogger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger from config and CLI flags. Pass
// nil for pre-config bootstrap. Config sets the baseline level;
// --verbose, --debug and --quiet override it. Format "auto" picks
// text on a terminal, JSON otherwise.
func buildLogger(cfg *config.Resolved) *slog.Logger {
	level := slog.LevelWarn
	format := "auto"

	if cfg != nil {
		format = cfg.Logging.LogFormat

		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	logLevel.Set(level)

	opts := &slog.HandlerOptions{Level: logLevel}

	if format == "json" || (format == "auto" && !isatty.IsTerminal(os.Stderr.Fd())) {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// setLogLevel applies a (possibly reloaded) config's log level unless
// a CLI flag pinned it.
func setLogLevel(cfg *config.Resolved) {
	if flagVerbose || flagDebug || flagQuiet {
		return
	}

	switch cfg.Logging.LogLevel {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// openClientStorage creates the configured client-side adapter under
// the data directory, one database per namespace.
func openClientStorage(ctx context.Context, cc *CLIContext) (storage.Adapter, error) {
	cfg := cc.Cfg

	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemory(), nil

	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}

		return storage.NewBolt(filepath.Join(cfg.DataDir, cfg.Namespace+".db"), cc.Logger)

	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}

		return storage.NewSQLite(ctx, filepath.Join(cfg.DataDir, cfg.Namespace+".sqlite"), cc.Logger)

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
