package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qkeluna/synckit-go/internal/config"
	"github.com/qkeluna/synckit-go/internal/hub"
	"github.com/qkeluna/synckit-go/internal/storage"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := cliContext(cmd.Context())
	cfg := cc.Cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := storage.NewSQLite(ctx, cfg.DBPath, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	h := hub.New(store, hub.Config{
		RingSize:           cfg.RingSize,
		HeartbeatTimeout:   cfg.HeartbeatTimeout,
		CompactionInterval: cfg.CompactionInterval,
		TombstoneRetention: cfg.TombstoneRetention,
		SessionMaxAge:      cfg.SessionMaxAge,
		AuthToken:          cfg.ServerAuthToken,
	}, cc.Logger)

	server := hub.NewServer(h, cfg.ListenAddr, cc.Logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Run(ctx)
	})

	// Live-reload the log level while serving; log_format changes need
	// a restart.
	if path := configPathForWatch(); path != "" {
		g.Go(func() error {
			return config.Watch(ctx, path, cc.Logger, setLogLevel)
		})
	}

	return g.Wait()
}

// configPathForWatch returns the config file to watch, "" when none
// is in play.
func configPathForWatch() string {
	if flagConfigPath != "" {
		return flagConfigPath
	}

	if path := os.Getenv(config.EnvConfig); path != "" {
		return path
	}

	path := config.DefaultPath()
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	return path
}
