package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/qkeluna/synckit-go/internal/client"
	"github.com/qkeluna/synckit-go/internal/replica"
)

// syncDrainTimeout bounds how long one-shot write commands wait for
// the server to acknowledge queued deltas before exiting. Un-acked
// deltas stay in the durable queue for the next invocation.
const syncDrainTimeout = 10 * time.Second

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <doc> <field> <json-value>",
		Short: "Write a field",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := json.RawMessage(args[2])
			if !json.Valid(value) {
				// Bare words are a common convenience; quote them.
				quoted, err := json.Marshal(args[2])
				if err != nil {
					return fmt.Errorf("encoding value: %w", err)
				}

				value = quoted
			}

			return withKit(cmd, func(ctx context.Context, kit *client.Kit) error {
				doc, err := kit.Document(ctx, args[0])
				if err != nil {
					return err
				}

				if err := doc.Set(ctx, args[1], value); err != nil {
					return err
				}

				return drainQueue(ctx, kit)
			})
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <doc> [field]",
		Short: "Read a field or the whole document",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKit(cmd, func(ctx context.Context, kit *client.Kit) error {
				doc, err := kit.Document(ctx, args[0])
				if err != nil {
					return err
				}

				if len(args) == 2 {
					value, ok := doc.Get(args[1])
					if !ok {
						return fmt.Errorf("field %q not set", args[1])
					}

					fmt.Println(string(value))

					return nil
				}

				return printSnapshot(doc.Snapshot())
			})
		},
	}
}

func newDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <doc> <field>",
		Short: "Delete a field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withKit(cmd, func(ctx context.Context, kit *client.Kit) error {
				doc, err := kit.Document(ctx, args[0])
				if err != nil {
					return err
				}

				if err := doc.Delete(ctx, args[1]); err != nil {
					return err
				}

				return drainQueue(ctx, kit)
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <doc>",
		Short: "Stream document changes until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cmd.SetContext(ctx)

			return withKit(cmd, func(ctx context.Context, kit *client.Kit) error {
				doc, err := kit.Document(ctx, args[0])
				if err != nil {
					return err
				}

				unsubscribe := doc.Subscribe(func(diff replica.Diff) {
					printDiff(diff)
				})
				defer unsubscribe()

				if err := printSnapshot(doc.Snapshot()); err != nil {
					return err
				}

				<-ctx.Done()

				return nil
			})
		},
	}
}

func newDocsCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "docs",
		Short: "List locally known documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := cliContext(cmd.Context())

			store, err := openClientStorage(cmd.Context(), cc)
			if err != nil {
				return err
			}
			defer store.Close()

			docs, err := store.ListDocuments(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			for _, doc := range docs {
				fmt.Printf("%s\tv%d\t%d fields\n", doc.ID, doc.Version, len(doc.State))
			}

			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum documents to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "listing offset")

	return cmd
}

// withKit opens the configured storage and client engine, starts the
// transport when a server is configured, runs fn, and tears down.
func withKit(cmd *cobra.Command, fn func(context.Context, *client.Kit) error) error {
	cc := cliContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openClientStorage(ctx, cc)
	if err != nil {
		return err
	}
	defer store.Close()

	kit, err := client.Open(ctx, client.Options{
		Storage:           store,
		Name:              cc.Cfg.Namespace,
		ServerURL:         syncURL(cc),
		AuthToken:         cc.Cfg.AuthToken,
		HeartbeatInterval: cc.Cfg.HeartbeatInterval,
		ReconnectBase:     cc.Cfg.ReconnectBase,
		ReconnectCap:      cc.Cfg.ReconnectCap,
		MaxSkew:           cc.Cfg.MaxSkew,
		SubscribeTimeout:  cc.Cfg.SubscribeTimeout,
		QueueCap:          cc.Cfg.QueueCap,
		Logger:            cc.Logger,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)

	go func() {
		runDone <- kit.Run(runCtx)
	}()

	if err := fn(ctx, kit); err != nil {
		return err
	}

	cancel()

	if runErr := <-runDone; runErr != nil && ctx.Err() == nil && runCtx.Err() == nil {
		return runErr
	}

	return nil
}

// syncURL derives the websocket endpoint from the configured server
// URL, "" when no server is configured (local-only).
func syncURL(cc *CLIContext) string {
	base := cc.Cfg.ServerURL
	if base == "" {
		return ""
	}

	return base + "/sync"
}

// drainQueue waits briefly for queued deltas to be acknowledged so
// one-shot commands usually leave nothing behind. Local-only mode and
// timeouts are fine: the queue is durable.
func drainQueue(ctx context.Context, kit *client.Kit) error {
	if kit.ConnState() == client.StateDisconnected && kit.QueueLen() > 0 {
		// No server configured; writes stay queued.
		return nil
	}

	deadline := time.NewTimer(syncDrainTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for kit.QueueLen() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-ticker.C:
		}
	}

	return nil
}

// printSnapshot renders a document snapshot, fields sorted.
func printSnapshot(snap map[string]json.RawMessage) error {
	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(snap)
	}

	fields := make([]string, 0, len(snap))
	for name := range snap {
		fields = append(fields, name)
	}

	sort.Strings(fields)

	for _, name := range fields {
		fmt.Printf("%s = %s\n", name, snap[name])
	}

	return nil
}

// printDiff renders one observer notification.
func printDiff(diff replica.Diff) {
	for name, value := range diff.Added {
		fmt.Printf("+ %s = %s\n", name, value)
	}

	for name, value := range diff.Updated {
		fmt.Printf("~ %s = %s\n", name, value)
	}

	for _, name := range diff.Removed {
		fmt.Printf("- %s\n", name)
	}
}
