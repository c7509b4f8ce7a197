package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qkeluna/synckit-go/internal/storage"
)

func newCleanupCmd() *cobra.Command {
	var (
		sessionHours int
		deltaDays    int
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove stale sessions and old delta log entries from the server database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := cliContext(cmd.Context())

			store, err := storage.NewSQLite(cmd.Context(), cc.Cfg.DBPath, cc.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := store.Cleanup(cmd.Context(), storage.CleanupOptions{
				OldSessionsHours: sessionHours,
				OldDeltasDays:    deltaDays,
			})
			if err != nil {
				return err
			}

			fmt.Printf("sessions deleted: %d\ndeltas deleted: %d\n",
				result.SessionsDeleted, result.DeltasDeleted)

			return nil
		},
	}

	cmd.Flags().IntVar(&sessionHours, "session-hours", 24, "delete sessions idle longer than this many hours")
	cmd.Flags().IntVar(&deltaDays, "delta-days", 7, "delete delta log entries older than this many days")

	return cmd
}
