package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"roomsync/cmd/internal/realtime"
)

func newDumpCommand() *cobra.Command {
	var (
		dir    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "List room snapshots stored in a pebble snapshot directory",
		Long: `dump opens the embedded snapshot store written by the server (ROOMSYNC_SNAPSHOT_DIR)
and prints one line per room. Stop the server first: pebble holds an exclusive lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			store, err := realtime.OpenPebbleSnapshotStore(dir)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			count := 0
			err = store.Each(func(s realtime.Snapshot) error {
				count++
				if asJSON {
					return enc.Encode(s)
				}
				_, err := fmt.Fprintf(out, "%s\trecords=%d\tdigest=%s\tsaved_at=%s\n",
					s.RoomID, len(s.Records), s.Digest, s.SavedAt.Format("2006-01-02T15:04:05Z07:00"))
				return err
			})
			if err != nil {
				return err
			}
			if !asJSON {
				fmt.Fprintf(out, "%d snapshots\n", count)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", envOr("ROOMSYNC_SNAPSHOT_DIR", ""), "pebble snapshot directory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON snapshot per line")
	return cmd
}
