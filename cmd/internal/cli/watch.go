package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"roomsync/cmd/internal/collab/session"
)

func newWatchCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Join a room and stream presence and chat until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			s, err := opts.attach(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = opts.detach(s) }()

			p := newPrinter(out, nil)
			fmt.Fprintln(out, formatPresence(s.Presence().Members))
			p.lines(s.Lines(nil))

			for {
				select {
				case <-ctx.Done():
					return nil
				case ch := <-s.Changes():
					switch ch.Kind {
					case session.ChangeStatus:
						if ch.Err != nil {
							fmt.Fprintf(out, "status: %s (%v)\n", ch.Status, ch.Err)
						} else {
							fmt.Fprintf(out, "status: %s\n", ch.Status)
						}
					case session.ChangePresence:
						fmt.Fprintln(out, formatPresence(s.Presence().Members))
					case session.ChangeMessages:
						p.lines(s.Lines(nil))
					case session.ChangeSaved:
						fmt.Fprintf(out, "saved document (%d records)\n", len(s.Records()))
					}
				}
			}
		},
	}
}
