package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSayCommand(opts *options) *cobra.Command {
	var replyTo string

	cmd := &cobra.Command{
		Use:   "say <text>...",
		Short: "Send one chat message and wait for the server to confirm it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := opts.attach(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = opts.detach(s) }()

			sctx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			e, err := s.Send(sctx, strings.Join(args, " "), replyTo)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", e.ClientMsgID)
			return nil
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being answered")
	return cmd
}
