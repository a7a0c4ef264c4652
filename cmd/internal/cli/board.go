package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	v1 "roomsync/shared/contracts/realtime/v1"
)

func newApplyCommand(opts *options) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "apply <batch.json|->",
		Short: "Apply a document batch ({added, updated, removed}) to the room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readBatch(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := opts.attach(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = opts.detach(s) }()

			if err := s.ApplyLocal(b); err != nil {
				return err
			}
			if save {
				sctx, cancel := context.WithTimeout(ctx, opts.timeout)
				defer cancel()
				if err := s.Save(sctx); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied +%d ~%d -%d, digest %s\n",
				len(b.Added), len(b.Updated), len(b.Removed), s.Digest())
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", true, "persist the document after applying")
	return cmd
}

func newSaveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Persist the current room document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.attach(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = opts.detach(s) }()

			sctx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			if err := s.Save(sctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d records, digest %s\n", len(s.Records()), s.Digest())
			return nil
		},
	}
}

func newClearCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every record from the room document and persist the empty board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := opts.attach(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = opts.detach(s) }()

			n := len(s.Records())
			sctx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			if err := s.Clear(sctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d records\n", n)
			return nil
		},
	}
}

// readBatch decodes a batch from path, or from stdin when path is "-".
func readBatch(stdin io.Reader, path string) (v1.Batch, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return v1.Batch{}, err
		}
		defer f.Close()
		r = f
	}

	var b v1.Batch
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return v1.Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	if b.Empty() {
		return v1.Batch{}, fmt.Errorf("batch is empty")
	}
	return b, nil
}
