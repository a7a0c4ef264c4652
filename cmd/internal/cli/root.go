// Package cli implements roomctl, a terminal client for roomsync rooms.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"roomsync/cmd/internal/collab/session"
	"roomsync/cmd/internal/collab/wsclient"
	v1 "roomsync/shared/contracts/realtime/v1"
)

var (
	version = "dev"
	commit  = "unknown"
)

type options struct {
	url     string
	origin  string
	room    string
	member  string
	name    string
	role    string
	timeout time.Duration
	verbose bool
}

// Execute runs roomctl and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCommand builds the roomctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "roomctl",
		Short: "Terminal client for roomsync rooms",
		Long: `roomctl joins a roomsync room over WebSocket to watch presence and chat,
send messages, apply document batches, and inspect stored snapshots.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			_ = godotenv.Load(".env")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVar(&opts.url, "url", envOr("ROOMSYNC_URL", "ws://127.0.0.1:8080/ws"), "server WebSocket endpoint")
	pf.StringVar(&opts.origin, "origin", envOr("ROOMSYNC_ORIGIN", "http://localhost"), "Origin header sent on dial")
	pf.StringVarP(&opts.room, "room", "r", envOr("ROOMSYNC_ROOM", ""), "room id")
	pf.StringVarP(&opts.member, "member", "m", envOr("ROOMSYNC_MEMBER", ""), "member id")
	pf.StringVar(&opts.name, "name", envOr("ROOMSYNC_NAME", ""), "display name (defaults to member id)")
	pf.StringVar(&opts.role, "role", envOr("ROOMSYNC_ROLE", ""), "member role, e.g. teacher")
	pf.DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for attach and one-shot operations")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newWatchCommand(opts),
		newSayCommand(opts),
		newApplyCommand(opts),
		newSaveCommand(opts),
		newClearCommand(opts),
		newDumpCommand(),
	)
	return root
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (o *options) self() v1.Member {
	name := o.name
	if name == "" {
		name = o.member
	}
	m := v1.Member{ID: o.member, Name: name}
	if o.role != "" {
		m.Info = map[string]any{"role": o.role}
	}
	return m
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// attach opens a session on the configured room and waits until the document is synced.
func (o *options) attach(ctx context.Context, errOut io.Writer) (*session.Session, error) {
	if o.room == "" {
		return nil, fmt.Errorf("--room is required")
	}
	if o.member == "" {
		return nil, fmt.Errorf("--member is required")
	}

	log := o.logger(errOut)
	me := o.self()
	s, err := session.New(session.Config{
		Room: o.room,
		Self: me,
		Transport: &wsclient.Dialer{
			URL:    o.url,
			Origin: o.origin,
			Member: me,
			Log:    log,
		},
		Log: log,
	})
	if err != nil {
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if _, err := s.Attach(actx); err != nil {
		return nil, err
	}
	if err := waitSynced(actx, s); err != nil {
		_ = o.detach(s)
		return nil, err
	}
	return s, nil
}

func (o *options) detach(s *session.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	return s.Detach(ctx)
}

func waitSynced(ctx context.Context, s *session.Session) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for !s.Synced() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("room not synced (status %s): %w", s.Status(), ctx.Err())
		case <-t.C:
		}
	}
	return nil
}
