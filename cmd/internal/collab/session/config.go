package session

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"roomsync/cmd/internal/collab/transport"
	v1 "roomsync/shared/contracts/realtime/v1"
)

// Defaults for Config.
const (
	DefaultAttachWait        = 500 * time.Millisecond
	DefaultBroadcastInterval = 100 * time.Millisecond
	DefaultCursorInterval    = 100 * time.Millisecond
	DefaultSaveDebounce      = 3 * time.Second
	DefaultBackupInterval    = 30 * time.Second
	DefaultSweepInterval     = 5 * time.Second
	DefaultCursorTTL         = 5 * time.Second
	DefaultPresenceTTL       = 60 * time.Second
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultPendingMaxAge     = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultHistoryLimit      = 50
)

// Config describes one attached room.
type Config struct {
	Room      string
	Self      v1.Member
	Transport transport.Transport

	// Store persists the document. Nil means the snapshot endpoints of the connection.
	Store SnapshotStore
	// Authority orders messages. Nil means the message endpoints of the connection.
	Authority Authority

	Log   *slog.Logger
	Clock clockwork.Clock

	// Types restricts accepted record types. Empty accepts any type.
	Types []string

	AttachWait        time.Duration
	BroadcastInterval time.Duration
	CursorInterval    time.Duration
	SaveDebounce      time.Duration
	BackupInterval    time.Duration
	SweepInterval     time.Duration
	CursorTTL         time.Duration
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	PendingMaxAge     time.Duration
	ReconnectDelay    time.Duration
	RequestTimeout    time.Duration
	HistoryLimit      int
}

var errInvalidConfig = errors.New("session: invalid config")

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.Room) == "":
		return errors.Join(errInvalidConfig, errors.New("room is required"))
	case strings.TrimSpace(c.Self.ID) == "":
		return errors.Join(errInvalidConfig, errors.New("self member id is required"))
	case c.Transport == nil:
		return errors.Join(errInvalidConfig, errors.New("transport is required"))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if strings.TrimSpace(c.Self.Name) == "" {
		c.Self.Name = c.Self.ID
	}
	c.AttachWait = orDuration(c.AttachWait, DefaultAttachWait)
	c.BroadcastInterval = orDuration(c.BroadcastInterval, DefaultBroadcastInterval)
	c.CursorInterval = orDuration(c.CursorInterval, DefaultCursorInterval)
	c.SaveDebounce = orDuration(c.SaveDebounce, DefaultSaveDebounce)
	c.BackupInterval = orDuration(c.BackupInterval, DefaultBackupInterval)
	c.SweepInterval = orDuration(c.SweepInterval, DefaultSweepInterval)
	c.CursorTTL = orDuration(c.CursorTTL, DefaultCursorTTL)
	c.PresenceTTL = orDuration(c.PresenceTTL, DefaultPresenceTTL)
	c.HeartbeatInterval = orDuration(c.HeartbeatInterval, DefaultHeartbeatInterval)
	c.PendingMaxAge = orDuration(c.PendingMaxAge, DefaultPendingMaxAge)
	c.ReconnectDelay = orDuration(c.ReconnectDelay, DefaultReconnectDelay)
	c.RequestTimeout = orDuration(c.RequestTimeout, DefaultRequestTimeout)
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	return c
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
