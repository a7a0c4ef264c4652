// Package session attaches the client core to one room.
//
// A Session owns the room's presence registry, document, and message stream. API calls mutate
// local state synchronously under the session lock and then hand follow-up work (broadcasts,
// saves, timers) to a single loop goroutine that also consumes transport events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"roomsync/cmd/internal/collab/chat"
	"roomsync/cmd/internal/collab/document"
	"roomsync/cmd/internal/collab/presence"
	"roomsync/cmd/internal/collab/sched"
	"roomsync/cmd/internal/collab/transport"
	v1 "roomsync/shared/contracts/realtime/v1"
)

var (
	// ErrNotSynced is returned by saves before the document snapshot has been loaded.
	ErrNotSynced = errors.New("session: document not synced")
	// ErrNotAttached is returned by calls that need the loop before Attach or after Detach.
	ErrNotAttached = errors.New("session: not attached")
	// ErrAttached is returned by a second Attach.
	ErrAttached = errors.New("session: already attached")
	// ErrUnknownMessage is returned for state changes of messages without a durable id.
	ErrUnknownMessage = errors.New("session: unknown message")
)

// Status is the connection status of a session.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "disconnected"
	}
}

// ChangeKind says which part of the session changed.
type ChangeKind uint8

const (
	ChangeStatus ChangeKind = iota
	ChangePresence
	ChangeDocument
	ChangeMessages
	ChangeCursors
	ChangeSaved
)

// Change is published on Changes. Err is set on status transitions caused by a failure.
type Change struct {
	Kind   ChangeKind
	Status Status
	Err    error
	At     time.Time
}

// Snapshot is the membership observed at attach time.
type Snapshot struct {
	Members []presence.Entry
	// Known is false when the membership snapshot never arrived.
	Known bool
}

const (
	lifeIdle int32 = iota
	lifeRunning
	lifeClosed
)

// Session is one attached room.
type Session struct {
	cfg   Config
	log   *slog.Logger
	store SnapshotStore
	auth  Authority

	// mu guards the room state below. Callbacks never run under it.
	mu       sync.Mutex
	doc      *document.Document
	pending  *document.Pending
	reg      *presence.Registry
	cursors  *presence.Cursors
	stream   *chat.Stream
	cursor   *v1.Cursor
	synced   bool
	buffered []v1.Batch
	// histLoaded is set once the first history window was merged; histMark is the highest
	// sequence merged since. Later subscriptions resume from there.
	histLoaded bool
	histMark   int64
	onJoin   []func(v1.Member)
	onLeave  []func(v1.Member, time.Time)

	status  atomic.Int32
	changes chan Change

	connMu sync.Mutex
	conn   transport.Conn

	lifeMu      sync.Mutex
	life        int32
	cancel      context.CancelFunc
	cmds        chan func()
	loopDone    chan struct{}
	attachReady chan struct{}
	attachOnce  sync.Once
	detachOnce  sync.Once

	saves    sync.WaitGroup
	saveMu   sync.Mutex
	saveSeq  uint64
	lastSave uint64

	// Owned by the loop goroutine.
	runCtx         context.Context
	gen            uint64
	events         <-chan v1.Envelope
	dialed         chan dialResult
	deferred       []func()
	resyncing      bool
	stopping       bool
	docThrottle    *sched.Throttle
	cursorThrottle *sched.Throttle
	debounce       *sched.Debouncer
	reconnect      *sched.Timer
	backup         *sched.Ticker
	sweep          *sched.Ticker
	heartbeat      *sched.Ticker
}

// New constructs a detached session.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:         cfg,
		log:         cfg.Log.With("room_id", cfg.Room, "member_id", cfg.Self.ID),
		doc:         document.New(document.WithTypes(cfg.Types...)),
		pending:     document.NewPending(),
		reg:         presence.NewRegistry(cfg.Self.ID),
		cursors:     presence.NewCursors(cfg.Self.ID),
		stream:      chat.NewStream(cfg.Self),
		changes:     make(chan Change, 256),
		cmds:        make(chan func(), 256),
		loopDone:    make(chan struct{}),
		attachReady: make(chan struct{}),
		dialed:      make(chan dialResult),
	}
	s.store = cfg.Store
	if s.store == nil {
		s.store = remote{s: s}
	}
	s.auth = cfg.Authority
	if s.auth == nil {
		s.auth = remote{s: s}
	}
	return s, nil
}

// Room returns the room id.
func (s *Session) Room() string { return s.cfg.Room }

// Self returns the local member.
func (s *Session) Self() v1.Member { return s.cfg.Self }

// Status returns the current connection status.
func (s *Session) Status() Status { return Status(s.status.Load()) }

// Changes delivers change notifications. Notifications are dropped while the buffer is full.
func (s *Session) Changes() <-chan Change { return s.changes }

// OnJoin registers a callback run when a member joins.
func (s *Session) OnJoin(fn func(v1.Member)) {
	s.mu.Lock()
	s.onJoin = append(s.onJoin, fn)
	s.mu.Unlock()
}

// OnLeave registers a callback run when a member leaves or is evicted.
func (s *Session) OnLeave(fn func(v1.Member, time.Time)) {
	s.mu.Lock()
	s.onLeave = append(s.onLeave, fn)
	s.mu.Unlock()
}

// Attach starts the session and returns the membership snapshot once it arrives, waiting at
// most AttachWait. Transport failures never fail Attach: the session keeps reconnecting in
// the background and the snapshot is reported as unknown.
func (s *Session) Attach(ctx context.Context) (Snapshot, error) {
	runCtx, cancel := context.WithCancel(context.Background())

	s.lifeMu.Lock()
	if s.life != lifeIdle {
		s.lifeMu.Unlock()
		cancel()
		return Snapshot{}, ErrAttached
	}
	s.life = lifeRunning
	s.cancel = cancel
	s.lifeMu.Unlock()

	go s.run(runCtx)

	wait := s.cfg.Clock.NewTimer(s.cfg.AttachWait)
	defer wait.Stop()
	select {
	case <-s.attachReady:
	case <-wait.Chan():
		s.log.Info("session.attach.slow", "wait", s.cfg.AttachWait)
	case <-ctx.Done():
	}
	return s.Presence(), nil
}

// Detach stops timers, flushes the pending broadcast, saves once, and closes the connection.
// The save is bounded by ctx. Calling Detach more than once is a no-op.
func (s *Session) Detach(ctx context.Context) error {
	var err error
	s.detachOnce.Do(func() { err = s.detach(ctx) })
	return err
}

func (s *Session) detach(ctx context.Context) error {
	s.lifeMu.Lock()
	running := s.life == lifeRunning
	s.lifeMu.Unlock()
	if !running {
		return nil
	}

	res := make(chan error, 1)
	var err error
	if s.post(func() { s.beginDetach(ctx, res) }) {
		select {
		case err = <-res:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	s.lifeMu.Lock()
	s.life = lifeClosed
	cancel := s.cancel
	s.lifeMu.Unlock()
	cancel()
	<-s.loopDone
	s.saves.Wait()

	if errors.Is(err, ErrNotSynced) {
		s.log.Info("session.detach.unsynced")
		return nil
	}
	return err
}

// ---- presence ----

// Presence returns the observed membership.
func (s *Session) Presence() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Members: s.reg.Members(), Known: s.reg.Known()}
}

// LastSeen returns the last liveness signal of a present member or the leave time of a
// departed one.
func (s *Session) LastSeen(memberID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.LastSeen(memberID)
}

// Cursors returns the live remote cursors.
func (s *Session) Cursors() []presence.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors.List()
}

// MoveCursor broadcasts the local pointer position, throttled.
func (s *Session) MoveCursor(x, y float64) {
	s.mu.Lock()
	s.cursor = &v1.Cursor{
		MemberID: s.cfg.Self.ID,
		Name:     s.cfg.Self.Name,
		X:        x,
		Y:        y,
		Color:    presence.ColorFor(s.cfg.Self),
	}
	s.mu.Unlock()
	s.post(func() {
		if s.cursorThrottle.Request() {
			s.sendCursor()
		}
	})
}

// ---- document ----

// ApplyLocal validates b, applies it to the local document immediately, and queues it for the
// next throttled broadcast.
func (s *Session) ApplyLocal(b v1.Batch) error {
	if b.Empty() {
		return nil
	}
	s.mu.Lock()
	b = s.doc.Stamp(b)
	if err := s.doc.Apply(b); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pending.Add(b)
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeDocument})
	s.post(s.localChanged)
	return nil
}

// Record returns one record of the local document.
func (s *Session) Record(id string) (v1.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Get(id)
}

// Records returns the local document sorted by id.
func (s *Session) Records() []v1.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot()
}

// Digest returns the content digest of the local document.
func (s *Session) Digest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Digest()
}

// Synced reports whether the document has been loaded from the store.
func (s *Session) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// BeginEdit starts a text edit of one string field. An edit in progress is committed first.
func (s *Session) BeginEdit(recordID, field string) error {
	s.mu.Lock()
	prev, err := s.doc.BeginEdit(recordID, field)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	changed := !prev.Empty()
	if changed {
		s.pending.Add(prev)
	}
	s.mu.Unlock()

	if changed {
		s.publish(Change{Kind: ChangeDocument})
		s.post(s.localChanged)
	}
	return nil
}

// EditText replaces the text of the active edit. It reaches peers on commit, save, or the
// next broadcast.
func (s *Session) EditText(text string) error {
	s.mu.Lock()
	err := s.doc.SetEditText(text)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.post(func() { s.debounce.Touch() })
	return nil
}

// CommitEdit writes the active edit into its record and closes it.
func (s *Session) CommitEdit() error {
	s.mu.Lock()
	if _, ok := s.doc.Editing(); !ok {
		s.mu.Unlock()
		return document.ErrNoEdit
	}
	b, changed := s.doc.EndEdit()
	if changed {
		s.pending.Add(b)
	}
	s.mu.Unlock()

	if changed {
		s.publish(Change{Kind: ChangeDocument})
		s.post(s.localChanged)
	}
	return nil
}

// CancelEdit drops the active edit.
func (s *Session) CancelEdit() {
	s.mu.Lock()
	s.doc.CancelEdit()
	s.mu.Unlock()
}

// Save commits the active edit, waits one loop tick, and persists the document.
func (s *Session) Save(ctx context.Context) error {
	res := make(chan error, 1)
	if !s.post(func() { s.beginSave(ctx, "manual", res) }) {
		return ErrNotAttached
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear removes every record, broadcasts the removals, and persists the empty document.
func (s *Session) Clear(ctx context.Context) error {
	res := make(chan error, 1)
	ok := s.post(func() {
		s.mu.Lock()
		if !s.synced {
			s.mu.Unlock()
			res <- ErrNotSynced
			return
		}
		s.pending.Add(s.doc.Clear())
		s.mu.Unlock()
		s.publish(Change{Kind: ChangeDocument})
		s.beginSave(ctx, "clear", res)
	})
	if !ok {
		return ErrNotAttached
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- messages ----

// Send inserts body optimistically and asks the authority to append it. On failure the
// optimistic entry is rolled back and the error returned. The ack confirms the entry, and so
// does the authority's broadcast, whichever comes first.
func (s *Session) Send(ctx context.Context, body, replyToID string) (chat.Entry, error) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	e, err := s.stream.SendOptimistic(body, replyToID, now)
	s.mu.Unlock()
	if err != nil {
		return chat.Entry{}, err
	}
	s.publish(Change{Kind: ChangeMessages})

	ack, err := s.auth.SendMessage(ctx, v1.MessageSendPayload{
		Room:        s.cfg.Room,
		ClientMsgID: e.ClientMsgID,
		Body:        e.Body,
		ReplyToID:   replyToID,
	})
	if err != nil {
		s.mu.Lock()
		s.stream.Rollback(e.ID)
		s.mu.Unlock()
		s.publish(Change{Kind: ChangeMessages})
		s.log.Info("session.send.fail", "temp_id", e.ID, "err", err)
		return chat.Entry{}, fmt.Errorf("session: send: %w", err)
	}

	// The ack confirms on its own; the broadcast copy may have been dropped for a slow reader.
	s.mu.Lock()
	confirmed, changed := s.stream.Acknowledge(ack)
	s.mu.Unlock()
	if changed {
		s.publish(Change{Kind: ChangeMessages})
	}
	if confirmed.ID != "" {
		return confirmed, nil
	}
	return e, nil
}

// Pin pins a confirmed message.
func (s *Session) Pin(ctx context.Context, id string) error {
	return s.changeState(ctx, id, v1.ActionPin)
}

// Unpin unpins a confirmed message.
func (s *Session) Unpin(ctx context.Context, id string) error {
	return s.changeState(ctx, id, v1.ActionUnpin)
}

// Recall replaces the body of a confirmed message for everyone. It cannot be undone.
func (s *Session) Recall(ctx context.Context, id string) error {
	return s.changeState(ctx, id, v1.ActionRecall)
}

// Delete removes a confirmed message for everyone.
func (s *Session) Delete(ctx context.Context, id string) error {
	return s.changeState(ctx, id, v1.ActionDelete)
}

func (s *Session) changeState(ctx context.Context, id, action string) error {
	s.mu.Lock()
	e, ok := s.stream.Get(id)
	s.mu.Unlock()
	if !ok || e.Kind != chat.KindMessage || e.Status != chat.StatusConfirmed {
		return ErrUnknownMessage
	}

	st, err := s.auth.ChangeState(ctx, v1.MessageStateChangePayload{Room: s.cfg.Room, MessageID: id, Action: action})
	if err != nil {
		return fmt.Errorf("session: %s: %w", action, err)
	}
	s.mu.Lock()
	changed := s.stream.ApplyState(st)
	s.mu.Unlock()
	if changed {
		s.publish(Change{Kind: ChangeMessages})
	}
	return nil
}

// Messages returns the message stream in insertion order.
func (s *Session) Messages() []chat.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Entries()
}

// Lines returns the stream ready for display with day separators in loc.
func (s *Session) Lines(loc *time.Location) []chat.Line {
	return chat.Display(s.Messages(), loc)
}

// ---- plumbing ----

func (s *Session) currentConn() transport.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) setConn(c transport.Conn) transport.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	prev := s.conn
	s.conn = c
	return prev
}

func (s *Session) setStatus(st Status, err error) {
	if Status(s.status.Swap(int32(st))) == st {
		return
	}
	if err != nil {
		s.log.Warn("session.status", "status", st.String(), "err", err)
	} else {
		s.log.Info("session.status", "status", st.String())
	}
	s.publish(Change{Kind: ChangeStatus, Status: st, Err: err})
}

func (s *Session) publish(ch Change) {
	if ch.At.IsZero() {
		ch.At = s.cfg.Clock.Now()
	}
	if ch.Kind != ChangeStatus {
		ch.Status = s.Status()
	}
	select {
	case s.changes <- ch:
	default:
	}
}

// post hands fn to the loop. It reports false when the loop is not running.
func (s *Session) post(fn func()) bool {
	s.lifeMu.Lock()
	running := s.life == lifeRunning
	s.lifeMu.Unlock()
	if !running {
		return false
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.loopDone:
		return false
	}
}
