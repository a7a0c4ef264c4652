package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"roomsync/cmd/internal/collab/chat"
	"roomsync/cmd/internal/collab/document"
	"roomsync/cmd/internal/collab/loopback"
	"roomsync/cmd/internal/collab/presence"
	"roomsync/cmd/internal/collab/transport"
	"roomsync/cmd/internal/realtime"
	v1 "roomsync/shared/contracts/realtime/v1"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// ---- harness ----

type harness struct {
	t     *testing.T
	net   *loopback.Network
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	disp := realtime.NewDispatcher(discard, nil, realtime.Stores{}, nil)
	return &harness{t: t, net: loopback.NewNetwork(disp), clock: clockwork.NewFakeClock()}
}

func (h *harness) config(id string) Config {
	m := v1.Member{ID: id, Name: id}
	return Config{
		Room:      "R1",
		Self:      m,
		Transport: h.net.Transport(m),
		Clock:     h.clock,
		Log:       discard,
	}
}

func (h *harness) attach(cfg Config) (*Session, Snapshot) {
	h.t.Helper()

	s, err := New(cfg)
	if err != nil {
		h.t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := s.Attach(ctx)
	if err != nil {
		h.t.Fatalf("Attach: %v", err)
	}
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Detach(ctx)
	})
	eventually(h.t, cfg.Self.ID+" synced", s.Synced)
	return s, snap
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// settle waits until the loop has drained the commands and deferred work queued so far.
func settle(t *testing.T, s *Session) {
	t.Helper()
	done := make(chan struct{})
	if !s.post(func() { s.deferTick(func() { close(done) }) }) {
		t.Fatalf("loop not running")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not settle")
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func shape(id, color string) v1.Record {
	return v1.Record{ID: id, Type: "shape", Fields: map[string]any{"color": color}}
}

func colorOf(s *Session, id string) string {
	r, ok := s.Record(id)
	if !ok {
		return ""
	}
	c, _ := r.Fields["color"].(string)
	return c
}

func userMessages(s *Session) []chat.Entry {
	var out []chat.Entry
	for _, e := range s.Messages() {
		if e.Kind == chat.KindMessage {
			out = append(out, e)
		}
	}
	return out
}

func hasSystem(s *Session, text string) bool {
	for _, e := range s.Messages() {
		if e.Kind == chat.KindSystem && e.Body == text {
			return true
		}
	}
	return false
}

type memStore struct {
	mu      sync.Mutex
	found   bool
	records []v1.Record
	loads   int
	saves   int
}

func (m *memStore) LoadSnapshot(_ context.Context, room string) (v1.SnapshotPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return v1.SnapshotPayload{Room: room, Found: m.found, Records: append([]v1.Record(nil), m.records...)}, nil
}

func (m *memStore) SaveSnapshot(_ context.Context, _ string, records []v1.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.found = true
	m.records = append([]v1.Record(nil), records...)
	return nil
}

func (m *memStore) counts() (loads, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.saves
}

func (m *memStore) snapshot() []v1.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]v1.Record(nil), m.records...)
}

type failingAuthority struct{ err error }

func (f failingAuthority) SendMessage(context.Context, v1.MessageSendPayload) (v1.MessageAckPayload, error) {
	return v1.MessageAckPayload{}, f.err
}

func (f failingAuthority) ChangeState(context.Context, v1.MessageStateChangePayload) (v1.MessageStatePayload, error) {
	return v1.MessageStatePayload{}, f.err
}

func (f failingAuthority) History(context.Context, v1.HistoryFetchPayload) (v1.HistoryChunkPayload, error) {
	return v1.HistoryChunkPayload{}, f.err
}

// ---- tests ----

func TestNew_ValidatesConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	good := h.config("A")

	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"room", func(c *Config) { c.Room = " " }},
		{"self", func(c *Config) { c.Self = v1.Member{} }},
		{"transport", func(c *Config) { c.Transport = nil }},
	}
	for _, tc := range cases {
		cfg := good
		tc.mut(&cfg)
		if _, err := New(cfg); !errors.Is(err, errInvalidConfig) {
			t.Fatalf("%s: expected invalid config, got %v", tc.name, err)
		}
	}
}

func TestSession_RoomScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	store := &memStore{}

	cfgA := h.config("A")
	cfgA.Store = store
	a, snapA := h.attach(cfgA)
	if !snapA.Known || len(snapA.Members) != 0 {
		t.Fatalf("expected empty known snapshot, got %+v", snapA)
	}

	cfgB := h.config("B")
	cfgB.Store = store
	b, snapB := h.attach(cfgB)
	if len(snapB.Members) != 1 || snapB.Members[0].Member.ID != "A" {
		t.Fatalf("expected B to see A, got %+v", snapB.Members)
	}
	eventually(t, "B joined entry at A", func() bool { return hasSystem(a, "B joined") })

	if _, err := b.Send(ctx, "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "confirmed hello at A", func() bool {
		msgs := userMessages(a)
		return len(msgs) == 1 && msgs[0].Status == chat.StatusConfirmed
	})
	got := userMessages(a)[0]
	if got.AuthorID != "B" || got.Body != "hello" {
		t.Fatalf("unexpected message at A: %+v", got)
	}
	eventually(t, "B's own entry confirmed", func() bool {
		msgs := userMessages(b)
		return len(msgs) == 1 && msgs[0].Status == chat.StatusConfirmed && msgs[0].Seq == got.Seq
	})

	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("s1", "red")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := a.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	eventually(t, "s1 at B", func() bool { return colorOf(b, "s1") == "red" })

	h.net.DropMember("A")
	eventually(t, "A disconnected", func() bool { return a.Status() == StatusDisconnected })
	eventually(t, "A left entry at B", func() bool { return hasSystem(b, "A left") })

	if err := b.ApplyLocal(v1.Batch{Added: []v1.Record{shape("s2", "blue")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := b.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	h.clock.Advance(DefaultReconnectDelay)
	eventually(t, "A resynced", func() bool { return a.Status() == StatusConnected && a.Synced() })

	if a.Digest() != document.Digest(store.snapshot()) {
		t.Fatalf("A's document differs from the persisted snapshot")
	}
	if colorOf(a, "s2") != "blue" {
		t.Fatalf("expected s2 from the disconnect window")
	}
	eventually(t, "history merged once", func() bool { return len(userMessages(a)) == 1 })
}

func TestSession_AttachLoadsLatestHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	b, _ := h.attach(h.config("B"))
	for _, body := range []string{"one", "two"} {
		if _, err := b.Send(ctx, body, ""); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	a, _ := h.attach(h.config("A"))
	eventually(t, "history at A", func() bool { return len(userMessages(a)) == 2 })
	msgs := userMessages(a)
	if msgs[0].Body != "one" || msgs[1].Body != "two" || msgs[0].Seq >= msgs[1].Seq {
		t.Fatalf("unexpected history order: %+v", msgs)
	}
}

func TestSession_DebouncedSave(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := &memStore{}
	cfg := h.config("A")
	cfg.Store = store
	a, _ := h.attach(cfg)

	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("s1", "red")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	settle(t, a)
	h.clock.Advance(2 * time.Second)
	settle(t, a)
	if _, saves := store.counts(); saves != 0 {
		t.Fatalf("saved before quiet period: %d", saves)
	}

	if err := a.ApplyLocal(v1.Batch{Updated: []v1.Record{shape("s1", "green")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	settle(t, a)
	h.clock.Advance(2 * time.Second)
	settle(t, a)
	if _, saves := store.counts(); saves != 0 {
		t.Fatalf("debounce not reset by the second edit: %d saves", saves)
	}

	h.clock.Advance(time.Second)
	eventually(t, "debounced save", func() bool { _, saves := store.counts(); return saves == 1 })
	recs := store.snapshot()
	if len(recs) != 1 || recs[0].Fields["color"] != "green" {
		t.Fatalf("unexpected saved records: %+v", recs)
	}
}

func TestSession_BackupSaveIsUnconditional(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := &memStore{}
	cfg := h.config("A")
	cfg.Store = store
	a, _ := h.attach(cfg)
	settle(t, a)

	h.clock.Advance(DefaultBackupInterval)
	eventually(t, "backup save", func() bool { _, saves := store.counts(); return saves >= 1 })
}

func TestSession_SaveCommitsActiveEdit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	store := &memStore{}
	cfgA := h.config("A")
	cfgA.Store = store
	a, _ := h.attach(cfgA)
	b, _ := h.attach(h.config("B"))

	note := v1.Record{ID: "n1", Type: "note", Fields: map[string]any{"text": ""}}
	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{note}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := a.BeginEdit("n1", "text"); err != nil {
		t.Fatalf("begin edit: %v", err)
	}
	if err := a.EditText("draft"); err != nil {
		t.Fatalf("edit text: %v", err)
	}
	if r, _ := a.Record("n1"); r.Fields["text"] != "" {
		t.Fatalf("edit text leaked before commit: %+v", r.Fields)
	}

	if err := a.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	recs := store.snapshot()
	if len(recs) != 1 || recs[0].Fields["text"] != "draft" {
		t.Fatalf("save did not include the active edit: %+v", recs)
	}
	eventually(t, "edit at B", func() bool {
		r, ok := b.Record("n1")
		return ok && r.Fields["text"] == "draft"
	})

	if err := a.CommitEdit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := a.CommitEdit(); !errors.Is(err, document.ErrNoEdit) {
		t.Fatalf("expected ErrNoEdit, got %v", err)
	}
}

func TestSession_DetachFlushesAndSaves(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	store := &memStore{}
	cfgA := h.config("A")
	cfgA.Store = store
	a, _ := h.attach(cfgA)
	b, _ := h.attach(h.config("B"))

	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("s1", "red")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("s2", "blue")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	settle(t, a)
	eventually(t, "s1 at B", func() bool { return colorOf(b, "s1") == "red" })
	settle(t, b)
	if _, ok := b.Record("s2"); ok {
		t.Fatalf("s2 broadcast before the throttle interval")
	}

	if err := a.Detach(ctxT(t)); err != nil {
		t.Fatalf("detach: %v", err)
	}
	eventually(t, "s2 at B", func() bool { return colorOf(b, "s2") == "blue" })
	if recs := store.snapshot(); len(recs) != 2 {
		t.Fatalf("expected both records saved on detach, got %+v", recs)
	}
	if err := a.Save(ctxT(t)); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("expected ErrNotAttached after detach, got %v", err)
	}
}

func TestSession_MergeFaultResyncs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	store := &memStore{found: true, records: []v1.Record{shape("s1", "red")}}
	cfg := h.config("A")
	cfg.Store = store
	a, _ := h.attach(cfg)
	if colorOf(a, "s1") != "red" {
		t.Fatalf("snapshot not loaded")
	}

	peer, err := h.net.Transport(v1.Member{ID: "X", Name: "X"}).Dial(ctx)
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	defer func() { _ = peer.Close() }()
	if err := transport.Call(ctx, peer, v1.TypeRoomJoin, "R1", v1.RoomJoinPayload{Room: "R1"}, v1.TypePresenceSnapshot, nil); err != nil {
		t.Fatalf("peer join: %v", err)
	}

	relay := func(data string) {
		env, err := transport.NewEnvelope(v1.TypeClientEvent, "R1", v1.ClientEventPayload{
			Room:  "R1",
			Event: v1.EventDocumentUpdate,
			Data:  []byte(data),
		})
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		if err := peer.Send(ctx, env); err != nil {
			t.Fatalf("peer send: %v", err)
		}
	}

	relay(`{"updated":[{"id":"s1"}]}`)
	eventually(t, "resync load", func() bool { loads, _ := store.counts(); return loads >= 2 })
	eventually(t, "synced again", a.Synced)
	if colorOf(a, "s1") != "red" {
		t.Fatalf("rejected batch touched the document")
	}

	relay(`{"added":[{"id":"s9","type":"shape","fields":{"color":"teal"}}]}`)
	eventually(t, "valid batch applied", func() bool { return colorOf(a, "s9") == "teal" })
}

func TestSession_ReconnectStatusCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, _ := h.attach(h.config("A"))

	h.net.DropMember("A")
	eventually(t, "disconnected", func() bool { return a.Status() == StatusDisconnected })

	h.net.SetOffline(true)
	h.clock.Advance(DefaultReconnectDelay)
	eventually(t, "error", func() bool { return a.Status() == StatusError })
	if a.Presence().Known {
		t.Fatalf("membership should be unknown while offline")
	}

	h.net.SetOffline(false)
	h.clock.Advance(DefaultReconnectDelay)
	eventually(t, "reconnected", func() bool { return a.Status() == StatusConnected && a.Synced() })
	eventually(t, "membership known", func() bool { return a.Presence().Known })

	var seen []Status
	for {
		select {
		case ch := <-a.Changes():
			if ch.Kind == ChangeStatus {
				seen = append(seen, ch.Status)
			}
			continue
		default:
		}
		break
	}
	want := []Status{StatusDisconnected, StatusConnecting, StatusError, StatusConnecting, StatusConnected}
	i := 0
	for _, st := range seen {
		if i < len(want) && st == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Fatalf("status transitions %v do not contain %v", seen, want)
	}
}

func TestSession_SendFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	boom := errors.New("boom")
	cfg := h.config("A")
	cfg.Authority = failingAuthority{err: boom}
	a, _ := h.attach(cfg)

	if _, err := a.Send(ctx, "hi", ""); !errors.Is(err, boom) {
		t.Fatalf("expected authority error, got %v", err)
	}
	if n := len(userMessages(a)); n != 0 {
		t.Fatalf("expected rollback, got %d entries", n)
	}
	if _, err := a.Send(ctx, "hi", ""); !errors.Is(err, boom) {
		t.Fatalf("retry after rollback should reach the authority, got %v", err)
	}
	if _, err := a.Send(ctx, "   ", ""); !errors.Is(err, chat.ErrEmptyBody) {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}
}

// Concurrent writes to one record are not reconciled: each replica keeps whichever write
// arrived last, so the two replicas can end up holding each other's value.
func TestSession_LastWriterWinsByArrival(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, _ := h.attach(h.config("A"))
	b, _ := h.attach(h.config("B"))

	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("r1", "red")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	eventually(t, "r1 at B", func() bool { return colorOf(b, "r1") == "red" })

	if err := a.ApplyLocal(v1.Batch{Updated: []v1.Record{shape("r1", "from-a")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	settle(t, a)
	if err := b.ApplyLocal(v1.Batch{Updated: []v1.Record{shape("r1", "from-b")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	eventually(t, "B's write overwrote A", func() bool { return colorOf(a, "r1") == "from-b" })

	h.clock.Advance(DefaultBroadcastInterval)
	eventually(t, "A's trailing write overwrote B", func() bool { return colorOf(b, "r1") == "from-a" })
}

func TestSession_PresenceCallbacksAndMessageState(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	a, _ := h.attach(h.config("A"))

	joined := make(chan v1.Member, 4)
	left := make(chan v1.Member, 4)
	a.OnJoin(func(m v1.Member) { joined <- m })
	a.OnLeave(func(m v1.Member, _ time.Time) { left <- m })

	cfgB := h.config("B")
	bs, err := New(cfgB)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := bs.Attach(ctx); err != nil {
		t.Fatalf("attach: %v", err)
	}
	eventually(t, "B synced", bs.Synced)

	select {
	case m := <-joined:
		if m.ID != "B" {
			t.Fatalf("unexpected join: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no join callback")
	}

	if _, err := bs.Send(ctx, "pin me", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	var id string
	eventually(t, "message at A", func() bool {
		msgs := userMessages(a)
		if len(msgs) == 1 && msgs[0].Status == chat.StatusConfirmed {
			id = msgs[0].ID
			return true
		}
		return false
	})

	if err := a.Pin(ctx, id); err != nil {
		t.Fatalf("pin: %v", err)
	}
	eventually(t, "pinned at B", func() bool {
		msgs := userMessages(bs)
		return len(msgs) == 1 && msgs[0].Pinned && msgs[0].PinnedAt != nil
	})
	if err := a.Recall(ctx, id); err != nil {
		t.Fatalf("recall: %v", err)
	}
	eventually(t, "recalled at B", func() bool {
		msgs := userMessages(bs)
		return len(msgs) == 1 && msgs[0].Recalled && msgs[0].Body == v1.RecalledBody
	})
	if err := a.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	eventually(t, "deleted at B", func() bool { return len(userMessages(bs)) == 0 })
	if err := a.Pin(ctx, id); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}

	if err := bs.Detach(ctx); err != nil {
		t.Fatalf("detach: %v", err)
	}
	select {
	case m := <-left:
		if m.ID != "B" {
			t.Fatalf("unexpected leave: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no leave callback")
	}
	if _, ok := a.LastSeen("B"); !ok {
		t.Fatalf("expected last seen for B")
	}
	if !hasSystem(a, "B left") {
		t.Fatalf("expected a system entry for the leave")
	}
}

func TestSession_CursorsCarryRoleColor(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, _ := h.attach(h.config("A"))
	cfgT := h.config("T")
	cfgT.Self.Info = map[string]any{"role": "teacher"}
	cfgT.Transport = h.net.Transport(cfgT.Self)
	teacher, _ := h.attach(cfgT)

	teacher.MoveCursor(3, 4)
	eventually(t, "cursor at A", func() bool { return len(a.Cursors()) == 1 })
	c := a.Cursors()[0]
	if c.MemberID != "T" || c.X != 3 || c.Y != 4 || c.Color != presence.TeacherColor {
		t.Fatalf("unexpected cursor: %+v", c)
	}
	if len(teacher.Cursors()) != 0 {
		t.Fatalf("own cursor must not be tracked")
	}
}

func TestSession_ClearBroadcastsAndPersists(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	store := &memStore{}
	cfgA := h.config("A")
	cfgA.Store = store
	a, _ := h.attach(cfgA)
	b, _ := h.attach(h.config("B"))

	if err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("s1", "red"), shape("s2", "blue")}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	eventually(t, "records at B", func() bool { return len(b.Records()) == 2 })

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	eventually(t, "cleared at B", func() bool { return len(b.Records()) == 0 })
	if _, saves := store.counts(); saves == 0 || len(store.snapshot()) != 0 {
		t.Fatalf("expected an empty persisted document")
	}
}

func TestSession_ApplyLocalRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, _ := h.attach(h.config("A"))

	err := a.ApplyLocal(v1.Batch{Added: []v1.Record{shape("ok", "red"), {ID: "bad"}}})
	if !errors.Is(err, document.ErrMissingType) {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
	if len(a.Records()) != 0 {
		t.Fatalf("rejected batch must not touch the document")
	}
}

func TestSession_DegradedAttach(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.net.SetOffline(true)
	s, err := New(h.config("A"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := ctxT(t)
	snap, err := s.Attach(ctx)
	if err != nil {
		t.Fatalf("attach must not fail on transport errors: %v", err)
	}
	if snap.Known || len(snap.Members) != 0 {
		t.Fatalf("expected unknown empty snapshot, got %+v", snap)
	}
	eventually(t, "error status", func() bool { return s.Status() == StatusError })
	if _, err := s.Attach(ctx); !errors.Is(err, ErrAttached) {
		t.Fatalf("expected ErrAttached, got %v", err)
	}
	if err := s.Save(ctx); !errors.Is(err, ErrNotSynced) {
		t.Fatalf("expected ErrNotSynced, got %v", err)
	}
	if err := s.Detach(ctx); err != nil {
		t.Fatalf("detach: %v", err)
	}
}

func TestSession_ResyncDropsMessagesDeletedWhileAway(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	a, _ := h.attach(h.config("A"))
	b, _ := h.attach(h.config("B"))

	if _, err := b.Send(ctx, "keep me", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	doomed, err := b.Send(ctx, "to be deleted", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "both at A", func() bool { return len(userMessages(a)) == 2 })

	h.net.DropMember("A")
	eventually(t, "A disconnected", func() bool { return a.Status() == StatusDisconnected })
	if err := b.Delete(ctx, doomed.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	h.clock.Advance(DefaultReconnectDelay)
	eventually(t, "A resynced", func() bool { return a.Status() == StatusConnected && a.Synced() })
	eventually(t, "deleted message gone at A", func() bool { return len(userMessages(a)) == 1 })
	if got := userMessages(a)[0]; got.Body != "keep me" {
		t.Fatalf("wrong message kept: %+v", got)
	}
}

func TestSession_ResyncFillsGapLongerThanHistoryWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	a, _ := h.attach(h.config("A"))
	b, _ := h.attach(h.config("B"))

	if _, err := b.Send(ctx, "before", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "first message at A", func() bool { return len(userMessages(a)) == 1 })

	h.net.DropMember("A")
	eventually(t, "A disconnected", func() bool { return a.Status() == StatusDisconnected })

	const missed = DefaultHistoryLimit + 10
	for i := 0; i < missed; i++ {
		if _, err := b.Send(ctx, fmt.Sprintf("gap %02d", i), ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	h.clock.Advance(DefaultReconnectDelay)
	eventually(t, "A resynced", func() bool { return a.Status() == StatusConnected && a.Synced() })
	eventually(t, "whole gap at A", func() bool { return len(userMessages(a)) == missed+1 })

	msgs := userMessages(a)
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].Seq >= msgs[i].Seq {
			t.Fatalf("messages out of order at %d: %d then %d", i, msgs[i-1].Seq, msgs[i].Seq)
		}
	}
	if msgs[1].Body != "gap 00" || msgs[len(msgs)-1].Body != fmt.Sprintf("gap %02d", missed-1) {
		t.Fatalf("unexpected gap bounds: %q .. %q", msgs[1].Body, msgs[len(msgs)-1].Body)
	}
}

func TestSession_ReconnectAnnouncesMembershipChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	a, _ := h.attach(h.config("A"))

	cfgB := h.config("B")
	b, err := New(cfgB)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := b.Attach(ctx); err != nil {
		t.Fatalf("attach: %v", err)
	}
	eventually(t, "B present at A", func() bool { return len(a.Presence().Members) == 1 })

	joined := make(chan v1.Member, 4)
	left := make(chan v1.Member, 4)
	a.OnJoin(func(m v1.Member) { joined <- m })
	a.OnLeave(func(m v1.Member, _ time.Time) { left <- m })

	h.net.DropMember("A")
	eventually(t, "A disconnected", func() bool { return a.Status() == StatusDisconnected })

	if err := b.Detach(ctx); err != nil {
		t.Fatalf("detach: %v", err)
	}
	h.attach(h.config("C"))

	h.clock.Advance(DefaultReconnectDelay)
	eventually(t, "A resynced", func() bool { return a.Status() == StatusConnected && a.Presence().Known })

	select {
	case m := <-left:
		if m.ID != "B" {
			t.Fatalf("unexpected leave: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no leave callback for a departure during the gap")
	}
	select {
	case m := <-joined:
		if m.ID != "C" {
			t.Fatalf("unexpected join: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no join callback for an arrival during the gap")
	}
	if !hasSystem(a, "B left") || !hasSystem(a, "C joined") {
		t.Fatalf("gap membership changes missing from the audit trail")
	}
	members := a.Presence().Members
	if len(members) != 1 || members[0].Member.ID != "C" {
		t.Fatalf("members after resync: %+v", members)
	}
}

// ackOnlyAuthority stores nothing and broadcasts nothing: only the ack reaches the author.
type ackOnlyAuthority struct{}

func (ackOnlyAuthority) SendMessage(_ context.Context, p v1.MessageSendPayload) (v1.MessageAckPayload, error) {
	return v1.MessageAckPayload{Room: p.Room, ClientMsgID: p.ClientMsgID, ServerMsgID: "srv-1", Seq: 1}, nil
}

func (ackOnlyAuthority) ChangeState(context.Context, v1.MessageStateChangePayload) (v1.MessageStatePayload, error) {
	return v1.MessageStatePayload{}, errors.New("unsupported")
}

func (ackOnlyAuthority) History(_ context.Context, p v1.HistoryFetchPayload) (v1.HistoryChunkPayload, error) {
	return v1.HistoryChunkPayload{Room: p.Room}, nil
}

func TestSession_AckConfirmsWhenBroadcastIsLost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := ctxT(t)
	cfg := h.config("A")
	cfg.Authority = ackOnlyAuthority{}
	a, _ := h.attach(cfg)

	e, err := a.Send(ctx, "hello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if e.ID != "srv-1" || e.Status != chat.StatusConfirmed || e.Seq != 1 {
		t.Fatalf("send result not confirmed by the ack: %+v", e)
	}

	h.clock.Advance(DefaultPendingMaxAge + DefaultSweepInterval)
	settle(t, a)
	msgs := userMessages(a)
	if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Status != chat.StatusConfirmed {
		t.Fatalf("acknowledged message lost: %+v", msgs)
	}
}
