package realtime

import (
	"io"
	"log/slog"
	"testing"

	v1 "roomsync/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRoom_MemberRefcount(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "room-1")
	alice := v1.Member{ID: "alice", Name: "Alice"}

	tab1 := NewClient("s1", 4)
	tab2 := NewClient("s2", 4)

	if !r.Join(tab1, alice) {
		t.Fatalf("expected first session to report first=true")
	}
	if r.Join(tab2, alice) {
		t.Fatalf("expected second session to report first=false")
	}
	if r.Join(tab2, alice) {
		t.Fatalf("expected duplicate join to be a no-op")
	}
	if got := len(r.Members()); got != 1 {
		t.Fatalf("members=%d want 1", got)
	}

	if _, last, ok := r.Leave("s1"); !ok || last {
		t.Fatalf("leave s1: ok=%v last=%v want ok=true last=false", ok, last)
	}
	m, last, ok := r.Leave("s2")
	if !ok || !last || m.ID != "alice" {
		t.Fatalf("leave s2: member=%+v ok=%v last=%v", m, ok, last)
	}
	if _, _, ok := r.Leave("s2"); ok {
		t.Fatalf("expected unknown session leave to report ok=false")
	}
	if r.Len() != 0 || len(r.Members()) != 0 {
		t.Fatalf("expected empty room")
	}
}

func TestRoom_Broadcast_ExceptAndDrop(t *testing.T) {
	t.Parallel()

	r := NewRoom(testLogger(), "room-1")
	a := NewClient("a", 1)
	b := NewClient("b", 1)
	c := NewClient("c", 1)
	r.Join(a, v1.Member{ID: "a"})
	r.Join(b, v1.Member{ID: "b"})
	r.Join(c, v1.Member{ID: "c"})
	c.Close()

	env := v1.Envelope{V: v1.Version, Type: v1.TypeClientEvent}
	if dropped := r.Broadcast(env, "a"); dropped != 0 {
		t.Fatalf("dropped=%d want 0", dropped)
	}
	if len(a.Send) != 0 {
		t.Fatalf("sender must not receive its own broadcast")
	}
	if len(b.Send) != 1 {
		t.Fatalf("b queue=%d want 1", len(b.Send))
	}
	if len(c.Send) != 0 {
		t.Fatalf("closed client must be skipped")
	}

	// b's queue is full now.
	if dropped := r.Broadcast(env, "a"); dropped != 1 {
		t.Fatalf("dropped=%d want 1", dropped)
	}
}

func TestHub_RoomGC(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger(), NewMetrics(nil))
	c := NewClient("s1", 4)

	r, first := h.Join("room-1", c, v1.Member{ID: "alice"})
	if !first || r == nil {
		t.Fatalf("expected first join")
	}
	if h.Len() != 1 {
		t.Fatalf("rooms=%d want 1", h.Len())
	}

	_, m, last := h.Leave("room-1", "s1")
	if !last || m.ID != "alice" {
		t.Fatalf("leave: member=%+v last=%v", m, last)
	}
	if _, ok := h.Room("room-1"); ok {
		t.Fatalf("expected empty room to be collected")
	}
	if _, _, last := h.Leave("room-1", "s1"); last {
		t.Fatalf("expected leave on missing room to be a no-op")
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("s1", 0)
	if cap(c.Send) != 64 {
		t.Fatalf("default queue=%d want 64", cap(c.Send))
	}
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}

	var nilClient *Client
	nilClient.Close()
	<-nilClient.Done()
}
