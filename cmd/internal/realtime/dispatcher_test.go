package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	v1 "roomsync/shared/contracts/realtime/v1"
)

type dispatchHarness struct {
	t     *testing.T
	disp  *Dispatcher
	clock *clockwork.FakeClock
	reg   *prometheus.Registry
}

func newDispatchHarness(t *testing.T) *dispatchHarness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	disp := NewDispatcher(testLogger(), NewHub(testLogger(), metrics), Stores{}, metrics, WithClock(clock))
	return &dispatchHarness{t: t, disp: disp, clock: clock, reg: reg}
}

func (h *dispatchHarness) connect(m v1.Member) *Client {
	h.t.Helper()
	c := NewClient(NewSessionID(h.clock.Now()), 64)
	h.disp.Connect(c)
	h.handle(c, v1.TypeHello, "hello-"+m.ID, v1.HelloPayload{Member: m})
	h.expect(c, v1.TypeHelloAck)
	return c
}

func (h *dispatchHarness) handle(c *Client, typ, id string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, Payload: raw}
	if err := h.disp.Handle(context.Background(), c, env); err != nil {
		h.t.Fatalf("handle %s: %v", typ, err)
	}
}

func (h *dispatchHarness) expect(c *Client, typ string) v1.Envelope {
	h.t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != typ {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			h.t.Fatalf("got %s (%+v), want %s", env.Type, p, typ)
		}
		return env
	default:
		h.t.Fatalf("no envelope queued, want %s", typ)
		return v1.Envelope{}
	}
}

func (h *dispatchHarness) expectNone(c *Client) {
	h.t.Helper()
	select {
	case env := <-c.Send:
		h.t.Fatalf("unexpected envelope %s", env.Type)
	default:
	}
}

func (h *dispatchHarness) join(c *Client, room string) v1.PresenceSnapshotPayload {
	h.t.Helper()
	h.handle(c, v1.TypeRoomJoin, "join-"+room, v1.RoomJoinPayload{Room: room})
	var p v1.PresenceSnapshotPayload
	decodeEnv(h.t, h.expect(c, v1.TypePresenceSnapshot), &p)
	return p
}

func TestDispatcher_Hello_MissingMemberClosesConnection(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	c := NewClient("s1", 4)
	raw, _ := json.Marshal(v1.HelloPayload{})
	err := h.disp.Handle(context.Background(), c, v1.Envelope{V: v1.Version, Type: v1.TypeHello, ID: "h1", Payload: raw})
	if err == nil {
		t.Fatalf("expected hello failure to close the connection")
	}
	env := h.expect(c, v1.TypeError)
	if env.Ref != "h1" {
		t.Fatalf("ref=%q want h1", env.Ref)
	}
}

func TestDispatcher_PresenceAcrossSessions(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	a := h.connect(v1.Member{ID: "a", Name: "A"})
	b := h.connect(v1.Member{ID: "b", Name: "B"})
	b2 := h.connect(v1.Member{ID: "b", Name: "B"})

	if snap := h.join(a, "r"); len(snap.Members) != 0 {
		t.Fatalf("first member snapshot=%+v want empty", snap.Members)
	}
	if snap := h.join(b, "r"); len(snap.Members) != 1 || snap.Members[0].ID != "a" {
		t.Fatalf("b snapshot=%+v want [a]", snap.Members)
	}
	h.expect(a, v1.TypeMemberAdded)

	// Second session of b: no member_added for anyone.
	h.join(b2, "r")
	h.expectNone(a)
	h.expectNone(b)

	h.disp.Disconnect(b)
	h.expectNone(a)

	h.clock.Advance(time.Minute)
	h.disp.Disconnect(b2)
	var ev v1.MemberEventPayload
	decodeEnv(t, h.expect(a, v1.TypeMemberRemoved), &ev)
	if ev.Member.ID != "b" {
		t.Fatalf("member_removed=%q want b", ev.Member.ID)
	}

	// A late joiner sees b's last-seen time.
	c := h.connect(v1.Member{ID: "c", Name: "C"})
	snap := h.join(c, "r")
	if len(snap.Members) != 1 || snap.Members[0].ID != "a" {
		t.Fatalf("c snapshot=%+v want [a]", snap.Members)
	}
	if at, ok := snap.LastSeen["b"]; !ok || !at.Equal(h.clock.Now()) {
		t.Fatalf("last_seen[b]=%v ok=%v want %v", at, ok, h.clock.Now())
	}
	if _, ok := snap.LastSeen["a"]; ok {
		t.Fatalf("present member must not appear in last_seen")
	}
}

func TestDispatcher_ClientEvent_RequiresPrefixAndRoom(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	a := h.connect(v1.Member{ID: "a"})
	b := h.connect(v1.Member{ID: "b"})

	h.handle(a, v1.TypeClientEvent, "e0", v1.ClientEventPayload{Room: "r", Event: v1.EventCursor, Data: json.RawMessage(`{}`)})
	var p v1.ErrorPayload
	decodeEnv(t, h.expect(a, v1.TypeError), &p)
	if p.Code != "not_joined" {
		t.Fatalf("code=%q want not_joined", p.Code)
	}

	h.join(a, "r")
	h.join(b, "r")
	h.expect(a, v1.TypeMemberAdded)

	h.handle(a, v1.TypeClientEvent, "e1", v1.ClientEventPayload{Room: "r", Event: "update", Data: json.RawMessage(`{}`)})
	decodeEnv(t, h.expect(a, v1.TypeError), &p)
	if p.Code != "bad_event" {
		t.Fatalf("code=%q want bad_event", p.Code)
	}

	h.handle(a, v1.TypeClientEvent, "e2", v1.ClientEventPayload{Room: "r", Event: v1.EventDocumentUpdate, Data: json.RawMessage(`{"added":[]}`)})
	h.expectNone(a)
	var ce v1.ClientEventPayload
	relayed := h.expect(b, v1.TypeClientEvent)
	decodeEnv(t, relayed, &ce)
	if ce.Sender != "a" || relayed.Ref != "" {
		t.Fatalf("unexpected relay: %+v ref=%q", ce, relayed.Ref)
	}
}

func TestDispatcher_MessageFlow(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	a := h.connect(v1.Member{ID: "a", Name: "Ann"})
	b := h.connect(v1.Member{ID: "b", Name: "Ben"})
	h.join(a, "r")
	h.join(b, "r")
	h.expect(a, v1.TypeMemberAdded)

	h.handle(a, v1.TypeMessageSend, "send-1", v1.MessageSendPayload{Room: "r", ClientMsgID: "temp-1", Body: "hi"})
	var ack v1.MessageAckPayload
	decodeEnv(t, h.expect(a, v1.TypeMessageAck), &ack)
	h.expect(a, v1.TypeMessageNew)
	var msg v1.Message
	decodeEnv(t, h.expect(b, v1.TypeMessageNew), &msg)
	if msg.ID != ack.ServerMsgID || msg.AuthorName != "Ann" || msg.ClientMsgID != "temp-1" {
		t.Fatalf("unexpected message_new: %+v", msg)
	}

	// Retry with the same correlation id: ack only.
	h.handle(a, v1.TypeMessageSend, "send-2", v1.MessageSendPayload{Room: "r", ClientMsgID: "temp-1", Body: "hi"})
	h.expect(a, v1.TypeMessageAck)
	h.expectNone(a)
	h.expectNone(b)

	h.handle(b, v1.TypeMessageStateChange, "pin-1", v1.MessageStateChangePayload{Room: "r", MessageID: msg.ID, Action: v1.ActionPin})
	reply := h.expect(b, v1.TypeMessageState)
	if reply.Ref != "pin-1" {
		t.Fatalf("state reply ref=%q want pin-1", reply.Ref)
	}
	var st v1.MessageStatePayload
	decodeEnv(t, h.expect(a, v1.TypeMessageState), &st)
	if !st.Pinned || st.PinnedAt == nil {
		t.Fatalf("unexpected state: %+v", st)
	}

	h.handle(b, v1.TypeMessageStateChange, "x", v1.MessageStateChangePayload{Room: "r", MessageID: "missing", Action: v1.ActionRecall})
	var p v1.ErrorPayload
	decodeEnv(t, h.expect(b, v1.TypeError), &p)
	if p.Code != "not_found" {
		t.Fatalf("code=%q want not_found", p.Code)
	}

	h.handle(a, v1.TypeHistoryFetch, "hist", v1.HistoryFetchPayload{Room: "r"})
	var chunk v1.HistoryChunkPayload
	decodeEnv(t, h.expect(a, v1.TypeHistoryChunk), &chunk)
	if len(chunk.Messages) != 1 || !chunk.Messages[0].Pinned {
		t.Fatalf("unexpected history: %+v", chunk)
	}

	h.handle(a, v1.TypeMessageSend, "send-3", v1.MessageSendPayload{Room: "r", ClientMsgID: "temp-3", Body: "   "})
	decodeEnv(t, h.expect(a, v1.TypeError), &p)
	if p.Code != "empty_body" {
		t.Fatalf("code=%q want empty_body", p.Code)
	}
}

func TestDispatcher_SnapshotDigestMismatch(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	a := h.connect(v1.Member{ID: "a"})
	h.join(a, "r")

	h.handle(a, v1.TypeSnapshotSave, "save", v1.SnapshotSavePayload{
		Room:    "r",
		Records: []v1.Record{{ID: "s1", Type: "shape"}},
		Digest:  "deadbeef",
	})
	var p v1.ErrorPayload
	decodeEnv(t, h.expect(a, v1.TypeError), &p)
	if p.Code != "digest_mismatch" {
		t.Fatalf("code=%q want digest_mismatch", p.Code)
	}

	h.handle(a, v1.TypeSnapshotSave, "save-2", v1.SnapshotSavePayload{
		Room:    "r",
		Records: []v1.Record{{ID: "", Type: "shape"}},
	})
	decodeEnv(t, h.expect(a, v1.TypeError), &p)
	if p.Code != "bad_record" {
		t.Fatalf("code=%q want bad_record", p.Code)
	}
}

func TestDispatcher_Metrics(t *testing.T) {
	t.Parallel()

	h := newDispatchHarness(t)
	a := h.connect(v1.Member{ID: "a"})
	h.join(a, "r")

	families, err := h.reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetGauge() != nil:
				got[f.GetName()] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				got[f.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	if got["roomsync_connections"] != 1 {
		t.Fatalf("connections=%v want 1", got["roomsync_connections"])
	}
	if got["roomsync_rooms"] != 1 {
		t.Fatalf("rooms=%v want 1", got["roomsync_rooms"])
	}
	if got["roomsync_envelopes_total"] != 2 {
		t.Fatalf("envelopes=%v want 2", got["roomsync_envelopes_total"])
	}

	h.disp.Disconnect(a)
	var nilMetrics *Metrics
	nilMetrics.connOpened()
	nilMetrics.snapshotSave(nil)
}
