package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonboulle/clockwork"

	"roomsync/cmd/internal/collab/document"
	v1 "roomsync/shared/contracts/realtime/v1"
)

// Stores groups the persistence backends used by the Dispatcher.
// Nil members fall back to in-memory implementations.
type Stores struct {
	Messages  MessageStore
	Snapshots SnapshotStore
	Presence  PresenceStore
}

// Dispatcher routes validated envelopes from any transport to the hub and the stores.
//
// Replies carry Ref = request ID and go only to the requester. Broadcasts carry no Ref.
type Dispatcher struct {
	log     *slog.Logger
	hub     *Hub
	stores  Stores
	metrics *Metrics
	clock   clockwork.Clock
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the clock used to stamp envelopes and messages.
func WithClock(c clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// NewDispatcher constructs a Dispatcher. hub and stores may be nil for dev.
func NewDispatcher(log *slog.Logger, hub *Hub, stores Stores, metrics *Metrics, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, metrics)
	}
	if stores.Messages == nil {
		stores.Messages = NewInMemoryStore()
	}
	if stores.Snapshots == nil {
		stores.Snapshots = NewInMemorySnapshotStore()
	}
	if stores.Presence == nil {
		stores.Presence = NewInMemoryPresenceStore()
	}
	d := &Dispatcher{
		log:     log,
		hub:     hub,
		stores:  stores,
		metrics: metrics,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Hub returns the room registry.
func (d *Dispatcher) Hub() *Hub { return d.hub }

// Connect registers a new session.
func (d *Dispatcher) Connect(c *Client) {
	d.metrics.connOpened()
	d.log.Info("session.open", "session_id", c.SessionID)
}

// Disconnect removes c from every room it joined and announces departures.
func (d *Dispatcher) Disconnect(c *Client) {
	for _, room := range c.Rooms() {
		d.leaveRoom(context.Background(), c, room)
	}
	d.metrics.connClosed()
	d.log.Info("session.close", "session_id", c.SessionID)
}

// errHelloFailed is returned by Handle when the connection must be closed.
var errHelloFailed = errors.New("realtime: hello failed")

// Handle processes one validated envelope from c. Request errors are answered with an
// error envelope; the returned error is non-nil only when the connection must close.
func (d *Dispatcher) Handle(ctx context.Context, c *Client, env v1.Envelope) error {
	if env.Type == v1.TypeHello {
		if err := d.onHello(c, env); err != nil {
			d.metrics.envelope(env.Type, "error")
			d.replyError(c, env.ID, "hello_failed", err.Error())
			return fmt.Errorf("%w: %v", errHelloFailed, err)
		}
		d.metrics.envelope(env.Type, "ok")
		return nil
	}

	if _, ok := c.Member(); !ok {
		d.metrics.envelope(env.Type, "rejected")
		d.replyError(c, env.ID, "hello_required", "send hello first")
		return nil
	}

	var err error
	switch env.Type {
	case v1.TypeRoomJoin:
		err = d.onRoomJoin(ctx, c, env)
	case v1.TypeRoomLeave:
		err = d.onRoomLeave(ctx, c, env)
	case v1.TypeClientEvent:
		err = d.onClientEvent(c, env)
	case v1.TypeMessageSend:
		err = d.onMessageSend(ctx, c, env)
	case v1.TypeMessageStateChange:
		err = d.onMessageStateChange(ctx, c, env)
	case v1.TypeHistoryFetch:
		err = d.onHistoryFetch(ctx, c, env)
	case v1.TypeSnapshotLoad:
		err = d.onSnapshotLoad(ctx, c, env)
	case v1.TypeSnapshotSave:
		err = d.onSnapshotSave(ctx, c, env)
	default:
		err = &requestError{code: "unsupported", msg: fmt.Sprintf("unsupported type: %s", env.Type)}
	}

	if err != nil {
		d.metrics.envelope(env.Type, "error")
		code, msg := errorCode(err)
		d.log.Info("dispatch.fail", "session_id", c.SessionID, "type", env.Type, "code", code, "err", err)
		d.replyError(c, env.ID, code, msg)
		return nil
	}
	d.metrics.envelope(env.Type, "ok")
	return nil
}

// ---- handlers ----

func (d *Dispatcher) onHello(c *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := env.Decode(&p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	p.Member.ID = strings.TrimSpace(p.Member.ID)
	p.Member.Name = strings.TrimSpace(p.Member.Name)
	if p.Member.ID == "" {
		return errors.New("missing member.id")
	}
	if prev, ok := c.Member(); ok && prev.ID != p.Member.ID {
		return errors.New("member already declared")
	}
	if p.Member.Name == "" {
		p.Member.Name = p.Member.ID
	}
	c.SetMember(p.Member)

	if !d.reply(c, env.ID, "", v1.TypeHelloAck, v1.HelloAckPayload{SessionID: c.SessionID}) {
		return errors.New("backpressure: hello_ack")
	}
	d.log.Info("session.hello", "session_id", c.SessionID, "member_id", p.Member.ID)
	return nil
}

func (d *Dispatcher) onRoomJoin(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.RoomJoinPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	roomID := roomOf(p.Room, env.Room)
	if roomID == "" {
		return &requestError{code: "bad_request", msg: "missing room"}
	}

	m, _ := c.Member()
	room, first := d.hub.Join(roomID, c, m)
	c.addRoom(roomID)

	lastSeen, err := d.stores.Presence.LastSeen(ctx, roomID)
	if err != nil {
		d.log.Error("presence.last_seen.fail", "room_id", roomID, "err", err)
		lastSeen = nil
	}

	members := room.Members()
	others := make([]v1.Member, 0, len(members))
	for _, om := range members {
		if om.ID == m.ID {
			continue
		}
		others = append(others, om)
		delete(lastSeen, om.ID)
	}
	delete(lastSeen, m.ID)

	d.reply(c, env.ID, roomID, v1.TypePresenceSnapshot, v1.PresenceSnapshotPayload{
		Room:     roomID,
		Members:  others,
		LastSeen: lastSeen,
	})

	if first {
		d.broadcast(room, c.SessionID, v1.TypeMemberAdded, v1.MemberEventPayload{
			Room:   roomID,
			Member: m,
			At:     d.now(),
		})
	}
	return nil
}

func (d *Dispatcher) onRoomLeave(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.RoomLeavePayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	roomID := roomOf(p.Room, env.Room)
	if roomID == "" {
		return &requestError{code: "bad_request", msg: "missing room"}
	}
	d.leaveRoom(ctx, c, roomID)
	return nil
}

func (d *Dispatcher) leaveRoom(ctx context.Context, c *Client, roomID string) {
	if !c.removeRoom(roomID) {
		return
	}
	room, m, last := d.hub.Leave(roomID, c.SessionID)
	if !last {
		return
	}

	now := d.now()
	if err := d.stores.Presence.RecordLeave(ctx, roomID, m, now); err != nil {
		d.log.Error("presence.record.fail", "room_id", roomID, "member_id", m.ID, "err", err)
	}
	if room != nil {
		d.broadcast(room, c.SessionID, v1.TypeMemberRemoved, v1.MemberEventPayload{
			Room:   roomID,
			Member: m,
			At:     now,
		})
	}
}

func (d *Dispatcher) onClientEvent(c *Client, env v1.Envelope) error {
	var p v1.ClientEventPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	room, err := d.joinedRoom(c, roomOf(p.Room, env.Room))
	if err != nil {
		return err
	}
	if !strings.HasPrefix(p.Event, v1.ClientEventPrefix) {
		return &requestError{code: "bad_event", msg: fmt.Sprintf("event must start with %q", v1.ClientEventPrefix)}
	}
	if len(p.Data) > maxClientEventBytes {
		return &requestError{code: "too_large", msg: "event payload too large"}
	}

	m, _ := c.Member()
	p.Room = room.ID
	p.Sender = m.ID
	d.broadcast(room, c.SessionID, v1.TypeClientEvent, p)
	return nil
}

func (d *Dispatcher) onMessageSend(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	room, err := d.joinedRoom(c, roomOf(p.Room, env.Room))
	if err != nil {
		return err
	}
	if strings.TrimSpace(p.ClientMsgID) == "" {
		return &requestError{code: "bad_request", msg: "missing client_msg_id"}
	}

	body := strings.TrimSpace(p.Body)
	if body == "" {
		return &requestError{code: "empty_body", msg: "empty body"}
	}
	if utf8.RuneCountInString(body) > maxMessageChars {
		return &requestError{code: "too_long", msg: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}

	m, _ := c.Member()
	res, err := d.stores.Messages.AppendMessage(ctx, AppendMessageInput{
		RoomID:      room.ID,
		ClientMsgID: p.ClientMsgID,
		AuthorID:    m.ID,
		AuthorName:  m.Name,
		Body:        body,
		ReplyToID:   strings.TrimSpace(p.ReplyToID),
		Now:         d.now(),
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}
	d.metrics.message(res.Duplicated)

	stored := res.Stored
	d.reply(c, env.ID, room.ID, v1.TypeMessageAck, v1.MessageAckPayload{
		Room:        stored.RoomID,
		ClientMsgID: stored.ClientMsgID,
		ServerMsgID: stored.ServerMsgID,
		Seq:         stored.Seq,
	})

	if res.Duplicated {
		return nil
	}
	d.broadcast(room, "", v1.TypeMessageNew, stored.Wire())
	return nil
}

func (d *Dispatcher) onMessageStateChange(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.MessageStateChangePayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	room, err := d.joinedRoom(c, roomOf(p.Room, env.Room))
	if err != nil {
		return err
	}
	if !v1.ValidAction(p.Action) {
		return &requestError{code: "bad_action", msg: fmt.Sprintf("unknown action: %q", p.Action)}
	}

	stored, err := d.stores.Messages.UpdateState(ctx, UpdateStateInput{
		RoomID:    room.ID,
		MessageID: strings.TrimSpace(p.MessageID),
		Action:    p.Action,
		Now:       d.now(),
	})
	if err != nil {
		return fmt.Errorf("store update: %w", err)
	}

	state := stored.State(p.Action)
	d.reply(c, env.ID, room.ID, v1.TypeMessageState, state)
	d.broadcast(room, c.SessionID, v1.TypeMessageState, state)
	return nil
}

func (d *Dispatcher) onHistoryFetch(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	room, err := d.joinedRoom(c, roomOf(p.Room, env.Room))
	if err != nil {
		return err
	}

	out, err := d.stores.Messages.FetchHistory(ctx, FetchHistoryInput{
		RoomID:   room.ID,
		AfterSeq: p.AfterSeq,
		Limit:    clampHistoryLimit(p.Limit),
	})
	if err != nil {
		return fmt.Errorf("store history: %w", err)
	}

	msgs := make([]v1.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.Wire())
	}
	d.reply(c, env.ID, room.ID, v1.TypeHistoryChunk, v1.HistoryChunkPayload{
		Room:     room.ID,
		Messages: msgs,
		HasMore:  out.HasMore,
	})
	return nil
}

func (d *Dispatcher) onSnapshotLoad(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.SnapshotLoadPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	room, err := d.joinedRoom(c, roomOf(p.Room, env.Room))
	if err != nil {
		return err
	}

	snap, found, err := d.stores.Snapshots.LoadSnapshot(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	out := v1.SnapshotPayload{Room: room.ID, Found: found, Records: []v1.Record{}}
	if found {
		out.Records = snap.Records
		out.Digest = snap.Digest
		out.SavedAt = snap.SavedAt
	}
	d.reply(c, env.ID, room.ID, v1.TypeSnapshot, out)
	return nil
}

func (d *Dispatcher) onSnapshotSave(ctx context.Context, c *Client, env v1.Envelope) error {
	var p v1.SnapshotSavePayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err)
	}
	room, err := d.joinedRoom(c, roomOf(p.Room, env.Room))
	if err != nil {
		return err
	}
	if len(p.Records) > maxSnapshotRecords {
		return &requestError{code: "too_large", msg: fmt.Sprintf("snapshot too large: max=%d records", maxSnapshotRecords)}
	}
	for _, r := range p.Records {
		if r.ID == "" || r.Type == "" {
			return &requestError{code: "bad_record", msg: "record id and type are required"}
		}
	}

	digest := document.Digest(p.Records)
	if p.Digest != "" && p.Digest != digest {
		return &requestError{code: "digest_mismatch", msg: "snapshot digest mismatch"}
	}

	now := d.now()
	err = d.stores.Snapshots.SaveSnapshot(ctx, Snapshot{
		RoomID:  room.ID,
		Records: p.Records,
		Digest:  digest,
		SavedAt: now,
	})
	d.metrics.snapshotSave(err)
	if err != nil {
		return fmt.Errorf("store save: %w", err)
	}

	d.log.Info("snapshot.saved", "room_id", room.ID, "records", len(p.Records), "digest", digest)
	d.reply(c, env.ID, room.ID, v1.TypeSnapshotSaved, v1.SnapshotSavedPayload{
		Room:    room.ID,
		Digest:  digest,
		SavedAt: now,
	})
	return nil
}

// ---- helpers ----

type requestError struct {
	code string
	msg  string
}

func (e *requestError) Error() string { return e.code + ": " + e.msg }

func badPayload(err error) error {
	return &requestError{code: "bad_payload", msg: fmt.Sprintf("invalid payload: %v", err)}
}

func errorCode(err error) (string, string) {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.code, re.msg
	case errors.Is(err, ErrMessageNotFound):
		return "not_found", "message not found"
	case errors.Is(err, ErrReplyNotFound):
		return "reply_not_found", "reply target not found"
	case errors.Is(err, ErrInvalidInput):
		return "bad_request", "invalid input"
	default:
		return "internal", "internal error"
	}
}

func roomOf(payloadRoom, envRoom string) string {
	if r := strings.TrimSpace(payloadRoom); r != "" {
		return r
	}
	return strings.TrimSpace(envRoom)
}

func (d *Dispatcher) joinedRoom(c *Client, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, &requestError{code: "bad_request", msg: "missing room"}
	}
	if !c.InRoom(roomID) {
		return nil, &requestError{code: "not_joined", msg: "join first"}
	}
	room, ok := d.hub.Room(roomID)
	if !ok {
		return nil, &requestError{code: "not_joined", msg: "join first"}
	}
	return room, nil
}

func (d *Dispatcher) now() time.Time { return d.clock.Now().UTC() }

func (d *Dispatcher) envelope(typ, room, ref string, payload any) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	now := d.now()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		Ref:     ref,
		Room:    room,
		TS:      now,
		Payload: raw,
	}, nil
}

func (d *Dispatcher) reply(c *Client, ref, room, typ string, payload any) bool {
	env, err := d.envelope(typ, room, ref, payload)
	if err != nil {
		d.log.Error("dispatch.encode.fail", "type", typ, "err", err)
		return false
	}
	if !enqueue(c, env) {
		d.log.Info("dispatch.reply.drop", "session_id", c.SessionID, "type", typ)
		return false
	}
	return true
}

func (d *Dispatcher) replyError(c *Client, ref, code, msg string) {
	d.reply(c, ref, "", v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

func (d *Dispatcher) broadcast(room *Room, exceptSession, typ string, payload any) {
	env, err := d.envelope(typ, room.ID, "", payload)
	if err != nil {
		d.log.Error("dispatch.encode.fail", "type", typ, "err", err)
		return
	}
	if dropped := room.Broadcast(env, exceptSession); dropped > 0 {
		d.metrics.dropped(dropped)
		d.log.Info("room.broadcast.drop", "room_id", room.ID, "type", typ, "dropped", dropped)
	}
}

// enqueue never blocks; a full queue drops the envelope.
func enqueue(c *Client, env v1.Envelope) bool {
	select {
	case <-c.Done():
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}
