package session

import (
	"context"
	"errors"

	"roomsync/cmd/internal/collab/document"
	"roomsync/cmd/internal/collab/transport"
	v1 "roomsync/shared/contracts/realtime/v1"
)

// ErrNotConnected is returned by connection-backed stores while no connection is live.
var ErrNotConnected = errors.New("session: not connected")

// SnapshotStore loads and persists the document of a room.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, room string) (v1.SnapshotPayload, error)
	SaveSnapshot(ctx context.Context, room string, records []v1.Record) error
}

// Authority assigns durable ids and order to messages.
type Authority interface {
	SendMessage(ctx context.Context, p v1.MessageSendPayload) (v1.MessageAckPayload, error)
	ChangeState(ctx context.Context, p v1.MessageStateChangePayload) (v1.MessageStatePayload, error)
	History(ctx context.Context, p v1.HistoryFetchPayload) (v1.HistoryChunkPayload, error)
}

// remote serves both interfaces through the session's current connection.
type remote struct {
	s *Session
}

func (r remote) call(ctx context.Context, typ, room string, payload any, want string, out any) error {
	conn := r.s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.s.cfg.RequestTimeout)
		defer cancel()
	}
	return transport.Call(ctx, conn, typ, room, payload, want, out)
}

func (r remote) LoadSnapshot(ctx context.Context, room string) (v1.SnapshotPayload, error) {
	var out v1.SnapshotPayload
	err := r.call(ctx, v1.TypeSnapshotLoad, room, v1.SnapshotLoadPayload{Room: room}, v1.TypeSnapshot, &out)
	return out, err
}

func (r remote) SaveSnapshot(ctx context.Context, room string, records []v1.Record) error {
	p := v1.SnapshotSavePayload{Room: room, Records: records, Digest: document.Digest(records)}
	return r.call(ctx, v1.TypeSnapshotSave, room, p, v1.TypeSnapshotSaved, nil)
}

func (r remote) SendMessage(ctx context.Context, p v1.MessageSendPayload) (v1.MessageAckPayload, error) {
	var out v1.MessageAckPayload
	err := r.call(ctx, v1.TypeMessageSend, p.Room, p, v1.TypeMessageAck, &out)
	return out, err
}

func (r remote) ChangeState(ctx context.Context, p v1.MessageStateChangePayload) (v1.MessageStatePayload, error) {
	var out v1.MessageStatePayload
	err := r.call(ctx, v1.TypeMessageStateChange, p.Room, p, v1.TypeMessageState, &out)
	return out, err
}

func (r remote) History(ctx context.Context, p v1.HistoryFetchPayload) (v1.HistoryChunkPayload, error) {
	var out v1.HistoryChunkPayload
	err := r.call(ctx, v1.TypeHistoryFetch, p.Room, p, v1.TypeHistoryChunk, &out)
	return out, err
}
