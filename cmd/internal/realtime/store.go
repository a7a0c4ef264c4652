package realtime

import (
	"context"
	"errors"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

var (
	// ErrMessageNotFound is returned for unknown or deleted message ids.
	ErrMessageNotFound = errors.New("realtime: message not found")
	// ErrReplyNotFound is returned when a reply points at an unknown or deleted message.
	ErrReplyNotFound = errors.New("realtime: reply target not found")
	// ErrInvalidInput is returned for structurally invalid store requests.
	ErrInvalidInput = errors.New("realtime: invalid input")
)

// StoredMessage is the canonical persisted message representation.
type StoredMessage struct {
	RoomID      string
	ClientMsgID string
	ServerMsgID string
	Seq         int64
	AuthorID    string
	AuthorName  string
	Body        string
	ReplyToID   string
	ReplyTo     *v1.ReplySnapshot
	CreatedAt   time.Time
	Pinned      bool
	PinnedAt    *time.Time
	Recalled    bool
	Deleted     bool
	DeletedAt   *time.Time
}

// Wire converts a stored message to its protocol form.
func (m StoredMessage) Wire() v1.Message {
	out := v1.Message{
		Room:        m.RoomID,
		ID:          m.ServerMsgID,
		Seq:         m.Seq,
		ClientMsgID: m.ClientMsgID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt,
		ReplyToID:   m.ReplyToID,
		Pinned:      m.Pinned,
		Recalled:    m.Recalled,
	}
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		out.ReplyTo = &rt
	}
	if m.PinnedAt != nil {
		at := *m.PinnedAt
		out.PinnedAt = &at
	}
	return out
}

// State converts a stored message to the state broadcast emitted after action.
func (m StoredMessage) State(action string) v1.MessageStatePayload {
	out := v1.MessageStatePayload{
		Room:      m.RoomID,
		MessageID: m.ServerMsgID,
		Action:    action,
		Pinned:    m.Pinned,
		Recalled:  m.Recalled,
		Deleted:   m.Deleted,
	}
	if m.Recalled {
		out.Body = m.Body
	}
	if m.PinnedAt != nil {
		at := *m.PinnedAt
		out.PinnedAt = &at
	}
	return out
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - Idempotency per (room_id, client_msg_id)
//   - Monotonic seq per room (no gaps for duplicates)
//   - History query ordered by seq ASC, deleted messages excluded
//   - Recall is irreversible, delete is terminal
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	UpdateState(ctx context.Context, in UpdateStateInput) (StoredMessage, error)
	PurgeDeleted(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	RoomID      string
	ClientMsgID string
	AuthorID    string
	AuthorName  string
	Body        string
	ReplyToID   string
	Now         time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
// Without AfterSeq the latest Limit messages are returned.
type FetchHistoryInput struct {
	RoomID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

// UpdateStateInput describes a pin/unpin/recall/delete request keyed by server_msg_id.
type UpdateStateInput struct {
	RoomID    string
	MessageID string
	Action    string
	Now       time.Time
}

func (in AppendMessageInput) valid() bool {
	return in.RoomID != "" && in.ClientMsgID != "" && in.AuthorID != ""
}

func (in UpdateStateInput) valid() bool {
	return in.RoomID != "" && in.MessageID != "" && v1.ValidAction(in.Action)
}

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// applyAction mutates m according to action. Recall never reverts.
func applyAction(m *StoredMessage, action string, now time.Time) {
	switch action {
	case v1.ActionPin:
		if !m.Pinned {
			at := now
			m.Pinned = true
			m.PinnedAt = &at
		}
	case v1.ActionUnpin:
		m.Pinned = false
		m.PinnedAt = nil
	case v1.ActionRecall:
		m.Recalled = true
		m.Body = v1.RecalledBody
	case v1.ActionDelete:
		at := now
		m.Deleted = true
		m.DeletedAt = &at
	}
}

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
