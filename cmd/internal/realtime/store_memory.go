package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

const (
	memMaxMessagesPerRoom = 10_000
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It supports:
//   - AppendMessage: idempotent + seq allocation
//   - FetchHistory: latest window or paging by after_seq
//   - UpdateState / PurgeDeleted
type InMemoryStore struct {
	mu    sync.Mutex
	rooms map[string]*memRoom
}

type memRoom struct {
	seq    int64
	dedupe map[string]int64 // client_msg_id -> seq
	msgs   []StoredMessage  // ordered by seq
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[string]*memRoom),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (c *memRoom) indexBySeq(seq int64) int {
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq >= seq })
	if i < len(c.msgs) && c.msgs[i].Seq == seq {
		return i
	}
	return -1
}

func (c *memRoom) indexByID(id string) int {
	for i := range c.msgs {
		if c.msgs[i].ServerMsgID == id {
			return i
		}
	}
	return -1
}

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if !in.valid() {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := nowOr(in.Now)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.rooms[in.RoomID]
	if c == nil {
		c = &memRoom{
			dedupe: make(map[string]int64),
			msgs:   make([]StoredMessage, 0, 256),
		}
		s.rooms[in.RoomID] = c
	}

	if seq, ok := c.dedupe[in.ClientMsgID]; ok {
		if i := c.indexBySeq(seq); i >= 0 {
			return AppendMessageResult{Stored: c.msgs[i], Duplicated: true}, nil
		}
	}

	msg := StoredMessage{
		RoomID:      in.RoomID,
		ClientMsgID: in.ClientMsgID,
		AuthorID:    in.AuthorID,
		AuthorName:  in.AuthorName,
		Body:        in.Body,
		CreatedAt:   now,
	}
	if in.ReplyToID != "" {
		i := c.indexByID(in.ReplyToID)
		if i < 0 || c.msgs[i].Deleted {
			return AppendMessageResult{}, ErrReplyNotFound
		}
		target := c.msgs[i]
		msg.ReplyToID = target.ServerMsgID
		msg.ReplyTo = replySnapshotOf(target)
	}

	c.seq++
	msg.Seq = c.seq
	msg.ServerMsgID = NewServerMsgID(now)
	c.dedupe[in.ClientMsgID] = msg.Seq
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerRoom {
		for _, old := range c.msgs[:len(c.msgs)-memMaxMessagesPerRoom] {
			delete(c.dedupe, old.ClientMsgID)
		}
		c.msgs = append([]StoredMessage(nil), c.msgs[len(c.msgs)-memMaxMessagesPerRoom:]...)
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchHistory returns live messages ordered by seq ASC.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.RoomID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	var live []StoredMessage
	if c := s.rooms[in.RoomID]; c != nil {
		live = make([]StoredMessage, 0, len(c.msgs))
		for _, m := range c.msgs {
			if !m.Deleted {
				live = append(live, m)
			}
		}
	}
	s.mu.Unlock()

	if len(live) == 0 {
		return FetchHistoryResult{Messages: nil, HasMore: false}, nil
	}

	if in.AfterSeq == nil {
		start := len(live) - limit
		if start < 0 {
			start = 0
		}
		return FetchHistoryResult{Messages: live[start:], HasMore: start > 0}, nil
	}

	after := *in.AfterSeq
	start := sort.Search(len(live), func(i int) bool { return live[i].Seq > after })
	if start >= len(live) {
		return FetchHistoryResult{Messages: nil, HasMore: false}, nil
	}
	end := start + limit
	hasMore := end < len(live)
	if !hasMore {
		end = len(live)
	}
	return FetchHistoryResult{Messages: live[start:end], HasMore: hasMore}, nil
}

// UpdateState applies a state transition to a live message.
func (s *InMemoryStore) UpdateState(ctx context.Context, in UpdateStateInput) (StoredMessage, error) {
	if !in.valid() {
		return StoredMessage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.rooms[in.RoomID]
	if c == nil {
		return StoredMessage{}, ErrMessageNotFound
	}
	i := c.indexByID(in.MessageID)
	if i < 0 || c.msgs[i].Deleted {
		return StoredMessage{}, ErrMessageNotFound
	}
	applyAction(&c.msgs[i], in.Action, nowOr(in.Now))
	return c.msgs[i], nil
}

// PurgeDeleted drops messages soft-deleted before the cutoff.
func (s *InMemoryStore) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.rooms {
		kept := c.msgs[:0]
		for _, m := range c.msgs {
			if m.Deleted && m.DeletedAt != nil && m.DeletedAt.Before(before) {
				delete(c.dedupe, m.ClientMsgID)
				n++
				continue
			}
			kept = append(kept, m)
		}
		c.msgs = kept
	}
	return n, nil
}

func replySnapshotOf(m StoredMessage) *v1.ReplySnapshot {
	return &v1.ReplySnapshot{AuthorName: m.AuthorName, Body: m.Body}
}
