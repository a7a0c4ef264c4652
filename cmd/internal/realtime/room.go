package realtime

import (
	"log/slog"
	"sort"
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Room is an in-memory subscription set + broadcast fanout primitive.
//
// A member may be subscribed through several sessions; presence is reference counted
// per member so member_added fires for the first session and member_removed for the last.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log *slog.Logger
	ID  string

	mu          sync.RWMutex
	subscribers map[string]*Client
	sessions    map[string]string // session id -> member id
	refs        map[string]int
	members     map[string]v1.Member
}

// NewRoom constructs an empty room.
func NewRoom(log *slog.Logger, id string) *Room {
	return &Room{
		log:         log,
		ID:          id,
		subscribers: make(map[string]*Client),
		sessions:    make(map[string]string),
		refs:        make(map[string]int),
		members:     make(map[string]v1.Member),
	}
}

// Join subscribes a client. It reports whether this is the member's first session in the room.
// Joining twice with the same session is a no-op.
func (r *Room) Join(client *Client, m v1.Member) bool {
	if r == nil || client == nil || client.SessionID == "" || m.ID == "" {
		return false
	}

	r.mu.Lock()
	if _, ok := r.subscribers[client.SessionID]; ok {
		r.mu.Unlock()
		return false
	}
	r.subscribers[client.SessionID] = client
	r.sessions[client.SessionID] = m.ID
	r.refs[m.ID]++
	first := r.refs[m.ID] == 1
	r.members[m.ID] = m
	r.mu.Unlock()

	r.log.Info("room.member.join", "room_id", r.ID, "session_id", client.SessionID, "member_id", m.ID, "first", first)
	return first
}

// Leave unsubscribes a session. It returns the member and whether that was its last session.
func (r *Room) Leave(sessionID string) (v1.Member, bool, bool) {
	if r == nil || sessionID == "" {
		return v1.Member{}, false, false
	}

	r.mu.Lock()
	memberID, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return v1.Member{}, false, false
	}
	delete(r.subscribers, sessionID)
	delete(r.sessions, sessionID)
	m := r.members[memberID]
	r.refs[memberID]--
	last := r.refs[memberID] <= 0
	if last {
		delete(r.refs, memberID)
		delete(r.members, memberID)
	}
	r.mu.Unlock()

	r.log.Info("room.member.leave", "room_id", r.ID, "session_id", sessionID, "member_id", memberID, "last", last)
	return m, last, true
}

// Members returns the present members ordered by id.
func (r *Room) Members() []v1.Member {
	r.mu.RLock()
	out := make([]v1.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of subscribed sessions.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Broadcast fans an envelope out to every subscriber except exceptSession.
// Non-blocking: if a subscriber queue is full or the client is shutting down, it is dropped.
// It returns the number of dropped deliveries.
func (r *Room) Broadcast(env v1.Envelope, exceptSession string) int {
	if r == nil {
		return 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	dropped := 0
	for sid, m := range r.subscribers {
		if m == nil || sid == exceptSession {
			continue
		}

		select {
		case <-m.Done():
			continue
		default:
		}

		select {
		case m.Send <- env:
		default:
			dropped++
		}
	}
	return dropped
}
