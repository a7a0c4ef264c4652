package realtime

import (
	"log/slog"
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Hub owns in-memory rooms. A room is created on first subscription and dropped when its
// last subscriber leaves; persistence lives behind the stores.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance. metrics may be nil.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: metrics,
		rooms:   make(map[string]*Room),
	}
}

// Join subscribes client to roomID, creating the room if needed.
// It reports whether this is the member's first session in the room.
func (h *Hub) Join(roomID string, client *Client, m v1.Member) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		r = NewRoom(h.log, roomID)
		h.rooms[roomID] = r
		h.metrics.setRooms(len(h.rooms))
	}
	return r, r.Join(client, m)
}

// Leave unsubscribes a session from roomID and drops the room once empty.
// It returns the leaving member and whether that was its last session.
func (h *Hub) Leave(roomID, sessionID string) (*Room, v1.Member, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[roomID]
	if !ok {
		return nil, v1.Member{}, false
	}
	m, last, left := r.Leave(sessionID)
	if !left {
		return r, v1.Member{}, false
	}
	if r.Len() == 0 {
		delete(h.rooms, roomID)
		h.metrics.setRooms(len(h.rooms))
		h.log.Info("room.gc", "room_id", roomID)
	}
	return r, m, last
}

// Room returns a live room.
func (h *Hub) Room(roomID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	return r, ok
}

// Len returns the number of live rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
