package realtime

import (
	"sort"
	"sync"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Client represents one connected session, whatever carries it (websocket or in-process).
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	member v1.Member
	hello  bool
	rooms  map[string]struct{}
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
		rooms:     make(map[string]struct{}),
	}
}

// SetMember records the identity declared in hello.
func (c *Client) SetMember(m v1.Member) {
	c.mu.Lock()
	c.member = m
	c.hello = true
	c.mu.Unlock()
}

// Member returns the declared identity, false before hello.
func (c *Client) Member() (v1.Member, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member, c.hello
}

func (c *Client) addRoom(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[id]; ok {
		return false
	}
	c.rooms[id] = struct{}{}
	return true
}

func (c *Client) removeRoom(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[id]; !ok {
		return false
	}
	delete(c.rooms, id)
	return true
}

// InRoom reports whether the client is subscribed to room id.
func (c *Client) InRoom(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[id]
	return ok
}

// Rooms returns the subscribed room ids, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
