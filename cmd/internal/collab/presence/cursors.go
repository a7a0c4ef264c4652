package presence

import (
	"sort"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Cursor colors by member role.
const (
	TeacherColor = "#FF0000"
	DefaultColor = "#3B82F6"
)

// ColorFor returns the cursor color of a member, based on Info["role"].
func ColorFor(m v1.Member) string {
	if role, _ := m.Info["role"].(string); role == "teacher" {
		return TeacherColor
	}
	return DefaultColor
}

// Cursor is a remote pointer position with its receive time.
type Cursor struct {
	v1.Cursor
	LastSeen time.Time
}

// Cursors tracks remote cursors. It is not safe for concurrent use.
type Cursors struct {
	self string
	m    map[string]Cursor
}

// NewCursors constructs an empty tracker for the local member self.
func NewCursors(self string) *Cursors {
	return &Cursors{self: self, m: make(map[string]Cursor)}
}

// Update records a cursor position. The local member's own cursor is ignored.
func (c *Cursors) Update(cur v1.Cursor, now time.Time) bool {
	if cur.MemberID == "" || cur.MemberID == c.self {
		return false
	}
	c.m[cur.MemberID] = Cursor{Cursor: cur, LastSeen: now}
	return true
}

// Remove drops the cursor of a member.
func (c *Cursors) Remove(memberID string) bool {
	if _, ok := c.m[memberID]; !ok {
		return false
	}
	delete(c.m, memberID)
	return true
}

// Sweep drops cursors older than ttl and returns how many were dropped.
func (c *Cursors) Sweep(now time.Time, ttl time.Duration) int {
	n := 0
	for id, cur := range c.m {
		if now.Sub(cur.LastSeen) > ttl {
			delete(c.m, id)
			n++
		}
	}
	return n
}

// List returns live cursors ordered by member id.
func (c *Cursors) List() []Cursor {
	out := make([]Cursor, 0, len(c.m))
	for _, cur := range c.m {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}
