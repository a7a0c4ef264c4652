// Package presence tracks who is in a room as observed by one client.
//
// The observed set is seeded from the membership snapshot delivered at subscription time and
// then materialized from join and leave events. The local member is never part of it.
package presence

import (
	"sort"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Entry is one present member.
type Entry struct {
	Member   v1.Member
	JoinedAt time.Time
	LastSeen time.Time
}

// Registry is the observed member set of one room. It is not safe for concurrent use.
type Registry struct {
	self     string
	known    bool
	seeded   bool
	entries  map[string]*Entry
	departed map[string]time.Time
}

// NewRegistry constructs an empty registry for the local member self.
func NewRegistry(self string) *Registry {
	return &Registry{
		self:     self,
		entries:  make(map[string]*Entry),
		departed: make(map[string]time.Time),
	}
}

// Departure is a member that left, with the time it was last seen.
type Departure struct {
	Member v1.Member
	At     time.Time
}

// Diff is the change a snapshot made to a previously seeded set.
type Diff struct {
	Joined []v1.Member
	Left   []Departure
}

// Empty reports whether the snapshot changed nothing.
func (d Diff) Empty() bool { return len(d.Joined) == 0 && len(d.Left) == 0 }

// Seed replaces the observed set with a snapshot. departed carries last-seen times of
// members who left before the snapshot was taken. The first snapshot returns an empty Diff;
// later ones (after a reconnect) return who appeared and who vanished in between.
func (r *Registry) Seed(members []v1.Member, departed map[string]time.Time, now time.Time) Diff {
	prev := r.entries
	r.entries = make(map[string]*Entry, len(members))
	for _, m := range members {
		if m.ID == "" || m.ID == r.self {
			continue
		}
		e := &Entry{Member: m, JoinedAt: now, LastSeen: now}
		if old, ok := prev[m.ID]; ok {
			e.JoinedAt = old.JoinedAt
		}
		r.entries[m.ID] = e
		delete(r.departed, m.ID)
	}
	for id, at := range departed {
		if _, present := r.entries[id]; present || id == r.self {
			continue
		}
		if last, ok := r.departed[id]; !ok || at.After(last) {
			r.departed[id] = at
		}
	}

	var diff Diff
	if r.seeded {
		for id, e := range r.entries {
			if _, ok := prev[id]; !ok {
				diff.Joined = append(diff.Joined, e.Member)
			}
		}
		for id, e := range prev {
			if _, ok := r.entries[id]; ok {
				continue
			}
			at, ok := departed[id]
			if !ok {
				at = now
				r.departed[id] = now
			}
			diff.Left = append(diff.Left, Departure{Member: e.Member, At: at})
		}
		sort.Slice(diff.Joined, func(i, j int) bool { return diff.Joined[i].ID < diff.Joined[j].ID })
		sort.Slice(diff.Left, func(i, j int) bool { return diff.Left[i].Member.ID < diff.Left[j].Member.ID })
	}
	r.seeded = true
	r.known = true
	return diff
}

// Join records a member as present. It reports false when the member was already present.
func (r *Registry) Join(m v1.Member, now time.Time) bool {
	if m.ID == "" || m.ID == r.self {
		return false
	}
	if e, ok := r.entries[m.ID]; ok {
		e.LastSeen = now
		return false
	}
	r.entries[m.ID] = &Entry{Member: m, JoinedAt: now, LastSeen: now}
	delete(r.departed, m.ID)
	return true
}

// Leave removes a member and records when it was last seen.
func (r *Registry) Leave(id string, now time.Time) (v1.Member, bool) {
	e, ok := r.entries[id]
	if !ok {
		return v1.Member{}, false
	}
	delete(r.entries, id)
	r.departed[id] = now
	return e.Member, true
}

// Touch refreshes the liveness of a present member.
func (r *Registry) Touch(id string, now time.Time) bool {
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	return true
}

// Sweep evicts members silent for longer than ttl and returns them.
func (r *Registry) Sweep(now time.Time, ttl time.Duration) []v1.Member {
	if ttl <= 0 {
		return nil
	}
	var out []v1.Member
	for id, e := range r.entries {
		if now.Sub(e.LastSeen) > ttl {
			out = append(out, e.Member)
			delete(r.entries, id)
			r.departed[id] = e.LastSeen
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members returns the present members ordered by name, then id.
func (r *Registry) Members() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Member.Name != out[j].Member.Name {
			return out[i].Member.Name < out[j].Member.Name
		}
		return out[i].Member.ID < out[j].Member.ID
	})
	return out
}

// Has reports whether id is present.
func (r *Registry) Has(id string) bool {
	_, ok := r.entries[id]
	return ok
}

// Member returns a present member.
func (r *Registry) Member(id string) (v1.Member, bool) {
	e, ok := r.entries[id]
	if !ok {
		return v1.Member{}, false
	}
	return e.Member, true
}

// LastSeen returns the last liveness signal of a present member or the leave time of a
// departed one.
func (r *Registry) LastSeen(id string) (time.Time, bool) {
	if e, ok := r.entries[id]; ok {
		return e.LastSeen, true
	}
	at, ok := r.departed[id]
	return at, ok
}

// Len returns the number of present members.
func (r *Registry) Len() int { return len(r.entries) }

// Known reports whether a snapshot has been applied since the last MarkUnknown.
func (r *Registry) Known() bool { return r.known }

// MarkUnknown flags the membership as stale, e.g. after the subscription failed.
func (r *Registry) MarkUnknown() { r.known = false }
