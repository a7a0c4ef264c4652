package document

import (
	v1 "roomsync/shared/contracts/realtime/v1"
)

// Pending accumulates local changes between two broadcasts.
//
// It keeps the union of every batch added since the last Take: the latest value of each
// touched record, with removals cancelling earlier upserts of the same id.
type Pending struct {
	order   []string
	upserts map[string]upsert
	removed map[string]struct{}
}

type upsert struct {
	rec   v1.Record
	added bool
}

// NewPending constructs an empty accumulator.
func NewPending() *Pending {
	return &Pending{
		upserts: make(map[string]upsert),
		removed: make(map[string]struct{}),
	}
}

// Add merges a batch into the accumulator.
func (p *Pending) Add(b v1.Batch) {
	for _, r := range b.Added {
		p.touch(r.ID)
		delete(p.removed, r.ID)
		p.upserts[r.ID] = upsert{rec: cloneRecord(r), added: true}
	}
	for _, r := range b.Updated {
		p.touch(r.ID)
		delete(p.removed, r.ID)
		prev, ok := p.upserts[r.ID]
		p.upserts[r.ID] = upsert{rec: cloneRecord(r), added: ok && prev.added}
	}
	for _, id := range b.Removed {
		p.touch(id)
		delete(p.upserts, id)
		p.removed[id] = struct{}{}
	}
}

func (p *Pending) touch(id string) {
	if _, ok := p.upserts[id]; ok {
		return
	}
	if _, ok := p.removed[id]; ok {
		return
	}
	p.order = append(p.order, id)
}

// Empty reports whether nothing is pending.
func (p *Pending) Empty() bool { return len(p.upserts) == 0 && len(p.removed) == 0 }

// Peek returns the accumulated batch without clearing it.
func (p *Pending) Peek() v1.Batch {
	var b v1.Batch
	for _, id := range p.order {
		if u, ok := p.upserts[id]; ok {
			if u.added {
				b.Added = append(b.Added, cloneRecord(u.rec))
			} else {
				b.Updated = append(b.Updated, cloneRecord(u.rec))
			}
			continue
		}
		if _, ok := p.removed[id]; ok {
			b.Removed = append(b.Removed, id)
		}
	}
	return b
}

// Take returns the accumulated batch and clears the accumulator.
func (p *Pending) Take() v1.Batch {
	b := p.Peek()
	p.order = nil
	p.upserts = make(map[string]upsert)
	p.removed = make(map[string]struct{})
	return b
}

// Restore puts back a batch that failed to send. Changes accumulated after it win.
func (p *Pending) Restore(b v1.Batch) {
	newer := p.Take()
	p.Add(b)
	p.Add(newer)
}
