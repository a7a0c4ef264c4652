// Package document implements the room document: uniquely keyed records merged
// last-writer-wins in arrival order.
//
// Concurrent edits of the same record by two authors overwrite each other silently.
// There is no causality tracking.
package document

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	v1 "roomsync/shared/contracts/realtime/v1"
)

var (
	ErrMissingID     = errors.New("document: record without id")
	ErrMissingType   = errors.New("document: record without type")
	ErrUnknownType   = errors.New("document: unknown record type")
	ErrUnknownRecord = errors.New("document: unknown record")
	ErrMissingFields = errors.New("document: update without fields")
	ErrNoEdit        = errors.New("document: no edit in progress")
)

// Document is a mapping from record id to record. It is not safe for concurrent use.
type Document struct {
	types   map[string]struct{}
	records map[string]v1.Record
	edit    *Edit
}

// Option configures a Document.
type Option func(*Document)

// WithTypes restricts the accepted record types. Without it any non-empty type is accepted.
func WithTypes(types ...string) Option {
	return func(d *Document) {
		if len(types) == 0 {
			return
		}
		d.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			t = strings.TrimSpace(t)
			if t != "" {
				d.types[t] = struct{}{}
			}
		}
	}
}

// New constructs an empty Document.
func New(opts ...Option) *Document {
	d := &Document{records: make(map[string]v1.Record)}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Validate checks a batch without applying it.
func (d *Document) Validate(b v1.Batch) error {
	check := func(kind string, r v1.Record) error {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%s: %w", kind, ErrMissingID)
		}
		if strings.TrimSpace(r.Type) == "" {
			return fmt.Errorf("%s %q: %w", kind, r.ID, ErrMissingType)
		}
		if d.types != nil {
			if _, ok := d.types[r.Type]; !ok {
				return fmt.Errorf("%s %q type %q: %w", kind, r.ID, r.Type, ErrUnknownType)
			}
		}
		return nil
	}
	for _, r := range b.Added {
		if err := check("added", r); err != nil {
			return err
		}
	}
	for _, r := range b.Updated {
		if err := check("updated", r); err != nil {
			return err
		}
		// An update replaces the whole record; nil fields would wipe it.
		if r.Fields == nil {
			return fmt.Errorf("updated %q: %w", r.ID, ErrMissingFields)
		}
	}
	for _, id := range b.Removed {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("removed: %w", ErrMissingID)
		}
	}
	return nil
}

// Apply merges a batch: added and updated records replace by id, removed ids are deleted.
// The batch is validated as a whole first, so a rejected batch leaves the document untouched.
// Applying the same batch twice yields the same document.
func (d *Document) Apply(b v1.Batch) error {
	if err := d.Validate(b); err != nil {
		return err
	}
	for _, r := range b.Added {
		d.records[r.ID] = cloneRecord(r)
	}
	for _, r := range b.Updated {
		d.records[r.ID] = cloneRecord(r)
	}
	for _, id := range b.Removed {
		delete(d.records, id)
		if d.edit != nil && d.edit.RecordID == id {
			d.edit = nil
		}
	}
	return nil
}

// Stamp bumps the revision of every added or updated record that does not carry one,
// relative to the current document. It is used for locally authored batches.
func (d *Document) Stamp(b v1.Batch) v1.Batch {
	stamp := func(in []v1.Record) []v1.Record {
		if len(in) == 0 {
			return nil
		}
		out := make([]v1.Record, len(in))
		for i, r := range in {
			if r.Revision == 0 {
				r.Revision = d.records[r.ID].Revision + 1
			}
			out[i] = r
		}
		return out
	}
	return v1.Batch{Added: stamp(b.Added), Updated: stamp(b.Updated), Removed: append([]string(nil), b.Removed...)}
}

// Load replaces the whole document. An active edit survives only if its record does.
func (d *Document) Load(records []v1.Record) {
	d.records = make(map[string]v1.Record, len(records))
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		d.records[r.ID] = cloneRecord(r)
	}
	if d.edit != nil {
		if _, ok := d.records[d.edit.RecordID]; !ok {
			d.edit = nil
		}
	}
}

// Snapshot returns all records sorted by id.
func (d *Document) Snapshot() []v1.Record {
	out := make([]v1.Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of one record.
func (d *Document) Get(id string) (v1.Record, bool) {
	r, ok := d.records[id]
	if !ok {
		return v1.Record{}, false
	}
	return cloneRecord(r), true
}

// Len returns the number of records.
func (d *Document) Len() int { return len(d.records) }

// Clear removes every record and returns the removal batch.
func (d *Document) Clear() v1.Batch {
	ids := make([]string, 0, len(d.records))
	for id := range d.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	d.records = make(map[string]v1.Record)
	d.edit = nil
	return v1.Batch{Removed: ids}
}

func cloneRecord(r v1.Record) v1.Record {
	r.Fields = cloneFields(r.Fields)
	return r
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneFields(x)
	case []any:
		cp := make([]any, len(x))
		for i := range x {
			cp[i] = cloneValue(x[i])
		}
		return cp
	default:
		return v
	}
}
