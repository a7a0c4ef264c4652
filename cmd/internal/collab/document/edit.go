package document

import (
	v1 "roomsync/shared/contracts/realtime/v1"
)

// Edit is an in-progress text edit of one string field of one record.
// Keystrokes accumulate in Text and reach the record only when flushed.
type Edit struct {
	RecordID string
	Field    string
	Text     string
}

// BeginEdit starts editing field of recordID. An edit already in progress is flushed first
// and its update batch returned.
func (d *Document) BeginEdit(recordID, field string) (v1.Batch, error) {
	r, ok := d.records[recordID]
	if !ok {
		return v1.Batch{}, ErrUnknownRecord
	}
	prev, _ := d.EndEdit()

	text, _ := r.Fields[field].(string)
	d.edit = &Edit{RecordID: recordID, Field: field, Text: text}
	return prev, nil
}

// SetEditText replaces the pending text of the active edit.
func (d *Document) SetEditText(text string) error {
	if d.edit == nil {
		return ErrNoEdit
	}
	d.edit.Text = text
	return nil
}

// Editing returns the active edit.
func (d *Document) Editing() (Edit, bool) {
	if d.edit == nil {
		return Edit{}, false
	}
	return *d.edit, true
}

// FlushEdit writes the pending text into the record and keeps the edit open.
// It returns the update batch, or false when there was nothing to write.
func (d *Document) FlushEdit() (v1.Batch, bool) {
	if d.edit == nil {
		return v1.Batch{}, false
	}
	r, ok := d.records[d.edit.RecordID]
	if !ok {
		d.edit = nil
		return v1.Batch{}, false
	}
	if cur, present := r.Fields[d.edit.Field]; present {
		if s, _ := cur.(string); s == d.edit.Text {
			return v1.Batch{}, false
		}
	}

	r = cloneRecord(r)
	if r.Fields == nil {
		r.Fields = make(map[string]any, 1)
	}
	r.Fields[d.edit.Field] = d.edit.Text
	r.Revision++
	d.records[r.ID] = r
	return v1.Batch{Updated: []v1.Record{cloneRecord(r)}}, true
}

// EndEdit flushes and closes the active edit.
func (d *Document) EndEdit() (v1.Batch, bool) {
	b, ok := d.FlushEdit()
	d.edit = nil
	return b, ok
}

// CancelEdit drops the active edit without writing it.
func (d *Document) CancelEdit() { d.edit = nil }
