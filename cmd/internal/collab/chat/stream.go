// Package chat reconciles a room's message stream: optimistic local inserts, confirmations
// from the authority, and later state transitions keyed by durable id.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"roomsync/cmd/internal/ids"
	v1 "roomsync/shared/contracts/realtime/v1"
)

const (
	// MaxBodyChars bounds a message body in runes.
	MaxBodyChars = 4000

	defaultMaxEntries      = 500
	defaultDuplicateWindow = 2 * time.Second
	defaultMatchWindow     = 30 * time.Second

	tempPrefix   = "temp-"
	systemPrefix = "system-"
)

var (
	ErrEmptyBody       = errors.New("chat: empty body")
	ErrBodyTooLong     = fmt.Errorf("chat: body longer than %d chars", MaxBodyChars)
	ErrDuplicateSubmit = errors.New("chat: duplicate submit")
)

// Kind distinguishes user messages from system audit entries.
type Kind uint8

const (
	KindMessage Kind = iota
	KindSystem
)

// Status is the reconciliation state of an entry.
type Status uint8

const (
	StatusPending Status = iota
	StatusConfirmed
)

func (s Status) String() string {
	if s == StatusPending {
		return "pending"
	}
	return "confirmed"
}

// Entry is one line of the stream.
type Entry struct {
	ID          string
	ClientMsgID string
	Seq         int64
	Kind        Kind
	Status      Status

	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time

	ReplyToID string
	ReplyTo   *v1.ReplySnapshot

	Pinned   bool
	PinnedAt *time.Time
	Recalled bool
}

// Stream is the ordered, deduplicated message list of one room. It is not safe for
// concurrent use.
type Stream struct {
	self v1.Member

	entries []Entry

	maxEntries      int
	duplicateWindow time.Duration
	matchWindow     time.Duration

	lastBody string
	lastAt   time.Time
}

// Option configures a Stream.
type Option func(*Stream)

// WithMaxEntries bounds the number of kept entries.
func WithMaxEntries(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.maxEntries = n
		}
	}
}

// WithDuplicateWindow sets how long an identical body is rejected after a submit.
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Stream) {
		if d >= 0 {
			s.duplicateWindow = d
		}
	}
}

// WithMatchWindow sets how far apart a pending entry and its confirmation may be when
// they are matched by content instead of correlation id.
func WithMatchWindow(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.matchWindow = d
		}
	}
}

// NewStream constructs an empty stream for the local member self.
func NewStream(self v1.Member, opts ...Option) *Stream {
	s := &Stream{
		self:            self,
		maxEntries:      defaultMaxEntries,
		duplicateWindow: defaultDuplicateWindow,
		matchWindow:     defaultMatchWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SendOptimistic validates body and inserts a pending entry. The returned entry's ID is
// the temporary id, also used as the correlation id sent to the authority.
func (s *Stream) SendOptimistic(body, replyToID string, now time.Time) (Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Entry{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyChars {
		return Entry{}, ErrBodyTooLong
	}
	if body == s.lastBody && now.Sub(s.lastAt) < s.duplicateWindow {
		return Entry{}, ErrDuplicateSubmit
	}
	s.lastBody, s.lastAt = body, now

	id := tempPrefix + ids.MustULID(now)
	e := Entry{
		ID:          id,
		ClientMsgID: id,
		Kind:        KindMessage,
		Status:      StatusPending,
		AuthorID:    s.self.ID,
		AuthorName:  s.self.Name,
		Body:        body,
		CreatedAt:   now,
		ReplyToID:   replyToID,
	}
	if replyToID != "" {
		if i := s.find(replyToID); i >= 0 {
			e.ReplyTo = &v1.ReplySnapshot{AuthorName: s.entries[i].AuthorName, Body: s.entries[i].Body}
		}
	}
	s.entries = append(s.entries, e)
	return e, nil
}

// Confirm reconciles a durable message. A pending entry is replaced when it carries the same
// correlation id or, failing that, when it is the local member's oldest pending entry with
// the same body inside the match window. Anything else is appended, unless the durable id is
// already present.
func (s *Stream) Confirm(m v1.Message) (Entry, bool) {
	if m.ID == "" {
		return Entry{}, false
	}
	if i := s.find(m.ID); i >= 0 {
		return s.entries[i], false
	}

	e := fromMessage(m)
	if i := s.matchPending(m); i >= 0 {
		e.ClientMsgID = s.entries[i].ClientMsgID
		if e.ReplyTo == nil {
			e.ReplyTo = s.entries[i].ReplyTo
		}
		s.entries[i] = e
		return e, true
	}

	s.insert(e)
	s.trim()
	return e, true
}

// Acknowledge confirms the pending entry carrying ack's correlation id with the durable id
// and sequence the authority assigned. It reports false when no such entry is pending, e.g.
// because the broadcast copy already confirmed it.
func (s *Stream) Acknowledge(ack v1.MessageAckPayload) (Entry, bool) {
	if ack.ClientMsgID == "" || ack.ServerMsgID == "" {
		return Entry{}, false
	}
	if i := s.find(ack.ServerMsgID); i >= 0 {
		return s.entries[i], false
	}
	for i := range s.entries {
		e := &s.entries[i]
		if e.Status != StatusPending || e.ClientMsgID != ack.ClientMsgID {
			continue
		}
		e.ID = ack.ServerMsgID
		e.Seq = ack.Seq
		e.Status = StatusConfirmed
		return *e, true
	}
	return Entry{}, false
}

func (s *Stream) matchPending(m v1.Message) int {
	if m.ClientMsgID != "" {
		for i := range s.entries {
			if s.entries[i].Status == StatusPending && s.entries[i].ClientMsgID == m.ClientMsgID {
				return i
			}
		}
	}
	if m.AuthorID != s.self.ID {
		return -1
	}
	for i := range s.entries {
		e := &s.entries[i]
		if e.Status != StatusPending || e.Body != m.Body {
			continue
		}
		if d := m.CreatedAt.Sub(e.CreatedAt); d > s.matchWindow || d < -s.matchWindow {
			continue
		}
		return i
	}
	return -1
}

// MergeHistory folds a history window into the stream. Known ids take the authority's
// state, except that a recall is never undone.
func (s *Stream) MergeHistory(msgs []v1.Message) int {
	added := 0
	for _, m := range msgs {
		if i := s.find(m.ID); i >= 0 {
			cur := &s.entries[i]
			recalled := cur.Recalled || m.Recalled
			body := m.Body
			if recalled {
				body = v1.RecalledBody
			}
			cur.Pinned, cur.PinnedAt = m.Pinned, m.PinnedAt
			cur.Recalled, cur.Body = recalled, body
			cur.Seq = m.Seq
			continue
		}
		if _, ok := s.Confirm(m); ok {
			added++
		}
	}
	return added
}

// Prune drops confirmed messages with lo <= seq <= hi that are missing from window, the
// authority's complete view of that range. Messages deleted while the stream was not
// listening disappear this way. It returns the number of dropped entries.
func (s *Stream) Prune(lo, hi int64, window []v1.Message) int {
	if hi < lo {
		return 0
	}
	live := make(map[string]struct{}, len(window))
	for _, m := range window {
		live[m.ID] = struct{}{}
	}
	dropped := 0
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Kind == KindMessage && e.Status == StatusConfirmed && e.Seq >= lo && e.Seq <= hi {
			if _, ok := live[e.ID]; !ok {
				dropped++
				continue
			}
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return dropped
}

// ApplyState applies a state transition by durable id. Unknown ids are ignored.
// Deleted removes the entry. Recall replaces the body for good. Pin and unpin toggle freely.
func (s *Stream) ApplyState(st v1.MessageStatePayload) bool {
	i := s.find(st.MessageID)
	if i < 0 || s.entries[i].Status != StatusConfirmed {
		return false
	}
	if st.Deleted || st.Action == v1.ActionDelete {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		return true
	}

	e := &s.entries[i]
	switch st.Action {
	case v1.ActionPin:
		e.Pinned = true
		e.PinnedAt = st.PinnedAt
	case v1.ActionUnpin:
		e.Pinned = false
		e.PinnedAt = nil
	case v1.ActionRecall:
		e.Recalled = true
		e.Body = v1.RecalledBody
	default:
		return false
	}
	return true
}

// Rollback removes a pending entry whose send failed. Other entries are untouched.
func (s *Stream) Rollback(tempID string) bool {
	i := s.find(tempID)
	if i < 0 || s.entries[i].Status != StatusPending {
		return false
	}
	if s.entries[i].Body == s.lastBody {
		// A failed send may be retried right away.
		s.lastBody = ""
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return true
}

// PurgePending drops pending entries older than maxAge and returns their ids.
func (s *Stream) PurgePending(now time.Time, maxAge time.Duration) []string {
	var purged []string
	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.Status == StatusPending && now.Sub(e.CreatedAt) > maxAge {
			purged = append(purged, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return purged
}

// AddSystem appends an audit entry. Its id combines the member id, the millisecond
// timestamp, and a random suffix so simultaneous entries never collide.
func (s *Stream) AddSystem(memberID, text string, now time.Time) Entry {
	e := Entry{
		ID:        fmt.Sprintf("%s%s-%d-%s", systemPrefix, memberID, now.UnixMilli(), ids.NewRandomHex(4)),
		Kind:      KindSystem,
		Status:    StatusConfirmed,
		AuthorID:  memberID,
		Body:      text,
		CreatedAt: now,
	}
	s.entries = append(s.entries, e)
	s.trim()
	return e
}

// Entries returns a copy of the stream in insertion order.
func (s *Stream) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Get returns one entry by id.
func (s *Stream) Get(id string) (Entry, bool) {
	i := s.find(id)
	if i < 0 {
		return Entry{}, false
	}
	return s.entries[i], true
}

// PendingCount returns the number of unconfirmed entries.
func (s *Stream) PendingCount() int {
	n := 0
	for _, e := range s.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}

// FirstSeq returns the lowest authority sequence of a kept message, or 0 when there is none.
func (s *Stream) FirstSeq() int64 {
	var min int64
	for _, e := range s.entries {
		if e.Kind != KindMessage || e.Status != StatusConfirmed || e.Seq <= 0 {
			continue
		}
		if min == 0 || e.Seq < min {
			min = e.Seq
		}
	}
	return min
}

// LastSeq returns the highest authority sequence seen.
func (s *Stream) LastSeq() int64 {
	var max int64
	for _, e := range s.entries {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max
}

// Len returns the number of entries.
func (s *Stream) Len() int { return len(s.entries) }

func (s *Stream) find(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// insert places a confirmed message before the first confirmed message with a higher
// sequence, so a healed gap lands where it belongs.
func (s *Stream) insert(e Entry) {
	at := len(s.entries)
	for i := 0; e.Seq > 0 && i < len(s.entries); i++ {
		x := &s.entries[i]
		if x.Kind == KindMessage && x.Status == StatusConfirmed && x.Seq > e.Seq {
			at = i
			break
		}
	}
	s.entries = append(s.entries, Entry{})
	copy(s.entries[at+1:], s.entries[at:])
	s.entries[at] = e
}

// trim drops the oldest confirmed entries beyond the bound. Pending entries are kept.
func (s *Stream) trim() {
	over := len(s.entries) - s.maxEntries
	if over <= 0 {
		return
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if over > 0 && e.Status == StatusConfirmed {
			over--
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
}

func fromMessage(m v1.Message) Entry {
	e := Entry{
		ID:          m.ID,
		ClientMsgID: m.ClientMsgID,
		Seq:         m.Seq,
		Kind:        KindMessage,
		Status:      StatusConfirmed,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		Body:        m.Body,
		CreatedAt:   m.CreatedAt,
		ReplyToID:   m.ReplyToID,
		ReplyTo:     m.ReplyTo,
		Pinned:      m.Pinned,
		PinnedAt:    m.PinnedAt,
		Recalled:    m.Recalled,
	}
	if e.Recalled {
		e.Body = v1.RecalledBody
	}
	return e
}
