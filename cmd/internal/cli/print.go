package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"roomsync/cmd/internal/collab/chat"
	"roomsync/cmd/internal/collab/presence"
)

// printer writes confirmed chat lines once, with a day header whenever the day changes.
type printer struct {
	w       io.Writer
	loc     *time.Location
	seen    map[string]bool
	lastDay string
}

func newPrinter(w io.Writer, loc *time.Location) *printer {
	if loc == nil {
		loc = time.Local
	}
	return &printer{w: w, loc: loc, seen: make(map[string]bool)}
}

// lines prints the entries of ls not printed yet. Pending entries wait for their confirmation.
func (p *printer) lines(ls []chat.Line) {
	for _, l := range ls {
		if l.Separator {
			continue
		}
		e := l.Entry
		if e.Status == chat.StatusPending || p.seen[e.ID] {
			continue
		}
		p.seen[e.ID] = true

		day := e.CreatedAt.In(p.loc).Format("2006-01-02")
		if day != p.lastDay {
			fmt.Fprintf(p.w, "--- %s ---\n", e.CreatedAt.In(p.loc).Format("Mon, 02 Jan 2006"))
			p.lastDay = day
		}
		fmt.Fprintln(p.w, formatEntry(e, p.loc))
	}
}

func formatEntry(e chat.Entry, loc *time.Location) string {
	ts := e.CreatedAt.In(loc).Format("15:04")
	if e.Kind == chat.KindSystem {
		return fmt.Sprintf("%s * %s", ts, e.Body)
	}

	var b strings.Builder
	b.WriteString(ts)
	b.WriteByte(' ')
	if e.ReplyTo != nil {
		fmt.Fprintf(&b, "(re %s: %q) ", e.ReplyTo.AuthorName, clip(e.ReplyTo.Body, 24))
	}
	name := e.AuthorName
	if name == "" {
		name = e.AuthorID
	}
	fmt.Fprintf(&b, "%s: %s", name, e.Body)
	if e.Pinned {
		b.WriteString(" [pinned]")
	}
	if e.Status == chat.StatusPending {
		b.WriteString(" (sending)")
	}
	return b.String()
}

func formatPresence(entries []presence.Entry) string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Member.Name
		if n == "" {
			n = e.Member.ID
		}
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Sprintf("online (%d): %s", len(names), strings.Join(names, ", "))
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
