package chat

import (
	"sort"
	"time"
)

// Line is one row of the rendered stream: either a day separator or an entry.
type Line struct {
	Separator bool
	Day       time.Time
	Entry     Entry
}

// Display orders entries by timestamp and inserts a separator whenever the calendar day
// (in loc) changes between two adjacent entries, and before the first one.
// Arrival order does not matter; confirmations can arrive out of order.
func Display(entries []Entry, loc *time.Location) []Line {
	if loc == nil {
		loc = time.Local
	}
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	out := make([]Line, 0, len(sorted)+4)
	var prev time.Time
	for i, e := range sorted {
		day := dayOf(e.CreatedAt, loc)
		if i == 0 || !day.Equal(prev) {
			out = append(out, Line{Separator: true, Day: day})
			prev = day
		}
		out = append(out, Line{Entry: e})
	}
	return out
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
