package chat

import (
	"testing"
	"time"
)

func TestDisplay_GroupsByDayFromTimestamps(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	day1 := time.Date(2026, 5, 1, 23, 59, 0, 0, loc)
	day2 := time.Date(2026, 5, 2, 0, 1, 0, 0, loc)

	// Arrival order differs from timestamp order.
	entries := []Entry{
		{ID: "late", CreatedAt: day2},
		{ID: "early", CreatedAt: day1},
		{ID: "late2", CreatedAt: day2.Add(time.Minute)},
	}

	lines := Display(entries, loc)
	want := []string{"sep", "early", "sep", "late", "late2"}
	if len(lines) != len(want) {
		t.Fatalf("lines=%d want %d", len(lines), len(want))
	}
	for i, l := range lines {
		got := l.Entry.ID
		if l.Separator {
			got = "sep"
		}
		if got != want[i] {
			t.Fatalf("line[%d]=%s want %s", i, got, want[i])
		}
	}
	if !lines[2].Day.Equal(time.Date(2026, 5, 2, 0, 0, 0, 0, loc)) {
		t.Fatalf("separator day=%v", lines[2].Day)
	}
}

func TestDisplay_UsesLocation(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*3600)
	a := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	b := time.Date(2026, 5, 1, 16, 0, 0, 0, time.UTC)

	if n := len(Display([]Entry{{ID: "a", CreatedAt: a}, {ID: "b", CreatedAt: b}}, time.UTC)); n != 3 {
		t.Fatalf("utc lines=%d want 3", n)
	}
	if n := len(Display([]Entry{{ID: "a", CreatedAt: a}, {ID: "b", CreatedAt: b}}, tokyo)); n != 4 {
		t.Fatalf("tokyo lines=%d want 4", n)
	}
}

func TestDisplay_Empty(t *testing.T) {
	t.Parallel()

	if got := Display(nil, time.UTC); len(got) != 0 {
		t.Fatalf("lines=%d want 0", len(got))
	}
}
