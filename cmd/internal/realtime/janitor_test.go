package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	v1 "roomsync/shared/contracts/realtime/v1"
)

func TestNewJanitor_RejectsBadCron(t *testing.T) {
	t.Parallel()

	if _, err := NewJanitor(testLogger(), NewInMemoryStore(), nil, JanitorConfig{Cron: "not a cron"}); err == nil {
		t.Fatalf("expected invalid cron to be rejected")
	}
}

func TestJanitor_Next(t *testing.T) {
	t.Parallel()

	j, err := NewJanitor(testLogger(), NewInMemoryStore(), nil, JanitorConfig{Cron: "0 3 * * *"})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	next, err := j.Next(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%v want %v", next, want)
	}
}

func TestJanitor_NilLoggerFallsBackToDefault(t *testing.T) {
	t.Parallel()

	j, err := NewJanitor(nil, NewInMemoryStore(), nil, JanitorConfig{})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	if j.log == nil {
		t.Fatalf("expected a default logger")
	}
	if _, err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
}

func TestJanitor_RunPurgesOnTick(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 5, 1, 2, 59, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	store := NewInMemoryStore()

	ctx := context.Background()
	m := mustAppend(t, store, "room", "c1", "bye", start.Add(-48*time.Hour))
	if _, err := store.UpdateState(ctx, UpdateStateInput{RoomID: "room", MessageID: m.ServerMsgID, Action: v1.ActionDelete, Now: start.Add(-48 * time.Hour)}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	j, err := NewJanitor(testLogger(), store, nil, JanitorConfig{Cron: "0 3 * * *", Retain: 24 * time.Hour, Clock: clock})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- j.Run(runCtx) }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("block: %v", err)
	}
	clock.Advance(time.Minute)

	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		left := len(store.rooms["room"].msgs)
		store.mu.Unlock()
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not purge the deleted message")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRateLimiter_Burst(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("fourth event in the same instant should be limited")
	}
	if !rl.Allow(now.Add(time.Second)) {
		t.Fatalf("expected tokens to refill after the window")
	}
}
