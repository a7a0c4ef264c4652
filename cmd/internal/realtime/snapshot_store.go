package realtime

import (
	"context"
	"sync"
	"time"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// Snapshot is the persisted full document of one room.
type Snapshot struct {
	RoomID  string      `json:"room_id"`
	Records []v1.Record `json:"records"`
	Digest  string      `json:"digest"`
	SavedAt time.Time   `json:"saved_at"`
}

// SnapshotStore persists room documents. The last save wins.
type SnapshotStore interface {
	// LoadSnapshot returns false when nothing was saved for room yet.
	LoadSnapshot(ctx context.Context, roomID string) (Snapshot, bool, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	Close() error
}

// InMemorySnapshotStore is a dev-only SnapshotStore.
type InMemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

// NewInMemorySnapshotStore constructs an empty in-memory SnapshotStore.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snaps: make(map[string]Snapshot)}
}

// Close is a no-op.
func (s *InMemorySnapshotStore) Close() error { return nil }

// LoadSnapshot returns the last saved snapshot of roomID.
func (s *InMemorySnapshotStore) LoadSnapshot(ctx context.Context, roomID string) (Snapshot, bool, error) {
	if roomID == "" {
		return Snapshot{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[roomID]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap.Records = append([]v1.Record(nil), snap.Records...)
	return snap, true, nil
}

// SaveSnapshot replaces the stored snapshot of snap.RoomID.
func (s *InMemorySnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.RoomID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap.Records = append([]v1.Record(nil), snap.Records...)
	snap.SavedAt = nowOr(snap.SavedAt)

	s.mu.Lock()
	s.snaps[snap.RoomID] = snap
	s.mu.Unlock()
	return nil
}
