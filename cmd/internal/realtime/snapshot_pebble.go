package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
)

const pebbleSnapshotPrefix = "snapshot:"

// PebbleSnapshotStore keeps room snapshots in an embedded pebble database,
// one JSON value per key "snapshot:<room>". It owns the database.
type PebbleSnapshotStore struct {
	db *pebble.DB
}

// OpenPebbleSnapshotStore opens (or creates) the pebble database at dir.
func OpenPebbleSnapshotStore(dir string) (*PebbleSnapshotStore, error) {
	if dir == "" {
		return nil, errors.New("realtime: empty pebble dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleSnapshotStore{db: db}, nil
}

// Close closes the database.
func (s *PebbleSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func pebbleSnapshotKey(roomID string) []byte {
	return []byte(pebbleSnapshotPrefix + roomID)
}

// LoadSnapshot returns the last saved snapshot of roomID.
func (s *PebbleSnapshotStore) LoadSnapshot(ctx context.Context, roomID string) (Snapshot, bool, error) {
	if roomID == "" {
		return Snapshot{}, false, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}

	v, closer, err := s.db.Get(pebbleSnapshotKey(roomID))
	if errors.Is(err, pebble.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	defer closer.Close()

	var snap Snapshot
	if err := json.Unmarshal(v, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// SaveSnapshot writes the snapshot synchronously.
func (s *PebbleSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.RoomID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap.SavedAt = nowOr(snap.SavedAt)
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Set(pebbleSnapshotKey(snap.RoomID), data, pebble.Sync)
}

// Each calls fn for every stored snapshot in key order. It stops at the first error.
func (s *PebbleSnapshotStore) Each(fn func(Snapshot) error) error {
	prefix := []byte(pebbleSnapshotPrefix)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.First(); ok; ok = it.Next() {
		if !bytes.HasPrefix(it.Key(), prefix) {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(it.Value(), &snap); err != nil {
			return fmt.Errorf("decode snapshot %q: %w", it.Key(), err)
		}
		if err := fn(snap); err != nil {
			return err
		}
	}
	return it.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
