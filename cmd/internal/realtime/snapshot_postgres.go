package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// PostgresSnapshotStore stores one jsonb document per room.
// Like PostgresStore it does not own the pool.
type PostgresSnapshotStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresSnapshotStore constructs a Postgres-backed SnapshotStore.
func NewPostgresSnapshotStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresSnapshotStore, error) {
	o, err := buildPGOptions(pool, opts)
	if err != nil {
		return nil, err
	}
	return &PostgresSnapshotStore{pool: pool, schema: o.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresSnapshotStore) Close() error { return nil }

// LoadSnapshot returns the last saved snapshot of roomID.
func (s *PostgresSnapshotStore) LoadSnapshot(ctx context.Context, roomID string) (Snapshot, bool, error) {
	if s == nil || s.pool == nil {
		return Snapshot{}, false, errors.New("realtime: nil store")
	}
	if roomID == "" {
		return Snapshot{}, false, ErrInvalidInput
	}

	var (
		snap Snapshot
		raw  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT room_id, records, digest, saved_at FROM `+pgIdent(s.schema, "snapshots")+` WHERE room_id = $1`,
		roomID,
	).Scan(&snap.RoomID, &raw, &snap.Digest, &snap.SavedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal(raw, &snap.Records); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// SaveSnapshot upserts the snapshot of snap.RoomID.
func (s *PostgresSnapshotStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil store")
	}
	if snap.RoomID == "" {
		return ErrInvalidInput
	}

	if snap.Records == nil {
		snap.Records = []v1.Record{}
	}
	raw, err := json.Marshal(snap.Records)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "snapshots")+` (room_id, records, digest, saved_at)
		 VALUES ($1, $2::jsonb, $3, $4)
		 ON CONFLICT (room_id) DO UPDATE
		   SET records = EXCLUDED.records,
		       digest = EXCLUDED.digest,
		       saved_at = EXCLUDED.saved_at`,
		snap.RoomID, string(raw), snap.Digest, nowOr(snap.SavedAt),
	)
	return err
}
