package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// PresenceStore remembers when members were last seen in a room, so a presence snapshot
// can report offline members' last-seen time.
type PresenceStore interface {
	RecordLeave(ctx context.Context, roomID string, m v1.Member, at time.Time) error
	LastSeen(ctx context.Context, roomID string) (map[string]time.Time, error)
}

// InMemoryPresenceStore is a dev-only PresenceStore.
type InMemoryPresenceStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]time.Time
}

// NewInMemoryPresenceStore constructs an empty InMemoryPresenceStore.
func NewInMemoryPresenceStore() *InMemoryPresenceStore {
	return &InMemoryPresenceStore{rooms: make(map[string]map[string]time.Time)}
}

// RecordLeave stores at as the last-seen time of m in roomID.
func (s *InMemoryPresenceStore) RecordLeave(ctx context.Context, roomID string, m v1.Member, at time.Time) error {
	if roomID == "" || m.ID == "" {
		return ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rooms[roomID]
	if r == nil {
		r = make(map[string]time.Time)
		s.rooms[roomID] = r
	}
	r[m.ID] = nowOr(at)
	return nil
}

// LastSeen returns a copy of the last-seen map of roomID.
func (s *InMemoryPresenceStore) LastSeen(ctx context.Context, roomID string) (map[string]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.rooms[roomID]))
	for id, at := range s.rooms[roomID] {
		out[id] = at
	}
	return out, nil
}

// PostgresPresenceStore keeps last-seen rows in presence_last_seen. It does not own the pool.
type PostgresPresenceStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresPresenceStore constructs a presence store backed by PostgreSQL.
func NewPostgresPresenceStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresPresenceStore, error) {
	o, err := buildPGOptions(pool, opts)
	if err != nil {
		return nil, err
	}
	return &PostgresPresenceStore{pool: pool, schema: o.schema}, nil
}

// RecordLeave upserts the last-seen row of m in roomID.
func (s *PostgresPresenceStore) RecordLeave(ctx context.Context, roomID string, m v1.Member, at time.Time) error {
	if s == nil || s.pool == nil {
		return errors.New("realtime: nil presence store")
	}
	if roomID == "" || m.ID == "" {
		return ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "presence_last_seen")+` (room_id, member_id, member_name, last_seen_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_id, member_id) DO UPDATE
		   SET member_name = EXCLUDED.member_name,
		       last_seen_at = GREATEST(`+pgIdent(s.schema, "presence_last_seen")+`.last_seen_at, EXCLUDED.last_seen_at)`,
		roomID, m.ID, m.Name, nowOr(at),
	)
	return err
}

// LastSeen returns the last-seen map of roomID.
func (s *PostgresPresenceStore) LastSeen(ctx context.Context, roomID string) (map[string]time.Time, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("realtime: nil presence store")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT member_id, last_seen_at FROM `+pgIdent(s.schema, "presence_last_seen")+` WHERE room_id = $1`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at.UTC()
	}
	return out, rows.Err()
}
