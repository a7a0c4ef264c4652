// Package realtime contains the roomsync realtime authority: WebSocket gateway, envelope dispatch,
// room fanout and the message, snapshot and presence stores.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	v1 "roomsync/shared/contracts/realtime/v1"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Uses per-room transactional advisory locks to guarantee:
//   - No sequence gaps caused by duplicates
//   - Strict monotonic ordering under concurrency
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the Postgres-backed stores.
type PostgresOption func(*pgOptions) error

type pgOptions struct {
	schema string
}

// WithSchema sets the DB schema used by the store (default: "roomsync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(o *pgOptions) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		o.schema = schema
		return nil
	}
}

func buildPGOptions(pool *pgxpool.Pool, opts []PostgresOption) (pgOptions, error) {
	o := pgOptions{schema: DefaultSchema}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return pgOptions{}, err
		}
	}
	if pool == nil {
		return pgOptions{}, errors.New("realtime: nil pool")
	}
	return o, nil
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	o, err := buildPGOptions(pool, opts)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, schema: o.schema}, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `room_id, client_msg_id, server_msg_id, seq, author_id, author_name, body,
	reply_to_id, reply_author_name, reply_body, created_at, pinned, pinned_at, recalled, deleted, deleted_at`

// AppendMessage appends a message with idempotency and monotonic sequence allocation.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("realtime: nil store")
	}
	if !in.valid() {
		return AppendMessageResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := nowOr(in.Now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cursors := pgIdent(s.schema, "room_cursors")
	messages := pgIdent(s.schema, "messages")

	// Serialize all writes per room so duplicates never waste a seq.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.RoomID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	existing, err := scanMessage(tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+messages+` WHERE room_id = $1 AND client_msg_id = $2`,
		in.RoomID, in.ClientMsgID,
	))
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	out := StoredMessage{
		RoomID:      in.RoomID,
		ClientMsgID: in.ClientMsgID,
		AuthorID:    in.AuthorID,
		AuthorName:  in.AuthorName,
		Body:        in.Body,
		CreatedAt:   now,
	}

	if in.ReplyToID != "" {
		target, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+` WHERE room_id = $1 AND server_msg_id = $2 AND NOT deleted`,
			in.RoomID, in.ReplyToID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return AppendMessageResult{}, ErrReplyNotFound
		}
		if err != nil {
			return AppendMessageResult{}, err
		}
		out.ReplyToID = target.ServerMsgID
		out.ReplyTo = replySnapshotOf(target)
	}

	// Cursor row ensures monotonic seq allocation.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+cursors+` (room_id, next_seq)
		 VALUES ($1, 1)
		 ON CONFLICT (room_id) DO NOTHING`,
		in.RoomID,
	); err != nil {
		return AppendMessageResult{}, err
	}

	if err := tx.QueryRow(ctx,
		`UPDATE `+cursors+`
		    SET next_seq = next_seq + 1,
		        updated_at = now()
		  WHERE room_id = $1
		RETURNING (next_seq - 1)`,
		in.RoomID,
	).Scan(&out.Seq); err != nil {
		return AppendMessageResult{}, err
	}

	out.ServerMsgID = NewServerMsgID(now)

	var replyAuthor, replyBody *string
	if out.ReplyTo != nil {
		replyAuthor, replyBody = &out.ReplyTo.AuthorName, &out.ReplyTo.Body
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     room_id, seq, server_msg_id, client_msg_id, author_id, author_name, body,
		     reply_to_id, reply_author_name, reply_body, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		out.RoomID, out.Seq, out.ServerMsgID, out.ClientMsgID, out.AuthorID, out.AuthorName, out.Body,
		out.ReplyToID, replyAuthor, replyBody, now,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: out, Duplicated: false}, nil
}

// FetchHistory returns live messages ordered by seq ASC.
// Without AfterSeq it returns the latest window; otherwise it pages forward.
func (s *PostgresStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if s == nil || s.pool == nil {
		return FetchHistoryResult{}, errors.New("realtime: nil store")
	}
	if in.RoomID == "" {
		return FetchHistoryResult{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")

	var (
		rows pgx.Rows
		err  error
	)

	if in.AfterSeq == nil {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE room_id = $1 AND NOT deleted
			  ORDER BY seq DESC
			  LIMIT $2`,
			in.RoomID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE room_id = $1 AND seq > $2 AND NOT deleted
			  ORDER BY seq ASC
			  LIMIT $3`,
			in.RoomID, *in.AfterSeq, fetch,
		)
	}
	if err != nil {
		return FetchHistoryResult{}, err
	}
	defer rows.Close()

	msgs := make([]StoredMessage, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return FetchHistoryResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	if in.AfterSeq == nil {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}

	return FetchHistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

// UpdateState applies a state transition to a live message.
func (s *PostgresStore) UpdateState(ctx context.Context, in UpdateStateInput) (StoredMessage, error) {
	if s == nil || s.pool == nil {
		return StoredMessage{}, errors.New("realtime: nil store")
	}
	if !in.valid() {
		return StoredMessage{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	now := nowOr(in.Now)
	messages := pgIdent(s.schema, "messages")

	var set string
	args := []any{in.RoomID, in.MessageID}
	switch in.Action {
	case v1.ActionPin:
		set = `pinned = true, pinned_at = COALESCE(pinned_at, $3)`
		args = append(args, now)
	case v1.ActionUnpin:
		set = `pinned = false, pinned_at = NULL`
	case v1.ActionRecall:
		set = `recalled = true, body = $3`
		args = append(args, v1.RecalledBody)
	case v1.ActionDelete:
		set = `deleted = true, deleted_at = $3`
		args = append(args, now)
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET `+set+`
		  WHERE room_id = $1 AND server_msg_id = $2 AND NOT deleted
		RETURNING `+messageColumns,
		args...,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, ErrMessageNotFound
	}
	if err != nil {
		return StoredMessage{}, err
	}
	return m, nil
}

// PurgeDeleted hard-deletes messages soft-deleted before the cutoff.
func (s *PostgresStore) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, errors.New("realtime: nil store")
	}
	messages := pgIdent(s.schema, "messages")
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+messages+` WHERE deleted AND deleted_at < $1`,
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanMessage(row pgx.Row) (StoredMessage, error) {
	var (
		m                      StoredMessage
		replyAuthor, replyBody *string
	)
	err := row.Scan(
		&m.RoomID,
		&m.ClientMsgID,
		&m.ServerMsgID,
		&m.Seq,
		&m.AuthorID,
		&m.AuthorName,
		&m.Body,
		&m.ReplyToID,
		&replyAuthor,
		&replyBody,
		&m.CreatedAt,
		&m.Pinned,
		&m.PinnedAt,
		&m.Recalled,
		&m.Deleted,
		&m.DeletedAt,
	)
	if err != nil {
		return StoredMessage{}, err
	}
	if replyAuthor != nil && replyBody != nil {
		m.ReplyTo = &v1.ReplySnapshot{AuthorName: *replyAuthor, Body: *replyBody}
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgSchemaIdent(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}
