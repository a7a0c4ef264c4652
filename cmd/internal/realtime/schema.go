package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is the Postgres schema used when none is configured.
const DefaultSchema = "roomsync"

// SchemaSQL returns idempotent DDL for every Postgres-backed store in schema.
func SchemaSQL(schema string) string {
	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  room_id    text PRIMARY KEY,
  next_seq   bigint NOT NULL DEFAULT 1,
  updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[3]s (
  room_id           text NOT NULL,
  seq               bigint NOT NULL,
  server_msg_id     text NOT NULL UNIQUE,
  client_msg_id     text NOT NULL,
  author_id         text NOT NULL,
  author_name       text NOT NULL DEFAULT '',
  body              text NOT NULL,
  reply_to_id       text NOT NULL DEFAULT '',
  reply_author_name text,
  reply_body        text,
  created_at        timestamptz NOT NULL,
  pinned            boolean NOT NULL DEFAULT false,
  pinned_at         timestamptz,
  recalled          boolean NOT NULL DEFAULT false,
  deleted           boolean NOT NULL DEFAULT false,
  deleted_at        timestamptz,
  PRIMARY KEY (room_id, seq),
  UNIQUE (room_id, client_msg_id)
);

CREATE INDEX IF NOT EXISTS messages_deleted_at_idx ON %[3]s (deleted_at) WHERE deleted;

CREATE TABLE IF NOT EXISTS %[4]s (
  room_id  text PRIMARY KEY,
  records  jsonb NOT NULL,
  digest   text NOT NULL DEFAULT '',
  saved_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS %[5]s (
  room_id      text NOT NULL,
  member_id    text NOT NULL,
  member_name  text NOT NULL DEFAULT '',
  last_seen_at timestamptz NOT NULL,
  PRIMARY KEY (room_id, member_id)
);
`,
		pgSchemaIdent(schema),
		pgIdent(schema, "room_cursors"),
		pgIdent(schema, "messages"),
		pgIdent(schema, "snapshots"),
		pgIdent(schema, "presence_last_seen"),
	)
}

// EnsureSchema applies SchemaSQL. It is safe to run on every boot.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if pool == nil {
		return errors.New("realtime: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}
	if !isValidPGIdent(schema) {
		return errors.New("realtime: invalid schema identifier")
	}
	if _, err := pool.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
