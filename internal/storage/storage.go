// Package storage owns the relational store: conversations, messages,
// approval requests, memories (with encrypted fields), embeddings (as opaque
// byte blobs), and reminders (spec §6 "Persisted state layout"). It is a
// single modernc.org/sqlite handle shared by every domain repository, kept
// separate from the L2 cache database so cache churn never contends with
// durable writes.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared handle plus the migration that creates every table the
// core depends on.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the relational store at path and runs
// schema migrations under an exclusive lock, per the startup sequence of
// spec §5.
func Open(ctx context.Context, path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.ExecContext(ctx, `PRAGMA foreign_keys = ON;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db := &DB{DB: sqldb}
	if err := db.migrate(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migrate storage db: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `BEGIN EXCLUSIVE`); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_, _ = conn.ExecContext(ctx, `ROLLBACK`)
		return err
	}
	_, err = conn.ExecContext(ctx, `COMMIT`)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	title TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	token_count INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	principal TEXT NOT NULL,
	intent_kind TEXT NOT NULL,
	intent_json TEXT NOT NULL,
	utterance TEXT NOT NULL,
	confidence REAL NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	decided_at INTEGER,
	expires_at INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	result_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_approvals_principal ON approvals(principal, state);

CREATE TABLE IF NOT EXISTS memories (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	conversation_id TEXT,
	content_cipher BLOB NOT NULL,
	content_nonce BLOB NOT NULL,
	summary_cipher BLOB NOT NULL,
	summary_nonce BLOB NOT NULL,
	memory_type TEXT NOT NULL,
	importance REAL NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner);

CREATE TABLE IF NOT EXISTS embeddings (
	memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	vector BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS reminders (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	source_type TEXT NOT NULL,
	event_id TEXT,
	lead_ms INTEGER,
	fire_at INTEGER NOT NULL,
	text TEXT NOT NULL,
	location TEXT,
	state TEXT NOT NULL,
	snooze_count INTEGER NOT NULL DEFAULT 0,
	max_snooze INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_reminders_owner ON reminders(owner, state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_reminders_calendar_dedup
	ON reminders(event_id, lead_ms) WHERE source_type = 'calendar' AND event_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS credentials_usage (
	user_id TEXT PRIMARY KEY,
	last_seen_at INTEGER NOT NULL
);
`
