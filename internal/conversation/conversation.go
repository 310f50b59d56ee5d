// Package conversation implements the conversation / message store of spec
// §4.6 (C6): ordered message lists per conversation with FIFO truncation at
// MAX_HISTORY, defensive-copy reads, and per-conversation locking so appends
// are totally ordered (spec §5).
package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
)

// MaxHistory bounds len(messages) per Conversation (spec §3, P1).
const MaxHistory = 50

// Role is one of the four message roles of spec §3.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is immutable once stored (P2).
type Message struct {
	ID         domain.ID
	Role       Role
	Content    string
	CreatedAt  time.Time
	TokenCount *int
}

// Conversation is owned by a UserID; deleting the owner removes it.
type Conversation struct {
	ID        domain.ID
	Owner     domain.UserID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
	Messages  []Message
}

// Store is the C6 contract.
type Store interface {
	Create(ctx context.Context, owner domain.UserID, title string) (Conversation, error)
	Load(ctx context.Context, id domain.ID, principal domain.UserID) (Conversation, error)
	Append(ctx context.Context, id domain.ID, principal domain.UserID, msg Message) (Conversation, error)
	Delete(ctx context.Context, id domain.ID, principal domain.UserID) error
}

// sqliteStore is the C6 implementation over the shared relational store.
type sqliteStore struct {
	db *sql.DB

	locksMu sync.Mutex
	locks   map[domain.ID]*sync.Mutex
}

// NewStore builds a Store backed by db.
func NewStore(db *sql.DB) Store {
	return &sqliteStore{db: db, locks: make(map[domain.ID]*sync.Mutex)}
}

func (s *sqliteStore) lockFor(id domain.ID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	return m
}

func (s *sqliteStore) Create(ctx context.Context, owner domain.UserID, title string) (Conversation, error) {
	now := time.Now().UTC()
	c := Conversation{ID: domain.NewID(), Owner: owner, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID.String(), c.Owner.String(), c.Title, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli())
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *sqliteStore) Load(ctx context.Context, id domain.ID, principal domain.UserID) (Conversation, error) {
	c, err := s.loadRow(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if c.Owner != principal {
		return Conversation{}, halerrors.New(halerrors.Forbidden, "not your conversation", nil)
	}
	msgs, err := s.loadMessages(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	c.Messages = msgs
	return c, nil
}

func (s *sqliteStore) loadRow(ctx context.Context, id domain.ID) (Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, title, created_at, updated_at FROM conversations WHERE id = ?`, id.String())
	var idStr, ownerStr, title string
	var createdAt, updatedAt int64
	if err := row.Scan(&idStr, &ownerStr, &title, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Conversation{}, halerrors.New(halerrors.NotFound, "conversation not found", nil)
		}
		return Conversation{}, err
	}
	cid, _ := domain.ParseID(idStr)
	owner, _ := domain.ParseID(ownerStr)
	return Conversation{
		ID: cid, Owner: owner, Title: title,
		CreatedAt: time.UnixMilli(createdAt).UTC(),
		UpdatedAt: time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func (s *sqliteStore) loadMessages(ctx context.Context, id domain.ID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at, token_count FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var idStr, role, content string
		var createdAt int64
		var tokenCount sql.NullInt64
		if err := rows.Scan(&idStr, &role, &content, &createdAt, &tokenCount); err != nil {
			return nil, err
		}
		mid, _ := domain.ParseID(idStr)
		m := Message{ID: mid, Role: Role(role), Content: content, CreatedAt: time.UnixMilli(createdAt).UTC()}
		if tokenCount.Valid {
			v := int(tokenCount.Int64)
			m.TokenCount = &v
		}
		out = append(out, m)
	}
	// Defensive copy: callers never get a slice backed by anything reusable.
	return append([]Message(nil), out...), rows.Err()
}

// Append is the only mutator of the messages list. It enforces len <=
// MaxHistory by FIFO eviction in the same transaction that inserts the new
// message (spec §4.6), serialized by a per-conversation lock so concurrent
// appends to the same conversation are totally ordered (spec §5).
func (s *sqliteStore) Append(ctx context.Context, id domain.ID, principal domain.UserID, msg Message) (Conversation, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.loadRow(ctx, id)
	if err != nil {
		return Conversation{}, err
	}
	if c.Owner != principal {
		return Conversation{}, halerrors.New(halerrors.Forbidden, "not your conversation", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, id.String()).Scan(&maxSeq); err != nil {
		return Conversation{}, err
	}
	nextSeq := int64(0)
	if maxSeq.Valid {
		nextSeq = maxSeq.Int64 + 1
	}

	if msg.ID == domain.ZeroID {
		msg.ID = domain.NewID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var tokenCount any
	if msg.TokenCount != nil {
		tokenCount = *msg.TokenCount
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, seq, role, content, created_at, token_count) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(), id.String(), nextSeq, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(), tokenCount,
	); err != nil {
		return Conversation{}, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, id.String()).Scan(&count); err != nil {
		return Conversation{}, err
	}
	if count > MaxHistory {
		evict := count - MaxHistory
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE id IN (
				SELECT id FROM messages WHERE conversation_id = ? ORDER BY seq ASC LIMIT ?
			)`, id.String(), evict,
		); err != nil {
			return Conversation{}, err
		}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now.UnixMilli(), id.String()); err != nil {
		return Conversation{}, err
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return s.Load(ctx, id, principal)
}

func (s *sqliteStore) Delete(ctx context.Context, id domain.ID, principal domain.UserID) error {
	c, err := s.loadRow(ctx, id)
	if err != nil {
		return err
	}
	if c.Owner != principal {
		return halerrors.New(halerrors.Forbidden, "not your conversation", nil)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id.String())
	return err
}
