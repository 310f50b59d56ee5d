// Package memory implements the memory / RAG store of spec §4.7 (C7):
// encrypted memory records paired one-to-one with an unencrypted embedding,
// similarity-searched on write (merge-on-write dedup) and read (retrieve),
// with a periodic decay task and a cleanup sweeper.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"halcyon/internal/clock"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
)

// Type is one of the memory_type variants of spec §3.
type Type string

const (
	TypeFact       Type = "fact"
	TypePreference Type = "preference"
	TypeCorrection Type = "correction"
	TypeToolResult Type = "tool_result"
	TypeContext    Type = "context"
)

// Memory is the decrypted, in-process view of a stored memory record.
type Memory struct {
	ID             domain.ID
	Owner          domain.UserID
	ConversationID *domain.ID
	Content        string
	Summary        string
	MemoryType     Type
	Importance     float64
	Tags           string
	CreatedAt      time.Time
	AccessedAt     time.Time
	AccessCount    int
}

// Embedder computes a fixed-dimension embedding vector for text. Aliased to
// chromem-go's own function type so an embedding provider wired through
// chromem (e.g. an OpenAI-compatible embedding endpoint) plugs in directly.
type Embedder = chromem.EmbeddingFunc

// Config tunes the thresholds and decay parameters of spec §6.
type Config struct {
	MergeThreshold float64
	RAGThreshold   float64
	DecayFactor    float64
	MinImportance  float64
	RetrieveLimit  int
}

// DefaultConfig mirrors spec §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{MergeThreshold: 0.85, RAGThreshold: 0.5, DecayFactor: 0.98, MinImportance: 0.05, RetrieveLimit: 5}
}

// Store is the durable persistence contract; all content fields are opaque
// sealed blobs, decrypted only inside Service.
type Store interface {
	Insert(ctx context.Context, row storedMemory) error
	Get(ctx context.Context, id domain.ID) (storedMemory, error)
	Update(ctx context.Context, row storedMemory) error
	Delete(ctx context.Context, id domain.ID) error
	ListOwner(ctx context.Context, owner domain.UserID) ([]storedMemory, error)
	ListBelowImportance(ctx context.Context, threshold float64) ([]domain.ID, error)
}

// storedMemory is the Store's wire shape: encrypted fields plus the
// unencrypted embedding vector (spec §4.7).
type storedMemory struct {
	ID             domain.ID
	Owner          domain.UserID
	ConversationID *domain.ID
	Content        sealedField
	Summary        sealedField
	MemoryType     Type
	Importance     float64
	Tags           string
	CreatedAt      time.Time
	AccessedAt     time.Time
	AccessCount    int
	Embedding      []float32
}

// Service is the C7 implementation: encryption, similarity search via
// vectorIndex, and the remember/retrieve/decay/cleanup operations.
type Service struct {
	store    Store
	index    *vectorIndex
	cipher   *cipher
	embed    Embedder
	clock    clock.Clock
	cfg      Config
}

// NewService builds a Service. Call Warm to populate the in-memory
// similarity index from durable storage after construction.
func NewService(store Store, key []byte, embed Embedder, c clock.Clock, cfg Config) (*Service, error) {
	ciph, err := newCipher(key)
	if err != nil {
		return nil, err
	}
	if cfg.MergeThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Service{store: store, index: newVectorIndex(), cipher: ciph, embed: embed, clock: c, cfg: cfg}, nil
}

// Warm rebuilds the in-memory vector index from every persisted embedding,
// since chromem-go holds no state across process restarts.
func (s *Service) Warm(ctx context.Context, owners []domain.UserID) error {
	for _, owner := range owners {
		rows, err := s.store.ListOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("warm memory index for owner: %w", err)
		}
		for _, row := range rows {
			if err := s.index.upsert(ctx, owner, row.ID.String(), row.Embedding); err != nil {
				return fmt.Errorf("warm memory index entry: %w", err)
			}
		}
	}
	return nil
}

// Remember implements the write path (spec §4.7): embed, similarity-search
// the owner's memories, and either merge into the best match above
// merge_threshold or insert a new record.
func (s *Service) Remember(ctx context.Context, owner domain.UserID, conversationID *domain.ID, content, summary string, memType Type, importance float64, tags string) (domain.ID, error) {
	embedSource := summary
	if embedSource == "" {
		embedSource = content
	}
	vec, err := s.embed(ctx, embedSource)
	if err != nil {
		return domain.ZeroID, fmt.Errorf("embed memory: %w", err)
	}

	matches, err := s.index.query(ctx, owner, vec, 1)
	if err != nil {
		return domain.ZeroID, err
	}

	now := s.clock.Now()

	if len(matches) > 0 && float64(matches[0].Similarity) > s.cfg.MergeThreshold {
		best := matches[0]
		id, err := domain.ParseID(best.MemoryID)
		if err != nil {
			return domain.ZeroID, fmt.Errorf("parse matched memory id: %w", err)
		}
		existing, err := s.store.Get(ctx, id)
		if err != nil {
			return domain.ZeroID, err
		}
		existingContent, err := s.cipher.open(existing.Content)
		if err != nil {
			return domain.ZeroID, err
		}
		mergedContent, err := s.cipher.seal(existingContent + "\n" + content)
		if err != nil {
			return domain.ZeroID, err
		}
		existing.Content = mergedContent
		existing.Importance = math.Max(existing.Importance, importance)
		existing.AccessCount++
		existing.AccessedAt = now
		if err := s.store.Update(ctx, existing); err != nil {
			return domain.ZeroID, fmt.Errorf("merge memory: %w", err)
		}
		return existing.ID, nil
	}

	sealedContent, err := s.cipher.seal(content)
	if err != nil {
		return domain.ZeroID, err
	}
	sealedSummary, err := s.cipher.seal(summary)
	if err != nil {
		return domain.ZeroID, err
	}

	row := storedMemory{
		ID: domain.NewID(), Owner: owner, ConversationID: conversationID,
		Content: sealedContent, Summary: sealedSummary, MemoryType: memType,
		Importance: importance, Tags: tags, CreatedAt: now, AccessedAt: now,
		AccessCount: 0, Embedding: vec,
	}
	if err := s.store.Insert(ctx, row); err != nil {
		return domain.ZeroID, fmt.Errorf("insert memory: %w", err)
	}
	if err := s.index.upsert(ctx, owner, row.ID.String(), vec); err != nil {
		return domain.ZeroID, fmt.Errorf("index memory: %w", err)
	}
	return row.ID, nil
}

// Retrieve implements the read path (spec §4.7): embed query, return the
// top limit memories above rag_threshold ordered by similarity descending,
// touching access bookkeeping and nudging importance on every hit.
func (s *Service) Retrieve(ctx context.Context, owner domain.UserID, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = s.cfg.RetrieveLimit
	}
	vec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.index.query(ctx, owner, vec, limit*4) // over-fetch; threshold filters below
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]Memory, 0, limit)
	for _, m := range matches {
		if float64(m.Similarity) <= s.cfg.RAGThreshold {
			continue
		}
		id, err := domain.ParseID(m.MemoryID)
		if err != nil {
			continue
		}
		row, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		row.AccessCount++
		row.AccessedAt = now
		row.Importance = math.Min(1, row.Importance+0.02)
		if err := s.store.Update(ctx, row); err != nil {
			return nil, fmt.Errorf("touch retrieved memory: %w", err)
		}

		decrypted, err := s.decrypt(row)
		if err != nil {
			return nil, err
		}
		out = append(out, decrypted)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Decay applies the periodic importance decay of spec §4.7 to every memory
// owned by owner. recentAccessNormalizer is in [0,1] and reflects how
// recently, relative to the decay interval, the memory was last touched.
func (s *Service) Decay(ctx context.Context, owner domain.UserID, recentAccessNormalizer func(Memory) float64) error {
	rows, err := s.store.ListOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("list memories for decay: %w", err)
	}
	for _, row := range rows {
		decrypted, err := s.decrypt(row)
		if err != nil {
			return err
		}
		normalizer := 0.0
		if recentAccessNormalizer != nil {
			normalizer = recentAccessNormalizer(decrypted)
		}
		row.Importance = clamp01(row.Importance * s.cfg.DecayFactor * (1 + 0.1*normalizer))
		if err := s.store.Update(ctx, row); err != nil {
			return fmt.Errorf("apply decay: %w", err)
		}
	}
	return nil
}

// Cleanup deletes every memory whose importance has fallen below
// min_importance (spec §4.7), removing it from both durable storage and the
// in-memory similarity index.
func (s *Service) Cleanup(ctx context.Context) (int, error) {
	ids, err := s.store.ListBelowImportance(ctx, s.cfg.MinImportance)
	if err != nil {
		return 0, fmt.Errorf("list low-importance memories: %w", err)
	}
	for _, id := range ids {
		row, err := s.store.Get(ctx, id)
		if err != nil {
			if halerrors.KindOf(err) == halerrors.NotFound {
				continue
			}
			return 0, err
		}
		if err := s.index.remove(ctx, row.Owner, id.String()); err != nil {
			return 0, fmt.Errorf("remove memory from index: %w", err)
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return 0, fmt.Errorf("delete low-importance memory: %w", err)
		}
	}
	return len(ids), nil
}

func (s *Service) decrypt(row storedMemory) (Memory, error) {
	content, err := s.cipher.open(row.Content)
	if err != nil {
		return Memory{}, err
	}
	summary, err := s.cipher.open(row.Summary)
	if err != nil {
		return Memory{}, err
	}
	return Memory{
		ID: row.ID, Owner: row.Owner, ConversationID: row.ConversationID,
		Content: content, Summary: summary, MemoryType: row.MemoryType,
		Importance: row.Importance, Tags: row.Tags,
		CreatedAt: row.CreatedAt, AccessedAt: row.AccessedAt, AccessCount: row.AccessCount,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Store = (*sqliteStore)(nil)

// sqliteStore is the Store implementation over the shared relational store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore builds a Store backed by db.
func NewSQLiteStore(db *sql.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Insert(ctx context.Context, row storedMemory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var convID any
	if row.ConversationID != nil {
		convID = row.ConversationID.String()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, owner, conversation_id, content_cipher, content_nonce, summary_cipher, summary_nonce,
		 memory_type, importance, tags, created_at, accessed_at, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID.String(), row.Owner.String(), convID,
		row.Content.Ciphertext, row.Content.Nonce, row.Summary.Ciphertext, row.Summary.Nonce,
		string(row.MemoryType), row.Importance, row.Tags,
		row.CreatedAt.UnixMilli(), row.AccessedAt.UnixMilli(), row.AccessCount,
	); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	vecBytes, err := encodeVector(row.Embedding)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO embeddings (memory_id, vector) VALUES (?, ?)`, row.ID.String(), vecBytes); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return tx.Commit()
}

func (s *sqliteStore) Get(ctx context.Context, id domain.ID) (storedMemory, error) {
	row := s.db.QueryRowContext(ctx, selectMemoryCols+` WHERE m.id = ?`, id.String())
	return scanMemory(row)
}

func (s *sqliteStore) Update(ctx context.Context, row storedMemory) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET content_cipher = ?, content_nonce = ?, summary_cipher = ?, summary_nonce = ?,
		 importance = ?, tags = ?, accessed_at = ?, access_count = ? WHERE id = ?`,
		row.Content.Ciphertext, row.Content.Nonce, row.Summary.Ciphertext, row.Summary.Nonce,
		row.Importance, row.Tags, row.AccessedAt.UnixMilli(), row.AccessCount, row.ID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return halerrors.New(halerrors.NotFound, "memory not found", nil)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id domain.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id.String())
	return err
}

func (s *sqliteStore) ListOwner(ctx context.Context, owner domain.UserID) ([]storedMemory, error) {
	rows, err := s.db.QueryContext(ctx, selectMemoryCols+` WHERE m.owner = ?`, owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storedMemory
	for rows.Next() {
		row, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListBelowImportance(ctx context.Context, threshold float64) ([]domain.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories WHERE importance < ?`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, err
		}
		id, err := domain.ParseID(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const selectMemoryCols = `
SELECT m.id, m.owner, m.conversation_id, m.content_cipher, m.content_nonce, m.summary_cipher, m.summary_nonce,
       m.memory_type, m.importance, m.tags, m.created_at, m.accessed_at, m.access_count, e.vector
FROM memories m JOIN embeddings e ON e.memory_id = m.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (storedMemory, error) {
	var idStr, ownerStr, memType, tags string
	var convID sql.NullString
	var contentCipher, contentNonce, summaryCipher, summaryNonce, vecBytes []byte
	var importance float64
	var createdAt, accessedAt int64
	var accessCount int

	if err := row.Scan(&idStr, &ownerStr, &convID, &contentCipher, &contentNonce, &summaryCipher, &summaryNonce,
		&memType, &importance, &tags, &createdAt, &accessedAt, &accessCount, &vecBytes); err != nil {
		if err == sql.ErrNoRows {
			return storedMemory{}, halerrors.New(halerrors.NotFound, "memory not found", nil)
		}
		return storedMemory{}, err
	}

	id, _ := domain.ParseID(idStr)
	owner, _ := domain.ParseID(ownerStr)
	vec, err := decodeVector(vecBytes)
	if err != nil {
		return storedMemory{}, err
	}

	row_ := storedMemory{
		ID: id, Owner: owner,
		Content: sealedField{Ciphertext: contentCipher, Nonce: contentNonce},
		Summary: sealedField{Ciphertext: summaryCipher, Nonce: summaryNonce},
		MemoryType: Type(memType), Importance: importance, Tags: tags,
		CreatedAt: time.UnixMilli(createdAt).UTC(), AccessedAt: time.UnixMilli(accessedAt).UTC(),
		AccessCount: accessCount, Embedding: vec,
	}
	if convID.Valid {
		cid, err := domain.ParseID(convID.String)
		if err == nil {
			row_.ConversationID = &cid
		}
	}
	return row_, nil
}
