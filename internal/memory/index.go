package memory

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"halcyon/internal/domain"
)

// unusedEmbeddingFunc satisfies chromem's collection constructor. Every
// document this package adds already carries a precomputed embedding, so
// chromem never needs to call back into an embedding function itself.
func unusedEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("memory index: embedding function invoked unexpectedly for %q", text)
}

// vectorIndex is the in-process similarity search structure for one owner's
// memories, backed by chromem-go. It is rebuilt from the durable sqlite
// embeddings table at startup; chromem itself holds no persistent state
// here, only the unencrypted embedding vectors (spec §4.7: "embedding
// vectors are not encrypted; this is a deliberate... trade-off").
type vectorIndex struct {
	db          *chromem.DB
	collections map[domain.UserID]*chromem.Collection
}

func newVectorIndex() *vectorIndex {
	return &vectorIndex{db: chromem.NewDB(), collections: make(map[domain.UserID]*chromem.Collection)}
}

func (v *vectorIndex) collectionFor(owner domain.UserID) (*chromem.Collection, error) {
	if c, ok := v.collections[owner]; ok {
		return c, nil
	}
	c, err := v.db.CreateCollection(owner.String(), nil, unusedEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("create memory collection: %w", err)
	}
	v.collections[owner] = c
	return c, nil
}

// upsert (re)inserts the vector for memoryID into owner's collection.
// chromem has no native upsert; a failed delete-then-add on a fresh ID is
// expected and ignored.
func (v *vectorIndex) upsert(ctx context.Context, owner domain.UserID, memoryID string, embedding []float32) error {
	c, err := v.collectionFor(owner)
	if err != nil {
		return err
	}
	_ = c.Delete(ctx, nil, nil, memoryID)
	return c.AddDocument(ctx, chromem.Document{ID: memoryID, Embedding: embedding})
}

func (v *vectorIndex) remove(ctx context.Context, owner domain.UserID, memoryID string) error {
	c, ok := v.collections[owner]
	if !ok {
		return nil
	}
	return c.Delete(ctx, nil, nil, memoryID)
}

// match is one similarity-search hit: the memory ID and its cosine similarity.
type match struct {
	MemoryID   string
	Similarity float32
}

// query returns the top n matches for embedding within owner's collection.
func (v *vectorIndex) query(ctx context.Context, owner domain.UserID, embedding []float32, n int) ([]match, error) {
	c, ok := v.collections[owner]
	if !ok || c.Count() == 0 {
		return nil, nil
	}
	if n > c.Count() {
		n = c.Count()
	}
	results, err := c.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query memory index: %w", err)
	}
	out := make([]match, 0, len(results))
	for _, r := range results {
		out = append(out, match{MemoryID: r.ID, Similarity: r.Similarity})
	}
	return out, nil
}
