package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/clock"
	"halcyon/internal/domain"
	"halcyon/internal/storage"
)

// fixedEmbedder returns a preconfigured vector per input string, so tests
// can control similarity deterministically instead of depending on a real
// embedding model.
func fixedEmbedder(vectors map[string][]float32) Embedder {
	return func(ctx context.Context, text string) ([]float32, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float32{1, 0, 0, 0}, nil
	}
}

func testKey(t *testing.T) []byte {
	t.Helper()
	dir := t.TempDir()
	key, err := LoadOrCreateKey(filepath.Join(dir, "memory.key"), true)
	require.NoError(t, err)
	return key
}

func TestEncryptionRoundTrip(t *testing.T) {
	key := testKey(t)
	c, err := newCipher(key)
	require.NoError(t, err)

	sealed, err := c.seal("the quick brown fox")
	require.NoError(t, err)
	plain, err := c.open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", plain)
}

func newTestService(t *testing.T, now time.Time, embed Embedder) (*Service, Store) {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewSQLiteStore(db.DB)
	svc, err := NewService(store, testKey(t), embed, clock.NewFrozen(now), DefaultConfig())
	require.NoError(t, err)
	return svc, store
}

func TestRememberInsertsWhenNoSimilarMemoryExists(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	embed := fixedEmbedder(map[string][]float32{
		"likes dark roast coffee": {1, 0, 0, 0},
	})
	svc, store := newTestService(t, now, embed)
	owner := domain.NewID()

	id, err := svc.Remember(context.Background(), owner, nil, "likes dark roast coffee", "", TypePreference, 0.6, "")
	require.NoError(t, err)

	rows, err := store.ListOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ID)
}

func TestRememberMergesHighlySimilarMemory(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	embed := fixedEmbedder(map[string][]float32{
		"likes dark roast coffee":        {1, 0, 0, 0},
		"prefers dark roast over light":  {0.99, 0.01, 0, 0},
	})
	svc, store := newTestService(t, now, embed)
	owner := domain.NewID()

	id1, err := svc.Remember(context.Background(), owner, nil, "likes dark roast coffee", "", TypePreference, 0.4, "")
	require.NoError(t, err)

	id2, err := svc.Remember(context.Background(), owner, nil, "prefers dark roast over light", "", TypePreference, 0.7, "")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "second remember should merge into the first")

	rows, err := store.ListOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, rows, 1, "merge must not create a second row")
	assert.Equal(t, 0.7, rows[0].Importance, "importance takes the max of the two")
	assert.Equal(t, 1, rows[0].AccessCount)
}

func TestRetrieveFiltersByThresholdAndTouchesAccessBookkeeping(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	embed := fixedEmbedder(map[string][]float32{
		"owns a red bicycle":   {1, 0, 0, 0},
		"unrelated topic":      {0, 1, 0, 0},
		"what color is my bike": {1, 0, 0, 0},
	})
	svc, store := newTestService(t, now, embed)
	owner := domain.NewID()

	_, err := svc.Remember(context.Background(), owner, nil, "owns a red bicycle", "", TypeFact, 0.5, "")
	require.NoError(t, err)
	_, err = svc.Remember(context.Background(), owner, nil, "unrelated topic", "", TypeFact, 0.5, "")
	require.NoError(t, err)

	results, err := svc.Retrieve(context.Background(), owner, "what color is my bike", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "owns a red bicycle", results[0].Content)

	rows, err := store.ListOwner(context.Background(), owner)
	require.NoError(t, err)
	for _, r := range rows {
		if r.ID == results[0].ID {
			assert.Equal(t, 1, r.AccessCount)
		}
	}
}

func TestDecayClampsToUnitInterval(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	embed := fixedEmbedder(nil)
	svc, store := newTestService(t, now, embed)
	owner := domain.NewID()

	_, err := svc.Remember(context.Background(), owner, nil, "some fact", "", TypeFact, 0.9, "")
	require.NoError(t, err)

	require.NoError(t, svc.Decay(context.Background(), owner, func(Memory) float64 { return 1.0 }))

	rows, err := store.ListOwner(context.Background(), owner)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.LessOrEqual(t, rows[0].Importance, 1.0)
	assert.GreaterOrEqual(t, rows[0].Importance, 0.0)
}

func TestCleanupDeletesBelowMinImportance(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	embed := fixedEmbedder(nil)
	svc, store := newTestService(t, now, embed)
	owner := domain.NewID()

	cfg := DefaultConfig()
	cfg.MinImportance = 0.5
	svc.cfg = cfg

	_, err := svc.Remember(context.Background(), owner, nil, "low importance fact", "", TypeFact, 0.1, "")
	require.NoError(t, err)

	n, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := store.ListOwner(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}
