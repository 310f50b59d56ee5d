package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"halcyon/internal/domain"
	"halcyon/internal/storage"
)

func newTestStore(t *testing.T) (Store, domain.UserID) {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db.DB), domain.NewID()
}

func TestAppendEnforcesMaxHistoryFIFO(t *testing.T) {
	store, owner := newTestStore(t)
	ctx := context.Background()

	c, err := store.Create(ctx, owner, "test")
	require.NoError(t, err)

	for i := 0; i < MaxHistory+10; i++ {
		_, err := store.Append(ctx, c.ID, owner, Message{Role: RoleUser, Content: fmt.Sprintf("msg-%d", i)})
		require.NoError(t, err)
	}

	loaded, err := store.Load(ctx, c.ID, owner)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, MaxHistory)
	// Oldest ten are evicted FIFO; the retained window starts at msg-10.
	require.Equal(t, "msg-10", loaded.Messages[0].Content)
	require.Equal(t, fmt.Sprintf("msg-%d", MaxHistory+9), loaded.Messages[len(loaded.Messages)-1].Content)
}

func TestLoadRejectsNonOwner(t *testing.T) {
	store, owner := newTestStore(t)
	ctx := context.Background()
	c, err := store.Create(ctx, owner, "mine")
	require.NoError(t, err)

	_, err = store.Load(ctx, c.ID, domain.NewID())
	require.Error(t, err)
}

func TestConcurrentAppendsToSameConversationAreSerialized(t *testing.T) {
	store, owner := newTestStore(t)
	ctx := context.Background()
	c, err := store.Create(ctx, owner, "concurrent")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, c.ID, owner, Message{Role: RoleUser, Content: fmt.Sprintf("m%d", i)})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	loaded, err := store.Load(ctx, c.ID, owner)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 20)
}
