package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/clock"
	"halcyon/internal/command"
	"halcyon/internal/domain"
	"halcyon/internal/storage"
)

type stubExecutor struct {
	calls   int
	outcome any
	err     error
}

func (s *stubExecutor) Execute(ctx context.Context, principal domain.UserID, intent command.Intent) (any, error) {
	s.calls++
	return s.outcome, s.err
}

func newTestQueue(t *testing.T, now time.Time, executor Executor) *Queue {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewSQLiteStore(db.DB)
	return NewQueue(store, executor, clock.NewFrozen(now), nil, Config{ApprovalTTL: 15 * time.Minute})
}

func TestEnqueueRejectsNonSideEffectingIntent(t *testing.T) {
	q := newTestQueue(t, time.Now(), &stubExecutor{})
	_, err := q.Enqueue(context.Background(), domain.NewID(), command.Intent{Kind: command.KindAsk})
	require.Error(t, err)
}

func TestApproveInvokesExecutorExactlyOnceAndRecordsResult(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	exec := &stubExecutor{outcome: map[string]string{"status": "sent"}}
	q := newTestQueue(t, now, exec)
	ctx := context.Background()
	owner := domain.NewID()

	id, err := q.Enqueue(ctx, owner, command.Intent{Kind: command.KindSendEmail, TargetID: "draft-1"})
	require.NoError(t, err)

	list, err := q.List(ctx, owner, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatePending, list[0].State)

	decided, err := q.Decide(ctx, id, owner, Approve)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, decided.State)
	assert.Equal(t, 1, exec.calls)
	assert.Contains(t, decided.Result, "sent")

	// A second decision on an already-terminal request is rejected (P3).
	_, err = q.Decide(ctx, id, owner, Approve)
	require.Error(t, err)
	assert.Equal(t, 1, exec.calls, "executor must not run twice")
}

func TestDenyAndCancelDoNotInvokeExecutor(t *testing.T) {
	now := time.Now()
	exec := &stubExecutor{}
	q := newTestQueue(t, now, exec)
	ctx := context.Background()
	owner := domain.NewID()

	idDeny, err := q.Enqueue(ctx, owner, command.Intent{Kind: command.KindDraftEmail})
	require.NoError(t, err)
	_, err = q.Decide(ctx, idDeny, owner, Deny)
	require.NoError(t, err)

	idCancel, err := q.Enqueue(ctx, owner, command.Intent{Kind: command.KindCreateReminder})
	require.NoError(t, err)
	_, err = q.Decide(ctx, idCancel, owner, Cancel)
	require.NoError(t, err)

	assert.Equal(t, 0, exec.calls)
}

func TestDecideRejectsNonOwner(t *testing.T) {
	q := newTestQueue(t, time.Now(), &stubExecutor{})
	ctx := context.Background()
	owner := domain.NewID()
	id, err := q.Enqueue(ctx, owner, command.Intent{Kind: command.KindSendEmail})
	require.NoError(t, err)

	_, err = q.Decide(ctx, id, domain.NewID(), Approve)
	require.Error(t, err)
}

func TestDecideAfterExpiryIsRejected(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFrozen(now)
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	q := NewQueue(NewSQLiteStore(db.DB), &stubExecutor{}, fc, nil, Config{ApprovalTTL: time.Minute})
	ctx := context.Background()
	owner := domain.NewID()

	id, err := q.Enqueue(ctx, owner, command.Intent{Kind: command.KindSendEmail})
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	_, err = q.Decide(ctx, id, owner, Approve)
	require.Error(t, err)
}

func TestSweepExpiresStalePendingRequests(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFrozen(now)
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewSQLiteStore(db.DB)
	q := NewQueue(store, &stubExecutor{}, fc, nil, Config{ApprovalTTL: time.Minute})
	ctx := context.Background()
	owner := domain.NewID()

	_, err = q.Enqueue(ctx, owner, command.Intent{Kind: command.KindSendEmail})
	require.NoError(t, err)

	fc.Advance(2 * time.Minute)
	q.sweep(ctx)

	list, err := store.List(ctx, owner, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StateExpired, list[0].State)
}

func TestExecutorErrorIsRecordedButStillMarksApproved(t *testing.T) {
	now := time.Now()
	exec := &stubExecutor{err: errors.New("smtp unavailable")}
	q := newTestQueue(t, now, exec)
	ctx := context.Background()
	owner := domain.NewID()

	id, err := q.Enqueue(ctx, owner, command.Intent{Kind: command.KindSendEmail})
	require.NoError(t, err)

	decided, err := q.Decide(ctx, id, owner, Approve)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, decided.State)
	assert.Contains(t, decided.Result, "smtp unavailable")
}
