package reminder

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/clock"
	"halcyon/internal/domain"
	"halcyon/internal/ports"
	"halcyon/internal/storage"
)

type fakeMessenger struct {
	sent    []string
	failN   int // fail the first failN sends
	attempt int
}

func (f *fakeMessenger) SendText(ctx context.Context, principal domain.UserID, text string) error {
	f.attempt++
	if f.attempt <= f.failN {
		return errors.New("messenger unavailable")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMessenger) SendAudio(ctx context.Context, principal domain.UserID, audio io.Reader, mimeType string) error {
	return nil
}

type fakeCalendar struct {
	events []ports.CalendarEvent
}

func (f *fakeCalendar) ListEvents(ctx context.Context, principal domain.UserID, r ports.TimeRange) ([]ports.CalendarEvent, error) {
	return f.events, nil
}
func (f *fakeCalendar) CreateEvent(ctx context.Context, principal domain.UserID, ev ports.CalendarEvent) (ports.CalendarEvent, error) {
	return ev, nil
}
func (f *fakeCalendar) DeleteEvent(ctx context.Context, principal domain.UserID, eventID string) error {
	return nil
}

func newTestScheduler(t *testing.T, now time.Time, messenger ports.Messenger, calendar ports.Calendar) (*Scheduler, Store) {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewSQLiteStore(db.DB)
	cfg := DefaultConfig()
	return NewScheduler(store, messenger, calendar, nil, nil, clock.NewFrozen(now), cfg), store
}

func TestTickDispatchesDueReminders(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	msgr := &fakeMessenger{}
	sched, _ := newTestScheduler(t, now, msgr, nil)
	owner := domain.NewID()

	r, err := sched.CreateUserReminder(context.Background(), owner, "take out the trash", "", now.Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, sched.Tick(context.Background()))

	assert.Len(t, msgr.sent, 1)
	assert.Contains(t, msgr.sent[0], "take out the trash")

	reloaded, err := sched.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, reloaded.State)
}

func TestTickRequeuesOnDispatchFailureThenExpiresAfterMaxAttempts(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	fc := clock.NewFrozen(now)
	msgr := &fakeMessenger{failN: DefaultMaxDispatchAttempts}
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewSQLiteStore(db.DB)
	sched := NewScheduler(store, msgr, nil, nil, nil, fc, DefaultConfig())
	owner := domain.NewID()

	r, err := sched.CreateUserReminder(context.Background(), owner, "water the plants", "", now.Add(-time.Minute))
	require.NoError(t, err)

	for i := 0; i < DefaultMaxDispatchAttempts; i++ {
		fc.Advance(10 * time.Minute)
		require.NoError(t, sched.Tick(context.Background()))
	}

	reloaded, err := store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, reloaded.State)
}

func TestSnoozeBoundedByMaxSnooze(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	sched, _ := newTestScheduler(t, now, &fakeMessenger{}, nil)
	owner := domain.NewID()

	r, err := sched.CreateUserReminder(context.Background(), owner, "call dentist", "", now)
	require.NoError(t, err)

	for i := 0; i < DefaultMaxSnooze; i++ {
		_, err := sched.Snooze(context.Background(), r.ID, owner, 5*time.Minute)
		require.NoError(t, err)
	}

	_, err = sched.Snooze(context.Background(), r.ID, owner, 5*time.Minute)
	assert.ErrorIs(t, err, ErrSnoozeExhausted)
}

func TestSyncCalendarIsIdempotentAcrossCycles(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{events: []ports.CalendarEvent{
		{EventID: "E1", Title: "Dentist", Start: now.Add(2 * time.Hour)},
	}}
	sched, store := newTestScheduler(t, now, &fakeMessenger{}, cal)
	owner := domain.NewID()

	require.NoError(t, sched.SyncCalendar(context.Background(), owner, ports.TimeRange{From: now, To: now.AddDate(0, 0, 1)}))
	require.NoError(t, sched.SyncCalendar(context.Background(), owner, ports.TimeRange{From: now, To: now.AddDate(0, 0, 1)}))

	all, err := store.List(context.Background(), owner, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "E1", all[0].EventID)
}

func TestSyncCalendarMarksDeletedEventsAsDeletedReminder(t *testing.T) {
	now := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	cal := &fakeCalendar{events: []ports.CalendarEvent{
		{EventID: "E1", Title: "Dentist", Start: now.Add(2 * time.Hour)},
	}}
	sched, store := newTestScheduler(t, now, &fakeMessenger{}, cal)
	owner := domain.NewID()
	require.NoError(t, sched.SyncCalendar(context.Background(), owner, ports.TimeRange{From: now, To: now.AddDate(0, 0, 1)}))

	cal.events[0].Deleted = true
	require.NoError(t, sched.SyncCalendar(context.Background(), owner, ports.TimeRange{From: now, To: now.AddDate(0, 0, 1)}))

	all, err := store.List(context.Background(), owner, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StateDeleted, all[0].State)
}
