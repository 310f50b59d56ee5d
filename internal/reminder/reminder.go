// Package reminder implements the reminder scheduler of spec §4.8 (C8): a
// tick-driven fusion of user-created and calendar-synced reminders, with
// bounded snooze and bounded dispatch retry.
package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"halcyon/internal/clock"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/ports"
)

// Source distinguishes a reminder's origin (spec §3).
type Source string

const (
	SourceCalendar Source = "calendar"
	SourceUser     Source = "user"
)

// State is one of the Reminder state machine's states (spec §3).
type State string

const (
	StatePending      State = "pending"
	StateSent         State = "sent"
	StateAcknowledged State = "acknowledged"
	StateExpired      State = "expired"
	StateDeleted      State = "deleted"
)

// DefaultMaxSnooze bounds SnoozeReminder retries (P7).
const DefaultMaxSnooze = 5

// DefaultMaxDispatchAttempts bounds dispatch retry before a Sent-but-failed
// reminder is given up on and expired.
const DefaultMaxDispatchAttempts = 3

// Reminder is the entity of spec §3.
type Reminder struct {
	ID          domain.ID
	Owner       domain.UserID
	Source      Source
	EventID     string // set when Source == SourceCalendar
	LeadMS      int64  // set when Source == SourceCalendar
	FireAt      time.Time
	Text        string
	Location    string
	State       State
	SnoozeCount int
	MaxSnooze   int
	Attempts    int
}

// ErrSnoozeExhausted is returned when SnoozeReminder is called past MaxSnooze.
var ErrSnoozeExhausted = halerrors.New(halerrors.Conflict, "snooze exhausted", nil)

// Store is the reminder persistence contract.
type Store interface {
	Insert(ctx context.Context, r Reminder) error
	Get(ctx context.Context, id domain.ID) (Reminder, error)
	List(ctx context.Context, owner domain.UserID, state *State) ([]Reminder, error)
	DuePending(ctx context.Context, now time.Time) ([]Reminder, error)
	Update(ctx context.Context, r Reminder) error
	Delete(ctx context.Context, id domain.ID, owner domain.UserID) error
	FindByCalendarEvent(ctx context.Context, eventID string, leadMS int64) (Reminder, bool, error)
}

// Config tunes the scheduler's timers and thresholds (spec §6).
type Config struct {
	TickInterval      time.Duration
	CalendarSyncEvery time.Duration
	CalendarLeadMS    int64
	RetryBackoff      time.Duration
	BriefingHour      int // wall-clock hour, local time, for the morning briefing tick
}

// DefaultConfig mirrors spec §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      60 * time.Second,
		CalendarSyncEvery: 15 * time.Minute,
		CalendarLeadMS:    int64(30 * time.Minute / time.Millisecond),
		RetryBackoff:      5 * time.Minute,
		BriefingHour:      7,
	}
}

// Scheduler fuses the two reminder feeds and dispatches due reminders
// through the messenger port.
type Scheduler struct {
	store     Store
	messenger ports.Messenger
	calendar  ports.Calendar
	weather   ports.Weather
	transit   ports.Transit
	clock     clock.Clock
	cfg       Config
}

// NewScheduler builds a Scheduler. calendar/weather/transit may be nil, in
// which case calendar sync and briefing enrichment are skipped (SPEC_FULL §12).
func NewScheduler(store Store, messenger ports.Messenger, calendar ports.Calendar, weather ports.Weather, transit ports.Transit, c clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{store: store, messenger: messenger, calendar: calendar, weather: weather, transit: transit, clock: c, cfg: cfg}
}

// CreateUserReminder inserts a Pending reminder from an approved
// CreateReminder command.
func (s *Scheduler) CreateUserReminder(ctx context.Context, owner domain.UserID, text, location string, fireAt time.Time) (Reminder, error) {
	r := Reminder{
		ID: domain.NewID(), Owner: owner, Source: SourceUser, FireAt: fireAt,
		Text: text, Location: location, State: StatePending, MaxSnooze: DefaultMaxSnooze,
	}
	if err := s.store.Insert(ctx, r); err != nil {
		return Reminder{}, fmt.Errorf("create reminder: %w", err)
	}
	return r, nil
}

// SyncCalendar fetches upcoming events and creates Pending reminders for any
// event that does not already have one at the configured lead time (P6). It
// is idempotent: calling it twice for the same event is a no-op the second
// time, both via the stored-reminder lookup below and the storage layer's unique
// partial index as a last line of defense against a concurrent race.
func (s *Scheduler) SyncCalendar(ctx context.Context, owner domain.UserID, window ports.TimeRange) error {
	if s.calendar == nil {
		return nil
	}
	events, err := s.calendar.ListEvents(ctx, owner, window)
	if err != nil {
		return fmt.Errorf("list calendar events: %w", err)
	}

	leadMS := s.cfg.CalendarLeadMS
	for _, ev := range events {
		existing, found, err := s.store.FindByCalendarEvent(ctx, ev.EventID, leadMS)
		if err != nil {
			return fmt.Errorf("lookup calendar reminder: %w", err)
		}

		if ev.Deleted {
			if found && existing.State != StateDeleted {
				existing.State = StateDeleted
				if err := s.store.Update(ctx, existing); err != nil {
					return fmt.Errorf("delete calendar reminder: %w", err)
				}
			}
			continue
		}

		if found {
			continue
		}

		r := Reminder{
			ID: domain.NewID(), Owner: owner, Source: SourceCalendar,
			EventID: ev.EventID, LeadMS: leadMS,
			FireAt: ev.Start.Add(-time.Duration(leadMS) * time.Millisecond),
			Text:   ev.Title, Location: ev.Location, State: StatePending, MaxSnooze: DefaultMaxSnooze,
		}
		if err := s.store.Insert(ctx, r); err != nil {
			if isUniqueConstraintErr(err) {
				// Lost a race against another sync cycle inserting the same
				// (event_id, lead_ms) pair; the existing row already covers it.
				continue
			}
			return fmt.Errorf("insert calendar reminder: %w", err)
		}
	}
	return nil
}

// Tick selects due Pending reminders, transitions each to Sent, renders and
// dispatches the notification. Dispatch failure re-queues as Pending with a
// backoff, up to a bounded number of attempts; exhaustion expires the
// reminder. Each reminder transitions to Sent at most once per tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.DuePending(ctx, now)
	if err != nil {
		return fmt.Errorf("list due reminders: %w", err)
	}

	for _, r := range due {
		r.State = StateSent
		if err := s.store.Update(ctx, r); err != nil {
			return fmt.Errorf("mark reminder sent: %w", err)
		}

		text := s.render(ctx, r)
		if err := s.messenger.SendText(ctx, r.Owner, text); err != nil {
			r.Attempts++
			if r.Attempts >= DefaultMaxDispatchAttempts {
				r.State = StateExpired
			} else {
				r.State = StatePending
				r.FireAt = now.Add(s.cfg.RetryBackoff)
			}
			if uerr := s.store.Update(ctx, r); uerr != nil {
				return fmt.Errorf("requeue failed reminder: %w", uerr)
			}
		}
	}
	return nil
}

// render composes the German-localized notification text for a reminder,
// appending transit directions when a location is present and a transit
// port is configured (spec §4.8).
func (s *Scheduler) render(ctx context.Context, r Reminder) string {
	text := fmt.Sprintf("Erinnerung: %s", r.Text)
	if r.Location == "" || s.transit == nil {
		return text
	}
	dirs, err := s.transit.Directions(ctx, "", r.Location, r.FireAt)
	if err != nil {
		return text
	}
	return fmt.Sprintf("%s (%s, ca. %d Min.)", text, dirs.Summary, dirs.DurationMin)
}

// Snooze implements SnoozeReminder: sets fire_at to now + d, returns the
// reminder to Pending and increments snooze_count, refusing once max_snooze
// is reached (P7).
func (s *Scheduler) Snooze(ctx context.Context, id domain.ID, owner domain.UserID, d time.Duration) (Reminder, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if r.Owner != owner {
		return Reminder{}, halerrors.New(halerrors.Forbidden, "not your reminder", nil)
	}
	if r.SnoozeCount >= r.MaxSnooze {
		return Reminder{}, ErrSnoozeExhausted
	}
	r.FireAt = s.clock.Now().Add(d)
	r.State = StatePending
	r.SnoozeCount++
	if err := s.store.Update(ctx, r); err != nil {
		return Reminder{}, fmt.Errorf("snooze reminder: %w", err)
	}
	return r, nil
}

// Acknowledge implements AckReminder: a terminal transition to Acknowledged.
// The reminder's current state is not checked, so a Pending reminder can be
// acknowledged as well as a Sent one.
func (s *Scheduler) Acknowledge(ctx context.Context, id domain.ID, owner domain.UserID) (Reminder, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	if r.Owner != owner {
		return Reminder{}, halerrors.New(halerrors.Forbidden, "not your reminder", nil)
	}
	r.State = StateAcknowledged
	if err := s.store.Update(ctx, r); err != nil {
		return Reminder{}, fmt.Errorf("acknowledge reminder: %w", err)
	}
	return r, nil
}

// Delete implements DeleteReminder.
func (s *Scheduler) Delete(ctx context.Context, id domain.ID, owner domain.UserID) error {
	return s.store.Delete(ctx, id, owner)
}

// List implements ListReminders.
func (s *Scheduler) List(ctx context.Context, owner domain.UserID, state *State) ([]Reminder, error) {
	return s.store.List(ctx, owner, state)
}

// Briefing composes a morning-briefing message: upcoming events, open
// reminders, and a weather summary (spec §4.8). Missing collaborators are
// skipped rather than failing the whole briefing.
func (s *Scheduler) Briefing(ctx context.Context, owner domain.UserID, location string) (string, error) {
	now := s.clock.Now()
	msg := "Guten Morgen!"

	open, err := s.store.List(ctx, owner, statePtr(StatePending))
	if err != nil {
		return "", fmt.Errorf("list open reminders for briefing: %w", err)
	}
	if len(open) > 0 {
		msg += fmt.Sprintf("\n\nOffene Erinnerungen: %d", len(open))
	}

	if s.calendar != nil {
		events, err := s.calendar.ListEvents(ctx, owner, ports.TimeRange{From: now, To: now.AddDate(0, 0, 1)})
		if err == nil && len(events) > 0 {
			msg += fmt.Sprintf("\n\nHeutige Termine: %d", len(events))
		}
	}

	if s.weather != nil && location != "" {
		cur, err := s.weather.Current(ctx, location)
		if err == nil {
			msg += fmt.Sprintf("\n\nWetter: %s, %.0f°C", cur.Summary, cur.TempC)
		}
	}

	return msg, nil
}

func statePtr(s State) *State { return &s }

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
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

func (s *sqliteStore) Insert(ctx context.Context, r Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, owner, source_type, event_id, lead_ms, fire_at, text, location, state, snooze_count, max_snooze, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Owner.String(), string(r.Source), nullableString(r.EventID), nullableInt64(r.LeadMS, r.Source == SourceCalendar),
		r.FireAt.UnixMilli(), r.Text, r.Location, string(r.State), r.SnoozeCount, r.MaxSnooze, r.Attempts)
	if err != nil {
		return err
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id domain.ID) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, selectReminderCols+` WHERE id = ?`, id.String())
	return scanReminder(row)
}

func (s *sqliteStore) List(ctx context.Context, owner domain.UserID, state *State) ([]Reminder, error) {
	query := selectReminderCols + ` WHERE owner = ?`
	args := []any{owner.String()}
	if state != nil {
		query += ` AND state = ?`
		args = append(args, string(*state))
	}
	query += ` ORDER BY fire_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DuePending(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, selectReminderCols+` WHERE state = ? AND fire_at <= ?`, string(StatePending), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Update(ctx context.Context, r Reminder) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fire_at = ?, text = ?, location = ?, state = ?, snooze_count = ?, attempts = ? WHERE id = ?`,
		r.FireAt.UnixMilli(), r.Text, r.Location, string(r.State), r.SnoozeCount, r.Attempts, r.ID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return halerrors.New(halerrors.NotFound, "reminder not found", nil)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id domain.ID, owner domain.UserID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ? AND owner = ?`, id.String(), owner.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return halerrors.New(halerrors.NotFound, "reminder not found", nil)
	}
	return nil
}

func (s *sqliteStore) FindByCalendarEvent(ctx context.Context, eventID string, leadMS int64) (Reminder, bool, error) {
	row := s.db.QueryRowContext(ctx, selectReminderCols+` WHERE source_type = 'calendar' AND event_id = ? AND lead_ms = ?`, eventID, leadMS)
	r, err := scanReminder(row)
	if err != nil {
		if halerrors.KindOf(err) == halerrors.NotFound {
			return Reminder{}, false, nil
		}
		return Reminder{}, false, err
	}
	return r, true, nil
}

const selectReminderCols = `SELECT id, owner, source_type, event_id, lead_ms, fire_at, text, location, state, snooze_count, max_snooze, attempts FROM reminders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var idStr, ownerStr, sourceType, state, text, location string
	var eventID sql.NullString
	var leadMS sql.NullInt64
	var fireAt int64
	var snoozeCount, maxSnooze, attempts int

	if err := row.Scan(&idStr, &ownerStr, &sourceType, &eventID, &leadMS, &fireAt, &text, &location, &state, &snoozeCount, &maxSnooze, &attempts); err != nil {
		if err == sql.ErrNoRows {
			return Reminder{}, halerrors.New(halerrors.NotFound, "reminder not found", nil)
		}
		return Reminder{}, err
	}

	id, _ := domain.ParseID(idStr)
	owner, _ := domain.ParseID(ownerStr)
	r := Reminder{
		ID: id, Owner: owner, Source: Source(sourceType), FireAt: time.UnixMilli(fireAt).UTC(),
		Text: text, Location: location, State: State(state),
		SnoozeCount: snoozeCount, MaxSnooze: maxSnooze, Attempts: attempts,
	}
	if eventID.Valid {
		r.EventID = eventID.String
	}
	if leadMS.Valid {
		r.LeadMS = leadMS.Int64
	}
	return r, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v int64, present bool) any {
	if !present {
		return nil
	}
	return v
}
