// Package command implements the rule-based command parser of spec §4.4
// (C4): a deterministic sequence of matchers turning free-form input into a
// tagged CommandIntent.
package command

import "time"

// Kind tags the CommandIntent union of spec §3.
type Kind string

const (
	KindAsk                 Kind = "ask"
	KindEcho                Kind = "echo"
	KindBriefing            Kind = "briefing"
	KindListReminders       Kind = "list_reminders"
	KindCreateReminder      Kind = "create_reminder"
	KindSnoozeReminder      Kind = "snooze_reminder"
	KindAckReminder         Kind = "ack_reminder"
	KindDeleteReminder      Kind = "delete_reminder"
	KindReadInbox           Kind = "read_inbox"
	KindDraftEmail          Kind = "draft_email"
	KindSendEmail           Kind = "send_email"
	KindCreateCalendarEvent Kind = "create_calendar_event"
	KindDeleteCalendarEvent Kind = "delete_calendar_event"
	KindGetWeather          Kind = "get_weather"
	KindWebSearch           Kind = "web_search"
	KindHelp                Kind = "help"
	KindUnknown             Kind = "unknown"
)

// Intent is the tagged union of spec §3's CommandIntent. Only the fields
// relevant to Kind are populated; zero values elsewhere.
type Intent struct {
	Kind       Kind
	Confidence float64
	Utterance  string

	// Ask / WebSearch
	Query string

	// Echo
	Text string

	// ListReminders
	ReminderFilter string

	// CreateReminder
	When     time.Time
	Location string

	// SnoozeReminder / AckReminder / DeleteReminder / SendEmail / DeleteCalendarEvent
	TargetID string
	Duration time.Duration

	// ReadInbox
	Count  int
	Filter string

	// DraftEmail
	To      string
	Subject string
	Body    string

	// CreateCalendarEvent
	Title string
	Start time.Time
	End   time.Time

	// GetWeather (Location reused above)
}

// sideEffecting is the static policy of spec §4.5: every intent variant that
// writes to an external collaborator or spends money.
var sideEffecting = map[Kind]bool{
	KindCreateReminder:      true,
	KindSnoozeReminder:      true,
	KindAckReminder:         true,
	KindDeleteReminder:      true,
	KindDraftEmail:          true,
	KindSendEmail:           true,
	KindCreateCalendarEvent: true,
	KindDeleteCalendarEvent: true,
}

// IsSideEffecting reports whether an intent must be routed through the
// approval queue rather than executed directly.
func (i Intent) IsSideEffecting() bool {
	return sideEffecting[i.Kind]
}
