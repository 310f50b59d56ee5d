package command

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"halcyon/internal/clock"
	halerrors "halcyon/internal/errors"
)

// rule is one matcher in the deterministic sequence. specificity orders the
// confidence assigned on match: exact-phrase > keyword > fuzzy (spec §4.4).
type rule struct {
	name        string
	specificity float64
	match       func(p *Parser, normalized, original string) (Intent, bool)
}

// Parser is the deterministic rule-based classifier of spec §4.4. It holds
// no mutable state; a single instance is safe for concurrent use.
type Parser struct {
	clock clock.Clock
	rules []rule
}

// NewParser builds a Parser with the built-in rule set, evaluated in order.
func NewParser(c clock.Clock) *Parser {
	p := &Parser{clock: c}
	p.rules = []rule{
		{"structured-json", 1.0, matchStructuredJSON},
		{"help", 0.95, matchHelp},
		{"briefing", 0.95, matchBriefing},
		{"list-reminders", 0.9, matchListReminders},
		{"snooze-reminder", 0.9, matchSnoozeReminder},
		{"ack-reminder", 0.9, matchAckReminder},
		{"delete-reminder", 0.9, matchDeleteReminder},
		{"create-reminder", 0.85, matchCreateReminder},
		{"read-inbox", 0.85, matchReadInbox},
		{"draft-email", 0.85, matchDraftEmail},
		{"send-email", 0.85, matchSendEmail},
		{"create-calendar-event", 0.85, matchCreateCalendarEvent},
		{"delete-calendar-event", 0.85, matchDeleteCalendarEvent},
		{"get-weather", 0.8, matchWeather},
		{"web-search", 0.75, matchWebSearch},
		{"echo", 0.7, matchEcho},
	}
	return p
}

// Parse attempts each rule in order; the first match wins. No match emits
// Unknown with confidence 0, which upstream treats as Ask{query = utterance}
// (spec §4.4).
func (p *Parser) Parse(utterance string) (Intent, error) {
	normalized := normalize(utterance)
	if normalized == "" {
		return Intent{}, halerrors.New(halerrors.Validation, "empty utterance", nil)
	}

	for _, r := range p.rules {
		if intent, ok := r.match(p, normalized, utterance); ok {
			intent.Utterance = utterance
			intent.Confidence = r.specificity
			return intent, nil
		}
	}

	return Intent{Kind: KindUnknown, Confidence: 0, Utterance: utterance, Query: utterance}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// matchStructuredJSON handles the /v1/commands/parse path when a caller
// submits an already-structured command as a JSON object instead of free
// text. Malformed JSON is salvaged with jsonrepair before giving up, since a
// truncated or trailing-comma payload from a lossy upstream is still
// recoverable far more often than it's genuinely ambiguous.
func matchStructuredJSON(p *Parser, normalized, original string) (Intent, bool) {
	trimmed := strings.TrimSpace(original)
	if !strings.HasPrefix(trimmed, "{") {
		return Intent{}, false
	}

	var doc struct {
		Kind  string `json:"kind"`
		Query string `json:"query"`
		Text  string `json:"text"`
	}
	raw := []byte(trimmed)
	if err := json.Unmarshal(raw, &doc); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(trimmed)
		if rerr != nil {
			return Intent{}, false
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return Intent{}, false
		}
	}
	if doc.Kind == "" {
		return Intent{}, false
	}
	return Intent{Kind: Kind(doc.Kind), Query: doc.Query, Text: doc.Text}, true
}

var (
	reHelp     = regexp.MustCompile(`^(help|what can you do|commands\??)$`)
	reBriefing = regexp.MustCompile(`^(briefing|morning briefing|what's my day look like\??)$`)
	reEcho     = regexp.MustCompile(`^echo\s+(.+)$`)
)

func matchHelp(p *Parser, normalized, original string) (Intent, bool) {
	if reHelp.MatchString(normalized) {
		return Intent{Kind: KindHelp}, true
	}
	return Intent{}, false
}

func matchBriefing(p *Parser, normalized, original string) (Intent, bool) {
	if reBriefing.MatchString(normalized) {
		return Intent{Kind: KindBriefing}, true
	}
	return Intent{}, false
}

func matchEcho(p *Parser, normalized, original string) (Intent, bool) {
	if m := reEcho.FindStringSubmatch(original); m != nil {
		return Intent{Kind: KindEcho, Text: strings.TrimSpace(m[1])}, true
	}
	return Intent{}, false
}

var reListReminders = regexp.MustCompile(`^(list|show|what are) (my )?reminders?$`)

func matchListReminders(p *Parser, normalized, original string) (Intent, bool) {
	if reListReminders.MatchString(normalized) {
		return Intent{Kind: KindListReminders}, true
	}
	return Intent{}, false
}

var reSnooze = regexp.MustCompile(`^snooze (\S+)(?: (?:for|by) (.+))?$`)

func matchSnoozeReminder(p *Parser, normalized, original string) (Intent, bool) {
	m := reSnooze.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	d, ok := parseRelativeDuration(strings.TrimSpace(m[2]))
	if !ok {
		return Intent{}, false
	}
	return Intent{Kind: KindSnoozeReminder, TargetID: m[1], Duration: d}, true
}

var reAck = regexp.MustCompile(`^(ack|acknowledge|done|dismiss) (\S+)$`)

func matchAckReminder(p *Parser, normalized, original string) (Intent, bool) {
	if m := reAck.FindStringSubmatch(normalized); m != nil {
		return Intent{Kind: KindAckReminder, TargetID: m[2]}, true
	}
	return Intent{}, false
}

var reDeleteReminder = regexp.MustCompile(`^delete reminder (\S+)$`)

func matchDeleteReminder(p *Parser, normalized, original string) (Intent, bool) {
	if m := reDeleteReminder.FindStringSubmatch(normalized); m != nil {
		return Intent{Kind: KindDeleteReminder, TargetID: m[1]}, true
	}
	return Intent{}, false
}

var reCreateReminder = regexp.MustCompile(`^remind me (?:to |that )?(.+?) (in .+|tomorrow.*|at .+|on \d{4}-\d{2}-\d{2}.*)$`)

func matchCreateReminder(p *Parser, normalized, original string) (Intent, bool) {
	m := reCreateReminder.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	when, err := ParseTime(m[2], p.clock.Now())
	if err != nil {
		return Intent{}, false
	}
	return Intent{Kind: KindCreateReminder, Text: strings.TrimSpace(m[1]), When: when}, true
}

var reReadInbox = regexp.MustCompile(`^(?:read|check) (?:my )?(?:inbox|email|mail)(?: \(?(\d+)\)?)?$`)

func matchReadInbox(p *Parser, normalized, original string) (Intent, bool) {
	m := reReadInbox.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	count := 5
	if m[1] != "" {
		if n, err := strconv.Atoi(m[1]); err == nil {
			count = n
		}
	}
	return Intent{Kind: KindReadInbox, Count: count}, true
}

var reDraftEmail = regexp.MustCompile(`^(?:draft|compose) (?:an )?email to (\S+) (?:about|subject) (.+)$`)

func matchDraftEmail(p *Parser, normalized, original string) (Intent, bool) {
	m := reDraftEmail.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	return Intent{Kind: KindDraftEmail, To: m[1], Subject: m[2]}, true
}

var reSendEmail = regexp.MustCompile(`^send (?:draft )?(\S+)$`)

func matchSendEmail(p *Parser, normalized, original string) (Intent, bool) {
	m := reSendEmail.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	return Intent{Kind: KindSendEmail, TargetID: m[1]}, true
}

var reCreateEvent = regexp.MustCompile(`^(?:schedule|create event) (.+?) (in .+|tomorrow.*|at .+|on \d{4}-\d{2}-\d{2}.*)$`)

func matchCreateCalendarEvent(p *Parser, normalized, original string) (Intent, bool) {
	m := reCreateEvent.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	start, err := ParseTime(m[2], p.clock.Now())
	if err != nil {
		return Intent{}, false
	}
	return Intent{Kind: KindCreateCalendarEvent, Title: strings.TrimSpace(m[1]), Start: start, End: start.Add(defaultEventDuration)}, true
}

var reDeleteEvent = regexp.MustCompile(`^delete event (\S+)$`)

func matchDeleteCalendarEvent(p *Parser, normalized, original string) (Intent, bool) {
	if m := reDeleteEvent.FindStringSubmatch(normalized); m != nil {
		return Intent{Kind: KindDeleteCalendarEvent, TargetID: m[1]}, true
	}
	return Intent{}, false
}

var reWeather = regexp.MustCompile(`^(?:what'?s the )?weather(?: (?:in|for) (.+))?\??$`)

func matchWeather(p *Parser, normalized, original string) (Intent, bool) {
	m := reWeather.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	return Intent{Kind: KindGetWeather, Location: strings.TrimSpace(m[1])}, true
}

var reSearch = regexp.MustCompile(`^search(?: the web)? for (.+)$`)

func matchWebSearch(p *Parser, normalized, original string) (Intent, bool) {
	m := reSearch.FindStringSubmatch(normalized)
	if m == nil {
		return Intent{}, false
	}
	return Intent{Kind: KindWebSearch, Query: strings.TrimSpace(m[1])}, true
}
