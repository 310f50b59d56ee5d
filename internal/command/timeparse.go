package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	halerrors "halcyon/internal/errors"
)

// defaultEventDuration is used when a calendar-event utterance names a start
// time but no explicit end.
const defaultEventDuration = time.Hour

// AmbiguousTimeError is returned when an utterance's time expression matches
// more than one interpretation with no tie-breaker (e.g. "at 5" with no
// am/pm and no nearby anchor). Candidates are offered back to the caller
// rather than guessing.
type AmbiguousTimeError struct {
	Expression string
	Candidates []time.Time
}

func (e *AmbiguousTimeError) Error() string {
	return fmt.Sprintf("ambiguous time expression %q (%d candidates)", e.Expression, len(e.Candidates))
}

var (
	reAbsolute   = regexp.MustCompile(`on (\d{4}-\d{2}-\d{2})(?: (\d{2}):(\d{2}))?`)
	reRelative   = regexp.MustCompile(`in (\d+) (minute|minutes|hour|hours|day|days)`)
	reTomorrow   = regexp.MustCompile(`tomorrow(?: at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?)?`)
	reAtBareHour = regexp.MustCompile(`^at (\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// ParseTime resolves a natural-language time expression (the tail captured
// by a command matcher, e.g. "in 2 hours", "tomorrow at 9am", "on
// 2026-08-01 14:30", "at 5pm") against now, per spec §4.4's time-extractor
// matcher. Absolute expressions win over relative ones; relative minutes and
// hours resolve deterministically against the clock.
func ParseTime(expr string, now time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)

	if m := reAbsolute.FindStringSubmatch(expr); m != nil {
		date := m[1]
		hh, mm := "00", "00"
		if m[2] != "" {
			hh, mm = m[2], m[3]
		}
		t, err := time.Parse("2006-01-02 15:04", fmt.Sprintf("%s %s:%s", date, hh, mm))
		if err != nil {
			return time.Time{}, halerrors.New(halerrors.Validation, "malformed absolute time", err)
		}
		return t, nil
	}

	if m := reRelative.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, halerrors.New(halerrors.Validation, "malformed relative time", err)
		}
		switch {
		case strings.HasPrefix(m[2], "minute"):
			return now.Add(time.Duration(n) * time.Minute), nil
		case strings.HasPrefix(m[2], "hour"):
			return now.Add(time.Duration(n) * time.Hour), nil
		case strings.HasPrefix(m[2], "day"):
			return now.AddDate(0, 0, n), nil
		}
	}

	if m := reTomorrow.FindStringSubmatch(expr); m != nil {
		base := now.AddDate(0, 0, 1)
		hour, minute := 9, 0 // default to 9am when no clock time is given
		if m[1] != "" {
			h, _ := strconv.Atoi(m[1])
			if m[2] != "" {
				minute, _ = strconv.Atoi(m[2])
			}
			hour = resolveMeridiem(h, m[3])
		}
		return time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, base.Location()), nil
	}

	if m := reAtBareHour.FindStringSubmatch(expr); m != nil {
		h, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if m[3] == "" && h <= 12 {
			// No am/pm and no 24h value: both today-AM and today-PM (or
			// tomorrow, if already past) are plausible. Offer both rather
			// than silently picking one.
			amHour := h % 12
			pmHour := amHour + 12
			candidateAM := nextOccurrence(now, amHour, minute)
			candidatePM := nextOccurrence(now, pmHour, minute)
			return time.Time{}, &AmbiguousTimeError{Expression: expr, Candidates: []time.Time{candidateAM, candidatePM}}
		}
		hour := resolveMeridiem(h, m[3])
		return nextOccurrence(now, hour, minute), nil
	}

	return time.Time{}, halerrors.New(halerrors.Validation, "unrecognized time expression", nil)
}

// resolveMeridiem folds a 12-hour clock hour plus an optional am/pm suffix
// into 24-hour form. An hour already in 24-hour form (13-23) passes through.
func resolveMeridiem(hour int, meridiem string) int {
	switch meridiem {
	case "am":
		return hour % 12
	case "pm":
		return (hour % 12) + 12
	default:
		return hour
	}
}

// nextOccurrence returns the next time today (or tomorrow if already past)
// at the given hour:minute relative to now.
func nextOccurrence(now time.Time, hour, minute int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if t.Before(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// parseRelativeDuration parses a bare duration phrase such as "10 minutes"
// or "1 hour", used by the snooze matcher. An empty expr defaults to 10
// minutes, the same value as the reminder config group's default_snooze.
func parseRelativeDuration(expr string) (time.Duration, bool) {
	if expr == "" {
		return 10 * time.Minute, true
	}
	m := reRelative.FindStringSubmatch("in " + expr)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch {
	case strings.HasPrefix(m[2], "minute"):
		return time.Duration(n) * time.Minute, true
	case strings.HasPrefix(m[2], "hour"):
		return time.Duration(n) * time.Hour, true
	case strings.HasPrefix(m[2], "day"):
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}
