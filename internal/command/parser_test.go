package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/clock"
)

func fixedParser(t *testing.T) (*Parser, time.Time) {
	t.Helper()
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	return NewParser(clock.NewFrozen(now)), now
}

func TestParseHelpAndBriefing(t *testing.T) {
	p, _ := fixedParser(t)

	i, err := p.Parse("help")
	require.NoError(t, err)
	assert.Equal(t, KindHelp, i.Kind)
	assert.Equal(t, 0.95, i.Confidence)

	i, err = p.Parse("Morning Briefing")
	require.NoError(t, err)
	assert.Equal(t, KindBriefing, i.Kind)
}

func TestParseEcho(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("echo hello there")
	require.NoError(t, err)
	assert.Equal(t, KindEcho, i.Kind)
	assert.Equal(t, "hello there", i.Text)
}

func TestParseCreateReminderRelative(t *testing.T) {
	p, now := fixedParser(t)
	i, err := p.Parse("remind me to call mom in 2 hours")
	require.NoError(t, err)
	assert.Equal(t, KindCreateReminder, i.Kind)
	assert.Equal(t, "call mom", i.Text)
	assert.True(t, i.When.Equal(now.Add(2*time.Hour)))
}

func TestParseCreateReminderTomorrow(t *testing.T) {
	p, now := fixedParser(t)
	i, err := p.Parse("remind me to submit the report tomorrow at 9am")
	require.NoError(t, err)
	assert.Equal(t, KindCreateReminder, i.Kind)
	expected := time.Date(now.Year(), now.Month(), now.Day()+1, 9, 0, 0, 0, now.Location())
	assert.True(t, i.When.Equal(expected))
}

func TestParseSnoozeWithDefaultDuration(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("snooze abc123")
	require.NoError(t, err)
	assert.Equal(t, KindSnoozeReminder, i.Kind)
	assert.Equal(t, "abc123", i.TargetID)
	assert.Equal(t, 10*time.Minute, i.Duration)
}

func TestParseSnoozeWithExplicitDuration(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("snooze abc123 for 30 minutes")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, i.Duration)
}

func TestParseListReminders(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("list my reminders")
	require.NoError(t, err)
	assert.Equal(t, KindListReminders, i.Kind)
}

func TestParseReadInboxWithCount(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("read inbox 10")
	require.NoError(t, err)
	assert.Equal(t, KindReadInbox, i.Kind)
	assert.Equal(t, 10, i.Count)
}

func TestParseWeather(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("weather in Boston")
	require.NoError(t, err)
	assert.Equal(t, KindGetWeather, i.Kind)
	assert.Equal(t, "boston", i.Location)
}

func TestParseWebSearch(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("search for best espresso machines")
	require.NoError(t, err)
	assert.Equal(t, KindWebSearch, i.Kind)
	assert.Equal(t, "best espresso machines", i.Query)
}

func TestParseUnknownFallsBackToAskSemantics(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse("tell me a joke about compilers")
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, i.Kind)
	assert.Equal(t, 0.0, i.Confidence)
	assert.Equal(t, "tell me a joke about compilers", i.Query)
}

func TestParseEmptyUtteranceIsValidationError(t *testing.T) {
	p, _ := fixedParser(t)
	_, err := p.Parse("   ")
	require.Error(t, err)
}

func TestParseAmbiguousBareHour(t *testing.T) {
	_, err := ParseTime("at 5", time.Date(2026, 7, 31, 6, 0, 0, 0, time.UTC))
	require.Error(t, err)
	var ambErr *AmbiguousTimeError
	require.ErrorAs(t, err, &ambErr)
	assert.Len(t, ambErr.Candidates, 2)
}

func TestParseStructuredJSONRepairsTrailingComma(t *testing.T) {
	p, _ := fixedParser(t)
	i, err := p.Parse(`{"kind": "echo", "text": "hi",}`)
	require.NoError(t, err)
	assert.Equal(t, KindEcho, i.Kind)
	assert.Equal(t, "hi", i.Text)
}

func TestIntentSideEffectingPolicy(t *testing.T) {
	assert.True(t, Intent{Kind: KindCreateReminder}.IsSideEffecting())
	assert.True(t, Intent{Kind: KindSendEmail}.IsSideEffecting())
	assert.False(t, Intent{Kind: KindAsk}.IsSideEffecting())
	assert.False(t, Intent{Kind: KindGetWeather}.IsSideEffecting())
}
