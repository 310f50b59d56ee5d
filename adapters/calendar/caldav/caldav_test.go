package caldav

import (
	"testing"
	"time"

	"github.com/emersion/go-ical"
	godav "github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildVEvent(uid, title string, start, end time.Time, location string) *ical.Component {
	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, uid)
	vevent.Props.SetText(ical.PropSummary, title)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, end)
	if location != "" {
		vevent.Props.SetText(ical.PropLocation, location)
	}
	return vevent
}

func TestFirstChildFindsNamedComponent(t *testing.T) {
	vevent := buildVEvent("uid-1", "Standup", time.Now(), time.Now(), "")
	cal := ical.NewCalendar()
	cal.Children = append(cal.Children, vevent)

	found := firstChild(cal.Component, ical.CompEvent)
	require.NotNil(t, found)
	assert.Equal(t, "uid-1", propText(found, ical.PropUID))
}

func TestFirstChildReturnsNilWhenAbsent(t *testing.T) {
	cal := ical.NewCalendar()
	assert.Nil(t, firstChild(cal.Component, ical.CompEvent))
}

func TestPropTextReturnsEmptyForMissingProperty(t *testing.T) {
	vevent := ical.NewComponent(ical.CompEvent)
	assert.Equal(t, "", propText(vevent, ical.PropSummary))
}

func TestPropDateTimeReturnsZeroForMissingProperty(t *testing.T) {
	vevent := ical.NewComponent(ical.CompEvent)
	assert.True(t, propDateTime(vevent, ical.PropDateTimeStart).IsZero())
}

func TestEventFromObjectExtractsFieldsFromVEvent(t *testing.T) {
	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	vevent := buildVEvent("uid-42", "Standup", start, end, "Room 2")
	cal := ical.NewCalendar()
	cal.Children = append(cal.Children, vevent)

	obj := godav.CalendarObject{Path: "/calendars/me/uid-42.ics", Data: cal}
	ev, ok := eventFromObject(obj)
	require.True(t, ok)
	assert.Equal(t, "uid-42", ev.EventID)
	assert.Equal(t, "Standup", ev.Title)
	assert.Equal(t, "Room 2", ev.Location)
	assert.True(t, start.Equal(ev.Start))
	assert.True(t, end.Equal(ev.End))
}

func TestEventFromObjectRejectsObjectWithoutVEvent(t *testing.T) {
	cal := ical.NewCalendar()
	obj := godav.CalendarObject{Path: "/calendars/me/empty.ics", Data: cal}
	_, ok := eventFromObject(obj)
	assert.False(t, ok)
}

func TestEventFromObjectRejectsMissingData(t *testing.T) {
	_, ok := eventFromObject(godav.CalendarObject{Path: "/x.ics"})
	assert.False(t, ok)
}
