// Package caldav is a reference Calendar adapter backed by a single CalDAV
// collection. It is not wired into the application root by default; cmd
// entrypoints that want real calendar sync construct it and pass it in
// through app.Ports.
package caldav

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	godav "github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav"
	"github.com/google/uuid"

	"halcyon/internal/domain"
	"halcyon/internal/ports"
)

// Config describes a single CalDAV collection shared by all principals.
// The adapter does not support per-principal calendars; principal
// arguments are accepted for port-interface compatibility and ignored.
type Config struct {
	Endpoint     string
	CalendarPath string
	Username     string
	Password     string
}

// Adapter implements ports.Calendar over a single CalDAV collection. It
// keeps an in-memory EventID-to-resource-path index, since CalDAV addresses
// objects by path while this spec's callers address them by the event's
// stable UID.
type Adapter struct {
	cfg    Config
	client *godav.Client

	mu    sync.Mutex
	paths map[string]string // EventID (ical UID) -> resource path
}

var _ ports.Calendar = (*Adapter)(nil)

// New constructs an Adapter against the configured CalDAV collection.
func New(cfg Config) (*Adapter, error) {
	httpClient := webdav.HTTPClientWithBasicAuth(http.DefaultClient, cfg.Username, cfg.Password)
	client, err := godav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}
	return &Adapter{cfg: cfg, client: client, paths: make(map[string]string)}, nil
}

// ListEvents queries the collection for events overlapping r and returns
// them, populating the adapter's EventID-to-path index as a side effect so
// subsequent DeleteEvent calls can resolve the right resource.
func (a *Adapter) ListEvents(ctx context.Context, principal domain.UserID, r ports.TimeRange) ([]ports.CalendarEvent, error) {
	query := &godav.CalendarQuery{
		CompRequest: godav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []godav.CalendarCompRequest{{Name: ical.CompEvent}},
		},
		CompFilter: godav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []godav.CompFilter{
				{Name: ical.CompEvent, Start: r.From, End: r.To},
			},
		},
	}

	objs, err := a.client.QueryCalendar(ctx, a.cfg.CalendarPath, query)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]ports.CalendarEvent, 0, len(objs))
	for _, obj := range objs {
		ev, ok := eventFromObject(obj)
		if !ok {
			continue
		}
		a.paths[ev.EventID] = obj.Path
		out = append(out, ev)
	}
	return out, nil
}

func firstChild(comp *ical.Component, name string) *ical.Component {
	for _, child := range comp.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

func propText(comp *ical.Component, name string) string {
	prop := comp.Props.Get(name)
	if prop == nil {
		return ""
	}
	v, err := prop.Text()
	if err != nil {
		return ""
	}
	return v
}

func propDateTime(comp *ical.Component, name string) time.Time {
	prop := comp.Props.Get(name)
	if prop == nil {
		return time.Time{}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func eventFromObject(obj godav.CalendarObject) (ports.CalendarEvent, bool) {
	if obj.Data == nil {
		return ports.CalendarEvent{}, false
	}
	vevent := firstChild(obj.Data.Component, ical.CompEvent)
	if vevent == nil {
		return ports.CalendarEvent{}, false
	}

	uid := propText(vevent, ical.PropUID)
	if uid == "" {
		return ports.CalendarEvent{}, false
	}

	return ports.CalendarEvent{
		EventID:  uid,
		Title:    propText(vevent, ical.PropSummary),
		Start:    propDateTime(vevent, ical.PropDateTimeStart),
		End:      propDateTime(vevent, ical.PropDateTimeEnd),
		Location: propText(vevent, ical.PropLocation),
	}, true
}

// CreateEvent writes a new VEVENT to the collection. If ev.EventID is
// empty, a UID is generated; CalDAV requires a stable UID per resource.
func (a *Adapter) CreateEvent(ctx context.Context, principal domain.UserID, ev ports.CalendarEvent) (ports.CalendarEvent, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}

	vevent := ical.NewComponent(ical.CompEvent)
	vevent.Props.SetText(ical.PropUID, ev.EventID)
	vevent.Props.SetText(ical.PropSummary, ev.Title)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, ev.Start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, ev.End)
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//halcyon//caldav adapter//EN")
	cal.Children = append(cal.Children, vevent)

	path := a.cfg.CalendarPath + ev.EventID + ".ics"
	if _, err := a.client.PutCalendarObject(ctx, path, cal); err != nil {
		return ports.CalendarEvent{}, fmt.Errorf("put calendar object: %w", err)
	}

	a.mu.Lock()
	a.paths[ev.EventID] = path
	a.mu.Unlock()

	return ev, nil
}

// DeleteEvent removes the resource for the given EventID. If the path is
// not yet in the in-memory index (e.g. ListEvents was never called for
// this event), it falls back to the conventional path CreateEvent uses.
func (a *Adapter) DeleteEvent(ctx context.Context, principal domain.UserID, eventID string) error {
	a.mu.Lock()
	path, ok := a.paths[eventID]
	if ok {
		delete(a.paths, eventID)
	}
	a.mu.Unlock()

	if !ok {
		path = a.cfg.CalendarPath + eventID + ".ics"
	}
	if err := a.client.RemoveAll(ctx, path); err != nil {
		return fmt.Errorf("remove calendar object %s: %w", path, err)
	}
	return nil
}
