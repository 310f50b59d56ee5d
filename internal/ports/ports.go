// Package ports declares the narrow capability interfaces the core consumes
// (spec §4.10 / C10). Implementations live outside the core; the core never
// imports a concrete collaborator package, only these interfaces.
package ports

import (
	"context"
	"io"
	"time"

	"halcyon/internal/domain"
)

// --- Inference -------------------------------------------------------------

// CompletionOptions carries sampling and identity parameters for a generate
// call. Fields tagged cache:"ignore" are excluded from the cache key (spec §4.3).
type CompletionOptions struct {
	Model          string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	RequestID      string        `cache:"ignore"`
	Timeout        time.Duration `cache:"ignore"`
}

// Completion is the result of a non-streaming generate call.
type Completion struct {
	Text      string
	Model     string
	Usage     Usage
	Degraded  bool
}

// Usage carries token accounting, always present on the streaming end-marker
// even on partial-failure paths (spec §4.3).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Delta is one chunk of a streaming generation.
type Delta struct {
	Text string
	Done bool   // true exactly once, on the terminal chunk
	Usage *Usage // set only on the terminal chunk
}

// Health reports backend reachability for /ready and /ready/all.
type Health struct {
	Healthy bool
	Reason  string
}

// Inference is the raw backend port the gateway (C3) composes over.
type Inference interface {
	Generate(ctx context.Context, prompt string, opts CompletionOptions) (Completion, error)
	GenerateStream(ctx context.Context, prompt string, opts CompletionOptions) (<-chan Delta, error)
	Health(ctx context.Context) (Health, error)
}

// --- SecretStore -------------------------------------------------------------

// SecretStore resolves secret material by path (spec §4.10: "Lookup may
// fail with Transient or NotFound").
type SecretStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// --- Messenger ---------------------------------------------------------------

// Messenger is the outbound/inbound messaging port. Outbound delivery is
// at-least-once; recipients must treat duplicates as idempotent.
type Messenger interface {
	SendText(ctx context.Context, principal domain.UserID, text string) error
	SendAudio(ctx context.Context, principal domain.UserID, audio io.Reader, mimeType string) error
}

// InboundEvent is a single inbound message observed from a webhook or poll loop.
type InboundEvent struct {
	Principal domain.UserID
	Text      string
	ReceivedAt time.Time
}

// InboundSource is implemented by webhook handlers and poll loops that feed
// inbound messenger traffic into the command pipeline.
type InboundSource interface {
	Receive(ctx context.Context) (<-chan InboundEvent, error)
}

// --- Mail ---------------------------------------------------------------------

// MailMessage is a summarized inbox entry.
type MailMessage struct {
	ID      string
	From    string
	Subject string
	Snippet string
	Date    time.Time
}

// Draft is a server-assigned draft pending send.
type Draft struct {
	ID      string
	To      string
	Subject string
	Body    string
}

// Mail is the mail collaborator port.
type Mail interface {
	ListRecent(ctx context.Context, principal domain.UserID, count int) ([]MailMessage, error)
	Draft(ctx context.Context, principal domain.UserID, to, subject, body string) (Draft, error)
	Send(ctx context.Context, principal domain.UserID, draftID string) error
}

// --- Calendar -------------------------------------------------------------------

// CalendarEvent carries a stable EventID used for reminder dedup (spec §4.8, P6).
type CalendarEvent struct {
	EventID  string
	Title    string
	Start    time.Time
	End      time.Time
	Location string
	Deleted  bool
}

// TimeRange bounds a calendar query.
type TimeRange struct {
	From, To time.Time
}

// Calendar is the calendar collaborator port.
type Calendar interface {
	ListEvents(ctx context.Context, principal domain.UserID, r TimeRange) ([]CalendarEvent, error)
	CreateEvent(ctx context.Context, principal domain.UserID, ev CalendarEvent) (CalendarEvent, error)
	DeleteEvent(ctx context.Context, principal domain.UserID, eventID string) error
}

// --- Weather ----------------------------------------------------------------

// WeatherConditions is a single point-in-time or forecast-day reading.
type WeatherConditions struct {
	Date        time.Time
	Summary     string
	TempC       float64
	PrecipChance float64
}

// Weather is cacheable per-coordinate (spec §4.10).
type Weather interface {
	Current(ctx context.Context, location string) (WeatherConditions, error)
	Forecast(ctx context.Context, location string, days int) ([]WeatherConditions, error)
}

// --- WebSearch ----------------------------------------------------------------

// SearchResult is a single provider-agnostic hit with a citation URL.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// SearchOptions parametrizes a WebSearch call.
type SearchOptions struct {
	MaxResults int
}

// WebSearch is provider-agnostic with an implementer-side fallback chain.
type WebSearch interface {
	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

// --- Speech -------------------------------------------------------------------

// Speech transcribes and synthesizes audio; both operations are cancellable.
type Speech interface {
	Transcribe(ctx context.Context, audio io.Reader, lang string) (string, error)
	Synthesize(ctx context.Context, text string, voice string) (io.Reader, error)
}

// --- TransitPort (supplemented feature, SPEC_FULL §12) ------------------------

// TransitDirections is an optional leg rendered into a reminder notification
// when a location is present and a transit provider is configured.
type TransitDirections struct {
	Summary     string
	DurationMin int
}

// Transit is optional: absent configuration, reminders render without a
// directions line (SPEC_FULL §12).
type Transit interface {
	Directions(ctx context.Context, origin, destination string, arriveBy time.Time) (TransitDirections, error)
}
