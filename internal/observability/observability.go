// Package observability wires the hook points named throughout spec §5 and
// §6 (the /metrics and /metrics/prometheus endpoints, breaker state, cache
// hit ratio, degraded-serve counts) to concrete prometheus collectors plus
// an OpenTelemetry tracer for per-inference-call and per-port-call spans.
// The core never depends on this package directly except through the narrow
// inference.EventSink interface and the breaker.Config.OnStateChange callback
// it already declares; this package is the one concrete implementation wired
// at app-root construction.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"halcyon/internal/breaker"
)

// Metrics owns every prometheus collector the core's components feed.
// Registered once at app-root construction.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	DegradedTotal     *prometheus.CounterVec
	CacheHits         *prometheus.CounterVec
	CacheMisses       *prometheus.CounterVec
	ApprovalsPending  prometheus.Gauge
	RemindersSent     prometheus.Counter
	RateLimitRejected prometheus.Counter
}

// NewMetrics builds and registers the collector set against a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "halcyon_http_requests_total",
			Help: "Total HTTP requests by route and status class.",
		}, []string{"route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "halcyon_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "halcyon_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open) by backend name.",
		}, []string{"backend"}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "halcyon_inference_degraded_total",
			Help: "Completions served from the degraded fallback, by model.",
		}, []string{"model"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "halcyon_cache_hits_total",
			Help: "Cache tier hits by tier (l1, l2).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "halcyon_cache_misses_total",
			Help: "Cache misses.",
		}, []string{"tier"}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "halcyon_approvals_pending",
			Help: "Approval requests currently Pending.",
		}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "halcyon_reminders_sent_total",
			Help: "Reminders transitioned Pending -> Sent.",
		}),
		RateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "halcyon_rate_limited_total",
			Help: "Requests rejected by the admission rate limiter.",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.BreakerState, m.DegradedTotal,
		m.CacheHits, m.CacheMisses, m.ApprovalsPending, m.RemindersSent, m.RateLimitRejected,
	)
	return m
}

// Handler returns the /metrics/prometheus exposition handler (spec §6).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DegradedServed implements inference.EventSink.
func (m *Metrics) DegradedServed(model string) {
	m.DegradedTotal.WithLabelValues(model).Inc()
}

// OnBreakerStateChange is wired as breaker.Config.OnStateChange so every
// named breaker's gauge tracks its current state.
func (m *Metrics) OnBreakerStateChange(name string, _, to breaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}

// Tracing owns the process-wide OpenTelemetry tracer provider. Exporting is
// optional: with no OTLP endpoint configured, spans are created but never
// exported (a no-op span processor), which keeps local/dev runs quiet.
type Tracing struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TracingConfig parametrizes the OTLP exporter (spec §6 observability hooks
// are named as hook points only; the concrete collector is an operational
// choice left to the implementer).
type TracingConfig struct {
	ServiceName    string
	OTLPEndpoint   string // empty disables export; spans are still created
	Insecure       bool
}

// NewTracing builds a TracerProvider. When cfg.OTLPEndpoint is empty, the
// provider is still usable (spans simply aren't exported anywhere).
func NewTracing(ctx context.Context, cfg TracingConfig) (*Tracing, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	return &Tracing{provider: provider, tracer: provider.Tracer("halcyon")}, nil
}

// StartSpan starts a span named op, tagged with the request's correlation
// ID so traces and logs share the same identifier (P11).
func (t *Tracing) StartSpan(ctx context.Context, op string, correlationID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, op)
	if correlationID != "" {
		span.SetAttributes(semconv.ServiceName("halcyon"))
		span.AddEvent("correlation_id:" + correlationID)
	}
	return ctx, span
}

// Shutdown flushes and stops the tracer provider, bounded by the caller's
// context deadline (part of the shutdown-drain sequence of spec §5).
func (t *Tracing) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
