package inference

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/breaker"
	"halcyon/internal/cache"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/ports"
)

// fakeBackend is a scriptable ports.Inference for gateway tests.
type fakeBackend struct {
	calls     int32
	generate  func(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error)
}

func (f *fakeBackend) Generate(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.generate(ctx, prompt, opts)
}

func (f *fakeBackend) GenerateStream(ctx context.Context, prompt string, opts ports.CompletionOptions) (<-chan ports.Delta, error) {
	return nil, nil
}

func (f *fakeBackend) Health(ctx context.Context) (ports.Health, error) {
	return ports.Health{Healthy: true}, nil
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	l2db, err := cache.OpenL2(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l2db.Close() })
	return cache.NewStore(l2db, cache.Config{L1MaxEntries: 64, Durations: cache.DefaultDurations()})
}

func TestGenerateCacheHitBypassesBackend(t *testing.T) {
	backend := &fakeBackend{generate: func(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
		return ports.Completion{Text: "hello from backend", Model: opts.Model}, nil
	}}
	gw := New(Config{Backend: backend, Cache: newTestCache(t)})
	ctx := context.Background()
	opts := ports.CompletionOptions{Model: "local-7b"}

	first, err := gw.Generate(ctx, "what is the weather", opts, cache.LlmDynamic)
	require.NoError(t, err)
	assert.Equal(t, "hello from backend", first.Text)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.calls))

	second, err := gw.Generate(ctx, "what is the weather", opts, cache.LlmDynamic)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.calls), "second call must be served from cache, not the backend")
}

func TestGenerateDifferentRequestIDsStillShareCacheKey(t *testing.T) {
	backend := &fakeBackend{generate: func(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
		return ports.Completion{Text: "answer", Model: opts.Model}, nil
	}}
	gw := New(Config{Backend: backend, Cache: newTestCache(t)})
	ctx := context.Background()

	_, err := gw.Generate(ctx, "prompt", ports.CompletionOptions{Model: "m", RequestID: "req-1"}, cache.LlmStable)
	require.NoError(t, err)
	_, err = gw.Generate(ctx, "prompt", ports.CompletionOptions{Model: "m", RequestID: "req-2"}, cache.LlmStable)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&backend.calls), "RequestID is cache:\"ignore\" and must not fragment the key")
}

func upstreamUnavailable() error {
	return halerrors.New(halerrors.UpstreamUnavailable, "backend unreachable", nil)
}

func TestBreakerOpensAfterThresholdAndDegradedServesCannedCompletion(t *testing.T) {
	backend := &fakeBackend{generate: func(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
		return ports.Completion{}, upstreamUnavailable()
	}}
	breakers := breaker.NewManager(breaker.Config{FailureThreshold: 3, SuccessThreshold: 2, OpenDuration: time.Minute})
	gw := New(Config{
		Backend:  backend,
		Breakers: breakers,
		Degraded: DegradedConfig{Enabled: true, CannedText: "I can't reach the model right now."},
	})
	ctx := context.Background()
	opts := ports.CompletionOptions{Model: "flaky-model"}

	// First FailureThreshold calls go to the backend and fail normally: the
	// raw upstream error is retriable-external, so it propagates rather than
	// being absorbed by the degraded layer.
	for i := 0; i < 3; i++ {
		_, err := gw.Generate(ctx, "prompt", opts, cache.LlmDynamic)
		require.Error(t, err)
	}
	assert.EqualValues(t, 3, atomic.LoadInt32(&backend.calls))
	assert.Equal(t, breaker.Open, breakers.Get("flaky-model").State())

	// Breaker is now open with a long OpenDuration, so this call never
	// reaches the backend: Allow() returns ErrOpen immediately and the
	// degraded layer must serve a canned completion.
	completion, err := gw.Generate(ctx, "prompt", opts, cache.LlmDynamic)
	require.NoError(t, err)
	assert.True(t, completion.Degraded)
	assert.Equal(t, "I can't reach the model right now.", completion.Text)
	assert.EqualValues(t, 3, atomic.LoadInt32(&backend.calls), "degraded call must not reach the backend while open")
}

func TestDegradedDisabledPropagatesBreakerOpenError(t *testing.T) {
	backend := &fakeBackend{generate: func(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
		return ports.Completion{}, upstreamUnavailable()
	}}
	breakers := breaker.NewManager(breaker.Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: time.Minute})
	b := breakers.Get("m")
	_, _ = b.Allow()
	b.RecordOutcome(false, upstreamUnavailable())
	require.Equal(t, breaker.Open, b.State())

	gw := New(Config{Backend: backend, Breakers: breakers})
	ctx := context.Background()

	_, err := gw.Generate(ctx, "prompt", ports.CompletionOptions{Model: "m"}, cache.LlmDynamic)
	require.Error(t, err, "degraded mode disabled: breaker-open error must propagate")
}

func TestEventSinkObservesDegradedServed(t *testing.T) {
	backend := &fakeBackend{generate: func(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
		return ports.Completion{}, upstreamUnavailable()
	}}
	breakers := breaker.NewManager(breaker.Config{FailureThreshold: 1, SuccessThreshold: 2, OpenDuration: time.Minute})
	sink := &countingSink{}
	gw := New(Config{
		Backend:  backend,
		Breakers: breakers,
		Degraded: DegradedConfig{Enabled: true, CannedText: "offline"},
		Events:   sink,
	})
	ctx := context.Background()
	opts := ports.CompletionOptions{Model: "m"}

	_, err := gw.Generate(ctx, "p", opts, cache.LlmDynamic) // opens the breaker
	require.Error(t, err)
	_, err = gw.Generate(ctx, "p", opts, cache.LlmDynamic) // served degraded
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&sink.count))
}

type countingSink struct{ count int32 }

func (c *countingSink) DegradedServed(model string) { atomic.AddInt32(&c.count, 1) }
