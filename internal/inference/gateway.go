// Package inference implements the inference gateway of spec §4.3 (C3):
// degraded mode, cache, and circuit breaker layered in front of a raw
// backend port, plus prompt assembly from conversation history and
// retrieved memories under a token budget.
package inference

import (
	"context"
	"encoding/json"
	"fmt"

	"halcyon/internal/breaker"
	"halcyon/internal/cache"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/logging"
	"halcyon/internal/ports"
)

// DegradedConfig parametrizes the degraded layer (spec §4.3, §6 degraded_mode
// config group).
type DegradedConfig struct {
	Enabled    bool
	CannedText string
}

// EventSink observes gateway-level events for the observability layer.
// DegradedServed fires exactly once per call served from the degraded layer.
type EventSink interface {
	DegradedServed(model string)
}

type nopEventSink struct{}

func (nopEventSink) DegradedServed(string) {}

// Gateway composes degraded -> cache -> breaker -> backend (spec §4.3).
type Gateway struct {
	backend  ports.Inference
	cache    *cache.Store
	breakers *breaker.Manager
	degraded DegradedConfig
	events   EventSink
	logger   logging.Logger
}

// Config groups the Gateway's dependencies and tunables.
type Config struct {
	Backend   ports.Inference
	Cache     *cache.Store
	Breakers  *breaker.Manager
	Degraded  DegradedConfig
	Events    EventSink
}

// New builds a Gateway.
func New(cfg Config) *Gateway {
	events := cfg.Events
	if events == nil {
		events = nopEventSink{}
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = breaker.NewManager(breaker.DefaultConfig())
	}
	return &Gateway{
		backend:  cfg.Backend,
		cache:    cfg.Cache,
		breakers: breakers,
		degraded: cfg.Degraded,
		events:   events,
		logger:   logging.NewComponentLogger("inference.gateway"),
	}
}

// Generate runs the full layering for a synchronous completion. ttlClass
// selects the cache lifetime for a cache-populating call (spec §4.3:
// LlmStable for deterministic system prompts, LlmDynamic otherwise).
func (g *Gateway) Generate(ctx context.Context, prompt string, opts ports.CompletionOptions, ttlClass cache.TTLClass) (ports.Completion, error) {
	completion, err := g.cacheLayer(ctx, prompt, opts, ttlClass)
	if err == nil {
		return completion, nil
	}
	if !g.shouldDegrade(err) {
		return ports.Completion{}, err
	}
	return g.degradedCompletion(opts), nil
}

// cacheLayer implements the cache tier of spec §4.3: read-through on the
// content-hash key, write-through of successful backend results only.
func (g *Gateway) cacheLayer(ctx context.Context, prompt string, opts ports.CompletionOptions, ttlClass cache.TTLClass) (ports.Completion, error) {
	if g.cache == nil {
		return g.breakerLayer(ctx, prompt, opts)
	}

	key := cacheKeyFor(prompt, opts)
	if raw, _, ok, err := g.cache.Get(ctx, key); err == nil && ok {
		var cached ports.Completion
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	completion, err := g.breakerLayer(ctx, prompt, opts)
	if err != nil {
		return ports.Completion{}, err
	}

	if raw, err := json.Marshal(completion); err == nil {
		if err := g.cache.Set(ctx, cacheNamespace, key, raw, ttlClass); err != nil {
			g.logger.Warn("cache write-through failed: %v", err)
		}
	}
	return completion, nil
}

// breakerLayer wraps the raw backend call with per-model circuit breaking.
func (g *Gateway) breakerLayer(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
	b := g.breakers.Get(opts.Model)
	return breaker.ExecuteFunc(b, ctx, func(ctx context.Context) (ports.Completion, error) {
		return g.backend.Generate(ctx, prompt, opts)
	})
}

// GenerateStream runs the streaming path, which bypasses the cache entirely
// (spec §4.3) but still observes the breaker and degraded layers.
func (g *Gateway) GenerateStream(ctx context.Context, prompt string, opts ports.CompletionOptions) (<-chan ports.Delta, error) {
	b := g.breakers.Get(opts.Model)
	probe, err := b.Allow()
	if err != nil {
		if g.shouldDegrade(err) {
			return g.degradedStream(opts), nil
		}
		return nil, err
	}

	upstream, err := g.backend.GenerateStream(ctx, prompt, opts)
	if err != nil {
		g.recordStreamOutcome(b, probe, err)
		if g.shouldDegrade(err) {
			return g.degradedStream(opts), nil
		}
		return nil, err
	}

	out := make(chan ports.Delta, 16)
	go g.pumpStream(ctx, b, probe, upstream, out)
	return out, nil
}

// pumpStream relays upstream deltas to out, cancelling upstream consumption
// promptly (bounded by one in-flight chunk) when ctx is done, and records the
// breaker outcome once the terminal chunk or an error is observed.
func (g *Gateway) pumpStream(ctx context.Context, b *breaker.Breaker, probe bool, upstream <-chan ports.Delta, out chan<- ports.Delta) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			g.recordStreamOutcome(b, probe, ctx.Err())
			return
		case delta, ok := <-upstream:
			if !ok {
				g.recordStreamOutcome(b, probe, nil)
				return
			}
			select {
			case out <- delta:
			case <-ctx.Done():
				g.recordStreamOutcome(b, probe, ctx.Err())
				return
			}
			if delta.Done {
				g.recordStreamOutcome(b, probe, nil)
				return
			}
		}
	}
}

// recordStreamOutcome feeds the breaker's bookkeeping once the stream's
// outcome is known, since the streaming path can't use ExecuteFunc directly
// (the call succeeds or fails well after Allow returns).
func (g *Gateway) recordStreamOutcome(b *breaker.Breaker, probe bool, err error) {
	b.RecordOutcome(probe, err)
}

// degradedStream emits the canned text as a single delta followed by the
// terminal end-marker (spec §4.3).
func (g *Gateway) degradedStream(opts ports.CompletionOptions) <-chan ports.Delta {
	g.events.DegradedServed(opts.Model)
	out := make(chan ports.Delta, 2)
	out <- ports.Delta{Text: g.degraded.CannedText}
	usage := ports.Usage{}
	out <- ports.Delta{Done: true, Usage: &usage}
	close(out)
	return out
}

func (g *Gateway) degradedCompletion(opts ports.CompletionOptions) ports.Completion {
	g.events.DegradedServed(opts.Model)
	return ports.Completion{Text: g.degraded.CannedText, Model: opts.Model, Degraded: true}
}

// shouldDegrade reports whether err is the kind of failure the degraded
// layer absorbs: a non-retryable error or an open breaker, with degraded mode
// enabled.
func (g *Gateway) shouldDegrade(err error) bool {
	if !g.degraded.Enabled || err == nil {
		return false
	}
	if err == breaker.ErrOpen {
		return true
	}
	return !halerrors.IsRetriableExternal(err)
}

// Health reports backend reachability folded with the breaker's own view,
// since an open breaker means the gateway itself would refuse new calls even
// if the backend happens to be reachable again (spec §4.3, §6 /ready/all).
func (g *Gateway) Health(ctx context.Context, model string) (ports.Health, error) {
	health, err := g.backend.Health(ctx)
	if err != nil {
		return ports.Health{}, err
	}
	if b := g.breakers.Get(model); b.State() == breaker.Open {
		return ports.Health{Healthy: false, Reason: fmt.Sprintf("circuit breaker open for model %q", model)}, nil
	}
	return health, nil
}
