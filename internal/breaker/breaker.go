// Package breaker implements the three-state circuit breaker of spec §4.2:
// Closed -> Open(until) -> HalfOpen -> Closed | Open, with exactly one probe
// admitted on the first call at or after the open deadline (P5).
package breaker

import (
	"context"
	"sync"
	"time"

	halerrors "halcyon/internal/errors"
	"halcyon/internal/logging"
)

// State is one of Closed, Open, HalfOpen.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config parametrizes a Breaker per spec §4.2.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	OnStateChange    func(name string, from, to State)
}

// DefaultConfig matches the scenario in spec §8.2 (failure_threshold=3).
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
	}
}

// Breaker is a per-backend-identity, thread-safe circuit breaker. Its state
// is in-memory only: a restart re-enters Closed (spec §4.2).
type Breaker struct {
	name   string
	config Config
	logger logging.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	openUntil       time.Time
	probeInFlight   bool
	lastStateChange time.Time
}

// New creates a named Breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:            name,
		config:          cfg,
		logger:          logging.NewComponentLogger("breaker." + name),
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// ErrOpen is returned (wrapped in halerrors.Error) when the breaker rejects a
// call because it is Open and the open duration has not elapsed.
var ErrOpen = halerrors.New(halerrors.UpstreamUnavailable, "circuit breaker open", nil)

// Allow reports whether a call may proceed, admitting exactly one probe at a
// time once the breaker has been Open for at least OpenDuration.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.probeInFlight {
			return false, ErrOpen
		}
		b.probeInFlight = true
		return true, nil
	case Open:
		now := time.Now()
		if now.Before(b.openUntil) {
			return false, ErrOpen
		}
		b.setState(HalfOpen)
		b.successCount = 0
		b.probeInFlight = true
		b.logger.Info("transitioning to half-open, admitting probe")
		return true, nil
	default:
		return false, nil
	}
}

// Execute runs fn under breaker protection, short-circuiting with ErrOpen
// when the breaker is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteFunc(b, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteFunc is the generic counterpart of Execute for calls that return a value.
func ExecuteFunc[T any](b *Breaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	probe, err := b.Allow()
	if err != nil {
		return zero, err
	}
	result, callErr := fn(ctx)
	b.record(probe, callErr)
	return result, callErr
}

// RecordOutcome feeds the result of a call admitted via Allow back into the
// breaker's bookkeeping. It exists alongside ExecuteFunc for callers whose
// call completes asynchronously relative to the Allow check (the streaming
// inference path, which can't wrap Allow and the call in one synchronous fn).
func (b *Breaker) RecordOutcome(wasProbe bool, err error) {
	b.record(wasProbe, err)
}

func (b *Breaker) record(wasProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if wasProbe {
		b.probeInFlight = false
	}

	failed := err != nil && halerrors.IsRetriableExternal(err)

	switch b.state {
	case Closed:
		if failed {
			b.failureCount++
			if b.failureCount >= b.config.FailureThreshold {
				b.openUntil = time.Now().Add(b.config.OpenDuration)
				b.setState(Open)
				b.logger.Warn("opened after %d consecutive failures", b.failureCount)
			}
		} else if err == nil {
			b.failureCount = 0
		}
	case HalfOpen:
		if failed {
			b.openUntil = time.Now().Add(b.config.OpenDuration)
			b.setState(Open)
			b.successCount = 0
			b.logger.Warn("probe failed, reopening")
		} else if err == nil {
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.setState(Closed)
				b.failureCount = 0
				b.successCount = 0
				b.logger.Info("closed after %d consecutive successes", b.config.SuccessThreshold)
			}
		}
	case Open:
		// A call should not reach here outside of a racing probe; ignore.
	}
}

func (b *Breaker) setState(s State) {
	from := b.state
	b.state = s
	b.lastStateChange = time.Now()
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, s)
	}
}

// State returns the current state (for health/status reporting).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed. Used by admin/status tooling.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(Closed)
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
}

// Manager hands out one Breaker per named backend identity, creating it
// lazily. This is how the inference gateway gets one breaker per model.
type Manager struct {
	mu       sync.RWMutex
	config   Config
	breakers map[string]*Breaker
}

// NewManager creates a Manager that builds breakers with the given config.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns (creating if absent) the Breaker for name.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, m.config)
	m.breakers[name] = b
	return b
}
