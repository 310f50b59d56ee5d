package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig tunes the per-remote-address token bucket (spec §4.9).
type RateLimiterConfig struct {
	RequestsPerMinute float64
	Burst             int
	IdleTTL           time.Duration // buckets unused for this long are swept
}

// DefaultRateLimiterConfig matches spec §6's admission defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{RequestsPerMinute: 60, Burst: 10, IdleTTL: 10 * time.Minute}
}

type bucket struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
}

// RateLimiter holds one token bucket per remote address, with periodic
// cleanup of idle buckets to bound memory (spec §4.9).
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimiterConfig
}

// NewRateLimiter builds a RateLimiter. Call Sweep periodically (e.g. from a
// cron tick) to evict idle buckets.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg = DefaultRateLimiterConfig()
	}
	return &RateLimiter{buckets: make(map[string]*bucket), cfg: cfg}
}

// Allow reports whether a request from remoteAddr may proceed, consuming a
// token if so. On exhaustion it returns false and a retry-after duration;
// the caller must not do further work for the request (spec §4.9: "do not
// consume further server resources").
func (r *RateLimiter) Allow(remoteAddr string, now time.Time) (allowed bool, retryAfter time.Duration) {
	r.mu.Lock()
	b, ok := r.buckets[remoteAddr]
	if !ok {
		limit := rate.Limit(r.cfg.RequestsPerMinute / 60.0)
		b = &bucket{limiter: rate.NewLimiter(limit, r.cfg.Burst)}
		r.buckets[remoteAddr] = b
	}
	b.lastSeen = now
	limiter := b.limiter
	r.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, 0
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// Sweep removes buckets idle for longer than cfg.IdleTTL.
func (r *RateLimiter) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for addr, b := range r.buckets {
		if now.Sub(b.lastSeen) > r.cfg.IdleTTL {
			delete(r.buckets, addr)
			removed++
		}
	}
	return removed
}
