package cache

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Store is the tiered cache of spec §4.1: L1 (bounded, in-memory) in front of
// L2 (persistent, on-disk), behind a single interface.
type Store struct {
	l1        *l1
	l2        *l2
	durations Durations
	group     singleflight.Group
	clock     func() time.Time
}

// Config parametrizes a Store.
type Config struct {
	L1MaxEntries int
	Durations    Durations
	Now          func() time.Time // injected clock; defaults to time.Now
}

// NewStore builds a Store over an already-open L2 database handle.
func NewStore(l2db *l2, cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	durations := cfg.Durations
	if durations == nil {
		durations = DefaultDurations()
	}
	return &Store{
		l1:        newL1(cfg.L1MaxEntries),
		l2:        l2db,
		durations: durations,
		clock:     now,
	}
}

// Get implements read-through-with-promotion: L1 first, then L2 on miss,
// promoting into L1 with the L2-remaining TTL. Concurrent gets for the same
// key coalesce into a single L2 lookup (single-flight) rather than
// duplicating disk I/O.
func (s *Store) Get(ctx context.Context, k Key) ([]byte, time.Duration, bool, error) {
	now := s.clock()
	if e, ok := s.l1.get(k, now); ok {
		return e.Value, e.ExpiresAt.Sub(now), true, nil
	}

	type result struct {
		e  entry
		ok bool
	}
	v, err, _ := s.group.Do(k.String(), func() (any, error) {
		e, ok, err := s.l2.get(ctx, k, s.clock())
		if err != nil {
			return nil, err
		}
		if ok {
			s.l1.set(k, e) // promote with L2-remaining TTL
		}
		return result{e: e, ok: ok}, nil
	})
	if err != nil {
		return nil, 0, false, err
	}
	r := v.(result)
	if !r.ok {
		return nil, 0, false, nil
	}
	return r.e.Value, r.e.ExpiresAt.Sub(s.clock()), true, nil
}

// Set writes through to both tiers. Racing writes to the same key are not
// ordered by inserted_at: each tier keeps whichever write it applied last,
// and L2 records inserted_at without comparing it.
func (s *Store) Set(ctx context.Context, namespace string, k Key, value []byte, class TTLClass) error {
	expiresAt := s.clock().Add(s.durations.Of(class))
	e := entry{Value: value, Namespace: namespace, ExpiresAt: expiresAt}
	s.l1.set(k, e)
	return s.l2.set(ctx, k, namespace, e)
}

// Invalidate removes a single key from both tiers.
func (s *Store) Invalidate(ctx context.Context, k Key) error {
	s.l1.remove(k)
	return s.l2.remove(ctx, k)
}

// InvalidateNamespace removes every key written under namespace.
func (s *Store) InvalidateNamespace(ctx context.Context, namespace string) error {
	s.l1.removeNamespace(namespace)
	return s.l2.removeNamespace(ctx, namespace)
}

// Sweep reclaims expired L2 rows. Called by the periodic cache-sweep task
// armed at startup (spec §5).
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	return s.l2.sweep(ctx, s.clock())
}
