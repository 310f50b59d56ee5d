package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry is the value stored in both tiers.
type entry struct {
	Value     []byte
	Namespace string
	ExpiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// l1 is the bounded, in-memory tier. It evicts by approximate LRU (delegated
// to hashicorp/golang-lru) once MaxEntries is exceeded; expiry is checked on
// read so an entry past its TTL is never returned even if not yet evicted
// (P4: ties on expires_at == now count as expired).
type l1 struct {
	mu    sync.RWMutex
	cache *lru.Cache[Key, entry]
}

func newL1(maxEntries int) *l1 {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, _ := lru.New[Key, entry](maxEntries)
	return &l1{cache: c}
}

func (l *l1) get(k Key, now time.Time) (entry, bool) {
	l.mu.RLock()
	e, ok := l.cache.Get(k)
	l.mu.RUnlock()
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		l.mu.Lock()
		l.cache.Remove(k)
		l.mu.Unlock()
		return entry{}, false
	}
	return e, true
}

func (l *l1) set(k Key, e entry) {
	l.mu.Lock()
	l.cache.Add(k, e)
	l.mu.Unlock()
}

func (l *l1) remove(k Key) {
	l.mu.Lock()
	l.cache.Remove(k)
	l.mu.Unlock()
}

// removeNamespace evicts every L1 entry tagged with namespace.
func (l *l1) removeNamespace(namespace string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range l.cache.Keys() {
		if e, ok := l.cache.Peek(k); ok && e.Namespace == namespace {
			l.cache.Remove(k)
		}
	}
}
