package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key is the 32-byte content hash over (namespace, ordered key parts) that
// serves as the sole identity in both cache tiers (spec §3 CacheKey).
type Key [32]byte

// NewKey hashes namespace and the ordered parts with SHA-256. Collision
// resistance comes from the hash, not from any structural uniqueness of the
// inputs, so callers may pass already-normalized strings freely.
func NewKey(namespace string, parts ...string) Key {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// String renders the key as hex, used as the primary key in the L2 store.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// HasPrefix reports whether k's hex encoding starts with prefix. Namespace
// invalidation does not use it: InvalidateNamespace compares the namespace
// string stored alongside each entry (entry.Namespace in L1, the namespace
// column in L2), since keys of different namespaces can share a hex prefix.
func (k Key) HasPrefix(prefix string) bool {
	s := k.String()
	return len(prefix) <= len(s) && s[:len(prefix)] == prefix
}
