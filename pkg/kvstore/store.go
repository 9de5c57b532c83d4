// Package kvstore provides the small shared-state primitives the
// control plane needs injected rather than ambient: atomic named
// counters and a TTL put/pull cache. The counter backing must be atomic
// at the storage layer, never read-modify-write in application code.
package kvstore

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// CounterStore issues atomic increments on named counters. A counter
// that does not exist yet starts at zero, so the first increment
// returns 1.
type CounterStore interface {
	Increment(name string) (int64, error)
}

// Cache stores short-lived values. Pull is get-and-delete, matching
// single-use handshake material like pending 2FA secrets.
type Cache interface {
	PutTTL(key, value string, ttl time.Duration)
	Pull(key string) (string, bool)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is the in-process implementation of both interfaces,
// sharded for concurrent access.
type MemoryStore struct {
	counters cmap.ConcurrentMap[string, int64]
	cache    cmap.ConcurrentMap[string, cacheEntry]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: cmap.New[int64](),
		cache:    cmap.New[cacheEntry](),
	}
}

// Increment atomically bumps a named counter. Upsert runs under the
// shard lock, so concurrent callers always observe distinct values.
func (s *MemoryStore) Increment(name string) (int64, error) {
	next := s.counters.Upsert(name, 0, func(exists bool, current, _ int64) int64 {
		return current + 1
	})
	return next, nil
}

func (s *MemoryStore) PutTTL(key, value string, ttl time.Duration) {
	s.cache.Set(key, cacheEntry{value: value, expiresAt: time.Now().Add(ttl)})
}

func (s *MemoryStore) Pull(key string) (string, bool) {
	entry, ok := s.cache.Get(key)
	if !ok {
		return "", false
	}
	s.cache.Remove(key)
	if time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}
