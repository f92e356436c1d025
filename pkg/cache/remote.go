package cache

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"
)

// ErrNotFound is returned by a [RemoteTier] when the key does not exist.
// Every other error from a tier is treated as an outage and handled by the
// cache's fallback logic, never surfaced to callers.
var ErrNotFound = errors.New("cache: key not found")

// RemoteTier is a shared second-level cache consulted on local misses.
// Implementations operate on opaque string values (the cache encodes
// entries before handing them over). All methods must be safe for
// concurrent use.
//
// The canonical implementation is [github.com/polyvox/polyvox/pkg/cache/redis.Tier];
// [MemoryTier] is the in-process default used in tests and as the outage
// fallback.
type RemoteTier interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key with the given time-to-live.
	// A non-positive ttl stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all keys owned by this tier.
	Clear(ctx context.Context) error

	// Keys returns the keys matching a glob-style pattern ("*" for all).
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// MemoryTier is a RemoteTier backed by a process-local map. It never fails,
// which makes it the default collaborator in tests and the fallback target
// when a real remote tier is unreachable.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]memoryTierEntry
}

type memoryTierEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

var _ RemoteTier = (*MemoryTier)(nil)

// NewMemoryTier returns an empty in-process tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]memoryTierEntry)}
}

// Get implements [RemoteTier].
func (m *MemoryTier) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set implements [RemoteTier].
func (m *MemoryTier) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = memoryTierEntry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

// Delete implements [RemoteTier].
func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Clear implements [RemoteTier].
func (m *MemoryTier) Clear(context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]memoryTierEntry)
	m.mu.Unlock()
	return nil
}

// Keys implements [RemoteTier]. The pattern uses path.Match syntax, which
// covers the "*" and "prefix:*" forms callers actually use.
func (m *MemoryTier) Keys(_ context.Context, pattern string) ([]string, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
