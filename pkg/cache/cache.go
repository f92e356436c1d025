// Package cache implements the PolyVox cache substrate: an LRU map with
// per-entry TTL, an optional disk snapshot tier, and an optional remote
// tier with in-memory outage fallback.
//
// The cache is the bottom layer of the stack — the memory store, the MCP
// coordinator, and the synthesis engine all keep hot state in one. Expected
// conditions (miss, expiry, eviction, remote outage) never surface as
// errors; only the value codec can fail, and those failures are logged and
// counted.
//
// Usage:
//
//	c := cache.New[string](cache.Config{MaxSize: 500, DefaultTTL: 5 * time.Minute})
//	defer c.Destroy()
//
//	c.Set(ctx, "greeting", "hello", 0)
//	if v, ok := c.Get(ctx, "greeting"); ok {
//		use(v)
//	}
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/events"
)

// EventType names a cache event on the event stream.
type EventType string

// Cache event types.
const (
	EventHit  EventType = "cache-hit"
	EventMiss EventType = "cache-miss"
)

// Event is published on every read with the outcome for the key.
type Event struct {
	Type EventType
	Key  string
}

// Config controls a cache instance. The zero value is usable: defaults are
// applied by [New].
type Config struct {
	// MaxSize is the entry capacity. Inserting into a full cache evicts
	// the least-recently-used entry first. Default 1000.
	MaxSize int

	// DefaultTTL applies to Set calls with a non-positive ttl. Default 5m.
	DefaultTTL time.Duration

	// SweepInterval is the expired-entry sweeper period. When zero it is
	// derived as min(DefaultTTL/4, 60s).
	SweepInterval time.Duration

	// PersistDir enables the disk snapshot tier when non-empty.
	PersistDir string

	// PersistInterval is the snapshot period. Default 5m when persistence
	// is enabled.
	PersistInterval time.Duration

	// Remote is the optional shared second-level tier.
	Remote RemoteTier

	// Codec transforms serialized values for the disk and remote tiers.
	// Nil passes values through.
	Codec *Codec

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 1000
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.DefaultTTL / 4
		if c.SweepInterval > time.Minute {
			c.SweepInterval = time.Minute
		}
	}
	if c.PersistDir != "" && c.PersistInterval <= 0 {
		c.PersistInterval = 5 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	Size           int     `json:"size"`
	HitRate        float64 `json:"hitRate"`
	MemoryEstimate int64   `json:"memoryEstimate"`
	SaveErrors     uint64  `json:"saveErrors"`
	LoadErrors     uint64  `json:"loadErrors"`
}

type entry[T any] struct {
	key          string
	value        T
	expiresAt    time.Time
	accessCount  uint64
	lastAccessed time.Time
	tags         []string
	approxBytes  int64
}

// Cache is a typed LRU+TTL map. All methods are safe for concurrent use.
// Construct with [New] and release with [Cache.Destroy].
type Cache[T any] struct {
	cfg    Config
	log    *slog.Logger
	stream *events.Stream[Event]

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used

	hits       uint64
	misses     uint64
	evictions  uint64
	saveErrors uint64
	loadErrors uint64
	memBytes   int64

	fallback *MemoryTier // absorbs remote-tier traffic during outages

	stop        chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// New builds a cache, loads any persisted snapshot, and starts the
// background sweeper (and snapshot timer when persistence is configured).
func New[T any](cfg Config) *Cache[T] {
	cfg.applyDefaults()
	c := &Cache[T]{
		cfg:    cfg,
		log:    cfg.Logger,
		stream: events.NewStream[Event](events.DefaultBuffer),
		items:  make(map[string]*list.Element),
		order:  list.New(),
		stop:   make(chan struct{}),
	}
	if cfg.Remote != nil {
		c.fallback = NewMemoryTier()
	}
	if cfg.PersistDir != "" {
		if err := c.loadSnapshot(); err != nil {
			c.mu.Lock()
			c.loadErrors++
			c.mu.Unlock()
			c.log.Warn("cache: snapshot load failed, starting empty", "dir", cfg.PersistDir, "error", err)
		}
	}

	c.wg.Add(1)
	go c.sweepLoop()
	if cfg.PersistDir != "" {
		c.wg.Add(1)
		go c.snapshotLoop()
	}
	return c
}

// Events returns the cache-hit/cache-miss stream.
func (c *Cache[T]) Events() *events.Stream[Event] { return c.stream }

// Get returns the live value for key. Expired entries are removed and
// treated as misses. On a local miss the remote tier, if configured, is
// consulted and hits are promoted into memory.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		if time.Now().After(e.expiresAt) {
			c.removeLocked(el)
		} else {
			e.accessCount++
			e.lastAccessed = time.Now()
			c.order.MoveToFront(el)
			c.hits++
			v := e.value
			c.mu.Unlock()
			c.stream.Publish(Event{Type: EventHit, Key: key})
			return v, true
		}
	}
	c.mu.Unlock()

	if c.cfg.Remote != nil {
		if v, ok := c.remoteGet(ctx, key); ok {
			c.mu.Lock()
			c.hits++
			c.mu.Unlock()
			c.stream.Publish(Event{Type: EventHit, Key: key})
			return v, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	c.stream.Publish(Event{Type: EventMiss, Key: key})
	return zero, false
}

// Set stores value under key. A non-positive ttl uses the default TTL.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) {
	c.SetTagged(ctx, key, value, ttl, nil)
}

// SetTagged stores value with invalidation tags. When the cache is full the
// least-recently-used entry is evicted before the insert, so the size bound
// holds at every instant after Set returns.
func (c *Cache[T]) SetTagged(ctx context.Context, key string, value T, ttl time.Duration, tags []string) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := time.Now()
	e := c.upsert(key, value, now.Add(ttl), now, tags)

	if c.cfg.Remote != nil {
		c.writeThrough(ctx, key, e, ttl)
	}
}

// upsert inserts or overwrites the local entry and returns a copy of it.
func (c *Cache[T]) upsert(key string, value T, expiresAt, now time.Time, tags []string) entry[T] {
	approx := approxSize(key, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[T])
		c.memBytes += approx - e.approxBytes
		e.value = value
		e.expiresAt = expiresAt
		e.lastAccessed = now
		e.tags = tags
		e.approxBytes = approx
		c.order.MoveToFront(el)
		return *e
	}

	for len(c.items) >= c.cfg.MaxSize {
		c.evictLRULocked()
	}
	e := &entry[T]{
		key:          key,
		value:        value,
		expiresAt:    expiresAt,
		lastAccessed: now,
		tags:         tags,
		approxBytes:  approx,
	}
	c.items[key] = c.order.PushFront(e)
	c.memBytes += approx
	return *e
}

// Delete removes key locally and from the remote tier (best effort).
// It reports whether a live local entry was removed.
func (c *Cache[T]) Delete(ctx context.Context, key string) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if ok {
		if time.Now().After(el.Value.(*entry[T]).expiresAt) {
			ok = false
		}
		c.removeLocked(el)
	}
	c.mu.Unlock()

	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Delete(ctx, key); err != nil {
			c.log.Debug("cache: remote delete failed", "key", key, "error", err)
			_ = c.fallback.Delete(ctx, key)
		}
	}
	return ok
}

// Has reports whether key holds a live entry. It does not refresh recency
// and does not consult the remote tier. Expired entries are removed.
func (c *Cache[T]) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false
	}
	if time.Now().After(el.Value.(*entry[T]).expiresAt) {
		c.removeLocked(el)
		return false
	}
	return true
}

// Clear removes all entries locally and from the remote tier (best effort).
func (c *Cache[T]) Clear(ctx context.Context) {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.memBytes = 0
	c.mu.Unlock()

	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Clear(ctx); err != nil {
			c.log.Debug("cache: remote clear failed", "error", err)
			_ = c.fallback.Clear(ctx)
		}
	}
}

// InvalidateByTag removes every entry carrying tag and returns the count.
func (c *Cache[T]) InvalidateByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[T])
		for _, t := range e.tags {
			if t == tag {
				c.removeLocked(el)
				removed++
				break
			}
		}
		el = next
	}
	return removed
}

// InvalidateOlderThan removes entries whose last access is older than age
// and returns the count.
func (c *Cache[T]) InvalidateOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry[T]).lastAccessed.Before(cutoff) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

// Resize changes the capacity, evicting least-recently-used entries when
// shrinking below the current size.
func (c *Cache[T]) Resize(maxSize int) {
	if maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.MaxSize = maxSize
	for len(c.items) > maxSize {
		c.evictLRULocked()
	}
}

// Len reports the current entry count.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Size:           len(c.items),
		MemoryEstimate: c.memBytes,
		SaveErrors:     c.saveErrors,
		LoadErrors:     c.loadErrors,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Destroy stops the background goroutines, flushes a final snapshot when
// persistence is configured, and closes the event stream. Destroy is
// idempotent.
func (c *Cache[T]) Destroy() {
	c.destroyOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if c.cfg.PersistDir != "" {
			if err := c.saveSnapshot(); err != nil {
				c.mu.Lock()
				c.saveErrors++
				c.mu.Unlock()
				c.log.Warn("cache: final snapshot failed", "dir", c.cfg.PersistDir, "error", err)
			}
		}
		c.stream.Close()
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

// removeLocked unlinks el from both the map and the recency list.
func (c *Cache[T]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[T])
	delete(c.items, e.key)
	c.order.Remove(el)
	c.memBytes -= e.approxBytes
}

func (c *Cache[T]) evictLRULocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back)
	c.evictions++
}

func (c *Cache[T]) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep eagerly removes expired entries.
func (c *Cache[T]) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*entry[T]).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *Cache[T]) snapshotLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if err := c.saveSnapshot(); err != nil {
				c.mu.Lock()
				c.saveErrors++
				c.mu.Unlock()
				c.log.Warn("cache: snapshot failed", "dir", c.cfg.PersistDir, "error", err)
			}
		}
	}
}

// remoteGet consults the remote tier (or its outage fallback) and promotes
// hits into local memory with their remaining TTL.
func (c *Cache[T]) remoteGet(ctx context.Context, key string) (T, bool) {
	var zero T

	raw, err := c.cfg.Remote.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		c.log.Debug("cache: remote get failed, consulting fallback", "key", key, "error", err)
		raw, err = c.fallback.Get(ctx, key)
	}
	if err != nil {
		return zero, false
	}

	we, value, err := decodeWire[T](c.cfg.Codec, raw)
	if err != nil {
		c.log.Warn("cache: remote value undecodable", "key", key, "error", err)
		return zero, false
	}
	ttl := time.Until(we.ExpiresAt)
	if ttl <= 0 {
		return zero, false
	}

	c.upsert(key, value, we.ExpiresAt, time.Now(), we.Tags)
	return value, true
}

// writeThrough mirrors a local write to the remote tier, falling back to
// the in-memory tier on outage. Failures are logged, never returned.
func (c *Cache[T]) writeThrough(ctx context.Context, key string, e entry[T], ttl time.Duration) {
	raw, err := encodeWire(c.cfg.Codec, e)
	if err != nil {
		c.log.Warn("cache: value encode failed, remote skipped", "key", key, "error", err)
		return
	}
	if err := c.cfg.Remote.Set(ctx, key, raw, ttl); err != nil {
		c.log.Debug("cache: remote set failed, using fallback", "key", key, "error", err)
		_ = c.fallback.Set(ctx, key, raw, ttl)
	}
}

// approxSize estimates an entry's memory footprint from its JSON form.
func approxSize[T any](key string, value T) int64 {
	b, err := json.Marshal(value)
	if err != nil {
		return int64(len(key))
	}
	return int64(len(key) + len(b))
}
