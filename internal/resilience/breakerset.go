package resilience

import "sync"

// BreakerSet manages one [CircuitBreaker] per key, creating breakers lazily on
// first use. The MCP coordinator keys breakers by connection ID so that a
// misbehaving server connection trips only its own breaker.
//
// All breakers in a set share the same configuration except for Name, which is
// set to the key.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates an empty BreakerSet. Every breaker obtained from it is
// configured with cfg (zero-value fields defaulted as in [NewCircuitBreaker]).
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it in the closed state if it does
// not exist yet.
func (bs *BreakerSet) Get(key string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	cb, ok := bs.breakers[key]
	if !ok {
		cfg := bs.cfg
		cfg.Name = key
		cb = NewCircuitBreaker(cfg)
		bs.breakers[key] = cb
	}
	return cb
}

// Reset resets the breaker for key if it exists, reporting whether it did.
func (bs *BreakerSet) Reset(key string) bool {
	bs.mu.Lock()
	cb, ok := bs.breakers[key]
	bs.mu.Unlock()

	if ok {
		cb.Reset()
	}
	return ok
}

// Remove drops the breaker for key, if any. Used when a server connection is
// torn down so stale breakers do not accumulate.
func (bs *BreakerSet) Remove(key string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	delete(bs.breakers, key)
}

// Snapshots returns a point-in-time view of every breaker in the set, keyed the
// same way as the breakers themselves.
func (bs *BreakerSet) Snapshots() map[string]Snapshot {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	out := make(map[string]Snapshot, len(bs.breakers))
	for key, cb := range bs.breakers {
		out[key] = cb.Snapshot()
	}
	return out
}
