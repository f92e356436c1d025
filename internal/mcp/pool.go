package mcp

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// PoolStrategy selects how a [Pool] picks the connection for a request.
type PoolStrategy string

const (
	// PoolWeightedByResponseTime favours the connection with the lowest
	// average response time. Chosen for voices that weight reliability.
	PoolWeightedByResponseTime PoolStrategy = "weighted-by-response-time"

	// PoolCapabilityAware favours the connection whose server scores best
	// for the pool's capability. Chosen for voices that weight performance.
	PoolCapabilityAware PoolStrategy = "capability-aware"

	// PoolHybrid blends connection health with server performance.
	PoolHybrid PoolStrategy = "hybrid"
)

const (
	// poolMinConnections is the floor every pool is created with.
	poolMinConnections = 1

	// poolMaxConnections caps connections per pool regardless of candidates.
	poolMaxConnections = 5

	// initialHealthScore is a new connection's starting health.
	initialHealthScore = 100

	// healthCredit is added to a connection's health on success.
	healthCredit = 2

	// healthPenalty is subtracted from a connection's health on failure.
	healthPenalty = 15
)

// Connection is one pooled link to a server. Pools own their connections;
// everything else holds mere references.
type Connection struct {
	// ID identifies the connection; circuit breakers are keyed by it.
	ID string

	// ServerID and ServerName identify the server behind the connection.
	ServerID   string
	ServerName string

	endpoint Endpoint

	mu       sync.Mutex
	health   float64
	calls    int64
	failures int64
	totalRTT time.Duration
	lastUsed time.Time
}

// HealthScore returns the connection's current health (0–100).
func (c *Connection) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Endpoint returns the server endpoint behind the connection.
func (c *Connection) Endpoint() Endpoint { return c.endpoint }

// avgRTT returns the mean response time across recorded completions, 0 when
// the connection is untried.
func (c *Connection) avgRTT() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == 0 {
		return 0
	}
	return c.totalRTT / time.Duration(c.calls)
}

// record applies one completion to the connection's health accounting.
func (c *Connection) record(success bool, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.totalRTT += rtt
	if success {
		c.health += healthCredit
		if c.health > 100 {
			c.health = 100
		}
		return
	}
	c.failures++
	c.health -= healthPenalty
	if c.health < 0 {
		c.health = 0
	}
}

// ConnectionSnapshot is a point-in-time view of one connection, exposed for
// analytics.
type ConnectionSnapshot struct {
	ID              string
	ServerID        string
	HealthScore     float64
	Calls           int64
	Failures        int64
	AvgResponseTime time.Duration
}

// affinityEntry pins an affinity key to a connection until it expires.
type affinityEntry struct {
	connID  string
	expires time.Time
}

// Pool serves one (voice, capability) tuple with a bounded set of
// connections and a selection strategy. Completion records and selections
// share one mutex, so a recorded outcome is visible to every later Get.
type Pool struct {
	// ID identifies the pool in logs: "<voice>/<capability>".
	ID string

	// VoiceID and Capability are the tuple the pool serves.
	VoiceID    string
	Capability string

	strategy PoolStrategy
	minConns int
	maxConns int

	affinityTTL time.Duration // zero disables affinity
	perf        func(serverID string) float64

	mu       sync.Mutex
	conns    []*Connection
	affinity map[string]affinityEntry
	now      func() time.Time
}

// newPool builds a pool over the candidate servers, one connection per
// candidate up to the pool cap. Candidates arrive best-scored first, so the
// cap keeps the healthiest servers. endpoints resolves a server ID to its
// endpoint; perf reports a server's performance score for strategy use.
func newPool(voiceID, capability string, strategy PoolStrategy,
	candidates []ServerInfo,
	endpoints func(id string) (Endpoint, bool),
	perf func(id string) float64,
	affinityTTL time.Duration,
) *Pool {
	p := &Pool{
		ID:          voiceID + "/" + capability,
		VoiceID:     voiceID,
		Capability:  capability,
		strategy:    strategy,
		minConns:    poolMinConnections,
		maxConns:    min(poolMaxConnections, len(candidates)),
		affinityTTL: affinityTTL,
		perf:        perf,
		affinity:    make(map[string]affinityEntry),
		now:         time.Now,
	}
	for _, cand := range candidates {
		if len(p.conns) == p.maxConns {
			break
		}
		ep, ok := endpoints(cand.ID)
		if !ok {
			continue
		}
		p.conns = append(p.conns, &Connection{
			ID:         p.ID + "/" + cand.ID,
			ServerID:   cand.ID,
			ServerName: cand.Name,
			endpoint:   ep,
			health:     initialHealthScore,
		})
	}
	return p
}

// Get selects a connection for the request. A non-empty affinityKey pins
// requests that share it to one connection for the pool's affinity TTL.
// Servers in exclude are never returned; when everything is excluded Get
// fails with [ErrNoSuitableServer].
func (p *Pool) Get(affinityKey string, exclude []string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		if !slices.Contains(exclude, c.ServerID) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("mcp: pool %s has no eligible connection: %w", p.ID, ErrNoSuitableServer)
	}

	if p.affinityTTL > 0 && affinityKey != "" {
		if entry, ok := p.affinity[affinityKey]; ok && p.now().Before(entry.expires) {
			for _, c := range eligible {
				if c.ID == entry.connID {
					c.touch(p.now())
					return c, nil
				}
			}
		}
	}

	var chosen *Connection
	switch p.strategy {
	case PoolWeightedByResponseTime:
		chosen = pickByResponseTime(eligible)
	case PoolCapabilityAware:
		chosen = pickByCapabilityScore(eligible, p.perf)
	default:
		chosen = pickHybrid(eligible, p.perf)
	}

	if p.affinityTTL > 0 && affinityKey != "" {
		p.affinity[affinityKey] = affinityEntry{
			connID:  chosen.ID,
			expires: p.now().Add(p.affinityTTL),
		}
	}
	chosen.touch(p.now())
	return chosen, nil
}

func (c *Connection) touch(t time.Time) {
	c.mu.Lock()
	c.lastUsed = t
	c.mu.Unlock()
}

// pickByResponseTime returns the connection with the lowest average response
// time. Untried connections average zero and therefore go first, spreading
// early load. Health breaks ties.
func pickByResponseTime(conns []*Connection) *Connection {
	best := conns[0]
	bestRTT, bestHealth := best.avgRTT(), best.HealthScore()
	for _, c := range conns[1:] {
		rtt, health := c.avgRTT(), c.HealthScore()
		if rtt < bestRTT || (rtt == bestRTT && health > bestHealth) {
			best, bestRTT, bestHealth = c, rtt, health
		}
	}
	return best
}

// pickByCapabilityScore returns the connection whose server currently scores
// best for the pool's capability. Health breaks ties.
func pickByCapabilityScore(conns []*Connection, perf func(string) float64) *Connection {
	best := conns[0]
	bestPerf, bestHealth := perf(best.ServerID), best.HealthScore()
	for _, c := range conns[1:] {
		pf, health := perf(c.ServerID), c.HealthScore()
		if pf > bestPerf || (pf == bestPerf && health > bestHealth) {
			best, bestPerf, bestHealth = c, pf, health
		}
	}
	return best
}

// pickHybrid blends connection health and server performance equally.
// Average response time breaks ties.
func pickHybrid(conns []*Connection, perf func(string) float64) *Connection {
	score := func(c *Connection) float64 {
		return 0.5*c.HealthScore() + 0.5*perf(c.ServerID)
	}
	best := conns[0]
	bestScore := score(best)
	for _, c := range conns[1:] {
		s := score(c)
		if s > bestScore || (s == bestScore && c.avgRTT() < best.avgRTT()) {
			best, bestScore = c, s
		}
	}
	return best
}

// RecordCompletion feeds one request outcome into the connection's health
// accounting, reporting whether the connection belongs to this pool. It
// takes the pool mutex, so the outcome is visible to every subsequent Get.
func (p *Pool) RecordCompletion(connID string, success bool, rtt time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c.ID == connID {
			c.record(success, rtt)
			return true
		}
	}
	return false
}

// ServerIDs returns the servers the pool holds connections to.
func (p *Pool) ServerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.conns))
	for i, c := range p.conns {
		ids[i] = c.ServerID
	}
	return ids
}

// Connections returns a snapshot of every connection, for analytics.
func (p *Pool) Connections() []ConnectionSnapshot {
	p.mu.Lock()
	conns := slices.Clone(p.conns)
	p.mu.Unlock()

	out := make([]ConnectionSnapshot, len(conns))
	for i, c := range conns {
		c.mu.Lock()
		out[i] = ConnectionSnapshot{
			ID:          c.ID,
			ServerID:    c.ServerID,
			HealthScore: c.health,
			Calls:       c.calls,
			Failures:    c.failures,
		}
		if c.calls > 0 {
			out[i].AvgResponseTime = c.totalRTT / time.Duration(c.calls)
		}
		c.mu.Unlock()
	}
	return out
}

// Strategy returns the pool's selection strategy.
func (p *Pool) Strategy() PoolStrategy { return p.strategy }

// Limits returns the pool's connection floor and cap.
func (p *Pool) Limits() (minConns, maxConns int) {
	return p.minConns, p.maxConns
}

// Size returns the current connection count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}
