// Package mcp coordinates voice access to Model-Context-Protocol tool
// servers.
//
// The [Coordinator] is the single entry point: voices register their tool
// tables, then submit capability requests through [Coordinator.HandleRequest]
// or multi-step workflows through [Coordinator.CreateOrchestrationPlan] and
// [Coordinator.ExecuteOrchestrationPlan].
//
// Routing works in layers. A [Directory] indexes registered servers by
// capability, category and tag and keeps health scores from observed
// outcomes. Each (voice, capability) tuple gets a lazily created [Pool] of
// connections with a selection strategy derived from the voice's weights.
// Every connection is guarded by its own circuit breaker, and failed calls
// are retried under the request's [resilience.RetryPolicy].
//
// Ownership is strict to keep the object graph acyclic: the coordinator owns
// plans, pools own connections, the directory owns server records. Everything
// else is a lookup by ID.
//
// All exported methods are safe for concurrent use.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polyvox/polyvox/internal/events"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/pkg/types"
)

const (
	// defaultRequestTimeout bounds a single execution attempt when the
	// request carries no timeout.
	defaultRequestTimeout = 30 * time.Second

	// highWeight is the voice-weight level treated as a deliberate bias
	// when choosing a pool strategy.
	highWeight = 0.7
)

// Metrics receives coordinator measurements. Implemented by
// internal/analytics.
type Metrics interface {
	Record(series string, value float64)
}

// ToolRegistration binds a tool set to one (voice, capability) tuple.
type ToolRegistration struct {
	// VoiceID is the voice the tools belong to.
	VoiceID string

	// Capability is the coordinator capability the tools serve.
	Capability string

	// Tools are the definitions exposed to the voice's prompts.
	Tools []types.ToolDefinition
}

type poolKey struct {
	voiceID    string
	capability string
}

// Coordinator routes voice capability requests to MCP servers and executes
// orchestration plans.
type Coordinator struct {
	directory *Directory
	breakers  *resilience.BreakerSet
	sessions  SessionStore

	mu         sync.Mutex
	pools      map[poolKey]*Pool
	voices     map[string]types.Voice
	voiceTools map[string]map[string][]types.ToolDefinition
	plans      map[string]*Plan
	phaseStats map[string]*statsWindow

	stream      *events.Stream[Event]
	metrics     Metrics
	logger      *slog.Logger
	systemLoad  func() float64
	affinityTTL time.Duration
	timeout     time.Duration
}

// Option configures a [Coordinator] during construction.
type Option func(*Coordinator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the sink for request and plan measurements.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithSessions sets the collaboration-session store plans write shared data
// through. Defaults to an in-process store.
func WithSessions(s SessionStore) Option {
	return func(c *Coordinator) { c.sessions = s }
}

// WithBreakerConfig tunes the per-connection circuit breakers. The default
// opens after 5 consecutive failures, stays open 30 seconds and admits one
// half-open probe.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *Coordinator) { c.breakers = resilience.NewBreakerSet(cfg) }
}

// WithSystemLoad supplies the load signal (0–100) consulted by adaptive
// retry backoff. Defaults to a constant 0.
func WithSystemLoad(fn func() float64) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.systemLoad = fn
		}
	}
}

// WithAffinityTTL enables pool affinity: requests sharing a phase stick to
// one connection for the given duration. Zero (the default) disables it.
func WithAffinityTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.affinityTTL = d }
}

// WithRequestTimeout sets the per-attempt timeout applied when a request
// carries none. The default is 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a Coordinator over the given server directory.
func New(directory *Directory, opts ...Option) *Coordinator {
	c := &Coordinator{
		directory: directory,
		breakers: resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		}),
		pools:      make(map[poolKey]*Pool),
		voices:     make(map[string]types.Voice),
		voiceTools: make(map[string]map[string][]types.ToolDefinition),
		plans:      make(map[string]*Plan),
		phaseStats: make(map[string]*statsWindow),
		stream:     events.NewStream[Event](events.DefaultBuffer),
		logger:     slog.Default(),
		systemLoad: func() float64 { return 0 },
		timeout:    defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sessions == nil {
		c.sessions = newLocalSessions()
	}
	return c
}

// Events returns the coordinator event stream.
func (c *Coordinator) Events() *events.Stream[Event] { return c.stream }

// Directory returns the server directory the coordinator routes over.
func (c *Coordinator) Directory() *Directory { return c.directory }

// BreakerSnapshots returns the state of every connection breaker, keyed by
// connection ID. Analytics classifies connection health from these.
func (c *Coordinator) BreakerSnapshots() map[string]resilience.Snapshot {
	return c.breakers.Snapshots()
}

// PoolSnapshots returns every pool's connection snapshots, keyed by pool ID.
func (c *Coordinator) PoolSnapshots() map[string][]ConnectionSnapshot {
	c.mu.Lock()
	pools := make([]*Pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.Unlock()

	out := make(map[string][]ConnectionSnapshot, len(pools))
	for _, p := range pools {
		out[p.ID] = p.Connections()
	}
	return out
}

// Close releases the event stream. In-flight requests finish; new events are
// dropped.
func (c *Coordinator) Close() {
	c.stream.Close()
}

// ─── Registration ─────────────────────────────────────────────────────────────

// RegisterVoice records a voice profile. Server selection reads the profile's
// weights and preferred/avoided server lists; unregistered voices route with
// zero weights and no preferences.
func (c *Coordinator) RegisterVoice(v types.Voice) error {
	if v.ID == "" {
		return fmt.Errorf("mcp: register voice: empty id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.voices[v.ID] = v
	return nil
}

// RegisterVoiceTools binds reg.Tools to the (voice, capability) tuple,
// replacing any previous binding.
func (c *Coordinator) RegisterVoiceTools(reg ToolRegistration) error {
	if reg.VoiceID == "" {
		return fmt.Errorf("mcp: register voice tools: empty voice id")
	}
	if reg.Capability == "" {
		return fmt.Errorf("mcp: register voice tools: empty capability for voice %q", reg.VoiceID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byCap, ok := c.voiceTools[reg.VoiceID]
	if !ok {
		byCap = make(map[string][]types.ToolDefinition)
		c.voiceTools[reg.VoiceID] = byCap
	}
	byCap[reg.Capability] = slices.Clone(reg.Tools)
	return nil
}

// VoiceTools returns the capability→tools table registered for a voice.
func (c *Coordinator) VoiceTools(voiceID string) map[string][]types.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]types.ToolDefinition, len(c.voiceTools[voiceID]))
	for capability, tools := range c.voiceTools[voiceID] {
		out[capability] = slices.Clone(tools)
	}
	return out
}

// VoiceCapabilities returns the capabilities a voice has tools registered
// for, sorted.
func (c *Coordinator) VoiceCapabilities(voiceID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := make([]string, 0, len(c.voiceTools[voiceID]))
	for capability := range c.voiceTools[voiceID] {
		caps = append(caps, capability)
	}
	slices.Sort(caps)
	return caps
}

func (c *Coordinator) voice(id string) types.Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voices[id]
}

// ─── Request execution ────────────────────────────────────────────────────────

// HandleRequest executes a single capability on behalf of a voice: server
// selection, pooled connection choice, breaker-guarded execution, retries.
//
// Failures are reported in the response, never as a Go error: the Err field
// preserves sentinels ([ErrNoSuitableServer], [resilience.ErrCircuitOpen],
// context.DeadlineExceeded) for errors.Is.
func (c *Coordinator) HandleRequest(ctx context.Context, req VoiceRequest) VoiceResponse {
	return c.execute(ctx, req, nil)
}

// execute is HandleRequest plus a server exclusion list used by the
// alternative-server fallback.
func (c *Coordinator) execute(ctx context.Context, req VoiceRequest, avoid []string) VoiceResponse {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	resp := VoiceResponse{
		RequestID:  req.RequestID,
		VoiceID:    req.VoiceID,
		Capability: req.Capability,
	}

	fail := func(err error) VoiceResponse {
		resp.Err = err
		resp.Duration = time.Since(start)
		resp.Timestamp = time.Now()
		c.finishRequest(req, &resp)
		return resp
	}

	if req.Capability == "" {
		return fail(fmt.Errorf("mcp: request %s: empty capability", req.RequestID))
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("mcp: request %s: %w", req.RequestID, err))
	}

	v := c.voice(req.VoiceID)
	pool, err := c.poolFor(v, req)
	if err != nil {
		return fail(err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	attempts := 1 + max(req.Retry.MaxRetries, 0)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := pool.Get(req.Phase, avoid)
		if err != nil {
			lastErr = err
			break
		}
		resp.ConnectionID = conn.ID
		resp.ServerID = conn.ServerID
		resp.Attempts = attempt

		result, rtt, execErr := c.attempt(ctx, conn, req, timeout)
		if execErr == nil {
			pool.RecordCompletion(conn.ID, true, rtt)
			c.directory.RecordOutcome(conn.ServerID, true, rtt)
			c.recordPhase(req.Phase, rtt, false)
			resp.Result = result
			resp.Success = true
			resp.Duration = time.Since(start)
			resp.Timestamp = time.Now()
			c.finishRequest(req, &resp)
			return resp
		}

		lastErr = execErr
		if errors.Is(execErr, resilience.ErrCircuitOpen) {
			// The breaker refused without reaching the server; there is no
			// outcome to record and no point retrying the same connection.
			break
		}
		pool.RecordCompletion(conn.ID, false, rtt)
		c.directory.RecordOutcome(conn.ServerID, false, rtt)
		c.recordPhase(req.Phase, rtt, true)

		if attempt == attempts || !retriable(execErr, req.Retry.RetryOn) {
			break
		}
		if err := wait(ctx, req.Retry.Delay(attempt, c.systemLoad())); err != nil {
			lastErr = err
			break
		}
	}

	return fail(fmt.Errorf("mcp: capability %q for voice %q: %w", req.Capability, req.VoiceID, lastErr))
}

// attempt runs one breaker-guarded call against the connection's endpoint.
func (c *Coordinator) attempt(ctx context.Context, conn *Connection, req VoiceRequest, timeout time.Duration) (string, time.Duration, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqCtx := requestContext(req)
	breaker := c.breakers.Get(conn.ID)

	var result string
	started := time.Now()
	err := breaker.Execute(func() error {
		out, callErr := conn.endpoint.Call(callCtx, req.Capability, req.Parameters, reqCtx)
		if callErr != nil {
			return callErr
		}
		result = out
		return nil
	})
	return result, time.Since(started), err
}

// requestContext merges the request's ambient values with the coordinator's
// own annotations. The server sees this map verbatim.
func requestContext(req VoiceRequest) map[string]any {
	reqCtx := make(map[string]any, len(req.Context)+3)
	for k, v := range req.Context {
		reqCtx[k] = v
	}
	reqCtx["voice_id"] = req.VoiceID
	if req.Phase != "" {
		reqCtx["phase"] = req.Phase
	}
	if req.Priority != 0 {
		reqCtx["priority"] = req.Priority
	}
	return reqCtx
}

// poolFor selects candidate servers for the request and returns the pool for
// its (voice, capability) tuple, creating or rebuilding it as needed.
func (c *Coordinator) poolFor(v types.Voice, req VoiceRequest) (*Pool, error) {
	candidates, err := c.selectServers(v, req)
	if err != nil {
		return nil, err
	}

	key := poolKey{req.VoiceID, req.Capability}
	c.mu.Lock()
	defer c.mu.Unlock()

	if pool, ok := c.pools[key]; ok && poolCovers(pool, candidates) {
		return pool, nil
	}
	pool := newPool(req.VoiceID, req.Capability, strategyFor(v), candidates,
		c.directory.Endpoint, c.directory.Performance, c.affinityTTL)
	if pool.Size() == 0 {
		return nil, fmt.Errorf("mcp: capability %q for voice %q: no endpoint reachable: %w",
			req.Capability, req.VoiceID, ErrNoSuitableServer)
	}
	c.pools[key] = pool
	return pool, nil
}

// poolCovers reports whether the pool still holds a connection to any
// current candidate. A pool that lost every candidate is rebuilt.
func poolCovers(p *Pool, candidates []ServerInfo) bool {
	ids := p.ServerIDs()
	for _, cand := range candidates {
		if slices.Contains(ids, cand.ID) {
			return true
		}
	}
	return false
}

// selectServers runs the discovery query for the request and applies the
// voice's preferred/avoided filters.
func (c *Coordinator) selectServers(v types.Voice, req VoiceRequest) ([]ServerInfo, error) {
	q := Query{
		Capability:     req.Capability,
		MinReliability: v.ReliabilityWeight * 100,
		MinPerformance: v.PerformanceWeight * 100,
		MaxLatency:     req.MaxLatency,
	}
	if req.MinReliability > 0 {
		q.MinReliability = req.MinReliability
	}
	candidates := c.directory.Find(q)

	if len(v.PreferredServers) > 0 {
		candidates = slices.DeleteFunc(candidates, func(s ServerInfo) bool {
			return !slices.Contains(v.PreferredServers, s.ID)
		})
	}
	if len(v.AvoidedServers) > 0 {
		candidates = slices.DeleteFunc(candidates, func(s ServerInfo) bool {
			return slices.Contains(v.AvoidedServers, s.ID)
		})
	}

	if len(candidates) == 0 {
		if !c.directory.HasCapability(req.Capability) {
			if nearest, ok := c.directory.NearestCapability(req.Capability); ok {
				return nil, fmt.Errorf("mcp: no server executes %q (closest known capability: %q): %w",
					req.Capability, nearest, ErrNoSuitableServer)
			}
			return nil, fmt.Errorf("mcp: no server executes %q: %w", req.Capability, ErrNoSuitableServer)
		}
		return nil, fmt.Errorf("mcp: no server for %q clears voice %q requirements: %w",
			req.Capability, req.VoiceID, ErrNoSuitableServer)
	}
	return candidates, nil
}

// strategyFor maps voice weights onto a pool strategy: a strong reliability
// bias selects response-time weighting, a strong performance bias selects
// capability-aware selection, everything else blends.
func strategyFor(v types.Voice) PoolStrategy {
	switch {
	case v.ReliabilityWeight >= highWeight && v.ReliabilityWeight >= v.PerformanceWeight:
		return PoolWeightedByResponseTime
	case v.PerformanceWeight >= highWeight:
		return PoolCapabilityAware
	default:
		return PoolHybrid
	}
}

// finishRequest publishes the request outcome to logs, events and metrics.
func (c *Coordinator) finishRequest(req VoiceRequest, resp *VoiceResponse) {
	if resp.Success {
		c.logger.Debug("mcp request served",
			"request_id", resp.RequestID,
			"voice", req.VoiceID,
			"capability", resp.Capability,
			"server", resp.ServerID,
			"attempts", resp.Attempts,
			"duration_ms", resp.Duration.Milliseconds())
		c.stream.Publish(Event{
			Type:       EventVoiceSuccess,
			RequestID:  resp.RequestID,
			VoiceID:    req.VoiceID,
			Capability: resp.Capability,
			ServerID:   resp.ServerID,
			Duration:   resp.Duration,
		})
		c.record("mcp.request_duration_ms", float64(resp.Duration.Milliseconds()))
		c.record("mcp.request_success", 1)
		return
	}

	c.logger.Warn("mcp request failed",
		"request_id", resp.RequestID,
		"voice", req.VoiceID,
		"capability", resp.Capability,
		"attempts", resp.Attempts,
		"error", resp.Err)
	c.stream.Publish(Event{
		Type:       EventVoiceError,
		RequestID:  resp.RequestID,
		VoiceID:    req.VoiceID,
		Capability: resp.Capability,
		ServerID:   resp.ServerID,
		Duration:   resp.Duration,
		Error:      resp.Err.Error(),
	})
	c.record("mcp.request_duration_ms", float64(resp.Duration.Milliseconds()))
	c.record("mcp.request_failure", 1)
}

func (c *Coordinator) record(series string, value float64) {
	if c.metrics != nil {
		c.metrics.Record(series, value)
	}
}

// recordPhase feeds one attempt outcome into the phase history consulted by
// adaptive plan execution.
func (c *Coordinator) recordPhase(phase string, rtt time.Duration, isError bool) {
	if phase == "" {
		return
	}
	c.mu.Lock()
	w, ok := c.phaseStats[phase]
	if !ok {
		w = newStatsWindow(defaultWindowSize)
		c.phaseStats[phase] = w
	}
	c.mu.Unlock()
	w.record(rtt.Milliseconds(), isError)
}

// ─── Error classification ─────────────────────────────────────────────────────

// retriable reports whether err belongs to the failure class the policy
// retries. Cancellation and open breakers are never retried.
func retriable(err error, class resilience.RetryOn) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	switch class {
	case resilience.RetryOnTimeout:
		return isTimeout(err)
	case resilience.RetryOnNetworkError:
		return isNetworkError(err)
	case resilience.RetryOnServerError:
		return !isTimeout(err) && !isNetworkError(err)
	default: // RetryOnAll and unset
		return true
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var op *net.OpError
	if errors.As(err, &op) {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns)
}

// wait sleeps for d unless ctx finishes first.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
