// Package app wires all PolyVox subsystems into a running engine.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the admin endpoints and keeps background server
// calibration going, and Shutdown tears everything down in reverse-init
// order.
//
// For testing, inject doubles via functional options (WithStore,
// WithConfirmer). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polyvox/polyvox/internal/analytics"
	"github.com/polyvox/polyvox/internal/approval"
	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/health"
	"github.com/polyvox/polyvox/internal/mcp"
	"github.com/polyvox/polyvox/internal/mcp/bridge"
	"github.com/polyvox/polyvox/internal/mcp/mcphost"
	"github.com/polyvox/polyvox/internal/mcp/tools/fileio"
	"github.com/polyvox/polyvox/internal/mcp/tools/memorytool"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/promptctx"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/internal/session"
	"github.com/polyvox/polyvox/internal/synthesis"
	"github.com/polyvox/polyvox/internal/voice"
	"github.com/polyvox/polyvox/internal/voice/council"
	"github.com/polyvox/polyvox/pkg/backend"
	"github.com/polyvox/polyvox/pkg/cache"
	cacheredis "github.com/polyvox/polyvox/pkg/cache/redis"
	"github.com/polyvox/polyvox/pkg/memory"
	"github.com/polyvox/polyvox/pkg/memory/postgres"
	"github.com/polyvox/polyvox/pkg/memory/sqlite"
	"github.com/polyvox/polyvox/pkg/types"
)

// Backends maps configured backend names to ready model backends. Populated
// by main.go via the config registry; the council resolver looks voices up
// here through cfg.Council.Backend and cfg.Council.VoiceBackends.
type Backends map[string]backend.Backend

// App owns all subsystem lifetimes and orchestrates the PolyVox engine.
type App struct {
	cfg      *config.Config
	backends Backends

	// Subsystems — initialised in New, torn down in Shutdown.
	store        memory.Store
	contextCache *cache.Cache[string]
	sessions     *session.Manager
	host         *mcphost.Host
	directory    *mcp.Directory
	coordinator  *mcp.Coordinator
	tools        *bridge.Bridge
	approvals    *approval.Manager
	monitor      *analytics.Monitor
	registry     *voice.Registry
	selector     *voice.Selector
	synth        *synthesis.Engine
	assembler    *promptctx.Assembler
	source       *cachedSource
	council      *council.Council
	metrics      *observe.Metrics
	probes       *health.Handler
	admin        *http.Server

	confirmer   approval.Confirmer
	projectPath string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a memory store instead of opening one from config.
// The caller keeps ownership: Shutdown will not close an injected store.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithConfirmer injects the interactive approval channel. main.go passes a
// stdin confirmer; leaving it unset makes confirmation-level operations fail
// closed.
func WithConfirmer(c approval.Confirmer) Option {
	return func(a *App) { a.confirmer = c }
}

// ─── Construction ────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The backends map
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection,
// cache construction, MCP server registration and calibration, approval
// policy compilation, roster loading, and council assembly.
func New(ctx context.Context, cfg *config.Config, backends Backends, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		backends: backends,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	a.projectPath = cfg.ProjectPath
	if a.projectPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("app: resolve project path: %w", err)
		}
		a.projectPath = wd
	}

	// ── 1. Memory store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Context cache ─────────────────────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Session manager ───────────────────────────────────────────
	a.sessions = session.NewManager(session.WithConsolidator(session.NewConsolidator(session.ConsolidatorConfig{
		Store:       a.store,
		ProjectPath: a.projectPath,
	})))

	// ── 4. MCP host + discovery directory ────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	// ── 5. Analytics monitor ─────────────────────────────────────────
	if err := a.initAnalytics(); err != nil {
		return nil, fmt.Errorf("app: init analytics: %w", err)
	}

	// ── 6. Coordinator ───────────────────────────────────────────────
	a.initCoordinator()

	// ── 7. Approval engine + tool bridge ─────────────────────────────
	if err := a.initApprovals(); err != nil {
		return nil, fmt.Errorf("app: init approvals: %w", err)
	}

	// ── 8. Voice roster ───────────────────────────────────────────────
	if err := a.initVoices(); err != nil {
		return nil, fmt.Errorf("app: init voices: %w", err)
	}

	// ── 9. Synthesis engine ───────────────────────────────────────────
	a.synth = synthesis.NewEngine()
	a.closers = append(a.closers, a.synth.Close)

	// ── 10. Prompt context ────────────────────────────────────────────
	a.initContext(ctx)

	// ── 11. Council ───────────────────────────────────────────────────
	a.initCouncil()

	// ── 12. Admin probes ──────────────────────────────────────────────
	a.probes = health.New([]health.Checker{
		{Name: "memory-store", Check: func(ctx context.Context) error {
			_, err := a.store.GetStats(ctx)
			return err
		}},
		{Name: "backends", Check: func(context.Context) error {
			if len(a.backends) == 0 {
				return errors.New("no model backends configured")
			}
			return nil
		}},
	}, health.WithStatus(a.statusReport))

	return a, nil
}

// initStore opens the configured durable store, unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	switch a.cfg.Memory.Store {
	case config.StorePostgres:
		store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
	default:
		store, err := sqlite.Open(a.cfg.Memory.SQLitePath)
		if err != nil {
			return err
		}
		a.store = store
	}

	a.closers = append(a.closers, a.store.Close)
	return nil
}

// initCache builds the assembled-context cache: LRU+TTL in memory, optional
// disk snapshots, optional Redis second tier, optional value codec. A Redis
// dial failure degrades to memory-only rather than failing startup.
func (a *App) initCache(ctx context.Context) error {
	ccfg := cache.Config{
		MaxSize:         a.cfg.Cache.MaxSize,
		DefaultTTL:      a.cfg.Cache.DefaultTTL,
		SweepInterval:   a.cfg.Cache.SweepInterval,
		PersistDir:      a.cfg.Cache.SnapshotDir,
		PersistInterval: a.cfg.Cache.SnapshotInterval,
	}

	if a.cfg.Cache.Compress || a.cfg.Cache.EncryptionKey != "" {
		var key []byte
		if a.cfg.Cache.EncryptionKey != "" {
			key = []byte(a.cfg.Cache.EncryptionKey)
		}
		codec, err := cache.NewCodec(a.cfg.Cache.Compress, key)
		if err != nil {
			return fmt.Errorf("build cache codec: %w", err)
		}
		ccfg.Codec = codec
	}

	if rc := a.cfg.Cache.Redis; rc != nil {
		tier, err := cacheredis.New(ctx, cacheredis.Config{
			Addr:      rc.Addr,
			Password:  rc.Password,
			DB:        rc.DB,
			KeyPrefix: rc.KeyPrefix,
		})
		if err != nil {
			slog.Warn("redis cache tier unavailable, continuing memory-only", "addr", rc.Addr, "err", err)
		} else {
			ccfg.Remote = tier
			a.closers = append(a.closers, tier.Close)
		}
	}

	a.contextCache = cache.New[string](ccfg)
	a.closers = append(a.closers, func() error {
		a.contextCache.Destroy()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host, registers builtin and configured servers,
// publishes them to a fresh discovery directory, and calibrates latency
// scores.
func (a *App) initMCP(ctx context.Context) error {
	a.host = mcphost.New()
	a.closers = append(a.closers, a.host.Close)

	if err := a.host.RegisterBuiltin(mcphost.ServerConfig{Category: "filesystem"}, fileio.NewServer(a.projectPath)); err != nil {
		return fmt.Errorf("register builtin %q: %w", fileio.ServerName, err)
	}
	if err := a.host.RegisterBuiltin(mcphost.ServerConfig{Category: "memory"}, memorytool.NewServer(a.store)); err != nil {
		return fmt.Errorf("register builtin %q: %w", memorytool.ServerName, err)
	}

	for _, srv := range a.cfg.MCP.Servers {
		err := a.host.RegisterServer(ctx, mcphost.ServerConfig{
			ID:           srv.ID,
			Name:         srv.Name,
			Category:     srv.Category,
			Tags:         srv.Tags,
			Transport:    srv.Transport,
			Command:      srv.Command,
			URL:          srv.URL,
			Env:          srv.Env,
			Capabilities: srv.Capabilities,
		})
		if err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.ID, err)
		}
		slog.Info("registered mcp server", "server_id", srv.ID, "transport", srv.Transport)
	}

	a.directory = mcp.NewDirectory()
	if err := a.host.Publish(a.directory); err != nil {
		return fmt.Errorf("publish mcp servers: %w", err)
	}

	if err := a.host.Calibrate(ctx, a.directory); err != nil {
		slog.Warn("mcp calibration failed, using declared latencies", "err", err)
	}

	return nil
}

// initAnalytics builds the rolling-metrics monitor. Quality and agreement
// series improve upward; everything else keeps the higher-is-worse default.
func (a *App) initAnalytics() error {
	monitor, err := analytics.New(nil,
		analytics.WithPolarity("council.quality", analytics.HigherIsBetter),
		analytics.WithPolarity("council.agreement", analytics.HigherIsBetter),
	)
	if err != nil {
		return err
	}
	a.monitor = monitor
	a.closers = append(a.closers, func() error {
		a.monitor.Close()
		return nil
	})
	return nil
}

// initCoordinator builds the voice-to-tool coordinator on top of the
// discovery directory. Session state is shared with the collaboration
// sessions, and the active-session gauge tracks what the coordinator sees.
func (a *App) initCoordinator() {
	opts := []mcp.Option{
		mcp.WithSessions(&gaugedSessions{inner: a.sessions, metrics: a.metrics, open: make(map[string]struct{})}),
		mcp.WithMetrics(a.monitor),
		mcp.WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  a.cfg.MCP.BreakerThreshold,
			ResetTimeout: a.cfg.MCP.BreakerHalfOpenDelay,
		}),
	}
	if a.cfg.MCP.RequestTimeout > 0 {
		opts = append(opts, mcp.WithRequestTimeout(a.cfg.MCP.RequestTimeout))
	}
	a.coordinator = mcp.New(a.directory, opts...)
	a.closers = append(a.closers, func() error {
		a.coordinator.Close()
		return nil
	})
}

// initApprovals compiles the approval policies and builds the approval-gated
// tool bridge in front of the coordinator.
func (a *App) initApprovals() error {
	var policies []approval.Policy
	if a.cfg.Approval.PolicyFile != "" {
		loaded, err := approval.LoadPolicyFile(a.cfg.Approval.PolicyFile)
		if err != nil {
			return err
		}
		policies = loaded
	}

	opts := []approval.Option{approval.WithHistory(a.sessions)}
	if a.confirmer != nil {
		opts = append(opts, approval.WithConfirmer(a.confirmer))
	}
	if a.cfg.Approval.AuditLog != "" {
		audit, err := approval.NewAuditLog(a.cfg.Approval.AuditLog)
		if err != nil {
			return err
		}
		opts = append(opts, approval.WithAuditLog(audit))
	}

	manager, err := approval.NewManager(policies, opts...)
	if err != nil {
		return err
	}
	a.approvals = manager
	a.closers = append(a.closers, func() error {
		a.approvals.Close()
		return nil
	})

	a.tools, err = bridge.NewBridge(a.coordinator, a.approvals, approval.OperationContext{
		SandboxMode:   a.cfg.Approval.SandboxMode,
		WorkspaceRoot: a.projectPath,
	})
	if err != nil {
		return fmt.Errorf("build tool bridge: %w", err)
	}
	return nil
}

// initVoices loads the roster (file override or built-in defaults), builds
// the selector, and registers every voice with the coordinator so its server
// preferences steer tool routing.
func (a *App) initVoices() error {
	if path := a.cfg.Voices.File; path != "" {
		a.registry = voice.NewRegistry()
		roster, err := voice.LoadRosterFile(path)
		if err != nil {
			return err
		}
		n, err := voice.ImportRoster(a.registry, roster)
		if err != nil {
			return fmt.Errorf("import roster %q: %w", path, err)
		}
		slog.Info("imported voice roster", "path", path, "count", n)
	} else {
		a.registry = voice.NewDefaultRegistry()
	}

	for _, v := range a.registry.All() {
		if err := a.coordinator.RegisterVoice(v); err != nil {
			return fmt.Errorf("register voice %q with coordinator: %w", v.ID, err)
		}
	}

	var opts []voice.SelectorOption
	if a.cfg.Voices.MaxTeamSize > 0 {
		opts = append(opts, voice.WithMaxTeamSize(a.cfg.Voices.MaxTeamSize))
	}
	a.selector = voice.NewSelector(a.registry, opts...)
	return nil
}

// initContext warms the prefetch layer and assembles the cached context
// source the council consults before each round. Prefetch failures are soft:
// the assembler falls back to live retrieval.
func (a *App) initContext(ctx context.Context) {
	prefetcher := promptctx.NewPreFetcher(a.store)
	for _, category := range a.cfg.PromptContext.PrefetchCategories {
		if err := prefetcher.Prefetch(ctx, category, a.projectPath); err != nil {
			slog.Warn("memory prefetch failed", "category", category, "err", err)
		}
	}

	opts := []promptctx.Option{promptctx.WithPreFetcher(prefetcher)}
	if n := a.cfg.PromptContext.TokenBudget; n > 0 {
		opts = append(opts, promptctx.WithTokenBudget(n))
	}
	if n := a.cfg.PromptContext.MemoryLimit; n > 0 {
		opts = append(opts, promptctx.WithMemoryLimit(n))
	}
	if n := a.cfg.PromptContext.PatternLimit; n > 0 {
		opts = append(opts, promptctx.WithPatternLimit(n))
	}
	a.assembler = promptctx.NewAssembler(a.store, opts...)

	a.source = &cachedSource{
		cache:     a.contextCache,
		assembler: a.assembler,
		metrics:   a.metrics,
	}
}

// initCouncil assembles the deliberation engine around the roster, the
// backend resolver and the synthesis pipeline.
func (a *App) initCouncil() {
	opts := []council.Option{
		council.WithMemory(a.store),
		council.WithContextSource(a.source),
		council.WithMetrics(a.monitor),
		council.WithProjectPath(a.projectPath),
		council.WithSynthesisConfig(synthesis.Config{
			Mode:             a.cfg.Synthesis.Mode,
			Weighting:        a.cfg.Synthesis.Weighting,
			QualityThreshold: a.cfg.Synthesis.QualityThreshold,
			MaxIterations:    a.cfg.Synthesis.MaxIterations,
			EnableAdaptive:   a.cfg.Synthesis.EnableAdaptive,
		}),
	}
	if n := a.cfg.Council.MaxConcurrent; n > 0 {
		opts = append(opts, council.WithMaxConcurrent(n))
	}
	if d := a.cfg.Council.VoiceTimeout; d > 0 {
		opts = append(opts, council.WithVoiceTimeout(d))
	}
	if t := a.cfg.Council.Temperature; t > 0 {
		opts = append(opts, council.WithTemperature(t))
	}
	if n := a.cfg.Council.MaxTokens; n > 0 {
		opts = append(opts, council.WithMaxTokens(n))
	}

	a.council = council.New(a.selector, a.backendResolver(), a.synth, opts...)
}

// backendResolver maps a voice to its configured backend: the per-voice
// override when one is declared, the council default otherwise. Config
// validation guarantees declared names resolve; the error path covers
// hand-mutated configs and empty backend maps.
func (a *App) backendResolver() council.BackendResolver {
	return func(v types.Voice) (backend.Backend, error) {
		name := a.cfg.Council.VoiceBackends[v.ID]
		if name == "" {
			name = a.cfg.Council.Backend
		}
		b, ok := a.backends[name]
		if !ok {
			return nil, fmt.Errorf("app: no backend %q for voice %q", name, v.ID)
		}
		return b, nil
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoints (/healthz, /readyz, /statusz, /metrics) and
// keeps background MCP calibration going. It blocks until ctx is cancelled
// or the admin server fails, returning the context error on a clean stop.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.probes.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	a.admin = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.admin.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.admin.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go a.host.RunCalibration(ctx, a.directory, 0)

	slog.Info("engine running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"voices", a.registry.Len(),
		"backends", len(a.backends),
		"mcp_servers", len(a.host.Servers()),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: admin server: %w", err)
	}
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Deliberate runs one council round for task, wrapped in a trace span and
// recorded on the engine's execution counters and OTel instruments.
func (a *App) Deliberate(ctx context.Context, task voice.TaskContext) (*council.Result, error) {
	ctx, span := observe.StartSpan(ctx, "council.deliberate")
	defer span.End()

	a.monitor.ExecutionStarted()
	start := time.Now()

	res, err := a.council.Deliberate(ctx, task)
	if err != nil {
		a.monitor.ExecutionFailed()
		return nil, err
	}

	a.monitor.ExecutionCompleted()
	a.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	for _, r := range res.Responses {
		a.metrics.RecordVoiceResponse(ctx, r.VoiceID)
	}
	return res, nil
}

// Council returns the deliberation engine for direct use.
func (a *App) Council() *council.Council { return a.council }

// Tools returns the approval-gated tool invocation surface.
func (a *App) Tools() *bridge.Bridge { return a.tools }

// Sessions returns the collaboration session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// statusReport builds the /statusz payload.
func (a *App) statusReport(context.Context) any {
	return map[string]any{
		"health":          a.monitor.Health().State,
		"executions":      a.monitor.Executions(),
		"active_sessions": a.sessions.Active(),
		"cache":           a.contextCache.Stats(),
		"servers":         a.directory.Health(),
		"breakers":        a.coordinator.BreakerSnapshots(),
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop admin traffic first.
		if a.admin != nil {
			if err := a.admin.Shutdown(ctx); err != nil {
				slog.Warn("admin server shutdown error", "err", err)
			}
		}

		// Flush sessions while the store is still open: closing a session
		// consolidates its outcome into a learning record.
		a.sessions.CloseAll(ctx)

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Internal plumbing ───────────────────────────────────────────────────────

// cachedSource caches assembled context blocks so refinement iterations and
// repeated prompts skip the memory round-trip. Assembly failures pass
// through uncached; the council already degrades to a context-free round.
type cachedSource struct {
	cache     *cache.Cache[string]
	assembler *promptctx.Assembler
	metrics   *observe.Metrics
}

func (s *cachedSource) Assemble(ctx context.Context, query, projectPath string) (string, error) {
	key := "ctx:" + projectPath + "\x00" + query
	if block, ok := s.cache.Get(ctx, key); ok {
		s.metrics.RecordCacheLookup(ctx, true)
		return block, nil
	}
	s.metrics.RecordCacheLookup(ctx, false)

	block, err := s.assembler.Assemble(ctx, query, projectPath)
	if err != nil {
		return "", err
	}
	s.cache.Set(ctx, key, block, 0)
	return block, nil
}

// gaugedSessions keeps the active-sessions gauge in step with the session
// store the coordinator sees. Open counts a session once, however many plans
// share it; Release decrements only sessions it counted.
type gaugedSessions struct {
	inner   mcp.SessionStore
	metrics *observe.Metrics

	mu   sync.Mutex
	open map[string]struct{}
}

func (g *gaugedSessions) Open(id string) mcp.SharedData {
	g.mu.Lock()
	if _, ok := g.open[id]; !ok {
		g.open[id] = struct{}{}
		g.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	g.mu.Unlock()
	return g.inner.Open(id)
}

func (g *gaugedSessions) Release(id string) {
	g.mu.Lock()
	if _, ok := g.open[id]; ok {
		delete(g.open, id)
		g.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	g.mu.Unlock()
	g.inner.Release(id)
}

var (
	_ council.ContextSource = (*cachedSource)(nil)
	_ mcp.SessionStore      = (*gaugedSessions)(nil)
)
