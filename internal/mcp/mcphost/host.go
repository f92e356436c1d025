// Package mcphost connects external MCP servers to the PolyVox coordinator.
//
// It speaks the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk)
// for stdio and streamable-HTTP servers, a JSON-RPC websocket dialect
// (github.com/coder/websocket) for servers that expose one, and dispatches
// in-process for builtin [tools.Server] registrations. Each registered server
// is exposed to the coordinator as an endpoint addressed by capability; the
// host resolves capabilities to concrete tool names, injects the ambient
// request context into tool arguments, and tracks per-server latency windows
// that drive calibration-based demotion.
//
// Typical usage:
//
//	h := mcphost.New(mcphost.WithLogger(logger))
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, mcphost.ServerConfig{
//	    ID:        "code-analysis",
//	    Transport: mcp.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-analyzer --strict",
//	})
//
//	// Or register a builtin server.
//	err = h.RegisterBuiltin(mcphost.ServerConfig{Category: "memory"}, memorytool.NewServer(store))
//
//	// Make every healthy server visible to the coordinator.
//	err = h.Publish(directory)
//
//	// Probe server health in the background.
//	go h.RunCalibration(ctx, directory, 5*time.Minute)
//
//	// Shut down when done.
//	err = h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/polyvox/polyvox/internal/mcp"
	"github.com/polyvox/polyvox/internal/mcp/tools"
	"github.com/polyvox/polyvox/pkg/types"
)

// defaultWindowSize is the default capacity of each server's latency window.
const defaultWindowSize = 100

// transportBuiltin labels in-process servers in stats and logs; it is not a
// wire transport.
const transportBuiltin = "builtin"

// ServerConfig describes one MCP server to register with the host.
type ServerConfig struct {
	// ID is the stable server identifier, unique within the host. It is the
	// name the coordinator's discovery directory will know the server by.
	ID string

	// Name is the human-readable server name. Defaults to ID.
	Name string

	// Category groups the server for discovery queries (e.g. "analysis").
	Category string

	// Tags are free-form discovery labels.
	Tags []string

	// Transport selects the connection mechanism.
	Transport mcp.Transport

	// Command is the subprocess command line for stdio servers. It is split
	// on whitespace into executable + args.
	Command string

	// URL is the endpoint address for streamable-http and websocket servers.
	URL string

	// Env adds environment variables to stdio subprocesses, on top of the
	// host process environment.
	Env map[string]string

	// Capabilities maps coordinator capabilities to this server's tool names,
	// for servers whose tools do not advertise capabilities themselves. Every
	// mapped tool must exist in the server's catalogue; registration fails
	// otherwise.
	Capabilities map[string]string
}

// hostServer is one registered server: its config, live connection (exactly
// one of session, ws or builtin is set), discovered tool catalogue and health
// window. The catalogue is immutable after registration; window and demoted
// carry the mutable health state.
type hostServer struct {
	cfg       ServerConfig
	transport string
	session   *mcpsdk.ClientSession
	ws        *wsSession
	builtin   *tools.Server
	tools     map[string]types.ToolDefinition
	window    *latencyWindow
	demoted   bool
}

// close releases the server's connection, if it has one.
func (s *hostServer) close() error {
	switch {
	case s.session != nil:
		return s.session.Close()
	case s.ws != nil:
		return s.ws.Close()
	}
	return nil
}

// info assembles the discovery record for this server. Its capability list is
// the union of the configured capability mappings, the capabilities the tools
// declare, and the tool names themselves, so callers may address tools either
// by capability or by name.
func (s *hostServer) info() mcp.ServerInfo {
	set := make(map[string]struct{}, len(s.tools)+len(s.cfg.Capabilities))
	for capability := range s.cfg.Capabilities {
		set[capability] = struct{}{}
	}
	for name, def := range s.tools {
		if def.Capability != "" {
			set[def.Capability] = struct{}{}
		}
		set[name] = struct{}{}
	}
	return mcp.ServerInfo{
		ID:           s.cfg.ID,
		Name:         s.cfg.Name,
		Category:     s.cfg.Category,
		Tags:         slices.Clone(s.cfg.Tags),
		Capabilities: slices.Sorted(maps.Keys(set)),
	}
}

// Host manages connections to MCP servers and exposes each one as a
// coordinator endpoint.
//
// The zero value is not usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	servers map[string]*hostServer // key: server ID

	// client is reused across all SDK connections. The official SDK allows a
	// single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	logger     *slog.Logger
	windowSize int
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithWindowSize sets the capacity of each server's latency window.
func WithWindowSize(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.windowSize = n
		}
	}
}

// New creates a ready-to-use Host.
func New(opts ...Option) *Host {
	h := &Host{
		servers:    make(map[string]*hostServer),
		logger:     slog.Default(),
		windowSize: defaultWindowSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.client = mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "polyvox-mcphost", Version: "1.0.0"},
		nil,
	)
	return h
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. If a server with the same ID is already registered, the old
// connection is closed and replaced.
//
// For [mcp.TransportStdio]: cfg.Command is split on whitespace into
// executable + args; cfg.Env is added to the subprocess environment.
// For [mcp.TransportStreamableHTTP] and [mcp.TransportWebSocket]: cfg.URL is
// the endpoint address.
//
// Returns an error if the transport cannot be established, the initial tool
// listing fails, or cfg.Capabilities references a tool the server does not
// have.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("mcp host: server config must have a non-empty id")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.ID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	var (
		session *mcpsdk.ClientSession
		ws      *wsSession
		err     error
	)

	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty command", cfg.ID)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		session, err = h.client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty url", cfg.ID)
		}
		session, err = h.client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil)

	case mcp.TransportWebSocket:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: websocket server %q requires a non-empty url", cfg.ID)
		}
		ws, err = dialWS(ctx, cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("mcp host: failed to connect to server %q: %w", cfg.ID, err)
	}

	s := &hostServer{
		cfg:       cfg,
		transport: string(cfg.Transport),
		session:   session,
		ws:        ws,
		window:    newLatencyWindow(h.windowSize),
	}

	s.tools, err = s.discoverTools(ctx)
	if err != nil {
		_ = s.close()
		return fmt.Errorf("mcp host: failed to list tools for server %q: %w", cfg.ID, err)
	}
	if err := applyOverrides(cfg, s.tools); err != nil {
		_ = s.close()
		return err
	}

	h.mu.Lock()
	if old, ok := h.servers[cfg.ID]; ok {
		_ = old.close()
	}
	h.servers[cfg.ID] = s
	h.mu.Unlock()

	h.logger.Info("mcp server registered",
		"server_id", cfg.ID,
		"transport", s.transport,
		"tools", len(s.tools))
	return nil
}

// discoverTools fetches the server's tool catalogue over whichever transport
// the server was connected on.
func (s *hostServer) discoverTools(ctx context.Context) (map[string]types.ToolDefinition, error) {
	defs := make(map[string]types.ToolDefinition)

	if s.ws != nil {
		wsTools, err := s.ws.listTools(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range wsTools {
			defs[t.Name] = types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			}
		}
		return defs, nil
	}

	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		defs[tool.Name] = types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		}
	}
	return defs, nil
}

// applyOverrides validates cfg.Capabilities against the discovered catalogue
// and stamps the mapped capability onto each tool's definition.
func applyOverrides(cfg ServerConfig, defs map[string]types.ToolDefinition) error {
	for capability, toolName := range cfg.Capabilities {
		def, ok := defs[toolName]
		if !ok {
			return fmt.Errorf("mcp host: server %q maps capability %q to unknown tool %q",
				cfg.ID, capability, toolName)
		}
		def.Capability = capability
		defs[toolName] = def
	}
	return nil
}

// Endpoint returns a coordinator-facing view of one registered server. The
// view resolves the server by ID on every call, so it stays valid across
// re-registration.
func (h *Host) Endpoint(serverID string) (mcp.Endpoint, bool) {
	h.mu.RLock()
	_, ok := h.servers[serverID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &serverEndpoint{h: h, serverID: serverID}, true
}

// Tools returns the discovered tool catalogue of one server, sorted by name.
func (h *Host) Tools(serverID string) ([]types.ToolDefinition, bool) {
	h.mu.RLock()
	s, ok := h.servers[serverID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make([]types.ToolDefinition, 0, len(s.tools))
	for _, name := range slices.Sorted(maps.Keys(s.tools)) {
		out = append(out, s.tools[name])
	}
	return out, true
}

// Publish registers every healthy server with the discovery directory.
// Demoted servers are skipped; calibration re-registers them when they
// recover. Registration failures are joined and returned after every server
// has been attempted.
func (h *Host) Publish(d *mcp.Directory) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var errs []error
	published := 0
	for id, s := range h.servers {
		if s.demoted {
			continue
		}
		if err := d.Register(s.info(), &serverEndpoint{h: h, serverID: id}); err != nil {
			errs = append(errs, err)
			continue
		}
		published++
	}

	h.logger.Info("mcp servers published", "count", published)
	return errors.Join(errs...)
}

// ServerStats is a point-in-time health snapshot of one registered server.
type ServerStats struct {
	ServerID  string
	Transport string
	Tools     int
	P50       time.Duration
	P99       time.Duration
	ErrorRate float64
	Calls     int
	Demoted   bool
}

// Servers returns health snapshots for every registered server, sorted by ID.
func (h *Host) Servers() []ServerStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ServerStats, 0, len(h.servers))
	for id, s := range h.servers {
		out = append(out, ServerStats{
			ServerID:  id,
			Transport: s.transport,
			Tools:     len(s.tools),
			P50:       s.window.P50(),
			P99:       s.window.P99(),
			ErrorRate: s.window.ErrorRate(),
			Calls:     s.window.Count(),
			Demoted:   s.demoted,
		})
	}
	slices.SortFunc(out, func(a, b ServerStats) int {
		return strings.Compare(a.ServerID, b.ServerID)
	})
	return out
}

// Close shuts down every server connection. After Close returns the Host
// must not be used again.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for id, s := range h.servers {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close server %q: %w", id, err))
		}
		delete(h.servers, id)
	}
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Call path
// ─────────────────────────────────────────────────────────────────────────────

// serverEndpoint adapts one registered server to the coordinator's endpoint
// contract.
type serverEndpoint struct {
	h        *Host
	serverID string
}

var _ mcp.Endpoint = (*serverEndpoint)(nil)

// Call implements [mcp.Endpoint].
func (e *serverEndpoint) Call(ctx context.Context, capability string, params, reqCtx map[string]any) (string, error) {
	return e.h.call(ctx, e.serverID, capability, params, reqCtx)
}

// call resolves the server, executes the capability and records the
// round-trip in the server's latency window.
func (h *Host) call(ctx context.Context, serverID, capability string, params, reqCtx map[string]any) (string, error) {
	h.mu.RLock()
	s, ok := h.servers[serverID]
	h.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("mcp host: server %q not registered", serverID)
	}

	if mapped := s.cfg.Capabilities[capability]; mapped != "" {
		capability = mapped
	}

	start := time.Now()
	out, err := s.dispatch(ctx, capability, params, reqCtx)
	s.window.Record(time.Since(start), err != nil)
	return out, err
}

// dispatch routes the capability to the server's transport. Tool results
// flagged as errors come back as Go errors so the coordinator's breakers and
// health scores count them.
func (s *hostServer) dispatch(ctx context.Context, capability string, params, reqCtx map[string]any) (string, error) {
	if s.builtin != nil {
		return s.builtin.Call(ctx, capability, params, reqCtx)
	}

	toolName, err := s.resolveTool(capability)
	if err != nil {
		return "", err
	}

	arguments := params
	if len(reqCtx) > 0 {
		arguments = make(map[string]any, len(params)+1)
		maps.Copy(arguments, params)
		arguments["_context"] = reqCtx
	}

	if s.ws != nil {
		out, err := s.ws.callTool(ctx, toolName, arguments)
		if err != nil {
			return "", fmt.Errorf("mcp host: call tool %q on server %q: %w", toolName, s.cfg.ID, err)
		}
		return out, nil
	}

	res, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: arguments,
	})
	if err != nil {
		return "", fmt.Errorf("mcp host: call tool %q on server %q: %w", toolName, s.cfg.ID, err)
	}

	text := textContent(res)
	if res.IsError {
		return "", fmt.Errorf("mcp host: tool %q on server %q reported an error: %s", toolName, s.cfg.ID, text)
	}
	return text, nil
}

// resolveTool maps a capability to a concrete tool name: a tool declaring the
// capability wins, then a tool carrying it as its name.
func (s *hostServer) resolveTool(capability string) (string, error) {
	for name, def := range s.tools {
		if def.Capability == capability {
			return name, nil
		}
	}
	if _, ok := s.tools[capability]; ok {
		return capability, nil
	}
	return "", fmt.Errorf("mcp host: server %q has no tool for capability %q", s.cfg.ID, capability)
}

// textContent concatenates the text blocks of an SDK tool result.
func textContent(res *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
