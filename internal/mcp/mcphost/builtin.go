package mcphost

import (
	"fmt"

	"github.com/polyvox/polyvox/internal/mcp/tools"
	"github.com/polyvox/polyvox/pkg/types"
)

// RegisterBuiltin registers an in-process tool server.
//
// Builtin servers bypass the MCP wire protocol: calls dispatch directly to
// the server's handlers without a subprocess or network round-trip. They are
// otherwise identical to external servers — published to the same discovery
// directory and tracked by the same latency windows — except that calibration
// never probes or demotes them, since an in-process server cannot become
// unreachable.
//
// cfg.ID and cfg.Name default to the server's own name; cfg.Transport,
// Command, URL and Env are ignored. If a server with the same ID is already
// registered it is replaced.
//
// RegisterBuiltin is safe for concurrent use.
func (h *Host) RegisterBuiltin(cfg ServerConfig, srv *tools.Server) error {
	if srv == nil {
		return fmt.Errorf("mcp host: builtin server must not be nil")
	}
	if cfg.ID == "" {
		cfg.ID = srv.Name()
	}
	if cfg.ID == "" {
		return fmt.Errorf("mcp host: builtin server must have a non-empty id")
	}
	if cfg.Name == "" {
		cfg.Name = srv.Name()
	}

	catalogue := srv.Definitions()
	defs := make(map[string]types.ToolDefinition, len(catalogue))
	for _, def := range catalogue {
		defs[def.Name] = def
	}
	if err := applyOverrides(cfg, defs); err != nil {
		return err
	}

	s := &hostServer{
		cfg:       cfg,
		transport: transportBuiltin,
		builtin:   srv,
		tools:     defs,
		window:    newLatencyWindow(h.windowSize),
	}

	h.mu.Lock()
	if old, ok := h.servers[cfg.ID]; ok {
		_ = old.close()
	}
	h.servers[cfg.ID] = s
	h.mu.Unlock()

	h.logger.Info("builtin server registered",
		"server_id", cfg.ID,
		"tools", len(defs))
	return nil
}
