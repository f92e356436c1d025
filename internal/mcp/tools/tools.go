// Package tools defines the shared [Tool] type used by PolyVox's built-in
// MCP tool packages, and the in-process [Server] that groups tools behind
// the coordinator's endpoint contract.
//
// Each sub-package exports a constructor that returns a ready-to-register
// *Server: [memorytool.NewServer] exposes the learning store, [fileio.NewServer]
// exposes sandboxed file access. Builtin servers run inside the engine process,
// so they skip the MCP wire protocol entirely while still being discoverable,
// pooled and breaker-guarded like any external server.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/polyvox/polyvox/pkg/types"
)

// Tool is one built-in tool: its voice-facing schema plus the handler invoked
// when a voice calls it.
type Tool struct {
	// Definition is the tool's schema including its name, description,
	// JSON Schema parameters and the coordinator capability it serves.
	Definition types.ToolDefinition

	// Handler executes the tool. params carries the decoded call arguments;
	// reqCtx carries ambient request values (voice_id, plan_id, shared plan
	// data) that the tool may read for attribution. The result is a
	// JSON-encoded string on success, or a descriptive error.
	//
	// Implementations must be safe for concurrent use and must respect
	// context cancellation.
	Handler func(ctx context.Context, params, reqCtx map[string]any) (string, error)
}

// DecodeParams converts a loosely typed parameter map into a tool's argument
// struct via a JSON round-trip, so handlers keep the same struct-tag driven
// validation they would have against wire input.
func DecodeParams(params map[string]any, into any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	return nil
}

// Server groups a set of built-in tools under one server identity. It
// satisfies the coordinator's endpoint contract, so a builtin server
// registers with discovery exactly like an external MCP server.
type Server struct {
	name  string
	tools []Tool
}

// NewServer builds an in-process tool server. Tool names must be unique
// within one server; when they are not, the first tool wins.
func NewServer(name string, tl ...Tool) *Server {
	return &Server{name: name, tools: tl}
}

// Name returns the server identity used in logs and discovery.
func (s *Server) Name() string { return s.name }

// Definitions returns the schemas of every tool on this server.
func (s *Server) Definitions() []types.ToolDefinition {
	out := make([]types.ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		out[i] = t.Definition
	}
	return out
}

// Call routes a capability to the tool that serves it and executes the
// handler. A tool matches by its declared capability first, then by its
// name, so callers may address builtin tools either way.
func (s *Server) Call(ctx context.Context, capability string, params, reqCtx map[string]any) (string, error) {
	for _, t := range s.tools {
		if t.Definition.Capability == capability {
			return t.Handler(ctx, params, reqCtx)
		}
	}
	for _, t := range s.tools {
		if t.Definition.Name == capability {
			return t.Handler(ctx, params, reqCtx)
		}
	}
	return "", fmt.Errorf("tools: %s: no tool serves %q", s.name, capability)
}
