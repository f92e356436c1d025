// Command polyvox is the main entry point for the PolyVox collaboration engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/polyvox/polyvox/internal/app"
	"github.com/polyvox/polyvox/internal/approval"
	"github.com/polyvox/polyvox/internal/config"
	"github.com/polyvox/polyvox/internal/observe"
	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/pkg/backend"
	"github.com/polyvox/polyvox/pkg/backend/anyllm"
	backendmock "github.com/polyvox/polyvox/pkg/backend/mock"
	"github.com/polyvox/polyvox/pkg/backend/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "polyvox: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "polyvox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("polyvox starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "polyvox"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	// ── Instantiate backends ──────────────────────────────────────────────────
	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, backends, app.WithConfirmer(approval.NewStdinConfirmer()))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("engine ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ──────────────────────────────────────────────────────────────

// registerBuiltinBackends wires all built-in model-backend factories into reg.
// Each factory receives a config.BackendEntry and constructs the backend from
// the real implementation packages.
func registerBuiltinBackends(reg *config.Registry) {
	// openai gets the native SDK client rather than the any-llm shim: the
	// dispatch path uses its richer token accounting.
	reg.RegisterBackend("openai", func(entry config.BackendEntry) (backend.Backend, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp and llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterBackend(providerName, func(entry config.BackendEntry) (backend.Backend, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterBackend("ollama", func(entry config.BackendEntry) (backend.Backend, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// mock echoes the prompt back, so a deployment can smoke-test the full
	// council and synthesis path without a key or network access.
	reg.RegisterBackend("mock", func(config.BackendEntry) (backend.Backend, error) {
		return &backendmock.Backend{
			CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
				content := "Acknowledged."
				if n := len(req.Messages); n > 0 {
					content = "Echo from " + req.VoiceID + ": " + req.Messages[n-1].Content
				}
				return &backend.CompletionResponse{Content: content}, nil
			},
		}, nil
	})

	for _, name := range reg.Providers() {
		slog.Debug("registered backend provider", "name", name)
	}
}

// buildBackends instantiates every backend declared in cfg using the registry
// and returns them keyed by entry name, the handle council settings refer to.
// Entries with a fallback chain are wrapped in a [resilience.BackendFallback]
// over the plain backends, so chains stay flat even when fallbacks declare
// fallbacks of their own.
func buildBackends(cfg *config.Config, reg *config.Registry) (app.Backends, error) {
	plain := make(app.Backends, len(cfg.Backends))
	for _, entry := range cfg.Backends {
		b, err := reg.CreateBackend(entry)
		if err != nil {
			return nil, fmt.Errorf("create backend %q (provider %q): %w", entry.Name, entry.Provider, err)
		}
		plain[entry.Name] = b
		slog.Info("backend created", "name", entry.Name, "provider", entry.Provider, "model", entry.Model)
	}

	backends := make(app.Backends, len(plain))
	for _, entry := range cfg.Backends {
		if len(entry.Fallbacks) == 0 {
			backends[entry.Name] = plain[entry.Name]
			continue
		}
		fb := resilience.NewBackendFallback(plain[entry.Name], entry.Name, resilience.FallbackConfig{})
		for _, name := range entry.Fallbacks {
			fb.AddFallback(name, plain[name])
		}
		backends[entry.Name] = fb
		slog.Info("backend fallback chain armed", "name", entry.Name, "fallbacks", entry.Fallbacks)
	}
	return backends, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═════════════════════════════════════════╗")
	fmt.Println("║          PolyVox — startup summary      ║")
	fmt.Println("╠═════════════════════════════════════════╣")
	summaryLine("Backends", fmt.Sprintf("%d (default %s)", len(cfg.Backends), cfg.Council.Backend))
	roster := "default roster"
	if cfg.Voices.File != "" {
		roster = cfg.Voices.File
	}
	summaryLine("Voices", roster)
	summaryLine("Memory store", string(cfg.Memory.Store))
	tiers := "memory"
	if cfg.Cache.SnapshotDir != "" {
		tiers += "+disk"
	}
	if cfg.Cache.Redis != nil {
		tiers += "+redis"
	}
	summaryLine("Cache tiers", tiers)
	summaryLine("MCP servers", fmt.Sprintf("%d + 2 builtin", len(cfg.MCP.Servers)))
	summaryLine("Sandbox mode", string(cfg.Approval.SandboxMode))
	summaryLine("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═════════════════════════════════════════╝")
}

func summaryLine(label, value string) {
	if len(value) > 20 {
		value = value[:17] + "…"
	}
	fmt.Printf("║  %-15s : %-20s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
