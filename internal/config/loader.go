package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polyvox/polyvox/internal/approval"
	"github.com/polyvox/polyvox/internal/mcp"
)

// ValidBackendProviders lists the provider names the standard wiring
// registers. [Validate] warns about names outside this list rather than
// failing, so third-party registrations keep working.
var ValidBackendProviders = []string{
	"anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile",
	"mistral", "mock", "ollama", "openai",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in secret-carrying fields, applies defaults, and validates the
// result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandSecrets(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills the fields the config layer owns a default for.
// Component tuning knobs (cache capacity, council concurrency, synthesis
// thresholds) stay zero so the owning package applies its own defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Memory.Store == "" {
		cfg.Memory.Store = StoreSQLite
	}
	if cfg.Memory.Store == StoreSQLite && cfg.Memory.SQLitePath == "" {
		cfg.Memory.SQLitePath = "polyvox.db"
	}
	if cfg.Approval.SandboxMode == "" {
		cfg.Approval.SandboxMode = approval.SandboxWorkspaceWrite
	}
	if cfg.Council.Backend == "" && len(cfg.Backends) == 1 {
		cfg.Council.Backend = cfg.Backends[0].Name
	}
	if cfg.MCP.BreakerThreshold == 0 {
		cfg.MCP.BreakerThreshold = 5
	}
	if cfg.MCP.BreakerHalfOpenDelay == 0 {
		cfg.MCP.BreakerHalfOpenDelay = 30 * time.Second
	}
}

// envRef matches ${NAME} references. Bare $ is left untouched so DSN
// passwords and command lines survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandSecrets substitutes ${ENV_VAR} references in the secret-carrying
// fields: backend API keys, the postgres DSN, the cache encryption key, the
// redis password, and MCP stdio environment values.
func expandSecrets(cfg *Config) {
	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = expandEnv(cfg.Backends[i].APIKey)
	}
	cfg.Memory.PostgresDSN = expandEnv(cfg.Memory.PostgresDSN)
	cfg.Cache.EncryptionKey = expandEnv(cfg.Cache.EncryptionKey)
	if cfg.Cache.Redis != nil {
		cfg.Cache.Redis.Password = expandEnv(cfg.Cache.Redis.Password)
	}
	for _, srv := range cfg.MCP.Servers {
		for k, v := range srv.Env {
			srv.Env[k] = expandEnv(v)
		}
	}
}

// expandEnv resolves ${NAME} references in s. An unset variable expands to
// the empty string with a warning, matching shell semantics.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		val, ok := os.LookupEnv(name)
		if !ok {
			slog.Warn("config: referenced environment variable is not set", "name", name)
		}
		return val
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Memory
	if cfg.Memory.Store != "" && !cfg.Memory.Store.IsValid() {
		errs = append(errs, fmt.Errorf("memory.store %q is invalid; valid values: sqlite, postgres", cfg.Memory.Store))
	}
	if cfg.Memory.Store == StorePostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.store is postgres"))
	}
	if cfg.Memory.Store == StoreSQLite && cfg.Memory.PostgresDSN != "" {
		slog.Warn("memory.postgres_dsn is set but memory.store is sqlite; the DSN will be ignored")
	}

	// Cache
	if key := cfg.Cache.EncryptionKey; key != "" && len(key) != 32 {
		errs = append(errs, fmt.Errorf("cache.encryption_key is %d bytes after expansion, want exactly 32", len(key)))
	}
	if cfg.Cache.Redis != nil && cfg.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required when the redis block is present"))
	}

	// Backend duplicate name detection + council references below.
	backendNames := make(map[string]int, len(cfg.Backends))

	// Backends
	for i, b := range cfg.Backends {
		prefix := fmt.Sprintf("backends[%d]", i)
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := backendNames[b.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of backends[%d]", prefix, b.Name, prev))
			}
			backendNames[b.Name] = i
		}
		if b.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		} else {
			validateBackendProvider(b.Provider)
		}
		if b.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
	}
	if len(cfg.Backends) == 0 {
		slog.Warn("no backends configured; the council will not be able to deliberate")
	}

	// Fallback chains, once all names are known.
	for i, b := range cfg.Backends {
		for _, fb := range b.Fallbacks {
			if fb == b.Name {
				errs = append(errs, fmt.Errorf("backends[%d].fallbacks lists the backend itself", i))
				continue
			}
			if _, ok := backendNames[fb]; !ok {
				errs = append(errs, fmt.Errorf("backends[%d].fallbacks references undeclared backend %q", i, fb))
			}
		}
	}

	// Voices
	if cfg.Voices.MaxTeamSize < 0 || cfg.Voices.MaxTeamSize > 5 {
		errs = append(errs, fmt.Errorf("voices.max_team_size %d is out of range [0, 5]", cfg.Voices.MaxTeamSize))
	}

	// Council
	if cfg.Council.Backend == "" && len(cfg.Backends) > 1 {
		errs = append(errs, errors.New("council.backend is required when more than one backend is configured"))
	}
	if cfg.Council.Backend != "" {
		if _, ok := backendNames[cfg.Council.Backend]; !ok {
			errs = append(errs, fmt.Errorf("council.backend %q is not a declared backend", cfg.Council.Backend))
		}
	}
	for voiceID, name := range cfg.Council.VoiceBackends {
		if _, ok := backendNames[name]; !ok {
			errs = append(errs, fmt.Errorf("council.voice_backends[%q] references undeclared backend %q", voiceID, name))
		}
	}
	if t := cfg.Council.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("council.temperature %.2f is out of range [0, 2]", t))
	}

	// Synthesis
	if m := cfg.Synthesis.Mode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("synthesis.mode %q is invalid; valid values: competitive, collaborative, consensus, hierarchical, dialectical, adaptive", m))
	}
	if w := cfg.Synthesis.Weighting; w != "" && !w.IsValid() {
		errs = append(errs, fmt.Errorf("synthesis.weighting %q is invalid; valid values: confidence-based, expertise-based, balanced, performance-based", w))
	}
	if q := cfg.Synthesis.QualityThreshold; q < 0 || q > 100 {
		errs = append(errs, fmt.Errorf("synthesis.quality_threshold %.1f is out of range [0, 100]", q))
	}

	// Approval
	if sm := cfg.Approval.SandboxMode; sm != "" && !sm.IsValid() {
		errs = append(errs, fmt.Errorf("approval.sandbox_mode %q is invalid; valid values: read-only, workspace-write, full-access", sm))
	}

	// MCP servers
	serverIDs := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := serverIDs[srv.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of mcp.servers[%d]", prefix, srv.ID, prev))
			}
			serverIDs[srv.ID] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http, websocket", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if (srv.Transport == mcp.TransportStreamableHTTP || srv.Transport == mcp.TransportWebSocket) && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is %s", prefix, srv.Transport))
		}
	}

	return errors.Join(errs...)
}

// validateBackendProvider logs a warning if name is not in
// [ValidBackendProviders].
func validateBackendProvider(name string) {
	if slices.Contains(ValidBackendProviders, name) {
		return
	}
	slog.Warn("unknown backend provider — may be a typo or third-party registration",
		"provider", name,
		"known", ValidBackendProviders,
	)
}
