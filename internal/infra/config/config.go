package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"alfred-ai/internal/domain"
)

// GatewayConfig holds the WebSocket/HTTP gateway's recognized options.
type GatewayConfig struct {
	Bind                    string `yaml:"bind"`
	Port                    int    `yaml:"port"`
	Token                   string `yaml:"-"` // resolved at load time, never unmarshaled
	MaxFrameBytes           int    `yaml:"max_frame_bytes"`
	MaxStreamsPerConnection int    `yaml:"max_streams_per_connection"`
}

// Loopback reports whether Bind names a loopback address, which triggers
// the no-auth connection path per spec.md §4.1.
func (g GatewayConfig) Loopback() bool {
	switch g.Bind {
	case "127.0.0.1", "::1", "localhost", "":
		return true
	default:
		return false
	}
}

// Addr renders bind:port for net.Listen.
func (g GatewayConfig) Addr() string {
	return g.Bind + ":" + strconv.Itoa(g.Port)
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds transport and routing settings for a single LLM
// provider tag referenced by an AgentIdentity.Provider field. APIKey is
// resolved at load time through the credential chain (§4.7) and is never
// read from or written to the YAML document.
type ProviderConfig struct {
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type"`
	BaseURL        string        `yaml:"base_url,omitempty"`
	APIKey         string        `yaml:"-"`
	Model          string        `yaml:"model"`
	Region         string        `yaml:"region,omitempty"`
	ConnTimeout    time.Duration `yaml:"conn_timeout"`
	RespTimeout    time.Duration `yaml:"resp_timeout"`
	Pool           PoolConfig    `yaml:"pool"`
	ThinkingBudget int           `yaml:"thinking_budget,omitempty"`
}

// MemoryConfig informs the episodic context assembler window size. The
// memory engine itself is an external collaborator (out of scope, §1); this
// is the one knob the config document exposes to it.
type MemoryConfig struct {
	EpisodicWindow int `yaml:"episodic_window"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Config is the top-level declarative configuration document: a single
// agent identity (with an optional recursive fallback), the plugins and
// bindings it is wired to, and the ambient logging/tracing/provider
// settings that construct the rest of the system.
type Config struct {
	Gateway   GatewayConfig               `yaml:"gateway"`
	Agent     domain.AgentIdentity        `yaml:"agent"`
	Providers []ProviderConfig           `yaml:"providers,omitempty"`
	Plugins   []domain.PluginRegistration `yaml:"plugins,omitempty"`
	Bindings  []domain.Binding            `yaml:"bindings,omitempty"`
	Memory    *MemoryConfig               `yaml:"memory,omitempty"`
	Logger    LoggerConfig                `yaml:"logger"`
	Tracer    TracerConfig                `yaml:"tracer"`
	Includes  []string                    `yaml:"includes,omitempty"`
}

// Defaults returns a Config with sensible defaults: loopback gateway
// binding (no-auth path), a single openai-backed default agent, and text
// logging to stderr.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Bind:                    "127.0.0.1",
			Port:                    8090,
			MaxFrameBytes:           1 << 20, // 1 MiB
			MaxStreamsPerConnection: 16,
		},
		Agent: domain.AgentIdentity{
			ID:                "default",
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			MaxResponseTokens: 1024,
			SystemPrompt:      "You are a helpful AI assistant.",
		},
		Providers: []ProviderConfig{
			{Name: "openai", Type: "openai", Model: "gpt-4o-mini"},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, resolves
// provider credentials, and validates the result. A missing file is not an
// error: Defaults() is returned instead, still subject to overrides and
// validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := resolveCredentials(cfg); err != nil {
				return nil, err
			}
			if errs := Validate(cfg); len(errs) > 0 {
				return nil, joinValidationErrors(errs)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := resolveCredentials(cfg); err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	if errs := Validate(cfg); len(errs) > 0 {
		return nil, joinValidationErrors(errs)
	}

	return cfg, nil
}

// ApplyEnvOverrides maps ALFREDAI_* env vars onto config fields that are
// reasonable to flip without editing the YAML document (bind address,
// token, log level). Secrets are resolved separately, by resolveCredentials.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALFREDAI_GATEWAY_BIND"); v != "" {
		cfg.Gateway.Bind = v
	}
	if v := os.Getenv("ALFREDAI_GATEWAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.Port = n
		}
	}
	if v := os.Getenv("ALFREDAI_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("ALFREDAI_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ALFREDAI_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	} else if v == "false" {
		cfg.Tracer.Enabled = false
	}
	if v := os.Getenv("ALFREDAI_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

func joinValidationErrors(errs []ValidationError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("config validation failed:\n  - %s", joinLines(msgs))
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n  - "
		}
		out += l
	}
	return out
}
