package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/plugin/wasm"
)

// Compile-time checks.
var (
	_ domain.ToolExecutor = (*Manager)(nil)
)

// Manager registers the static, config-driven plugin list into the shared
// WASM runtime and exposes the result as a domain.ToolExecutor plus a
// channel-adapter lookup for webhook ingress.
type Manager struct {
	mu        sync.RWMutex
	tools     map[string]domain.Tool
	adapters  map[string]domain.ChannelAdapter
	manifests map[string]domain.PluginManifest
	closers   []func() error

	logger      *slog.Logger
	bus         domain.EventBus
	runtime     *wasm.Runtime
	maxMemoryMB int
	execTimeout time.Duration
}

// NewManager creates an empty plugin manager backed by a fresh WASM runtime.
func NewManager(ctx context.Context, logger *slog.Logger, bus domain.EventBus, maxMemoryMB int, execTimeout time.Duration) (*Manager, error) {
	rt, err := wasm.NewRuntime(ctx, wasm.DefaultRuntimeConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("create wasm runtime: %w", err)
	}

	return &Manager{
		tools:       make(map[string]domain.Tool),
		adapters:    make(map[string]domain.ChannelAdapter),
		manifests:   make(map[string]domain.PluginManifest),
		logger:      logger,
		bus:         bus,
		runtime:     rt,
		maxMemoryMB: maxMemoryMB,
		execTimeout: execTimeout,
	}, nil
}

// LoadAll compiles, trial-instantiates, and registers every configured
// plugin. It fails fast on the first plugin that cannot be loaded, so a
// misconfigured binary is caught before the gateway starts serving traffic.
func (m *Manager) LoadAll(ctx context.Context, regs []domain.PluginRegistration) error {
	for _, reg := range regs {
		if err := m.load(ctx, reg); err != nil {
			return fmt.Errorf("%w: plugin %q: %v", domain.ErrConfig, reg.Name, err)
		}
	}
	return nil
}

func (m *Manager) load(ctx context.Context, reg domain.PluginRegistration) error {
	m.mu.RLock()
	_, exists := m.manifests[reg.Name]
	m.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: duplicate plugin name %q", domain.ErrConfig, reg.Name)
	}

	grants, err := domain.ParseCapabilityGrants(reg.Capabilities)
	if err != nil {
		return err
	}
	sandbox := wasm.NewSandbox(grants, m.maxMemoryMB, m.execTimeout, m.logger.With("plugin", reg.Name))

	deps := domain.PluginDeps{
		Logger:   m.logger.With("plugin", reg.Name),
		EventBus: m.bus,
	}

	p, err := wasm.LoadPlugin(ctx, m.runtime, reg, sandbox, deps)
	if err != nil {
		return err
	}

	if err := p.Init(ctx, deps); err != nil {
		_ = p.Close()
		return fmt.Errorf("init: %w", err)
	}

	manifest := p.Manifest()
	if reg.Kind != "" && reg.Kind != manifest.Kind {
		_ = p.Close()
		return fmt.Errorf("%w: plugin %q declares kind %q but exports %q", domain.ErrConfig, reg.Name, reg.Kind, manifest.Kind)
	}
	if manifest.Kind == domain.PluginKindTool {
		if err := validateToolSchema(manifest.ToolSchema); err != nil {
			_ = p.Close()
			return err
		}
	}

	m.mu.Lock()
	if manifest.Kind == domain.PluginKindChannelAdapter {
		if _, taken := m.adapters[manifest.Channel]; taken {
			m.mu.Unlock()
			_ = p.Close()
			return fmt.Errorf("%w: channel %q already has an adapter", domain.ErrConfig, manifest.Channel)
		}
		m.adapters[manifest.Channel] = p
	} else {
		m.tools[manifest.Name] = p
	}
	m.manifests[manifest.Name] = manifest
	m.closers = append(m.closers, p.Close)
	m.mu.Unlock()

	m.publishEvent(domain.EventPluginLoaded, manifest.Name)
	m.logger.Info("plugin loaded", "name", manifest.Name, "kind", manifest.Kind)
	return nil
}

// validateToolSchema rejects a tool plugin whose declared JSON Schema does
// not itself compile, so a broken schema surfaces at load time rather than
// on the first tool call an agent makes.
func validateToolSchema(schema domain.ToolSchema) error {
	if len(schema.Parameters) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if _, err := compiler.Compile(schema.Parameters); err != nil {
		return fmt.Errorf("%w: tool %q declares invalid json schema: %v", domain.ErrConfig, schema.Name, err)
	}
	return nil
}

func (m *Manager) publishEvent(eventType domain.EventType, pluginName string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   mustJSON(map[string]string{"plugin": pluginName}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("plugin: marshal event payload: %v", err))
	}
	return b
}

// Get implements domain.ToolExecutor.
func (m *Manager) Get(name string) (domain.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, ok := m.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}
	return tool, nil
}

// Schemas implements domain.ToolExecutor.
func (m *Manager) Schemas() []domain.ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(m.tools))
	for _, tool := range m.tools {
		schemas = append(schemas, tool.Schema())
	}
	return schemas
}

// ChannelAdapter returns the registered adapter for channel, if any.
func (m *Manager) ChannelAdapter(channel string) (domain.ChannelAdapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	adapter, ok := m.adapters[channel]
	if !ok {
		return nil, fmt.Errorf("%w: no channel adapter for %q", domain.ErrPluginNotFound, channel)
	}
	return adapter, nil
}

// List returns every loaded plugin's manifest, for the plugin.list RPC.
func (m *Manager) List() []domain.PluginManifest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.PluginManifest, 0, len(m.manifests))
	for _, manifest := range m.manifests {
		result = append(result, manifest)
	}
	return result
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.manifests)
}

// Shutdown closes every loaded plugin and the shared WASM runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, closeFn := range m.closers {
		if err := closeFn(); err != nil {
			m.logger.Warn("plugin close error during shutdown", "error", err)
		}
	}
	m.closers = nil
	m.tools = make(map[string]domain.Tool)
	m.adapters = make(map[string]domain.ChannelAdapter)
	m.manifests = make(map[string]domain.PluginManifest)
	m.mu.Unlock()

	return m.runtime.Close(ctx)
}
