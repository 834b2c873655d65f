package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"alfred-ai/internal/domain"
)

// Guest export names a plugin binary may provide. A module must export
// exactly one of handleToolCallExport or the parseIncomingExport/
// formatOutgoingExport pair to be loadable.
const (
	handleToolCallExport = "handle_tool_call"
	parseIncomingExport  = "parse_incoming"
	formatOutgoingExport = "format_outgoing"
	describeExport       = "describe"
)

// WASMPlugin wraps a compiled WASM binary as a domain.Plugin. Every guest
// call gets a fresh api.Module instance: LoadPlugin trial-instantiates once
// to surface a broken binary at registration time, then closes that
// instance immediately. Execute/ParseIncoming/FormatOutgoing each
// instantiate, call, and tear down.
type WASMPlugin struct {
	manifest domain.PluginManifest
	compiled wazero.CompiledModule
	runtime  *Runtime
	sandbox  *Sandbox

	mu     sync.Mutex // serializes guest calls so one hostEnv is safe to reuse
	env    *hostEnv
	hostMu sync.Mutex

	logger *slog.Logger
}

func mustReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrInvalidInput, path, err)
	}
	return b, nil
}

// LoadPlugin compiles the binary at reg.Path, trial-instantiates it once to
// catch a malformed module early, probes its exports to determine whether
// it is a tool or a channel adapter, and builds the resulting
// domain.PluginManifest.
func LoadPlugin(ctx context.Context, rt *Runtime, reg domain.PluginRegistration, sandbox *Sandbox, deps domain.PluginDeps) (*WASMPlugin, error) {
	wasmBytes, err := mustReadFile(reg.Path)
	if err != nil {
		return nil, err
	}

	compiled, err := rt.Inner().CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %v", domain.ErrInvalidInput, reg.Name, err)
	}

	logger := rt.logger.With("plugin", reg.Name)

	env := &hostEnv{
		sandbox: sandbox,
		logger:  logger,
		bus:     deps.EventBus,
		config:  deps.Config,
	}

	p := &WASMPlugin{
		compiled: compiled,
		runtime:  rt,
		sandbox:  sandbox,
		env:      env,
		logger:   logger,
	}

	mod, err := p.instantiate(ctx, reg.Name+"-probe")
	if err != nil {
		return nil, fmt.Errorf("%w: trial instantiate %s: %v", domain.ErrInvalidInput, reg.Name, err)
	}

	kind, toolSchema, channel, err := probeKind(ctx, p, mod, reg.Name)
	mod.guest.Close(ctx)
	mod.host.Close(ctx)
	if err != nil {
		return nil, err
	}

	grants, err := domain.ParseCapabilityGrants(reg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: parse capabilities for %s: %v", domain.ErrConfig, reg.Name, err)
	}

	p.manifest = domain.PluginManifest{
		Name:         reg.Name,
		Kind:         kind,
		Channel:      channel,
		Capabilities: grants,
		ToolSchema:   toolSchema,
	}

	logger.Info("wasm plugin registered", "name", reg.Name, "kind", kind)
	return p, nil
}

// instantiatedPair is a guest module and the host module instance it was
// paired with; both must be closed together.
type instantiatedPair struct {
	guest api.Module
	host  api.Module
}

func (p *WASMPlugin) instantiate(ctx context.Context, suffix string) (instantiatedPair, error) {
	p.hostMu.Lock()
	hostCompiled, err := RegisterHostFunctions(ctx, p.runtime.Inner(), p.env)
	p.hostMu.Unlock()
	if err != nil {
		return instantiatedPair{}, err
	}

	hostMod, err := p.runtime.Inner().InstantiateModule(ctx, hostCompiled,
		wazero.NewModuleConfig().WithName(HostModule+"-"+suffix))
	if err != nil {
		return instantiatedPair{}, fmt.Errorf("%w: instantiate host module: %v", domain.ErrInvalidInput, err)
	}

	guestMod, err := p.runtime.Inner().InstantiateModule(ctx, p.compiled,
		wazero.NewModuleConfig().WithName(p.manifest.Name+"-"+suffix).WithStartFunctions())
	if err != nil {
		hostMod.Close(ctx)
		return instantiatedPair{}, fmt.Errorf("%w: instantiate guest module: %v", domain.ErrInvalidInput, err)
	}

	return instantiatedPair{guest: guestMod, host: hostMod}, nil
}

func probeKind(ctx context.Context, p *WASMPlugin, mod instantiatedPair, name string) (domain.PluginKind, domain.ToolSchema, string, error) {
	hasTool := mod.guest.ExportedFunction(handleToolCallExport) != nil
	hasAdapter := mod.guest.ExportedFunction(parseIncomingExport) != nil &&
		mod.guest.ExportedFunction(formatOutgoingExport) != nil

	switch {
	case hasTool && !hasAdapter:
		schema, err := p.callDescribe(ctx, mod.guest, name)
		if err != nil {
			return "", domain.ToolSchema{}, "", err
		}
		return domain.PluginKindTool, schema, "", nil

	case hasAdapter && !hasTool:
		schema, err := p.callDescribe(ctx, mod.guest, name)
		channel := name
		if err == nil && schema.Name != "" {
			channel = schema.Name
		}
		return domain.PluginKindChannelAdapter, domain.ToolSchema{}, channel, nil

	default:
		return "", domain.ToolSchema{}, "", fmt.Errorf(
			"%w: %s must export exactly one of %s or (%s and %s)",
			domain.ErrInvalidInput, name, handleToolCallExport, parseIncomingExport, formatOutgoingExport)
	}
}

// callDescribe invokes the guest's optional describe() export, which
// returns a JSON-encoded domain.ToolSchema describing the plugin (its name
// doubling as the channel name for channel adapters).
func (p *WASMPlugin) callDescribe(ctx context.Context, guest api.Module, name string) (domain.ToolSchema, error) {
	fn := guest.ExportedFunction(describeExport)
	if fn == nil {
		return domain.ToolSchema{Name: name}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, p.sandbox.ExecTimeout())
	defer cancel()

	results, err := fn.Call(execCtx)
	if err != nil {
		return domain.ToolSchema{}, fmt.Errorf("%w: describe: %v", domain.ErrTool, err)
	}
	if len(results) < 2 {
		return domain.ToolSchema{Name: name}, nil
	}

	data, err := ReadBytes(guest, uint32(results[0]), uint32(results[1]))
	if err != nil {
		return domain.ToolSchema{}, err
	}

	var schema domain.ToolSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return domain.ToolSchema{}, fmt.Errorf("%w: describe returned invalid json: %v", domain.ErrInvalidInput, err)
	}
	if schema.Name == "" {
		schema.Name = name
	}
	return schema, nil
}

// Manifest implements domain.Plugin.
func (p *WASMPlugin) Manifest() domain.PluginManifest {
	return p.manifest
}

// Init implements domain.Plugin.
func (p *WASMPlugin) Init(_ context.Context, deps domain.PluginDeps) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger = deps.Logger
	p.env.logger = deps.Logger
	p.env.bus = deps.EventBus
	p.env.config = deps.Config
	return nil
}

// Close implements domain.Plugin. There is no persistent guest instance to
// tear down; only the compiled module is released.
func (p *WASMPlugin) Close() error {
	return p.compiled.Close(context.Background())
}

// call runs a single fresh-instance guest invocation of the named export
// with input as its (ptr, len) argument, returning the bytes written back
// via tool_result if the guest wrote one, or the export's own return value
// otherwise. Calls are serialized per plugin so a single hostEnv can be
// reused safely across instantiations.
func (p *WASMPlugin) call(ctx context.Context, export string, input []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mod, err := p.instantiate(ctx, callSuffix())
	if err != nil {
		return nil, err
	}
	defer mod.guest.Close(ctx)
	defer mod.host.Close(ctx)

	fn := mod.guest.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("%w: guest does not export %s", domain.ErrTool, export)
	}

	ptr, size, err := WriteBytes(mod.guest, input)
	if err != nil {
		return nil, fmt.Errorf("%w: write input: %v", domain.ErrTool, err)
	}
	defer FreeBytes(mod.guest, ptr, size)

	p.env.toolResult = nil

	execCtx, cancel := context.WithTimeout(ctx, p.sandbox.ExecTimeout())
	defer cancel()

	results, err := fn.Call(execCtx, uint64(ptr), uint64(size))
	if err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrTimeout, export)
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrTool, export, err)
	}

	if p.env.toolResult != nil {
		return p.env.toolResult, nil
	}
	if len(results) >= 2 {
		outPtr, outLen := uint32(results[0]), uint32(results[1])
		if outPtr != 0 && outLen != 0 {
			return ReadBytes(mod.guest, outPtr, outLen)
		}
	}
	return nil, nil
}

var callCounter uint64

func callSuffix() string {
	callCounter++
	return fmt.Sprintf("call-%d-%d", callCounter, time.Now().UnixNano())
}

// --- domain.Tool ---

// Name implements domain.Tool.
func (p *WASMPlugin) Name() string { return p.manifest.Name }

// Description implements domain.Tool.
func (p *WASMPlugin) Description() string { return p.manifest.ToolSchema.Description }

// Schema implements domain.Tool.
func (p *WASMPlugin) Schema() domain.ToolSchema { return p.manifest.ToolSchema }

// Execute implements domain.Tool. It invokes the guest's handle_tool_call
// export with the tool call's raw arguments and parses the guest's
// tool_result output into a domain.ToolResult.
func (p *WASMPlugin) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	out, err := p.call(ctx, handleToolCallExport, params)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return &domain.ToolResult{Content: ""}, nil
	}

	var result domain.ToolResult
	if err := json.Unmarshal(out, &result); err != nil {
		return &domain.ToolResult{Content: string(out)}, nil
	}
	return &result, nil
}

// --- domain.ChannelAdapter ---

// ParseIncoming implements domain.ChannelAdapter.
func (p *WASMPlugin) ParseIncoming(ctx context.Context, raw json.RawMessage) (*domain.InboundEnvelope, error) {
	out, err := p.call(ctx, parseIncomingExport, raw)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: parse_incoming returned no data", domain.ErrInvalidInput)
	}

	var env domain.InboundEnvelope
	if err := json.Unmarshal(out, &env); err != nil {
		return nil, fmt.Errorf("%w: parse_incoming returned invalid json: %v", domain.ErrInvalidInput, err)
	}
	return &env, nil
}

// FormatOutgoing implements domain.ChannelAdapter.
func (p *WASMPlugin) FormatOutgoing(ctx context.Context, text string, env *domain.InboundEnvelope) (json.RawMessage, error) {
	input, err := json.Marshal(struct {
		Text     string                 `json:"text"`
		Envelope *domain.InboundEnvelope `json:"envelope"`
	}{Text: text, Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal format_outgoing input: %v", domain.ErrTool, err)
	}

	out, err := p.call(ctx, formatOutgoingExport, input)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
