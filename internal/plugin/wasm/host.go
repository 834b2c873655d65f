package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"alfred-ai/internal/domain"
)

// HostModule is the namespace under which host functions are registered.
const HostModule = "alfred_v1"

// hostEnv holds the dependencies injected into host functions. One hostEnv
// is shared by every instantiation of a given plugin's guest module; callers
// hold WASMPlugin.mu for the duration of a guest call so toolResult never
// races across instances.
type hostEnv struct {
	sandbox    *Sandbox
	logger     *slog.Logger
	bus        domain.EventBus
	config     json.RawMessage
	toolResult []byte // last tool result written by guest during the in-flight call
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// RegisterHostFunctions registers the alfred_v1 host module on the given
// runtime. log, get_config, emit_event and tool_result are always available
// to every plugin; http_fetch and store_get/store_set are each exported
// only if env.sandbox.HasHostFunction grants that name — an ungranted
// function is absent from the module's exports entirely, so a guest that
// imports it fails to link rather than merely being denied when it calls
// in. The per-call HostAllowed/ScopeAllowed checks inside http_fetch and
// store_get/store_set are a separate, narrower axis (which host/scope,
// not which function).
func RegisterHostFunctions(ctx context.Context, rt wazero.Runtime, env *hostEnv) (wazero.CompiledModule, error) {
	builder := rt.NewHostModuleBuilder(HostModule)

	// log(level, ptr, len) — always allowed.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			level := int32(stack[0])
			ptr := uint32(stack[1])
			size := uint32(stack[2])

			msg, err := ReadString(mod, ptr, size)
			if err != nil {
				env.logger.Error("wasm log: read failed", "error", err)
				return
			}

			switch {
			case level <= 0:
				env.logger.Debug(msg)
			case level == 1:
				env.logger.Info(msg)
			case level == 2:
				env.logger.Warn(msg)
			default:
				env.logger.Error(msg)
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("log")

	// get_config(key_ptr, key_len) → (ptr, len) — always allowed.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			data := env.config
			if data == nil {
				data = []byte("{}")
			}
			ptr, size, err := WriteBytes(mod, data)
			if err != nil {
				env.logger.Error("wasm get_config: write failed", "error", err)
				stack[0], stack[1] = 0, 0
				return
			}
			stack[0] = uint64(ptr)
			stack[1] = uint64(size)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
		Export("get_config")

	// emit_event(type_ptr, type_len, payload_ptr, payload_len) — always allowed.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			typePtr, typeLen := uint32(stack[0]), uint32(stack[1])
			payloadPtr, payloadLen := uint32(stack[2]), uint32(stack[3])

			eventType, err := ReadString(mod, typePtr, typeLen)
			if err != nil {
				env.logger.Error("wasm emit_event: read type failed", "error", err)
				return
			}
			payload, err := ReadBytes(mod, payloadPtr, payloadLen)
			if err != nil {
				env.logger.Error("wasm emit_event: read payload failed", "error", err)
				return
			}

			if env.bus != nil {
				env.bus.Publish(ctx, domain.Event{
					Type:      domain.EventType(eventType),
					Timestamp: time.Now(),
					Payload:   json.RawMessage(payload),
				})
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("emit_event")

	// tool_result(ptr, len) — always allowed; tools use it to hand their
	// result back to the host at the end of tool_execute.
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			ptr, size := uint32(stack[0]), uint32(stack[1])

			data, err := ReadBytes(mod, ptr, size)
			if err != nil {
				env.logger.Error("wasm tool_result: read failed", "error", err)
				return
			}
			env.toolResult = data
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("tool_result")

	// http_fetch(url_ptr, url_len) → (ptr, len) — only exported if the
	// plugin was granted hostfn:http_fetch; the target host is then
	// additionally checked per-call against the CapabilityHTTPHost grants.
	if env.sandbox.HasHostFunction("http_fetch") {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				urlPtr, urlLen := uint32(stack[0]), uint32(stack[1])

				rawURL, err := ReadString(mod, urlPtr, urlLen)
				if err != nil {
					env.logger.Error("wasm http_fetch: read url failed", "error", err)
					stack[0], stack[1] = 0, 0
					return
				}

				body, err := fetchURL(ctx, env.sandbox, rawURL)
				if err != nil {
					env.logger.Warn("wasm http_fetch denied or failed", "url", rawURL, "error", err)
					stack[0], stack[1] = 0, 0
					return
				}

				ptr, size, err := WriteBytes(mod, body)
				if err != nil {
					env.logger.Error("wasm http_fetch: write response failed", "error", err)
					stack[0], stack[1] = 0, 0
					return
				}
				stack[0] = uint64(ptr)
				stack[1] = uint64(size)
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
			Export("http_fetch")
	}

	// store_get(scope_ptr, scope_len, key_ptr, key_len) → (ptr, len) —
	// only exported if the plugin was granted hostfn:store_get; the scope
	// is then additionally checked per-call against CapabilityStoreScope.
	if env.sandbox.HasHostFunction("store_get") {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				scopePtr, scopeLen := uint32(stack[0]), uint32(stack[1])
				keyPtr, keyLen := uint32(stack[2]), uint32(stack[3])

				scope, err := ReadString(mod, scopePtr, scopeLen)
				if err != nil {
					stack[0], stack[1] = 0, 0
					return
				}
				key, err := ReadString(mod, keyPtr, keyLen)
				if err != nil {
					stack[0], stack[1] = 0, 0
					return
				}

				if !env.sandbox.ScopeAllowed(scope) {
					env.logger.Warn("wasm store_get: scope not granted", "scope", scope)
					stack[0], stack[1] = 0, 0
					return
				}

				value, ok := env.sandbox.StoreGet(scope, key)
				if !ok {
					stack[0], stack[1] = 0, 0
					return
				}

				ptr, size, err := WriteBytes(mod, value)
				if err != nil {
					stack[0], stack[1] = 0, 0
					return
				}
				stack[0] = uint64(ptr)
				stack[1] = uint64(size)
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}).
			Export("store_get")
	}

	// store_set(scope_ptr, scope_len, key_ptr, key_len, val_ptr, val_len) —
	// only exported if the plugin was granted hostfn:store_set; the scope
	// is then additionally checked per-call against CapabilityStoreScope.
	if env.sandbox.HasHostFunction("store_set") {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				scopePtr, scopeLen := uint32(stack[0]), uint32(stack[1])
				keyPtr, keyLen := uint32(stack[2]), uint32(stack[3])
				valPtr, valLen := uint32(stack[4]), uint32(stack[5])

				scope, err := ReadString(mod, scopePtr, scopeLen)
				if err != nil {
					return
				}
				key, err := ReadString(mod, keyPtr, keyLen)
				if err != nil {
					return
				}
				val, err := ReadBytes(mod, valPtr, valLen)
				if err != nil {
					return
				}

				if !env.sandbox.ScopeAllowed(scope) {
					env.logger.Warn("wasm store_set: scope not granted", "scope", scope)
					return
				}
				env.sandbox.StoreSet(scope, key, val)
			}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
			Export("store_set")
	}

	compiled, err := builder.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: compile host module: %v", domain.ErrInvalidInput, err)
	}

	return compiled, nil
}

// fetchURL performs a capability-checked outbound HTTP GET on behalf of a guest.
func fetchURL(ctx context.Context, sandbox *Sandbox, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", domain.ErrInvalidInput, err)
	}
	if !sandbox.HostAllowed(req.URL.Hostname()) {
		return nil, fmt.Errorf("%w: host %q not granted", domain.ErrPermissionDenied, req.URL.Hostname())
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", domain.ErrTool, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTool, err)
	}
	return body, nil
}
