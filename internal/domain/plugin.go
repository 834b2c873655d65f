package domain

import (
	"context"
	"encoding/json"
	"log/slog"
)

// PluginKind classifies what a registered WASM plugin provides.
type PluginKind string

const (
	PluginKindTool           PluginKind = "tool"
	PluginKindChannelAdapter PluginKind = "channel_adapter"
)

// PluginRegistration is the static, config-driven description of a plugin
// to load into the sandbox host at startup.
type PluginRegistration struct {
	Name         string     `json:"name"              yaml:"name"`
	Path         string     `json:"binary_path"       yaml:"binary_path"`
	Kind         PluginKind `json:"kind,omitempty"    yaml:"kind,omitempty"`
	Capabilities []string   `json:"capabilities"      yaml:"capabilities"`
}

// PluginManifest is what the sandbox host learns about a plugin once it has
// been loaded and probed: its kind and, for tool plugins, its schema.
type PluginManifest struct {
	Name         string
	Kind         PluginKind
	Channel      string // set when Kind == PluginKindChannelAdapter
	Capabilities []CapabilityGrant
	ToolSchema   ToolSchema // populated when Kind == PluginKindTool
}

// PluginDeps are dependencies injected into a plugin during Init.
type PluginDeps struct {
	Logger   *slog.Logger
	EventBus EventBus
	Config   json.RawMessage
}

// Plugin is the interface every in-process plugin implementation (WASM or
// otherwise) must satisfy.
type Plugin interface {
	Manifest() PluginManifest
	Init(ctx context.Context, deps PluginDeps) error
	Close() error
}

// ChannelAdapter is the interface a channel-adapter plugin exposes on top
// of Plugin: translating inbound webhook payloads into normalized envelopes
// and outbound envelopes back into channel-specific wire payloads.
type ChannelAdapter interface {
	Plugin
	ParseIncoming(ctx context.Context, raw json.RawMessage) (*InboundEnvelope, error)
	FormatOutgoing(ctx context.Context, text string, env *InboundEnvelope) (json.RawMessage, error)
}

// InboundEnvelope is the normalized shape a channel adapter's parse_incoming
// export must produce, used to resolve a Binding and build a SessionKey.
type InboundEnvelope struct {
	Account string `json:"account"`
	Peer    string `json:"peer,omitempty"`
	Guild   string `json:"guild,omitempty"`
	Team    string `json:"team,omitempty"`
	Text    string `json:"text"`
}
