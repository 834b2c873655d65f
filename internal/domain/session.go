package domain

import (
	"fmt"
	"strings"
)

// SessionKey identifies a conversation thread. It is always built through
// NewSessionKey so the pipe-delimited encoding stays in one place.
type SessionKey struct {
	AgentID string
	Channel string
	Account string
	Peer    string
}

// NewSessionKey builds a SessionKey from a resolved binding. Peer defaults
// to "main" when the inbound message carried no peer identifier, mirroring
// a direct (non-threaded) conversation with the account as a whole.
func NewSessionKey(agentID, channel, account, peer string) SessionKey {
	if peer == "" {
		peer = "main"
	}
	return SessionKey{AgentID: agentID, Channel: channel, Account: account, Peer: peer}
}

// String renders the pipe-delimited wire/storage form.
func (k SessionKey) String() string {
	return strings.Join([]string{k.AgentID, k.Channel, k.Account, k.Peer}, "|")
}

// ParseSessionKey parses the pipe-delimited form produced by String.
func ParseSessionKey(s string) (SessionKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return SessionKey{}, fmt.Errorf("%w: session key %q must have 4 pipe-delimited fields", ErrInvalidInput, s)
	}
	return SessionKey{AgentID: parts[0], Channel: parts[1], Account: parts[2], Peer: parts[3]}, nil
}

// Binding maps an inbound message's routing coordinates to an agent
// identity. At least one of the selectors below the agent/channel pair must
// be non-nil for the binding to be considered specific; a fully-nil binding
// is the default fallback.
type Binding struct {
	AgentID string  `json:"agent_id"         yaml:"agent_id"`
	Channel string  `json:"channel,omitempty" yaml:"channel,omitempty"`
	Account *string `json:"account,omitempty" yaml:"account,omitempty"`
	Peer    *string `json:"peer,omitempty"    yaml:"peer,omitempty"`
	Guild   *string `json:"guild,omitempty"   yaml:"guild,omitempty"`
	Team    *string `json:"team,omitempty"    yaml:"team,omitempty"`
}

// HasSelector reports whether the binding names at least one scoping field
// beyond the default channel-wide match.
func (b Binding) HasSelector() bool {
	return b.Account != nil || b.Peer != nil || b.Guild != nil || b.Team != nil
}

// TurnKind discriminates the Turn union.
type TurnKind string

const (
	TurnUserText      TurnKind = "user_text"
	TurnAssistantText TurnKind = "assistant_text"
	TurnToolUse       TurnKind = "tool_use"
	TurnToolResult    TurnKind = "tool_result"
)

// Turn is one entry in a session's append-only log. Exactly one of the
// fields matching Kind is populated; the rest are zero.
type Turn struct {
	Kind TurnKind

	Text string // TurnUserText, TurnAssistantText

	ToolCallID   string // TurnToolUse, TurnToolResult
	ToolName     string // TurnToolUse
	ToolArgs     []byte // TurnToolUse, raw JSON
	ToolResult   string // TurnToolResult
	ToolIsError  bool   // TurnToolResult
}

// CapabilityKind discriminates a CapabilityGrant.
type CapabilityKind string

const (
	CapabilityHTTPHost    CapabilityKind = "http_host"
	CapabilityHostFunc    CapabilityKind = "host_function"
	CapabilityStoreScope  CapabilityKind = "store_scope"
)

// CapabilityGrant is one entry in a plugin's capability list, parsed from
// the "type:value" configuration strings in SPEC_FULL.md section 6
// (http:HOST, hostfn:NAME, store:SCOPE).
type CapabilityGrant struct {
	Kind  CapabilityKind
	Value string
}

// ParseCapabilityGrant parses a single "type:value" capability string.
func ParseCapabilityGrant(s string) (CapabilityGrant, error) {
	idx := strings.Index(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return CapabilityGrant{}, fmt.Errorf("%w: malformed capability %q", ErrInvalidInput, s)
	}
	kind, value := s[:idx], s[idx+1:]

	switch kind {
	case "http":
		return CapabilityGrant{Kind: CapabilityHTTPHost, Value: value}, nil
	case "hostfn":
		return CapabilityGrant{Kind: CapabilityHostFunc, Value: value}, nil
	case "store":
		return CapabilityGrant{Kind: CapabilityStoreScope, Value: value}, nil
	default:
		return CapabilityGrant{}, fmt.Errorf("%w: unknown capability type %q", ErrInvalidInput, kind)
	}
}

// ParseCapabilityGrants parses every entry, failing on the first bad one.
func ParseCapabilityGrants(entries []string) ([]CapabilityGrant, error) {
	grants := make([]CapabilityGrant, 0, len(entries))
	for _, e := range entries {
		g, err := ParseCapabilityGrant(e)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// AllowedHosts returns the set of hostnames granted via CapabilityHTTPHost.
func AllowedHosts(grants []CapabilityGrant) []string {
	var hosts []string
	for _, g := range grants {
		if g.Kind == CapabilityHTTPHost {
			hosts = append(hosts, g.Value)
		}
	}
	return hosts
}

// HasHostFunction reports whether name was granted via CapabilityHostFunc.
func HasHostFunction(grants []CapabilityGrant, name string) bool {
	for _, g := range grants {
		if g.Kind == CapabilityHostFunc && g.Value == name {
			return true
		}
	}
	return false
}

// StoreScopes returns the set of namespaces granted via CapabilityStoreScope.
func StoreScopes(grants []CapabilityGrant) []string {
	var scopes []string
	for _, g := range grants {
		if g.Kind == CapabilityStoreScope {
			scopes = append(scopes, g.Value)
		}
	}
	return scopes
}
