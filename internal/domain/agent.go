package domain

// AgentIdentity describes one configured agent: which provider and model it
// talks to, what tools it may call, and an optional fallback identity used
// when the primary provider fails on the first round of a turn.
type AgentIdentity struct {
	ID                string   `json:"id"                  yaml:"id"`
	Provider          string   `json:"provider"             yaml:"provider"`
	Model             string   `json:"model"                yaml:"model"`
	MaxResponseTokens int      `json:"max_response_tokens"  yaml:"max_response_tokens"`
	SystemPrompt      string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Tools             []string `json:"tools,omitempty"      yaml:"tools,omitempty"`
	Fallback          *AgentIdentity `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// AgentRouter decides which agent identity and session a routed message
// belongs to.
type AgentRouter interface {
	Route(rc RouteContext) (*AgentIdentity, SessionKey, error)
}

// RouteContext carries the coordinates a Binding matches against.
type RouteContext struct {
	Channel string
	Account string
	Peer    string
	Guild   string
	Team    string
}

// AgentStatus is a read-only snapshot returned by the status RPC method.
type AgentStatus struct {
	Version      string `json:"version"`
	PluginCount  int    `json:"plugin_count"`
	SessionCount int    `json:"session_count"`
}
