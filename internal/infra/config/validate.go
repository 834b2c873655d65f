package config

import (
	"fmt"

	"alfred-ai/internal/domain"
)

// ValidationError names the exact section and key a config problem was
// found under, so main can print a single line identifying the failure
// per spec.md §6 exit codes ("a single-line message naming the failing
// section and key").
type ValidationError struct {
	Section string
	Key     string
	Message string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s", v.Section, v.Key, v.Message)
}

func add(errs *[]ValidationError, section, key, format string, args ...any) {
	*errs = append(*errs, ValidationError{
		Section: section,
		Key:     key,
		Message: fmt.Sprintf(format, args...),
	})
}

// Validate checks cfg for structural correctness, returning every problem
// found rather than stopping at the first. Call before constructing any
// component: a non-empty result is a ConfigError and the process must not
// start.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	validateGateway(cfg, &errs)
	validateAgentChain(cfg, &errs)
	validateProviders(cfg, &errs)
	validatePlugins(cfg, &errs)
	validateBindings(cfg, &errs)
	validateMemory(cfg, &errs)
	return errs
}

func validateGateway(cfg *Config, errs *[]ValidationError) {
	g := cfg.Gateway
	if g.Bind == "" {
		add(errs, "gateway", "bind", "must not be empty")
	}
	if g.Port <= 0 || g.Port > 65535 {
		add(errs, "gateway", "port", "must be between 1 and 65535 (got %d)", g.Port)
	}
	if g.MaxFrameBytes <= 0 {
		add(errs, "gateway", "max_frame_bytes", "must be > 0")
	}
	if g.MaxStreamsPerConnection <= 0 {
		add(errs, "gateway", "max_streams_per_connection", "must be > 0")
	}
	if !g.Loopback() && g.Token == "" {
		add(errs, "gateway", "token", "is required when bind is not loopback")
	}
}

// validateAgentChain validates the agent identity and walks its fallback
// chain, each link subject to the same checks plus a cycle guard.
func validateAgentChain(cfg *Config, errs *[]ValidationError) {
	seen := map[string]bool{}
	id := &cfg.Agent
	for depth := 0; id != nil; depth++ {
		if depth > 8 {
			add(errs, "agent", "fallback", "fallback chain exceeds 8 links (likely a cycle)")
			return
		}
		validateOneAgent(*id, "agent", errs)
		if seen[id.ID] {
			add(errs, "agent", "fallback", "fallback chain revisits agent id %q", id.ID)
			return
		}
		seen[id.ID] = true
		id = id.Fallback
	}
}

func validateOneAgent(a domain.AgentIdentity, section string, errs *[]ValidationError) {
	if a.ID == "" {
		add(errs, section, "id", "must not be empty")
	}
	if a.Provider == "" {
		add(errs, section, "provider", "must not be empty")
	}
	if a.Model == "" {
		add(errs, section, "model", "must not be empty")
	}
	if a.MaxResponseTokens <= 0 {
		add(errs, section, "max_response_tokens", "must be > 0")
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"bedrock":   true,
}

func validateProviders(cfg *Config, errs *[]ValidationError) {
	seen := map[string]bool{}
	for i, p := range cfg.Providers {
		key := fmt.Sprintf("providers[%d]", i)
		if p.Name == "" {
			add(errs, "providers", key+".name", "must not be empty")
			continue
		}
		if seen[p.Name] {
			add(errs, "providers", key+".name", "duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			add(errs, "providers", key+".type", "%q is invalid (want: openai, anthropic, bedrock)", p.Type)
		}
		if p.Model == "" {
			add(errs, "providers", key+".model", "must not be empty")
		}
		if p.Type == "bedrock" && p.Region == "" {
			add(errs, "providers", key+".region", "is required for the bedrock provider type")
		}
	}

	for _, tag := range agentProviderTags(&cfg.Agent) {
		if !seen[tag] {
			add(errs, "agent", "provider", "%q does not match any entry in providers[]", tag)
		}
	}
}

func agentProviderTags(a *domain.AgentIdentity) []string {
	var tags []string
	for id := a; id != nil; id = id.Fallback {
		tags = append(tags, id.Provider)
	}
	return tags
}

func validatePlugins(cfg *Config, errs *[]ValidationError) {
	seen := map[string]bool{}
	for i, p := range cfg.Plugins {
		key := fmt.Sprintf("plugins[%d]", i)
		if p.Name == "" {
			add(errs, "plugins", key+".name", "must not be empty")
			continue
		}
		if seen[p.Name] {
			add(errs, "plugins", key+".name", "duplicate plugin name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Path == "" {
			add(errs, "plugins", key+".binary_path", "must not be empty")
		}
		if p.Kind != "" && p.Kind != domain.PluginKindTool && p.Kind != domain.PluginKindChannelAdapter {
			add(errs, "plugins", key+".kind", "%q is invalid (want: tool, channel_adapter)", p.Kind)
		}
		if _, err := domain.ParseCapabilityGrants(p.Capabilities); err != nil {
			add(errs, "plugins", key+".capabilities", "%v", err)
		}
	}
}

func validateBindings(cfg *Config, errs *[]ValidationError) {
	agents := map[string]bool{}
	for id := &cfg.Agent; id != nil; id = id.Fallback {
		agents[id.ID] = true
	}
	for i, b := range cfg.Bindings {
		key := fmt.Sprintf("bindings[%d]", i)
		if b.AgentID == "" {
			add(errs, "bindings", key+".agent_id", "must not be empty")
			continue
		}
		if !agents[b.AgentID] {
			add(errs, "bindings", key+".agent_id", "%q does not match the configured agent or its fallback chain", b.AgentID)
		}
	}
}

func validateMemory(cfg *Config, errs *[]ValidationError) {
	if cfg.Memory == nil {
		return
	}
	if cfg.Memory.EpisodicWindow < 0 {
		add(errs, "memory", "episodic_window", "must be >= 0")
	}
}
