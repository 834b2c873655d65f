package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfred-ai/internal/domain"
)

func strptr(s string) *string { return &s }

func agentMap(ids ...string) map[string]*domain.AgentIdentity {
	m := make(map[string]*domain.AgentIdentity, len(ids))
	for _, id := range ids {
		m[id] = &domain.AgentIdentity{ID: id, Provider: "openai", Model: "gpt-4o-mini", MaxResponseTokens: 512}
	}
	return m
}

func TestRouterDefaultChannelAgnosticBinding(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "default"},
	}, agentMap("default"))

	agent, key, err := r.Route(domain.RouteContext{Channel: "slack", Account: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "default", agent.ID)
	assert.Equal(t, "default", key.AgentID)
	assert.Equal(t, "slack", key.Channel)
}

func TestRouterChannelSpecificDefault(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "slack-bot", Channel: "slack"},
		{AgentID: "default"},
	}, agentMap("slack-bot", "default"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "slack"})
	require.NoError(t, err)
	assert.Equal(t, "slack-bot", agent.ID)

	agent, _, err = r.Route(domain.RouteContext{Channel: "discord"})
	require.NoError(t, err)
	assert.Equal(t, "default", agent.ID)
}

// TestRouterChannelBeatsDefaultRegardlessOfOrder pins the channel tier as
// strictly higher priority than the channel-agnostic default, independent
// of where each binding sits in the config. Declaring the default first
// must not let it shadow a later, more specific channel binding.
func TestRouterChannelBeatsDefaultRegardlessOfOrder(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "default"},
		{AgentID: "slack-bot", Channel: "slack"},
	}, agentMap("slack-bot", "default"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "slack"})
	require.NoError(t, err)
	assert.Equal(t, "slack-bot", agent.ID)

	agent, _, err = r.Route(domain.RouteContext{Channel: "discord"})
	require.NoError(t, err)
	assert.Equal(t, "default", agent.ID)
}

func TestRouterPeerBeatsEverything(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "by-peer", Channel: "slack", Peer: strptr("p1")},
		{AgentID: "by-account", Channel: "slack", Account: strptr("a1")},
		{AgentID: "default"},
	}, agentMap("by-peer", "by-account", "default"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "slack", Peer: "p1", Account: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "by-peer", agent.ID)
}

func TestRouterGuildBeatsAccount(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "by-guild", Channel: "discord", Guild: strptr("g1")},
		{AgentID: "by-account", Channel: "discord", Account: strptr("a1")},
	}, agentMap("by-guild", "by-account"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "discord", Guild: "g1", Account: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "by-guild", agent.ID)
}

func TestRouterTeamBeatsAccount(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "by-team", Channel: "slack", Team: strptr("t1")},
		{AgentID: "by-account", Channel: "slack", Account: strptr("a1")},
	}, agentMap("by-team", "by-account"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "slack", Team: "t1", Account: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "by-team", agent.ID)
}

func TestRouterAccountTierExcludesMoreSpecificBindings(t *testing.T) {
	// An account-scoped binding that ALSO pins a peer is more specific than
	// the account tier and must not be picked as a plain account match for a
	// different peer.
	r := NewRouter([]domain.Binding{
		{AgentID: "peer-and-account", Channel: "slack", Account: strptr("a1"), Peer: strptr("p1")},
		{AgentID: "default"},
	}, agentMap("peer-and-account", "default"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "slack", Account: "a1", Peer: "p2"})
	require.NoError(t, err)
	assert.Equal(t, "default", agent.ID)
}

func TestRouterNoMatchReturnsError(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "slack-bot", Channel: "slack"},
	}, agentMap("slack-bot"))

	_, _, err := r.Route(domain.RouteContext{Channel: "discord"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRouting)
}

func TestRouterBindingReferencesUnknownAgent(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "ghost"},
	}, agentMap("default"))

	_, _, err := r.Route(domain.RouteContext{Channel: "slack"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRouting)
}

func TestRouterConfigurationOrderWinsWithinTier(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "first", Channel: "slack", Account: strptr("a1")},
		{AgentID: "second", Channel: "slack", Account: strptr("a1")},
	}, agentMap("first", "second"))

	agent, _, err := r.Route(domain.RouteContext{Channel: "slack", Account: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "first", agent.ID)
}

func TestRouterSessionKeyUsesResolvedAgentID(t *testing.T) {
	r := NewRouter([]domain.Binding{
		{AgentID: "bound-agent", Channel: "slack", Peer: strptr("p1")},
	}, agentMap("bound-agent"))

	_, key, err := r.Route(domain.RouteContext{Channel: "slack", Peer: "p1", Account: "a1"})
	require.NoError(t, err)
	assert.Equal(t, domain.NewSessionKey("bound-agent", "slack", "a1", "p1"), key)
}
