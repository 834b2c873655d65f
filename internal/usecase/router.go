package usecase

import (
	"alfred-ai/internal/domain"
)

// Router resolves an inbound message's routing coordinates to an agent
// identity and a SessionKey. Binding priority is peer > guild > team >
// account > channel > default, matching the most specific binding whose
// selectors all agree with the message's coordinates.
type Router struct {
	bindings []domain.Binding
	agents   map[string]*domain.AgentIdentity
}

// NewRouter builds a Router from the configured bindings and agent
// identities. Bindings are tried in the priority order above regardless of
// their position in the input slice.
func NewRouter(bindings []domain.Binding, agents map[string]*domain.AgentIdentity) *Router {
	return &Router{bindings: bindings, agents: agents}
}

// Route implements domain.AgentRouter.
func (r *Router) Route(rc domain.RouteContext) (*domain.AgentIdentity, domain.SessionKey, error) {
	b := r.resolve(rc)
	if b == nil {
		return nil, domain.SessionKey{}, domain.NewDomainError("Router.Route", domain.ErrRouting, "no binding matches")
	}

	agent, ok := r.agents[b.AgentID]
	if !ok {
		return nil, domain.SessionKey{}, domain.NewDomainError("Router.Route", domain.ErrRouting, "agent "+b.AgentID+" not configured")
	}

	key := domain.NewSessionKey(b.AgentID, rc.Channel, rc.Account, rc.Peer)
	return agent, key, nil
}

// resolve picks the single most specific binding for rc, trying each of the
// six selector tiers (peer, guild, team, account, channel, default) from
// most to least specific regardless of the bindings' declaration order.
// Within a tier, the first matching binding in configuration order wins.
func (r *Router) resolve(rc domain.RouteContext) *domain.Binding {
	if rc.Peer != "" {
		if b := r.matchTier(rc, func(b domain.Binding) bool {
			return b.Peer != nil && *b.Peer == rc.Peer
		}); b != nil {
			return b
		}
	}
	if rc.Guild != "" {
		if b := r.matchTier(rc, func(b domain.Binding) bool {
			return b.Guild != nil && *b.Guild == rc.Guild
		}); b != nil {
			return b
		}
	}
	if rc.Team != "" {
		if b := r.matchTier(rc, func(b domain.Binding) bool {
			return b.Team != nil && *b.Team == rc.Team
		}); b != nil {
			return b
		}
	}
	if rc.Account != "" {
		if b := r.matchTier(rc, func(b domain.Binding) bool {
			// Only consider account-tier bindings that do not also pin a
			// peer/guild/team, which would make them more specific than
			// this tier (and they would have matched above had rc agreed).
			return b.Account != nil && *b.Account == rc.Account &&
				b.Peer == nil && b.Guild == nil && b.Team == nil
		}); b != nil {
			return b
		}
	}
	// Channel tier: a binding naming only this channel, no other selector.
	// Tried before the channel-agnostic default regardless of declaration
	// order, so a channel-specific binding always outranks the default.
	if rc.Channel != "" {
		if b := r.matchTier(rc, func(b domain.Binding) bool {
			return b.Channel == rc.Channel && !b.HasSelector() && b.Channel != ""
		}); b != nil {
			return b
		}
	}
	// Channel-agnostic default: a binding naming no selector at all.
	return r.matchTier(rc, func(b domain.Binding) bool {
		return !b.HasSelector() && b.Channel == ""
	})
}

// matchTier tries bindings in configuration order. A binding with an empty
// Channel is channel-agnostic (e.g. a true default agent) and matches any
// rc.Channel; a non-empty Channel must match exactly.
func (r *Router) matchTier(rc domain.RouteContext, pred func(domain.Binding) bool) *domain.Binding {
	for i := range r.bindings {
		b := r.bindings[i]
		if b.Channel != "" && b.Channel != rc.Channel {
			continue
		}
		// Every selector the binding pins must agree with rc, not only the
		// one that defines the tier.
		if (b.Peer != nil && *b.Peer != rc.Peer) || (b.Guild != nil && *b.Guild != rc.Guild) ||
			(b.Team != nil && *b.Team != rc.Team) || (b.Account != nil && *b.Account != rc.Account) {
			continue
		}
		if pred(b) {
			return &r.bindings[i]
		}
	}
	return nil
}
