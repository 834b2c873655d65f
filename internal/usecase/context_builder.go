package usecase

import "alfred-ai/internal/domain"

// ContextAssembler is the pluggable collaborator that turns a session's
// turn log into the message array sent to a provider. SPEC_FULL.md only
// requires the sliding-window policy implemented below; richer memory
// engines are an explicit Non-goal and sit behind this same interface if
// ever added.
type ContextAssembler interface {
	Build(identity *domain.AgentIdentity, turns []domain.Turn, tools []domain.ToolSchema) domain.ChatRequest
}

// SlidingWindowAssembler keeps only the most recent WindowSize turns
// (0 means unbounded) and prepends the agent's system prompt.
type SlidingWindowAssembler struct {
	WindowSize int
}

// NewSlidingWindowAssembler creates an assembler bounded to windowSize turns.
func NewSlidingWindowAssembler(windowSize int) *SlidingWindowAssembler {
	return &SlidingWindowAssembler{WindowSize: windowSize}
}

// Build implements ContextAssembler.
func (a *SlidingWindowAssembler) Build(identity *domain.AgentIdentity, turns []domain.Turn, tools []domain.ToolSchema) domain.ChatRequest {
	windowed := turns
	if a.WindowSize > 0 && len(turns) > a.WindowSize {
		windowed = turns[len(turns)-a.WindowSize:]
	}

	messages := make([]domain.Message, 0, len(windowed)+1)
	if identity.SystemPrompt != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: identity.SystemPrompt})
	}
	messages = append(messages, domain.TurnsToMessages(windowed)...)

	return domain.ChatRequest{
		Model:     identity.Model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: identity.MaxResponseTokens,
		Stream:    true,
	}
}
