package domain

import "time"

// Role constants for provider-facing message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in a provider-facing chat request, distinct
// from Turn (the session log's append-only record). TurnsToMessages
// converts a turn log into messages.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChatRequest is sent to an LLMProvider.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

// ChatResponse is a complete (non-streaming) response from an LLMProvider.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption for a single provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TurnsToMessages renders a session's turn log into the provider-facing
// message list, folding tool_use/tool_result pairs into the assistant and
// tool roles a chat completion API expects.
func TurnsToMessages(turns []Turn) []Message {
	msgs := make([]Message, 0, len(turns))
	for _, t := range turns {
		switch t.Kind {
		case TurnUserText:
			msgs = append(msgs, Message{Role: RoleUser, Content: t.Text})
		case TurnAssistantText:
			msgs = append(msgs, Message{Role: RoleAssistant, Content: t.Text})
		case TurnToolUse:
			msgs = append(msgs, Message{
				Role: RoleAssistant,
				ToolCalls: []ToolCall{{
					ID:        t.ToolCallID,
					Name:      t.ToolName,
					Arguments: t.ToolArgs,
				}},
			})
		case TurnToolResult:
			msgs = append(msgs, Message{
				Role:      RoleTool,
				Name:      t.ToolCallID,
				Content:   t.ToolResult,
				ToolCalls: []ToolCall{{ID: t.ToolCallID}},
			})
		}
	}
	return msgs
}
