//go:build integration

package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/config"
)

// TestStream_ToolCallsInStream tests streaming responses that include tool calls.
func TestStream_ToolCallsInStream(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tests := []struct {
		name     string
		provider func() domain.StreamingLLMProvider
		envVar   string
		model    string
	}{
		{
			name: "OpenAI",
			provider: func() domain.StreamingLLMProvider {
				return NewOpenAIProvider(config.ProviderConfig{
					Name:    "openai-stream-test",
					Type:    "openai",
					BaseURL: "https://api.openai.com/v1",
					APIKey:  os.Getenv("OPENAI_API_KEY"),
					Model:   "gpt-4-turbo-preview",
				}, slog.Default())
			},
			envVar: "OPENAI_API_KEY",
			model:  "gpt-4-turbo-preview",
		},
		{
			name: "Anthropic",
			provider: func() domain.StreamingLLMProvider {
				return NewAnthropicProvider(config.ProviderConfig{
					Name:    "anthropic-stream-test",
					Type:    "anthropic",
					BaseURL: "https://api.anthropic.com/v1",
					APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
					Model:   "claude-3-5-sonnet-20241022",
				}, slog.Default())
			},
			envVar: "ANTHROPIC_API_KEY",
			model:  "claude-3-5-sonnet-20241022",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if os.Getenv(tt.envVar) == "" {
				t.Skipf("%s not set", tt.envVar)
			}

			provider := tt.provider()
			ctx := context.Background()

			tools := []domain.ToolSchema{
				{Name: "get_weather", Description: "Get weather for a location", Parameters: json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`)},
				{Name: "get_time", Description: "Get current time", Parameters: json.RawMessage(`{"type":"object","properties":{"location":{"type":"string"}},"required":["location"]}`)},
			}

			req := domain.ChatRequest{
				Model: tt.model,
				Messages: []domain.Message{
					{Role: domain.RoleUser, Content: "What's the weather and time in Paris?"},
				},
				Tools:  tools,
				Stream: true,
			}

			if tt.name == "Anthropic" {
				req.MaxTokens = 1024
			}

			streamChan, err := provider.ChatStream(ctx, req)
			if err != nil {
				t.Fatalf("ChatStream failed: %v", err)
			}

			var content strings.Builder
			pending := map[int]*domain.ToolCall{}
			var order []int

			for ev := range streamChan {
				switch ev.Kind {
				case domain.StreamTextDelta:
					content.WriteString(ev.TextDelta)
				case domain.StreamToolUseBegin:
					pending[ev.Index] = &domain.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName}
					order = append(order, ev.Index)
				case domain.StreamError:
					t.Fatalf("stream error: %v", ev.Err)
				}
			}

			if len(order) < 1 {
				t.Logf("Note: expected at least 1 tool call in stream, got 0. Content: %s", content.String())
				return
			}

			t.Logf("Received %d tool calls via stream", len(order))

			ids := make(map[string]bool)
			for _, idx := range order {
				tc := pending[idx]
				if tc.ID == "" {
					t.Errorf("Tool call %s has empty ID in stream", tc.Name)
				}
				if ids[tc.ID] {
					t.Errorf("Duplicate tool_call_id in stream: %s", tc.ID)
				}
				ids[tc.ID] = true
				t.Logf("  %s (ID: %s)", tc.Name, tc.ID)
			}
		})
	}
}

// TestStream_InterruptDuringToolCall tests context cancellation during streaming.
func TestStream_InterruptDuringToolCall(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set")
	}

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai-stream-test",
		Type:    "openai",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  apiKey,
		Model:   "gpt-4-turbo-preview",
	}, slog.Default())

	tools := []domain.ToolSchema{
		{Name: "long_operation", Description: "A long running operation", Parameters: json.RawMessage(`{"type":"object","properties":{"task":{"type":"string"}},"required":["task"]}`)},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req := domain.ChatRequest{
		Model: "gpt-4-turbo-preview",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Perform a complex analysis task that requires tools."},
		},
		Tools:  tools,
		Stream: true,
	}

	streamChan, err := provider.ChatStream(ctx, req)
	if err != nil {
		t.Logf("Expected behavior: Stream failed to start due to timeout: %v", err)
		return
	}

	deltaCount := 0
	for range streamChan {
		deltaCount++
	}

	t.Logf("Stream interrupted after %d events (context timeout)", deltaCount)
}

// TestStream_FullConversationWithTools tests a complete streaming conversation with tool execution.
func TestStream_FullConversationWithTools(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		t.Skip("OPENAI_API_KEY not set")
	}

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai-stream-test",
		Type:    "openai",
		BaseURL: "https://api.openai.com/v1",
		APIKey:  apiKey,
		Model:   "gpt-4-turbo-preview",
	}, slog.Default())

	ctx := context.Background()

	tools := []domain.ToolSchema{
		{Name: "calculate", Description: "Calculate expression", Parameters: json.RawMessage(`{"type":"object","properties":{"expression":{"type":"string"}},"required":["expression"]}`)},
	}

	req1 := domain.ChatRequest{
		Model: "gpt-4-turbo-preview",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Calculate 15 * 23 using the calculator tool."},
		},
		Tools:  tools,
		Stream: true,
	}

	streamChan1, err := provider.ChatStream(ctx, req1)
	if err != nil {
		t.Fatalf("First stream failed: %v", err)
	}

	var content1 strings.Builder
	var toolCalls []domain.ToolCall
	pending := map[int]*domain.ToolCall{}

	for ev := range streamChan1 {
		switch ev.Kind {
		case domain.StreamTextDelta:
			content1.WriteString(ev.TextDelta)
		case domain.StreamToolUseBegin:
			tc := &domain.ToolCall{ID: ev.ToolCallID, Name: ev.ToolName}
			pending[ev.Index] = tc
			toolCalls = append(toolCalls, *tc)
		}
	}

	if len(toolCalls) == 0 {
		t.Skip("Model did not use tool in stream")
	}

	t.Logf("First stream: Received %d tool calls", len(toolCalls))

	toolResult := domain.Message{
		Role:    domain.RoleTool,
		Name:    toolCalls[0].ID,
		Content: "345",
	}

	req2 := domain.ChatRequest{
		Model: "gpt-4-turbo-preview",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Calculate 15 * 23 using the calculator tool."},
			{Role: domain.RoleAssistant, Content: content1.String(), ToolCalls: toolCalls},
			toolResult,
		},
		Tools:  tools,
		Stream: true,
	}

	streamChan2, err := provider.ChatStream(ctx, req2)
	if err != nil {
		t.Fatalf("Second stream failed: %v", err)
	}

	var content2 strings.Builder
	for ev := range streamChan2 {
		if ev.Kind == domain.StreamTextDelta {
			content2.WriteString(ev.TextDelta)
		}
	}

	finalResponse := content2.String()
	if finalResponse == "" {
		t.Error("Expected non-empty final response")
	}

	t.Logf("Success: Full streaming conversation completed. Final: %s", finalResponse)
}
