package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		Role:      RoleUser,
		Content:   "hello",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Role != msg.Role || got.Content != msg.Content {
		t.Errorf("got %+v, want %+v", got, msg)
	}
}

func TestChatResponseJSONRoundTrip(t *testing.T) {
	resp := ChatResponse{
		ID:    "resp-1",
		Model: "claude-sonnet-4-5-20250929",
		Message: Message{
			Role:    RoleAssistant,
			Content: "hi there",
		},
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got ChatResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.ID != resp.ID || got.Usage.TotalTokens != 15 {
		t.Errorf("got %+v, want %+v", got, resp)
	}
}

func TestMessageWithToolCalls(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: "",
		ToolCalls: []ToolCall{
			{ID: "call-1", Name: "filesystem", Arguments: json.RawMessage(`{"action":"read"}`)},
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "filesystem" {
		t.Errorf("tool calls mismatch: got %+v", got.ToolCalls)
	}
}

func TestRoleConstants(t *testing.T) {
	roles := map[string]string{
		"system":    RoleSystem,
		"user":      RoleUser,
		"assistant": RoleAssistant,
		"tool":      RoleTool,
	}
	for expected, got := range roles {
		if got != expected {
			t.Errorf("Role %q = %q, want %q", expected, got, expected)
		}
	}
}

func TestTurnsToMessages(t *testing.T) {
	turns := []Turn{
		{Kind: TurnUserText, Text: "hi"},
		{Kind: TurnAssistantText, Text: "hello"},
		{Kind: TurnToolUse, ToolCallID: "call-1", ToolName: "search", ToolArgs: json.RawMessage(`{"q":"go"}`)},
		{Kind: TurnToolResult, ToolCallID: "call-1", ToolResult: "3 results"},
	}

	msgs := TurnsToMessages(turns)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].Role != RoleUser || msgs[0].Content != "hi" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[2].Role != RoleAssistant || len(msgs[2].ToolCalls) != 1 || msgs[2].ToolCalls[0].Name != "search" {
		t.Errorf("msgs[2] = %+v", msgs[2])
	}
	if msgs[3].Role != RoleTool || msgs[3].Content != "3 results" {
		t.Errorf("msgs[3] = %+v", msgs[3])
	}
}
