//go:build integration
// +build integration

package integration

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"alfred-ai/internal/adapter/llm"
	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/config"
	"alfred-ai/internal/usecase"
)

// collectingSink accumulates everything an AgentLoop turn emits so a test
// can assert on the final assistant text once Done fires.
type collectingSink struct {
	mu   sync.Mutex
	text strings.Builder
	err  error
	done bool
}

func (s *collectingSink) TextDelta(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(text)
	return nil
}
func (s *collectingSink) ToolUse(_ context.Context, _ domain.ToolCall) error         { return nil }
func (s *collectingSink) ToolResult(_ context.Context, _ domain.ToolResult) error    { return nil }
func (s *collectingSink) Done(_ context.Context, _ domain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	return nil
}
func (s *collectingSink) Error(_ context.Context, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return nil
}

func (s *collectingSink) Result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String(), s.err
}

func newTestLoop(apiKey string) (*usecase.AgentLoop, *domain.AgentIdentity) {
	logger := slog.Default()
	provider := llm.NewOpenAIProvider(config.ProviderConfig{
		Name:   "openai",
		Type:   "openai",
		APIKey: apiKey,
		Model:  "gpt-4o-mini",
	}, logger)

	loop := usecase.NewAgentLoop(
		map[string]domain.LLMProvider{"openai": provider},
		noopTools{},
		usecase.NewSlidingWindowAssembler(20),
		logger,
	)

	identity := &domain.AgentIdentity{
		ID:                "test-agent",
		Provider:          "openai",
		Model:             "gpt-4o-mini",
		MaxResponseTokens: 512,
	}
	return loop, identity
}

// noopTools satisfies domain.ToolExecutor for turns that never call a tool.
type noopTools struct{}

func (noopTools) Get(name string) (domain.Tool, error) {
	return nil, domain.ErrToolNotFound
}
func (noopTools) Schemas() []domain.ToolSchema { return nil }

func TestE2E_AgentSingleTurn(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")

	ctx := NewTestContext(t, cfg.TestTimeout)

	loop, identity := newTestLoop(cfg.OpenAIKey)
	store := usecase.NewStore()
	key := domain.NewSessionKey(identity.ID, "test", "e2e", "")
	session := store.GetOrCreate(key)

	sink := &collectingSink{}
	err := loop.Run(ctx, identity, session, "Reply with exactly the word: pong", sink)
	if err != nil {
		t.Fatalf("agent loop failed: %v", err)
	}

	text, sinkErr := sink.Result()
	if sinkErr != nil {
		t.Fatalf("sink reported error: %v", sinkErr)
	}
	if !strings.Contains(strings.ToLower(text), "pong") {
		t.Errorf("expected response to contain %q, got %q", "pong", text)
	}
}

func TestE2E_MultiTurnConversation(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")

	ctx := NewTestContext(t, cfg.TestTimeout)

	loop, identity := newTestLoop(cfg.OpenAIKey)
	store := usecase.NewStore()
	key := domain.NewSessionKey(identity.ID, "test", "multi-turn", "")
	session := store.GetOrCreate(key)

	sink1 := &collectingSink{}
	if err := loop.Run(ctx, identity, session, "My name is Alice. Just acknowledge briefly.", sink1); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}

	sink2 := &collectingSink{}
	if err := loop.Run(ctx, identity, session, "What's my name?", sink2); err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}

	text, _ := sink2.Result()
	if !strings.Contains(text, "Alice") {
		t.Errorf("agent didn't recall name from session history; got: %s", text)
	}
}
