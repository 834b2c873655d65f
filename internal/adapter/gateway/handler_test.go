package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/usecase"
)

type fakeProvider struct {
	name    string
	scripts [][]domain.StreamEvent
	calls   int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, errors.New("not implemented")
}
func (p *fakeProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamEvent, error) {
	if p.calls >= len(p.scripts) {
		return nil, errors.New("no more scripted calls")
	}
	script := p.scripts[p.calls]
	p.calls++
	ch := make(chan domain.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Get(name string) (domain.Tool, error) { return nil, domain.ErrToolNotFound }
func (fakeExecutor) Schemas() []domain.ToolSchema          { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(provider *fakeProvider) *Handler {
	agent := &domain.AgentIdentity{ID: "default", Provider: "fake", Model: "m", MaxResponseTokens: 100}
	router := usecase.NewRouter(
		[]domain.Binding{{AgentID: "default"}},
		map[string]*domain.AgentIdentity{"default": agent},
	)
	loop := usecase.NewAgentLoop(
		map[string]domain.LLMProvider{"fake": provider},
		fakeExecutor{},
		usecase.NewSlidingWindowAssembler(0),
		testLogger(),
	)
	return &Handler{
		Version: "test",
		Plugins: []domain.PluginRegistration{{Name: "p1"}, {Name: "p2"}},
		Router:  router,
		Store:   usecase.NewStore(),
		Loop:    loop,
	}
}

func TestHandlerPing(t *testing.T) {
	h := newTestHandler(&fakeProvider{name: "fake"})
	out, err := h.Ping(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var got string
	if err := json.Unmarshal(out, &got); err != nil || got != "pong" {
		t.Errorf("Ping result = %s, want \"pong\"", out)
	}
}

func TestHandlerStatus(t *testing.T) {
	h := newTestHandler(&fakeProvider{name: "fake"})
	out, err := h.Status(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var status domain.AgentStatus
	if err := json.Unmarshal(out, &status); err != nil {
		t.Fatal(err)
	}
	if status.Version != "test" || status.PluginCount != 2 || status.SessionCount != 0 {
		t.Errorf("Status = %+v", status)
	}
}

func TestHandlerPluginList(t *testing.T) {
	h := newTestHandler(&fakeProvider{name: "fake"})
	out, err := h.PluginList(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []pluginListEntry
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "p1" {
		t.Errorf("PluginList = %+v", got)
	}
}

func TestHandlerChatSendMissingFields(t *testing.T) {
	h := newTestHandler(&fakeProvider{name: "fake"})
	err := h.ChatSend(context.Background(), NewStringID("1"), mustJSON(chatSendParams{Channel: "slack"}), func(StreamFrame) {})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestHandlerChatSendNoBindingMatches(t *testing.T) {
	agent := &domain.AgentIdentity{ID: "default", Provider: "fake", Model: "m", MaxResponseTokens: 100}
	h := &Handler{
		Version: "test",
		Router:  usecase.NewRouter(nil, map[string]*domain.AgentIdentity{"default": agent}),
		Store:   usecase.NewStore(),
		Loop: usecase.NewAgentLoop(
			map[string]domain.LLMProvider{"fake": &fakeProvider{name: "fake"}},
			fakeExecutor{}, usecase.NewSlidingWindowAssembler(0), testLogger(),
		),
	}
	err := h.ChatSend(context.Background(), NewStringID("1"),
		mustJSON(chatSendParams{Channel: "slack", Account: "a1", Content: "hi"}),
		func(StreamFrame) {})
	if !errors.Is(err, domain.ErrRouting) {
		t.Errorf("err = %v, want ErrRouting", err)
	}
}
