package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/tracer"
)

// DefaultMaxRounds bounds how many provider round-trips a single chat.send
// turn may take before the loop gives up and reports ErrMaxRounds.
const DefaultMaxRounds = 8

// Sink receives the normalized events a single agent turn produces. Every
// method may block (it typically forwards to a client WebSocket); AgentLoop
// always races these against ctx.Done() so a cancelled turn never wedges on
// a slow or gone client.
type Sink interface {
	TextDelta(ctx context.Context, text string) error
	ToolUse(ctx context.Context, call domain.ToolCall) error
	ToolResult(ctx context.Context, result domain.ToolResult) error
	Done(ctx context.Context, usage domain.Usage) error
	Error(ctx context.Context, err error) error
}

// AgentLoop drives one turn of the tool-use conversation loop: stream from
// the provider, execute any requested tools, feed their results back, and
// repeat until the assistant produces a plain text turn or MaxRounds is hit.
type AgentLoop struct {
	Providers map[string]domain.LLMProvider
	Tools     domain.ToolExecutor
	Assembler ContextAssembler
	MaxRounds int
	Logger    *slog.Logger
}

// NewAgentLoop creates a loop with DefaultMaxRounds.
func NewAgentLoop(providers map[string]domain.LLMProvider, tools domain.ToolExecutor, assembler ContextAssembler, logger *slog.Logger) *AgentLoop {
	return &AgentLoop{
		Providers: providers,
		Tools:     tools,
		Assembler: assembler,
		MaxRounds: DefaultMaxRounds,
		Logger:    logger,
	}
}

// pendingToolCall accumulates one tool_use content block by its stream
// index, so multiple concurrent tool_use blocks within one round never
// collide even if the provider interleaves their fragments.
type pendingToolCall struct {
	id, name string
	args     strings.Builder
}

// Run executes one full turn: it appends userText as a user turn, then
// rounds the provider/tool loop until completion, cancellation, or
// MaxRounds. The session only ever gains fully-completed rounds; a round
// interrupted by ctx cancellation leaves no partial turn behind.
func (l *AgentLoop) Run(ctx context.Context, identity *domain.AgentIdentity, session *Session, userText string, sink Sink) error {
	ctx, span := tracer.StartSpan(ctx, "AgentLoop.Run")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("agent.id", identity.ID))

	session.Append(domain.Turn{Kind: domain.TurnUserText, Text: userText})

	for round := 0; round < l.MaxRounds; round++ {
		producedToolCalls, err := l.runRound(ctx, identity, session, sink, round)
		if err != nil {
			tracer.RecordError(span, err)
			_ = l.safeEmit(ctx, func() error { return sink.Error(ctx, err) })
			return err
		}
		if !producedToolCalls {
			tracer.SetOK(span)
			return nil
		}
	}

	err := domain.NewDomainError("AgentLoop.Run", domain.ErrMaxRounds, identity.ID)
	_ = l.safeEmit(ctx, func() error { return sink.Error(ctx, err) })
	return err
}

// runRound performs a single provider round-trip via a three-way select:
// receive the next provider event, notice completion of whichever
// sink.TextDelta call is currently in flight, or ctx.Done(). A slow sink
// never stalls draining streamCh: at most one TextDelta call runs at a
// time (in its own goroutine) and at most one more delta waits behind it
// in pendingText, coalesced if several arrive before the first returns.
// It returns true if the assistant produced one or more tool_use blocks
// (another round is needed), or false once a plain-text assistant turn
// completes the whole exchange.
func (l *AgentLoop) runRound(ctx context.Context, identity *domain.AgentIdentity, session *Session, sink Sink, round int) (bool, error) {
	req := l.Assembler.Build(identity, session.Window(0), l.Tools.Schemas())

	streamCh, err := l.stream(ctx, identity, req, round)
	if err != nil {
		if round == 0 && identity.Fallback != nil {
			return l.runRoundWithFallback(ctx, identity, session, sink, round)
		}
		return false, err
	}

	var text strings.Builder
	pending := make(map[int]*pendingToolCall)
	var order []int
	var usage domain.Usage

	var inFlight chan error
	var pendingText string
	startSend := func(s string) chan error {
		done := make(chan error, 1)
		go func() { done <- sink.TextDelta(ctx, s) }()
		return done
	}

	for {
		var doneCh chan error
		if inFlight != nil {
			doneCh = inFlight
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", domain.ErrCancellation, ctx.Err())

		case err := <-doneCh:
			inFlight = nil
			if err != nil {
				return false, err
			}
			if pendingText != "" {
				inFlight = startSend(pendingText)
				pendingText = ""
			}

		case ev, ok := <-streamCh:
			if !ok {
				return false, fmt.Errorf("%w: stream closed without done event", domain.ErrProvider)
			}

			switch ev.Kind {
			case domain.StreamTextDelta:
				text.WriteString(ev.TextDelta)
				if inFlight == nil {
					inFlight = startSend(ev.TextDelta)
				} else {
					pendingText += ev.TextDelta
				}

			case domain.StreamToolUseBegin:
				pending[ev.Index] = &pendingToolCall{id: ev.ToolCallID, name: ev.ToolName}
				order = append(order, ev.Index)

			case domain.StreamToolUseInputFragment:
				if p, ok := pending[ev.Index]; ok {
					p.args.WriteString(ev.InputFragment)
				}

			case domain.StreamToolUseEnd:
				p, ok := pending[ev.Index]
				if !ok {
					p = &pendingToolCall{}
					pending[ev.Index] = p
					order = append(order, ev.Index)
				}
				// The block is complete: its accumulated fragments must now
				// be a well-formed JSON object. A provider that drops or
				// truncates a fragment must not have its tool call silently
				// forwarded with broken arguments; the round ends in error.
				if raw := p.args.String(); raw != "" && !json.Valid([]byte(raw)) {
					if err := drainTextSends(ctx, &inFlight, &pendingText, startSend); err != nil {
						return false, err
					}
					return false, fmt.Errorf("%w: malformed tool_use arguments for %s", domain.ErrProvider, p.name)
				}

			case domain.StreamUsage:
				if ev.Usage != nil {
					usage = *ev.Usage
				}

			case domain.StreamError:
				if err := drainTextSends(ctx, &inFlight, &pendingText, startSend); err != nil {
					return false, err
				}
				if round == 0 && identity.Fallback != nil {
					return l.runRoundWithFallback(ctx, identity, session, sink, round)
				}
				return false, fmt.Errorf("%w: %v", domain.ErrProvider, ev.Err)

			case domain.StreamDone:
				if err := drainTextSends(ctx, &inFlight, &pendingText, startSend); err != nil {
					return false, err
				}
				return l.finishRound(ctx, session, sink, text.String(), order, pending, usage)
			}
		}
	}
}

// drainTextSends blocks until every text delta still owed to the sink (one
// possibly in flight, one possibly buffered behind it) has been delivered,
// or ctx is cancelled. Called once streamCh is fully read for the round so
// the round's remaining sink calls (tool_use, tool_result, done, error)
// never race ahead of text still queued for delivery.
func drainTextSends(ctx context.Context, inFlight *chan error, pendingText *string, startSend func(string) chan error) error {
	for *inFlight != nil || *pendingText != "" {
		if *inFlight == nil {
			*inFlight = startSend(*pendingText)
			*pendingText = ""
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrCancellation, ctx.Err())
		case err := <-*inFlight:
			*inFlight = nil
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// runRoundWithFallback retries the current round against identity.Fallback.
// Only reachable for a provider-level failure on round 0; tool-use rounds
// (round > 0) are never retried against a fallback.
func (l *AgentLoop) runRoundWithFallback(ctx context.Context, identity *domain.AgentIdentity, session *Session, sink Sink, round int) (bool, error) {
	l.Logger.Warn("primary provider failed on first round, retrying with fallback",
		"primary", identity.Provider, "fallback", identity.Fallback.Provider)
	return l.runRound(ctx, identity.Fallback, session, sink, round)
}

// finishRound commits the round's output to the session. A round with no
// tool_use blocks ends the turn; one with tool_use blocks executes each (in
// the order its Begin event arrived) and signals the caller to round again.
func (l *AgentLoop) finishRound(ctx context.Context, session *Session, sink Sink, text string, order []int, pending map[int]*pendingToolCall, usage domain.Usage) (bool, error) {
	if len(order) == 0 {
		session.Append(domain.Turn{Kind: domain.TurnAssistantText, Text: text})
		if err := l.safeEmit(ctx, func() error { return sink.Done(ctx, usage) }); err != nil {
			return false, err
		}
		return false, nil
	}

	for _, idx := range order {
		p := pending[idx]
		call := domain.ToolCall{ID: p.id, Name: p.name, Arguments: json.RawMessage(p.args.String())}

		session.Append(domain.Turn{
			Kind:       domain.TurnToolUse,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			ToolArgs:   call.Arguments,
		})
		if err := l.safeEmit(ctx, func() error { return sink.ToolUse(ctx, call) }); err != nil {
			return false, err
		}

		result, err := l.execute(ctx, call)
		if err != nil {
			if errors.Is(err, domain.ErrSandbox) {
				return false, err
			}
			result = &domain.ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
		}

		session.Append(domain.Turn{
			Kind:        domain.TurnToolResult,
			ToolCallID:  call.ID,
			ToolResult:  result.Content,
			ToolIsError: result.IsError,
		})
		if err := l.safeEmit(ctx, func() error { return sink.ToolResult(ctx, *result) }); err != nil {
			return false, err
		}
	}
	return true, nil
}

// execute runs a single tool call. A call naming a plugin the manager never
// loaded is a sandbox error (ErrSandbox) and must terminate the round; a
// call whose plugin exists but fails or returns is_error is an ordinary
// tool error (ErrTool) and is surfaced to the model as a continuable
// tool_result instead.
func (l *AgentLoop) execute(ctx context.Context, call domain.ToolCall) (*domain.ToolResult, error) {
	tool, err := l.Tools.Get(call.Name)
	if err != nil {
		if errors.Is(err, domain.ErrToolNotFound) {
			return nil, fmt.Errorf("%w: %v", domain.ErrSandbox, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTool, err)
	}
	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTool, err)
	}
	result.ToolCallID = call.ID
	return result, nil
}

func (l *AgentLoop) stream(ctx context.Context, identity *domain.AgentIdentity, req domain.ChatRequest, round int) (<-chan domain.StreamEvent, error) {
	provider, ok := l.Providers[identity.Provider]
	if !ok {
		return nil, domain.NewDomainError("AgentLoop.stream", domain.ErrProviderNotFound, identity.Provider)
	}
	sp, ok := provider.(domain.StreamingLLMProvider)
	if !ok {
		return nil, domain.NewDomainError("AgentLoop.stream", domain.ErrProvider, identity.Provider+" does not support streaming")
	}
	ctx, span := tracer.StartSpan(ctx, "AgentLoop.stream", trace.WithAttributes(tracer.IntAttr("round", round)))
	defer span.End()
	return sp.ChatStream(ctx, req)
}

// safeEmit races a blocking sink call against ctx.Done() so a cancelled
// turn never wedges waiting on a slow or disconnected client.
func (l *AgentLoop) safeEmit(ctx context.Context, send func() error) error {
	done := make(chan error, 1)
	go func() { done <- send() }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrCancellation, ctx.Err())
	case err := <-done:
		return err
	}
}
