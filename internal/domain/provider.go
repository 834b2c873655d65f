package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
}

// StreamEventKind discriminates a normalized streaming event. Unlike a flat
// delta struct, ToolUse events carry an explicit block Index so concurrent
// tool_use blocks within one turn never collide.
type StreamEventKind string

const (
	StreamTextDelta           StreamEventKind = "text_delta"
	StreamToolUseBegin        StreamEventKind = "tool_use_begin"
	StreamToolUseInputFragment StreamEventKind = "tool_use_input_fragment"
	StreamToolUseEnd          StreamEventKind = "tool_use_end"
	StreamUsage               StreamEventKind = "usage"
	StreamDone                StreamEventKind = "done"
	StreamError               StreamEventKind = "error"
)

// StreamEvent is one normalized event emitted by a StreamingLLMProvider.
// Index identifies which content block a ToolUse* event belongs to; it is
// stable across ToolUseBegin/ToolUseInputFragment/ToolUseEnd for the same
// block, and distinct blocks in the same turn never share an Index.
type StreamEvent struct {
	Kind StreamEventKind

	TextDelta string // StreamTextDelta

	Index        int    // StreamToolUseBegin, StreamToolUseInputFragment, StreamToolUseEnd
	ToolCallID   string // StreamToolUseBegin
	ToolName     string // StreamToolUseBegin
	InputFragment string // StreamToolUseInputFragment, raw JSON fragment

	Usage *Usage // StreamUsage

	Err error // StreamError
}

// StreamingLLMProvider extends LLMProvider with streaming support.
type StreamingLLMProvider interface {
	LLMProvider
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}
