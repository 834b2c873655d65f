package gateway

import (
	"encoding/json"
	"strings"
)

// RPCID preserves the wire representation of a JSON-RPC id exactly as
// received — a bare number stays a number, a quoted string stays a string.
// Coercing ids to a single Go type would echo "1" back as 1 and break a
// client that distinguishes the two.
type RPCID struct {
	raw json.RawMessage
}

// NewStringID wraps a string value as an RPCID, quoting it for the wire.
func NewStringID(s string) RPCID {
	quoted, _ := json.Marshal(s)
	return RPCID{raw: quoted}
}

func (id RPCID) MarshalJSON() ([]byte, error) {
	if len(id.raw) == 0 {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RPCID) UnmarshalJSON(data []byte) error {
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}

// String renders the id for logging, stripping surrounding quotes from a
// string id, so "1" and 1 render identically in log output.
func (id RPCID) String() string {
	return strings.Trim(string(id.raw), `"`)
}

// IsZero reports whether no id was set, e.g. for a frame that never parsed
// far enough to find one.
func (id RPCID) IsZero() bool { return len(id.raw) == 0 }

// RequestFrame is the only shape a client sends once a connection has
// reached the Ready state.
type RequestFrame struct {
	ID     RPCID           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// authFrame is the one frame shape accepted while a connection is in the
// AwaitAuth state.
type authFrame struct {
	Token string `json:"token"`
}

// ResultFrame answers a non-streaming request (ping, status, plugin.list)
// or reports a protocol-level failure for any request (malformed JSON,
// unknown method). Exactly one of Result/Error is set.
type ResultFrame struct {
	ID     RPCID           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StreamEventKind enumerates the event names a chat.send stream may emit.
type StreamEventKind string

const (
	EventText       StreamEventKind = "text"
	EventToolUse    StreamEventKind = "tool_use"
	EventToolResult StreamEventKind = "tool_result"
	EventUsage      StreamEventKind = "usage"
	EventDone       StreamEventKind = "done"
	EventError      StreamEventKind = "error"
)

// StreamFrame is one frame of a chat.send response. A stream ends with
// exactly one frame carrying EventDone or EventError; every frame before
// that shares the same ID.
type StreamFrame struct {
	ID    RPCID           `json:"id"`
	Event StreamEventKind `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// HelloFrame is emitted exactly once, the moment a connection enters the
// Ready state.
type HelloFrame struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
}

// authFailedFrame replaces the HelloFrame when AwaitAuth rejects the
// client's token; the connection is closed immediately afterward.
type authFailedFrame struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

const authFailedCode = 4001

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}
