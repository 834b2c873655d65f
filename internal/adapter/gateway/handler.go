package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"slices"

	"alfred-ai/internal/domain"
	"alfred-ai/internal/usecase"
)

// PluginLookup resolves a registered channel-adapter plugin by the channel
// name it was loaded under, alongside the manifest the sandbox host probed
// at load time (needed for its capability grants).
type PluginLookup interface {
	ChannelAdapter(channel string) (domain.ChannelAdapter, domain.PluginManifest, bool)
}

// Handler implements the gateway's four recognized RPC methods plus the
// webhook ingress endpoint, wired to the session router and agent loop.
type Handler struct {
	Version    string
	Plugins    []domain.PluginRegistration
	Lookup     PluginLookup // nil disables the webhook endpoint
	Router     domain.AgentRouter
	Store      *usecase.Store
	Loop       *usecase.AgentLoop
	HTTPClient *http.Client
}

// Register wires every RPC method this handler answers onto srv.
func (h *Handler) Register(srv *Server) {
	srv.RegisterHandler("ping", h.Ping)
	srv.RegisterHandler("status", h.Status)
	srv.RegisterHandler("plugin.list", h.PluginList)
	srv.RegisterStreamHandler("chat.send", h.ChatSend)
}

// Ping answers with the literal string "pong".
func (h *Handler) Ping(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return mustJSON("pong"), nil
}

// Status reports the running version and current plugin/session counts.
func (h *Handler) Status(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	return mustJSON(domain.AgentStatus{
		Version:      h.Version,
		PluginCount:  len(h.Plugins),
		SessionCount: h.Store.Count(),
	}), nil
}

type pluginListEntry struct {
	Name string `json:"name"`
}

// PluginList reports the name of every plugin registered at startup.
func (h *Handler) PluginList(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	list := make([]pluginListEntry, 0, len(h.Plugins))
	for _, p := range h.Plugins {
		list = append(list, pluginListEntry{Name: p.Name})
	}
	return mustJSON(list), nil
}

type chatSendParams struct {
	Channel string `json:"channel"`
	Account string `json:"account"`
	Peer    string `json:"peer,omitempty"`
	Guild   string `json:"guild,omitempty"`
	Team    string `json:"team,omitempty"`
	Content string `json:"content"`
}

// ChatSend routes the message, serializes it against any other turn on the
// same session, and drives one agent loop turn, streaming its events back
// through emit.
func (h *Handler) ChatSend(ctx context.Context, id RPCID, params json.RawMessage, emit func(StreamFrame)) error {
	var p chatSendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return domain.NewDomainError("Handler.ChatSend", domain.ErrInvalidInput, err.Error())
	}
	if p.Channel == "" || p.Account == "" || p.Content == "" {
		return domain.NewDomainError("Handler.ChatSend", domain.ErrInvalidInput, "channel, account and content are required")
	}

	identity, key, err := h.Router.Route(domain.RouteContext{
		Channel: p.Channel, Account: p.Account, Peer: p.Peer, Guild: p.Guild, Team: p.Team,
	})
	if err != nil {
		return err
	}

	session := h.Store.GetOrCreate(key)
	unlock, err := h.Store.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	// AgentLoop.Run always reports its own outcome through the sink (Done
	// or Error); returning that error here too would double the terminal
	// frame, so it is deliberately discarded.
	_ = h.Loop.Run(ctx, identity, session, p.Content, &streamSink{emit: emit})
	return nil
}

// streamSink adapts usecase.Sink onto chat.send's StreamFrame wire shape.
type streamSink struct {
	emit func(StreamFrame)
}

func (s *streamSink) TextDelta(ctx context.Context, text string) error {
	s.emit(StreamFrame{Event: EventText, Data: mustJSON(map[string]string{"text": text})})
	return nil
}

func (s *streamSink) ToolUse(ctx context.Context, call domain.ToolCall) error {
	s.emit(StreamFrame{Event: EventToolUse, Data: mustJSON(call)})
	return nil
}

func (s *streamSink) ToolResult(ctx context.Context, result domain.ToolResult) error {
	s.emit(StreamFrame{Event: EventToolResult, Data: mustJSON(result)})
	return nil
}

func (s *streamSink) Done(ctx context.Context, usage domain.Usage) error {
	s.emit(StreamFrame{Event: EventUsage, Data: mustJSON(usage)})
	s.emit(StreamFrame{Event: EventDone})
	return nil
}

func (s *streamSink) Error(ctx context.Context, err error) error {
	s.emit(StreamFrame{Event: EventError, Data: mustJSON(errorPayload(err))})
	return nil
}

// textCollectingSink gathers only the final assistant text, for the
// synchronous webhook round where there is no streaming client to talk to.
type textCollectingSink struct {
	text string
	err  error
}

func (s *textCollectingSink) TextDelta(ctx context.Context, text string) error {
	s.text += text
	return nil
}
func (s *textCollectingSink) ToolUse(context.Context, domain.ToolCall) error      { return nil }
func (s *textCollectingSink) ToolResult(context.Context, domain.ToolResult) error { return nil }
func (s *textCollectingSink) Done(context.Context, domain.Usage) error            { return nil }
func (s *textCollectingSink) Error(ctx context.Context, err error) error {
	s.err = err
	return nil
}

// WebhookPattern is the net/http.ServeMux pattern this handler's
// ServeWebhook expects to be registered under.
const WebhookPattern = "/webhook/{channel}"

// ServeWebhook implements the host side of channel-adapter webhook ingress:
// look up the registered adapter, parse the inbound payload, drive one
// synchronous agent turn, format the reply, and — if the adapter asks the
// host to deliver it by naming a "url" — proxy it out after checking the
// plugin's http capability grants.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.Lookup == nil {
		http.Error(w, "no channel adapters registered", http.StatusNotFound)
		return
	}
	channel := r.PathValue("channel")
	adapter, manifest, ok := h.Lookup.ChannelAdapter(channel)
	if !ok {
		http.Error(w, "unknown channel: "+channel, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	env, err := adapter.ParseIncoming(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	identity, key, err := h.Router.Route(domain.RouteContext{
		Channel: channel, Account: env.Account, Peer: env.Peer, Guild: env.Guild, Team: env.Team,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	session := h.Store.GetOrCreate(key)
	unlock, err := h.Store.Lock(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer unlock()

	sink := &textCollectingSink{}
	if runErr := h.Loop.Run(r.Context(), identity, session, env.Text, sink); runErr != nil {
		http.Error(w, runErr.Error(), http.StatusBadGateway)
		return
	}

	out, err := adapter.FormatOutgoing(r.Context(), sink.text, env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if dest, ok := outgoingURL(out); ok {
		if err := h.proxyOutbound(r.Context(), dest, out, manifest); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

// outgoingURL extracts a top-level "url" field from an adapter's
// format_outgoing output, if present.
func outgoingURL(out json.RawMessage) (string, bool) {
	var probe struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(out, &probe); err != nil || probe.URL == "" {
		return "", false
	}
	return probe.URL, true
}

// proxyOutbound performs the host-mediated HTTP POST a channel adapter
// cannot issue itself: the plugin names a destination, but only the host
// may dial out, and only to a host the plugin was granted via http:HOST.
func (h *Handler) proxyOutbound(ctx context.Context, dest string, body json.RawMessage, manifest domain.PluginManifest) error {
	parsed, err := url.Parse(dest)
	if err != nil {
		return domain.NewDomainError("Handler.proxyOutbound", domain.ErrInvalidInput, err.Error())
	}
	if !slices.Contains(domain.AllowedHosts(manifest.Capabilities), parsed.Hostname()) {
		return domain.NewDomainError("Handler.proxyOutbound", domain.ErrPermissionDenied, parsed.Hostname())
	}

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
