package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"alfred-ai/internal/domain"
)

// connState is a connection's position in the Opened -> (AwaitAuth |
// Ready) -> Ready -> Closed state machine.
type connState int32

const (
	stateAwaitAuth connState = iota
	stateReady
	stateClosed
)

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws            *websocket.Conn
	sendCh        chan any
	done          chan struct{}
	closeOnce     sync.Once
	state         atomic.Int32
	activeStreams atomic.Int32
}

func (cc *clientConn) send(frame any) {
	select {
	case cc.sendCh <- frame:
	case <-cc.done:
	}
}

// Server is the WebSocket gateway: it runs the connection state machine,
// authenticates non-loopback connections, and dispatches Ready-state
// request frames to registered RPC handlers.
type Server struct {
	auth           Authenticator
	requireAuth    bool
	maxStreams     int32
	maxFrameBytes  int64
	version        string
	handlersMu     sync.RWMutex
	handlers       map[string]RPCHandler
	streamHandlers map[string]StreamHandler
	logger         *slog.Logger
	addr           string
	httpSrv        *http.Server
	boundAddr      string
	httpRoutes     []httpRoute
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// RPCHandler answers a single-result request (ping, status, plugin.list).
type RPCHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// StreamHandler answers a streaming request (chat.send). It must emit
// frames through emit and return once the stream is complete; Server wraps
// the returned error (if any) into the closing EventError frame itself, so
// handlers need not do that.
type StreamHandler func(ctx context.Context, id RPCID, params json.RawMessage, emit func(StreamFrame)) error

// NewServer creates a gateway server. requireAuth should be false for a
// loopback bind (domain.GatewayConfig.Loopback) and true otherwise.
func NewServer(auth Authenticator, requireAuth bool, maxStreams, maxFrameBytes int, version, addr string, logger *slog.Logger) *Server {
	return &Server{
		auth:           auth,
		requireAuth:    requireAuth,
		maxStreams:     int32(maxStreams),
		maxFrameBytes:  int64(maxFrameBytes),
		version:        version,
		handlers:       make(map[string]RPCHandler),
		streamHandlers: make(map[string]StreamHandler),
		logger:         logger,
		addr:           addr,
	}
}

// RegisterHandler adds a single-result RPC handler for method.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterStreamHandler adds a streaming RPC handler for method.
func (s *Server) RegisterStreamHandler(method string, handler StreamHandler) {
	s.handlersMu.Lock()
	s.streamHandlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds a plain HTTP handler to the gateway's mux. Must be
// called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting WebSocket connections. Blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.boundAddr, "require_auth", s.requireAuth)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid
// after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost", "localhost:*",
			"127.0.0.1", "127.0.0.1:*",
			"[::1]", "[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.maxFrameBytes)

	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	cc.state.Store(int32(stateAwaitAuth))

	go s.writeLoop(cc)

	if !s.requireAuth || s.awaitAuth(r.Context(), cc) {
		cc.state.Store(int32(stateReady))
		cc.send(HelloFrame{OK: true, Version: s.version})
		s.readLoop(r.Context(), cc)
	}

	cc.closeOnce.Do(func() { close(cc.done) })
	ws.Close(websocket.StatusNormalClosure, "")
}

// awaitAuth blocks for exactly one frame and validates it as an auth
// frame. It returns true iff the connection may proceed to Ready.
func (s *Server) awaitAuth(ctx context.Context, cc *clientConn) bool {
	var af authFrame
	if err := wsjson.Read(ctx, cc.ws, &af); err != nil {
		return false
	}
	if err := s.auth.Authenticate(af.Token); err != nil {
		cc.send(authFailedFrame{Error: "auth_failed", Code: authFailedCode})
		// Give the write loop a beat to flush before the caller closes.
		time.Sleep(10 * time.Millisecond)
		return false
	}
	return true
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, raw, err := cc.ws.Read(ctx)
		if err != nil {
			return
		}

		var req RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			cc.send(ResultFrame{ID: NewStringID("0"), Error: "malformed request: " + err.Error()})
			continue
		}
		go s.dispatch(ctx, cc, req)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, req RequestFrame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	streamHandler, streamOK := s.streamHandlers[req.Method]
	s.handlersMu.RUnlock()

	switch {
	case streamOK:
		s.dispatchStream(ctx, cc, req, streamHandler)
	case ok:
		result, err := handler(ctx, req.Params)
		s.sendResult(cc, req.ID, result, err)
	default:
		s.sendResult(cc, req.ID, nil, domain.ErrRPCMethodNotFound)
	}
}

func (s *Server) dispatchStream(ctx context.Context, cc *clientConn, req RequestFrame, handler StreamHandler) {
	if cc.activeStreams.Add(1) > s.maxStreams {
		cc.activeStreams.Add(-1)
		s.sendResult(cc, req.ID, nil, domain.ErrRateLimit)
		return
	}
	defer cc.activeStreams.Add(-1)

	emit := func(f StreamFrame) {
		f.ID = req.ID
		cc.send(f)
	}
	if err := handler(ctx, req.ID, req.Params, emit); err != nil {
		emit(StreamFrame{Event: EventError, Data: mustJSON(errorPayload(err))})
	}
}

func (s *Server) sendResult(cc *clientConn, id RPCID, result json.RawMessage, err error) {
	resp := ResultFrame{ID: id, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	cc.send(resp)
}

type errorBody struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func errorPayload(err error) errorBody {
	return errorBody{Code: domain.ErrorCodeOf(err), Message: err.Error()}
}
