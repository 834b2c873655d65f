package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alfred-ai/internal/adapter/gateway"
	"alfred-ai/internal/adapter/llm"
	"alfred-ai/internal/domain"
	"alfred-ai/internal/infra/config"
	"alfred-ai/internal/infra/logger"
	"alfred-ai/internal/infra/middleware"
	"alfred-ai/internal/infra/tracer"
	"alfred-ai/internal/plugin"
	"alfred-ai/internal/usecase"
	"alfred-ai/internal/usecase/eventbus"
)

// version is reported by the status RPC and the WebSocket hello frame.
const version = "0.1.0"

// webhookRateLimit bounds inbound channel-webhook traffic per source IP.
// The gateway's WebSocket path is already bounded by MaxStreamsPerConnection
// and auth; the webhook path has neither, since it's plain HTTP fronting an
// arbitrary channel provider.
var webhookRateLimit = middleware.RateLimitConfig{RequestsPerMin: 120, BurstSize: 20}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	if p := os.Getenv("ALFREDAI_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerShutdown(shutdownCtx)
	}()

	// 3. Providers, each wrapped in a circuit breaker
	providers, err := buildProviders(cfg.Providers, log)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	// 4. Event bus and plugin host
	bus := eventbus.New(log)
	defer bus.Close()

	mgr, err := plugin.NewManager(ctx, log, bus, defaultPluginMemoryMB, defaultPluginExecTimeout)
	if err != nil {
		return fmt.Errorf("plugin manager: %w", err)
	}
	if err := mgr.LoadAll(ctx, cfg.Plugins); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Error("plugin shutdown error", "error", err)
		}
	}()

	// 5. Session store and router
	store := usecase.NewStore()
	agents := map[string]*domain.AgentIdentity{cfg.Agent.ID: &cfg.Agent}
	router := usecase.NewRouter(cfg.Bindings, agents)

	// 6. Agent loop
	loop := usecase.NewAgentLoop(providers, mgr, usecase.NewSlidingWindowAssembler(windowSize(cfg)), log)

	// 7. Gateway server
	var auth gateway.Authenticator
	if cfg.Gateway.Token != "" {
		auth = gateway.NewStaticTokenAuth(cfg.Gateway.Token)
	}
	srv := gateway.NewServer(auth, !cfg.Gateway.Loopback(), cfg.Gateway.MaxStreamsPerConnection, cfg.Gateway.MaxFrameBytes, version, cfg.Gateway.Addr(), log)

	handler := &gateway.Handler{
		Version: version,
		Plugins: cfg.Plugins,
		Lookup:  &pluginLookup{mgr: mgr},
		Router:  router,
		Store:   store,
		Loop:    loop,
	}
	handler.Register(srv)

	// The webhook endpoint is plain HTTP (channel providers can't speak our
	// WebSocket protocol), so it is wrapped in header hardening and per-IP
	// rate limiting; the gateway's WebSocket path has neither middleware.
	webhook := middleware.SecurityHeaders(middleware.RateLimitWithConfig(ctx, webhookRateLimit)(http.HandlerFunc(handler.ServeWebhook)))
	srv.RegisterHTTPRoute(gateway.WebhookPattern, webhook.ServeHTTP)

	log.Info("alfred-ai starting", "addr", cfg.Gateway.Addr(), "agent", cfg.Agent.ID, "plugins", mgr.Count())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("gateway stop error", "error", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}
}

const (
	defaultPluginMemoryMB    = 64
	defaultPluginExecTimeout = 5 * time.Second
)

func windowSize(cfg *config.Config) int {
	if cfg.Memory != nil {
		return cfg.Memory.EpisodicWindow
	}
	return 0
}

// buildProviders constructs an LLMProvider for every configured provider,
// each wrapped in a circuit breaker, keyed by its configured name.
func buildProviders(cfgs []config.ProviderConfig, log *slog.Logger) (map[string]domain.LLMProvider, error) {
	providers := make(map[string]domain.LLMProvider, len(cfgs))
	for _, pc := range cfgs {
		inner, err := buildProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers[pc.Name] = llm.NewCircuitBreakerProvider(inner, llm.CircuitBreakerConfig{}, log)
	}
	return providers, nil
}

func buildProvider(pc config.ProviderConfig, log *slog.Logger) (domain.LLMProvider, error) {
	switch pc.Type {
	case "openai", "":
		return llm.NewOpenAIProvider(pc, log), nil
	case "anthropic":
		return llm.NewAnthropicProvider(pc, log), nil
	case "bedrock":
		return bedrockProviderFactory(pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", pc.Type)
	}
}

// pluginLookup adapts plugin.Manager's ChannelAdapter onto the 3-value
// signature gateway.PluginLookup needs: the manifest alongside the
// adapter, for the capability grants ServeWebhook's outbound proxy checks.
type pluginLookup struct {
	mgr *plugin.Manager
}

func (p *pluginLookup) ChannelAdapter(channel string) (domain.ChannelAdapter, domain.PluginManifest, bool) {
	adapter, err := p.mgr.ChannelAdapter(channel)
	if err != nil {
		return nil, domain.PluginManifest{}, false
	}
	for _, m := range p.mgr.List() {
		if m.Channel == channel {
			return adapter, m, true
		}
	}
	return adapter, domain.PluginManifest{}, false
}
