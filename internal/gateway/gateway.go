// ABOUTME: Gateway orchestrator wiring the store, event channel, providers and HTTP server
// ABOUTME: Selects the broker backend at startup and manages graceful shutdown

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/strand/internal/auth"
	"github.com/2389/strand/internal/chat"
	"github.com/2389/strand/internal/config"
	"github.com/2389/strand/internal/events"
	"github.com/2389/strand/internal/provider"
	"github.com/2389/strand/internal/session"
)

// Gateway orchestrates the strand-gateway server components.
type Gateway struct {
	config     *config.Config
	store      *session.SQLiteStore
	channel    events.Channel
	registry   *provider.Registry
	chat       *chat.Service
	httpServer *http.Server
	logger     *slog.Logger

	// degraded is set when a durable broker was configured but unreachable
	// at startup, forcing the in-process fallback.
	degraded bool
}

// New creates a Gateway from configuration. The broker backend is chosen
// here, once; it never changes per request.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := session.NewSQLiteStore(cfg.Database.Path, cfg.Sessions.TTL, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	channel, degraded := selectChannel(ctx, cfg, logger)

	tools := buildToolRegistry(logger)

	registry, err := buildRegistry(cfg, tools, logger)
	if err != nil {
		store.Close()
		channel.Close()
		return nil, err
	}

	g := &Gateway{
		config:   cfg,
		store:    store,
		channel:  channel,
		registry: registry,
		chat:     chat.New(store, channel, registry, cfg.Streaming.GenerationTimeout, logger),
		logger:   logger.With("component", "gateway"),
		degraded: degraded,
	}

	mux := http.NewServeMux()

	// Health endpoint - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		logger.Info("HTTP auth middleware enabled")
	} else {
		logger.Warn("auth disabled - no jwt_secret configured, running in anonymous mode")
	}
	authed := auth.HTTPAuthMiddleware(verifier)

	mux.Handle("POST /api/sessions", authed(http.HandlerFunc(g.handleCreateSession)))
	mux.Handle("GET /api/sessions", authed(http.HandlerFunc(g.handleListSessions)))
	mux.Handle("GET /api/sessions/{id}", authed(http.HandlerFunc(g.handleGetSession)))
	mux.Handle("DELETE /api/sessions/{id}", authed(http.HandlerFunc(g.handleDeleteSession)))
	mux.Handle("POST /api/sessions/{id}/messages", authed(http.HandlerFunc(g.handleSendMessage)))
	mux.Handle("POST /api/sessions/{id}/cancel", authed(http.HandlerFunc(g.handleCancel)))
	mux.Handle("GET /api/sessions/{id}/stream", authed(http.HandlerFunc(g.handleStream)))
	mux.Handle("GET /api/registry", authed(http.HandlerFunc(g.handleRegistry)))

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// selectChannel picks the event channel backend. A configured DSN that fails
// the startup probe falls back to in-process and marks the gateway degraded.
func selectChannel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (events.Channel, bool) {
	if cfg.Broker.DSN == "" {
		logger.Info("no broker configured, using in-process event channel")
		return events.NewMultiplexer(logger), false
	}

	broker, err := events.NewBroker(ctx, cfg.Broker.DSN, logger)
	if err != nil {
		logger.Warn("durable broker unreachable, falling back to in-process channel",
			"error", err)
		return events.NewMultiplexer(logger), true
	}
	return broker, false
}

// buildToolRegistry registers the built-in tools available to all providers.
func buildToolRegistry(logger *slog.Logger) *provider.ToolRegistry {
	tools := provider.NewToolRegistry()

	register := func(def *provider.ToolDef) {
		if err := tools.Register(def); err != nil {
			logger.Warn("failed to register tool", "tool", def.Name, "error", err)
		}
	}

	register(&provider.ToolDef{
		Name:        "current_time",
		Description: "Returns the current server time in RFC 3339 format.",
		Handler: func(ctx context.Context, params string) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	})

	register(&provider.ToolDef{
		Name:        "echo",
		Description: "Echoes the provided text back. Useful for connectivity checks.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(ctx context.Context, params string) (string, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(params), &args); err != nil {
				return "", fmt.Errorf("parsing echo arguments: %w", err)
			}
			return args.Text, nil
		},
	})

	return tools
}

// buildRegistry constructs providers and agents from configuration.
func buildRegistry(cfg *config.Config, tools *provider.ToolRegistry, logger *slog.Logger) (*provider.Registry, error) {
	providers := make(map[string]provider.Provider, len(cfg.Providers))
	retry := provider.DefaultRetryPolicy()

	for name, pc := range cfg.Providers {
		creds := provider.NewCredentialResolver(pc.APIKey, pc.AllowSharedKey, pc.OwnerKeys)
		switch pc.Type {
		case "openai":
			providers[name] = provider.NewOpenAIProvider(name, pc.BaseURL, creds, tools, retry, logger)
		case "anthropic":
			providers[name] = provider.NewAnthropicProvider(name, creds, tools, retry, logger)
		case "demo":
			providers[name] = provider.NewDemoProvider(20 * time.Millisecond)
		default:
			return nil, fmt.Errorf("provider %q has unsupported type %q", name, pc.Type)
		}
	}

	agents := make([]*provider.Agent, 0, len(cfg.Agents))
	for ref, ac := range cfg.Agents {
		p, ok := providers[ac.Provider]
		if !ok {
			return nil, fmt.Errorf("agent %q references unknown provider %q", ref, ac.Provider)
		}
		agents = append(agents, &provider.Agent{
			Ref:          ref,
			Model:        ac.Model,
			SystemPrompt: ac.SystemPrompt,
			Provider:     p,
		})
	}

	return provider.NewRegistry(agents), nil
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	g.store.StartSweeper(ctx, g.config.Sessions.SweepInterval)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening",
			"addr", ln.Addr().String(),
			"broker_mode", g.channel.Mode(),
			"degraded", g.degraded)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.chat.Close()

	if err := g.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("channel close: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Handler exposes the HTTP handler for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}
