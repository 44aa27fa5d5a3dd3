package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/troupe/internal/builtin"
	"github.com/haasonsaas/troupe/internal/chat"
	"github.com/haasonsaas/troupe/internal/config"
	"github.com/haasonsaas/troupe/internal/identity"
	"github.com/haasonsaas/troupe/internal/mcp"
	"github.com/haasonsaas/troupe/internal/memory"
	"github.com/haasonsaas/troupe/internal/oauth"
	"github.com/haasonsaas/troupe/internal/observability"
	"github.com/haasonsaas/troupe/internal/provider"
	"github.com/haasonsaas/troupe/internal/schedule"
	"github.com/haasonsaas/troupe/internal/skills"
	"github.com/haasonsaas/troupe/internal/store"
	"github.com/haasonsaas/troupe/internal/viewer"
	"github.com/haasonsaas/troupe/internal/web"
)

// buildServeCmd creates the "serve" command that starts the Troupe server.
// This is the primary command for running Troupe in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Troupe server",
		Long: `Start the Troupe server with all configured providers.

The server will:
1. Load configuration from the specified file (or troupe.yaml)
2. Open the SQLite database and run migrations
3. Initialize LLM providers (Anthropic, OpenAI, Google)
4. Register OAuth providers and the MCP tool registry
5. Start the scheduled jobs runner
6. Start the HTTP server for the JSON API, SSE chat, and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  troupe serve

  # Start with custom config
  troupe serve --config /etc/troupe/production.yaml

  # Start with debug logging
  troupe serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "troupe.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")

	return cmd
}

// runServe implements the serve command logic.
// It handles configuration loading, service initialization, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	// Load and validate configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	slog.Info("starting Troupe server",
		"version", version,
		"commit", commit,
		"config", configPath,
		"env", cfg.Env,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Create a context that cancels on shutdown signals. Background
	// loops (MCP janitor, skills watcher, viewer sweeper, job ticker)
	// all hang off this context.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(filepath.Join(cfg.DataDir, "main.db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// The default registerer backs the promhttp handler at /metrics.
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, flushTraces := observability.NewTracer(cfg.Tracing)

	identitySvc := identity.NewService(st, cfg.Auth.SessionTTL)

	stateSecret := cfg.Auth.StateSecret
	if stateSecret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate state secret: %w", err)
		}
		stateSecret = hex.EncodeToString(buf)
		slog.Warn("auth.state_secret is not set; using an ephemeral secret, restarts invalidate in-flight oauth flows")
	}
	broker := oauth.NewBroker(st, stateSecret)
	registerOAuthProviders(broker, cfg)

	registry := mcp.NewRegistry(st, broker,
		mcp.WithIdleTimeout(cfg.MCP.IdleTimeout),
		mcp.WithCallTimeout(cfg.Chat.ToolTimeout),
		mcp.WithStartupWait(cfg.MCP.StartupWait),
	)
	registry.Start(ctx)
	defer registry.Close()

	providers, err := provider.NewRegistry(cfg.LLM)
	if err != nil {
		return fmt.Errorf("initialize llm providers: %w", err)
	}

	memorySvc := memory.NewService(st, providers)

	skillsDir := cfg.Skills.Dir
	if skillsDir == "" {
		skillsDir = filepath.Join(cfg.DataDir, "skills")
	}
	skillsMgr := skills.NewManager(skillsDir, st)
	if err := skillsMgr.Sync(ctx); err != nil {
		slog.Warn("initial skills sync failed", "error", err)
	}
	if cfg.Skills.WatchEnabled() {
		if err := skillsMgr.Watch(ctx); err != nil {
			slog.Warn("skills watch unavailable", "error", err)
		}
	}
	defer skillsMgr.Close()

	builtins := builtin.NewRegistry(
		builtin.NewSwitchRole(st),
		builtin.NewSaveToMemory(memorySvc),
		builtin.NewScheduleJob(st),
		builtin.NewListScheduledJobs(st),
	)

	orchestrator := chat.NewOrchestrator(chat.Config{
		Store:     st,
		Providers: providers,
		Tools:     registry,
		Builtins:  builtins,
		Memory:    memorySvc,
		Skills:    skillsMgr,
		Chat:      cfg.Chat,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    logger.With("component", "chat"),
	})

	runner := schedule.NewRunner(st, orchestrator, cfg.Jobs,
		schedule.WithMetrics(metrics),
		schedule.WithTracer(tracer),
	)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("start job runner: %w", err)
	}

	viewerSvc := viewer.New(cfg.DataDir, broker, cfg.Viewer)
	viewerSvc.Start(ctx)

	handler := web.NewHandler(&web.Config{
		Store:    st,
		Identity: identitySvc,
		OAuth:    broker,
		MCP:      registry,
		Memory:   memorySvc,
		Chat:     orchestrator,
		Jobs:     runner,
		Viewer:   viewerSvc,
		Runtime:  cfg,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   logger.With("component", "web"),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Mount(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("Troupe server started", "addr", addr, "base_url", cfg.Server.BaseURL)

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		slog.Warn("job runner did not drain in time", "error", err)
	}
	registry.Close()
	if err := flushTraces(shutdownCtx); err != nil {
		slog.Warn("trace flush failed", "error", err)
	}

	slog.Info("Troupe server stopped gracefully")
	return nil
}

// registerOAuthProviders wires every provider with configured
// credentials. Redirect URIs derive from the server base URL.
func registerOAuthProviders(b *oauth.Broker, cfg *config.Config) {
	base := strings.TrimRight(cfg.Server.BaseURL, "/")
	if g := cfg.Auth.OAuth.Google; g.ClientID != "" && g.ClientSecret != "" {
		b.Register(oauth.NewGoogleProvider(g.ClientID, g.ClientSecret, base+"/api/auth/google/callback"))
	}
	if gh := cfg.Auth.OAuth.GitHub; gh.ClientID != "" && gh.ClientSecret != "" {
		b.Register(oauth.NewGitHubProvider(gh.ClientID, gh.ClientSecret, base+"/api/auth/github/callback"))
	}
}

// buildLogger constructs the process logger from the logging config.
// The --debug flag wins over the configured level.
func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
