// Chat funnel server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/chatfunnel/internal/api"
	"github.com/ashureev/chatfunnel/internal/catalog"
	"github.com/ashureev/chatfunnel/internal/chat"
	"github.com/ashureev/chatfunnel/internal/config"
	"github.com/ashureev/chatfunnel/internal/funnel"
	"github.com/ashureev/chatfunnel/internal/health"
	"github.com/ashureev/chatfunnel/internal/identity"
	"github.com/ashureev/chatfunnel/internal/metrics"
	"github.com/ashureev/chatfunnel/internal/middleware"
	"github.com/ashureev/chatfunnel/internal/preload"
	"github.com/ashureev/chatfunnel/internal/store"
	"github.com/ashureev/chatfunnel/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	cat, err := catalog.LoadOrBuiltin(cfg.CatalogPath)
	if err != nil {
		slog.Error("Failed to load funnel catalog", "error", err, "path", cfg.CatalogPath)
		os.Exit(1)
	}
	slog.Info("Funnel catalog loaded", "name", cat.Name, "source", cat.Source)

	mode, err := funnel.ParsePacingMode(cfg.Funnel.Pacing)
	if err != nil {
		slog.Error("Invalid pacing mode", "error", err)
		os.Exit(1)
	}
	pacing := funnel.Pacing{Mode: mode, Typing: cfg.Funnel.Typing, MinTyping: cfg.Funnel.MinTyping}

	ids, err := funnel.NewSnowflakeIDs(cfg.Funnel.SnowflakeNode)
	if err != nil {
		slog.Error("Failed to initialize message ids", "error", err, "node", cfg.Funnel.SnowflakeNode)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	fm := metrics.NewFunnelMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Warm assets before the first chat is allowed to start.
	ready := preload.NewReadiness()
	preloader := preload.New(&http.Client{}, preload.Config{
		Concurrency: cfg.Preload.Concurrency,
		Timeout:     cfg.Preload.Timeout,
	}, logger, fm)
	go preload.Warm(ctx, preloader, ready, cat.AssetURLs(), cfg.Preload.ReadyDelay)

	// Initialize services.
	sm := chat.NewSessionManager(chat.ManagerConfig{
		Catalog:          cat,
		Pacing:           pacing,
		GracePeriod:      cfg.Funnel.GracePeriod,
		AudioGateTimeout: cfg.Funnel.AudioGateTimeout,
		IDs:              ids,
	}, repo, fm, logger)

	reaperDone := chat.StartReaper(ctx, sm, repo, chat.ReaperConfig{
		Interval:       cfg.Session.ReaperInterval,
		IdleTTL:        cfg.Session.IdleTTL,
		EventRetention: cfg.Session.EventRetention,
	})

	healthSrv := health.New(cfg.GRPCPort, ready)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		if err := healthSrv.Run(ctx); err != nil {
			slog.Error("gRPC health server failed", "error", err)
		}
	}()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, cfg.IsDevelopment())
	healthHandler := api.NewHealthHandler(repo, ready)
	funnelHandler := api.NewFunnelHandler(baseHandler, cat, sm, ready, fm)
	wsHandler := chat.NewWebSocketHandler(sm, ready, repo, chat.HandlerConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		RateLimit:     rate.Limit(cfg.Session.RateLimit),
		RateBurst:     cfg.Session.RateBurst,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{cfg.FrontendURL}, identity.SessionHeaderName))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	// Visitor routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

		funnelHandler.RegisterRoutes(r)

		// WebSocket endpoint.
		r.Get("/ws/chat", wsHandler.ServeHTTP)

		// Serve embedded chat page (SPA catch-all).
		r.Handle("/*", web.SPAHandler())
	})

	// WriteTimeout stays 0 so hijacked WebSocket connections are not cut.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Close sessions first so open sockets see their attachments end.
	sm.CloseAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	<-reaperDone
	<-healthDone

	slog.Info("Server stopped successfully")
}
