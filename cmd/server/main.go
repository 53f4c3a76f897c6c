// Leasechat - landlord/tenant messaging server
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

	"github.com/ashureev/leasechat/internal/api"
	"github.com/ashureev/leasechat/internal/config"
	"github.com/ashureev/leasechat/internal/delivery"
	"github.com/ashureev/leasechat/internal/identity"
	"github.com/ashureev/leasechat/internal/middleware"
	"github.com/ashureev/leasechat/internal/presence"
	"github.com/ashureev/leasechat/internal/realtime"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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
		Level: config.ParseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

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
	slog.Info("Database connected", "path", cfg.DBPath)

	// Initialize services.
	registry := presence.NewRegistry()
	hub := realtime.NewHub(cfg.WSWriteTimeout)
	coordinator := delivery.NewCoordinator(repo, registry, hub, logger)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, coordinator, registry, cfg.HistoryPageSize)
	messageHandler := api.NewMessageHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, registry)
	wsHandler := realtime.NewWebSocketHandler(hub, registry, coordinator, cfg.FrontendURL, cfg.IsDevelopment())
	verifier := identity.NewVerifier(cfg.JWTSecret)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, verifier))
		messageHandler.RegisterRoutes(r)
		r.Get(cfg.WSPath, wsHandler.ServeHTTP)
	})

	// Create server.
	// Websocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start keepalive sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	realtime.StartKeepalive(ctx, hub, cfg.WSPingInterval)
	slog.Info("Keepalive started", "interval", cfg.WSPingInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "ws_path", cfg.WSPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.CloseAll("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully", "online_at_shutdown", registry.Online())
}
