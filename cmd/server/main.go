// ReadyUp - Session Punctuality Tracker Server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/readyup/internal/api"
	"github.com/ashureev/readyup/internal/clock"
	"github.com/ashureev/readyup/internal/config"
	"github.com/ashureev/readyup/internal/middleware"
	"github.com/ashureev/readyup/internal/notify"
	"github.com/ashureev/readyup/internal/scanner"
	"github.com/ashureev/readyup/internal/service"
	"github.com/ashureev/readyup/internal/store"
)

func newEngine(cfg *config.Config) (store.Engine, error) {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		return store.NewSQLite(cfg.SQLitePath)
	case config.BackendRedis:
		return store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB), nil
	default:
		return store.NewJSONFile(cfg.DataDir)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.StoreBackend, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	eng, err := newEngine(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	if err := eng.Ping(context.Background()); err != nil {
		slog.Error("Storage health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Storage connected", "backend", cfg.StoreBackend)

	clk, err := clock.NewSystem(cfg.Timezone)
	if err != nil {
		slog.Error("Failed to load timezone", "error", err, "timezone", cfg.Timezone)
		os.Exit(1)
	}

	// Initialize services.
	svc := service.New(eng, eng, clk, cfg.ETAExpiration, cfg.InactivityTimeout)

	origins := cfg.AllowedOrigins()
	hub := notify.NewHub(origins[0])

	// Initialize handlers.
	readyupHandler := api.NewReadyUpHandler(svc, hub)
	healthHandler := api.NewHealthHandler(eng, hub)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	readyupHandler.RegisterRoutes(r)

	// WebSocket endpoint for chat gateway notifications.
	r.Get("/ws/notifications", hub.ServeHTTP)

	// Prometheus metrics.
	r.Handle("/metrics", promhttp.Handler())

	// Create server.
	// Note: WebSocket connections are long-lived (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start punctuality scanner.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scanner.New(svc, hub).Start(ctx)
	slog.Info("Punctuality scanner started",
		"eta_expiration", cfg.ETAExpiration,
		"inactivity_timeout", cfg.InactivityTimeout)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
