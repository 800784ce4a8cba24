package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/stock-exchange/internal/api"
	"github.com/atmx/stock-exchange/internal/config"
	"github.com/atmx/stock-exchange/internal/exchange"
	"github.com/atmx/stock-exchange/internal/metrics"
	"github.com/atmx/stock-exchange/internal/model"
	"github.com/atmx/stock-exchange/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("exchange stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- WebSocket hub ---
	hub := api.NewWSHub(logger)
	go hub.Run()
	defer hub.Close()

	// --- Exchange service ---
	svc := exchange.NewService(st, exchange.Options{
		DefaultBalance: cfg.DefaultBalance,
		ReversalMode:   exchange.ReversalMode(cfg.ReversalMode),
		Logger:         logger,
		Publisher:      hub,
	})
	if cfg.BootstrapAdmin != "" {
		admin, err := svc.EnsureAccount(ctx, cfg.BootstrapAdmin, model.RoleAdmin)
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if admin.Role != model.RoleAdmin {
			logger.Warn("bootstrap account exists without admin role", "username", admin.Username, "role", admin.Role)
		} else {
			logger.Info("bootstrap admin ready", "id", admin.ID, "username", admin.Username)
		}
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key, "+api.CallerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"service":    "stock-exchange",
			"ws_clients": hub.ClientCount(),
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	api.NewHandler(svc, hub, logger).Routes(r)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("exchange listening", "port", cfg.Port, "reversal_mode", cfg.ReversalMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down exchange", "signal", sig.String())
	case err := <-errc:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	logger.Info("exchange stopped")
	return nil
}

// openStore selects PostgreSQL when DATABASE_URL is set, optionally behind
// the Redis cache, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
	}
	return st, closeAll, nil
}
