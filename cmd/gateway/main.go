package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gemigate/internal/config"
	"gemigate/internal/dispatch"
	"gemigate/internal/handlers"
	"gemigate/internal/httpserver"
	"gemigate/internal/keypool"
	"gemigate/internal/metrics"
	"gemigate/internal/transcode"
	"gemigate/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("upstream_base_url", cfg.Upstream.BaseURL),
		zap.String("revocation_backend", cfg.Revocation.Backend),
		zap.Int("trusted_keys", len(cfg.Keys.Trusted)),
		zap.Int("backup_keys", len(cfg.Keys.Backup)),
		zap.Duration("balancer_window", cfg.Balancer.Window),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.Revocation.Backend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.Revocation.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.Revocation.RedisAddr),
		)
	}

	// ----- Credential pool -----
	store := keypool.NewStore(keypool.StoreConfig{
		Backend: cfg.Revocation.Backend,
		Prefix:  cfg.Revocation.Prefix,
	}, redisClient)
	pool := keypool.NewPool(cfg.Keys.Trusted, cfg.Keys.Backup, store, logger)

	// ----- Transcoder -----
	transcoder := transcode.New(transcode.Config{
		DefaultModel: cfg.Models.Default,
		Aliases:      cfg.Models.Aliases,
	})

	// ----- Dispatcher -----
	dispatcher := dispatch.New(dispatch.Config{
		Store:    store,
		Selector: keypool.NewSelector(cfg.Balancer.Window, nil),
		Timeout:  cfg.Upstream.Timeout,
		Logger:   logger,
		OnAttempt: func(outcome string) {
			metrics.UpstreamAttemptsTotal.WithLabelValues(outcome).Inc()
		},
		OnRevoked: func() {
			metrics.KeyRevocationsTotal.Inc()
		},
	})

	// ----- Handlers -----
	h := handlers.New(pool, dispatcher, transcoder, cfg.Upstream.BaseURL)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, h)

	// ----- HTTP server -----
	// WriteTimeout stays zero so SSE responses can outlive any fixed bound.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("upstream_base_url", cfg.Upstream.BaseURL),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}
