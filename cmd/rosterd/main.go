// rosterd is the rosterline orchestration server.
// It accepts solve requests, streams run logs, and manages result folders and
// the active case document. Workers (rosterw) pick jobs up from the shared
// queue; rosterd itself never runs a solver.
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

	"github.com/rosterline/platform/internal/api"
	"github.com/rosterline/platform/internal/casestore"
	"github.com/rosterline/platform/internal/catalog"
	"github.com/rosterline/platform/internal/config"
	"github.com/rosterline/platform/internal/janitor"
	"github.com/rosterline/platform/internal/queue"
	"github.com/rosterline/platform/internal/registry"
	"github.com/rosterline/platform/internal/storage"
)

// warnDefaultCredentials logs when S3 credentials look like well-known
// defaults. Fine for local development, dangerous in production.
func warnDefaultCredentials(cfg *config.Config) {
	if cfg.S3.AccessKey == "minioadmin" || cfg.S3.SecretKey == "minioadmin" {
		slog.Warn("S3 credentials are set to default values (minioadmin) — change these for production deployments")
	}
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /rosterd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		resp, err := http.Get("http://localhost:8080/health")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(api.NewContextHandler(baseHandler)))

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}
	warnDefaultCredentials(cfg)

	ctx := context.Background()
	srv := &api.Server{
		Region:      cfg.Region,
		CORSOrigins: cfg.CORSOrigins,
		MaxCaseSize: cfg.MaxCaseSize,
	}

	// Object store: S3 when an endpoint is configured, in-memory otherwise.
	// The in-memory store is per-process — fine for development, useless for
	// a worker fleet.
	var store storage.ObjectStore
	if cfg.S3.Endpoint != "" {
		s3Store, err := storage.NewS3Store(ctx, storage.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			AccessKey:       cfg.S3.AccessKey,
			SecretKey:       cfg.S3.SecretKey,
			Bucket:          cfg.S3.Bucket,
			UseSSL:          cfg.S3.UseSSL,
			MetadataTimeout: cfg.S3.MetadataTimeout,
			DataTimeout:     cfg.S3.DataTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to S3", "error", err)
			os.Exit(1)
		}
		store = s3Store
		srv.StoreHealth = storage.NewHealthChecker(s3Store)
		slog.Info("s3 storage initialized", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	} else {
		store = storage.NewMemStore()
		slog.Warn("S3_ENDPOINT not set, using in-memory store (single process only)")
	}

	// Job queue: Redis when configured, in-memory otherwise.
	var q queue.Queue
	if cfg.Queue.RedisURL != "" {
		rq, err := queue.NewRedisQueue(queue.RedisConfig{
			URL:        cfg.Queue.RedisURL,
			Name:       cfg.Queue.Name,
			Visibility: cfg.Queue.VisibilityTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		q = rq
		srv.QueueHealth = rq
		slog.Info("redis queue initialized", "queue", cfg.Queue.Name)
	} else {
		q = queue.NewMemQueue(cfg.Queue.VisibilityTimeout)
		slog.Warn("REDIS_URL not set, using in-memory queue (single process only)")
	}

	srv.Store = store
	srv.Registry = registry.New(store, cfg.Retry.CAS)
	srv.Catalog = catalog.New(store, cfg.Retry.Allocation)
	srv.Cases = casestore.New(store)
	srv.Queue = q

	// Background retention sweeps. JANITOR_ENABLED=false runs a pure API
	// replica; with multiple rosterd replicas only one should sweep.
	if os.Getenv("JANITOR_ENABLED") != "false" {
		jan, err := janitor.New(store, srv.Registry, cfg.Janitor.Cron, janitor.Options{
			Retention: time.Duration(cfg.Janitor.JobRetentionDays) * 24 * time.Hour,
		})
		if err != nil {
			slog.Error("failed to start janitor", "error", err)
			os.Exit(1)
		}
		jan.Start()
		defer jan.Stop()
		slog.Info("janitor started", "cron", cfg.Janitor.Cron)
	} else {
		slog.Info("janitor disabled (JANITOR_ENABLED=false)")
	}

	// Per-IP rate limiting (disable with RATE_LIMIT=0).
	if os.Getenv("RATE_LIMIT") != "0" {
		rlCfg := api.DefaultRateLimitConfig()
		srv.RateLimit = &rlCfg
		slog.Info("rate limiting enabled", "rps", rlCfg.RequestsPerSecond, "burst", rlCfg.Burst)
	}

	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Log streams are long-lived; no WriteTimeout. Idle connections are
		// still reaped.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	slog.Info("starting rosterd", "addr", cfg.ListenAddr, "region", cfg.Region, "version", api.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	// Graceful shutdown: drain HTTP connections, including open log streams.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
	}

	slog.Info("rosterd shutdown complete")
}
