// rosterw is the rosterline solver worker.
// It pulls one job at a time from the shared queue, runs the solver against
// the stored case payload, and writes results and run state back to the
// object store. Scale the fleet by running more rosterw processes.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rosterline/platform/internal/catalog"
	"github.com/rosterline/platform/internal/config"
	"github.com/rosterline/platform/internal/queue"
	"github.com/rosterline/platform/internal/registry"
	"github.com/rosterline/platform/internal/solver"
	"github.com/rosterline/platform/internal/storage"
	"github.com/rosterline/platform/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath)
	}

	// Workers share state with rosterd exclusively through the object store
	// and the queue, so both must be real backends here — an in-memory
	// fallback would leave the worker staring at its own empty queue.
	if cfg.S3.Endpoint == "" {
		slog.Error("S3_ENDPOINT is required: workers share the object store with rosterd")
		os.Exit(1)
	}
	if cfg.Queue.RedisURL == "" {
		slog.Error("REDIS_URL is required: workers share the job queue with rosterd")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewS3Store(ctx, storage.S3Config{
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
	slog.Info("s3 storage initialized", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)

	q, err := queue.NewRedisQueue(queue.RedisConfig{
		URL:        cfg.Queue.RedisURL,
		Name:       cfg.Queue.Name,
		Visibility: cfg.Queue.VisibilityTimeout,
	})
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("redis queue initialized", "queue", cfg.Queue.Name, "visibility", cfg.Queue.VisibilityTimeout)

	reg := registry.New(store, cfg.Retry.CAS)
	cat := catalog.New(store, cfg.Retry.Allocation)

	w := worker.New(q, store, reg, cat, &solver.Greedy{}, worker.Options{
		Visibility: cfg.Queue.VisibilityTimeout,
	})

	// SIGTERM stops the receive loop; an in-flight job keeps its queue handle
	// and is redelivered to another worker after the visibility timeout.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("starting rosterw", "solver", (&solver.Greedy{}).Name(), "region", cfg.Region)
	if err := w.Run(ctx); err != nil {
		slog.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("rosterw shutdown complete")
}
