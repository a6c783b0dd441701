package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playtrack/internal/cache"
	appconfig "playtrack/internal/config"
	"playtrack/internal/job"
	"playtrack/internal/memq"
	"playtrack/internal/server"
	"playtrack/internal/storage"
	httpapi "playtrack/internal/transport/http"
	"playtrack/internal/worker"
)

func main() {
	cfg := appconfig.Load()
	slog.Info("starting playtrack", "addr", cfg.HTTPAddr(), "workers", cfg.QueueWorkers, "worker_url", cfg.WorkerURL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storageService, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "err", err)
		os.Exit(1)
	}
	slog.Info("storage initialized", "mode", cfg.StorageMode)

	var mirror *cache.StatusMirror
	if cfg.RedisURL != "" {
		mirror, err = cache.New(cfg.RedisURL, cfg.StatusMirrorTTL)
		if err != nil {
			slog.Error("failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer mirror.Close()
		slog.Info("status mirror enabled")
	}

	var registry *job.Registry
	if mirror != nil {
		registry = job.NewRegistry(mirror)
	} else {
		registry = job.NewRegistry(nil)
	}

	notifier := worker.NewNotifier(cfg.WorkerURL, cfg.APIKey, cfg.WorkerTimeout, storageService, registry)

	q := memq.NewMemoryQueue(cfg.QueueBuf, cfg.WorkerTimeout+10*time.Second)
	q.StartConsumers(ctx, cfg.QueueWorkers, notifier.Dispatch)

	handlers := httpapi.NewHandlers(registry, storageService, q, mirror, cfg)
	r := server.NewRouter(handlers)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	slog.Info("shutting down")

	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	cancel()
}
