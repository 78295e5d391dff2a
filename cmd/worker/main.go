package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feed-job-importer/internal/app"
	"feed-job-importer/internal/config"
	"feed-job-importer/internal/logging"
	"feed-job-importer/internal/telemetry"
	workerproc "feed-job-importer/internal/worker"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalw("bootstrap", "err", err)
	}
	defer deps.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	log = log.With("worker", workerID)

	upserter := workerproc.NewJobWorker(deps.Store, deps.Store, log)
	processor := workerproc.NewProcessor(cfg, deps.Queue, upserter, log)
	watcher := workerproc.NewWatcher(deps.Store, deps.Queue, log)
	processor.SweepRuns(watcher)

	// The watcher outlives ctx so it can finalize runs drained during shutdown.
	watched := make(chan struct{})
	go func() {
		watcher.Run(context.WithoutCancel(ctx), processor.Events())
		close(watched)
	}()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnw("metrics server stopped", "err", err)
		}
	}()

	log.Infow("worker started",
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"backoffInitial", cfg.BackoffInitial)
	if err := processor.Run(ctx); err != nil {
		log.Errorw("worker stopped", "err", err)
	}
	<-watched

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
	log.Infow("worker shut down")
}
