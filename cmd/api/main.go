package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feed-job-importer/internal/api"
	"feed-job-importer/internal/app"
	"feed-job-importer/internal/config"
	"feed-job-importer/internal/logging"
	"feed-job-importer/internal/ratelimit"
	"feed-job-importer/internal/scheduler"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatalw("bootstrap", "err", err)
	}
	defer deps.Close()

	imp, err := app.NewImporter(ctx, cfg, deps, log)
	if err != nil {
		log.Fatalw("init importer", "err", err)
	}

	sched, err := scheduler.Start(ctx, cfg.CronSchedule, func(ctx context.Context) error {
		_, err := imp.RunAll(ctx)
		return err
	}, log)
	if err != nil {
		log.Fatalw("start scheduler", "err", err)
	}

	limiter := ratelimit.NewTokenBucket(deps.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, 15*time.Minute)
	server := api.New(api.Options{
		Runs:      deps.Store,
		Queue:     deps.Queue,
		Trigger:   imp,
		Scheduler: sched,
		Limiter:   limiter.Middleware(log),
		Logger:    log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("api listening", "port", cfg.HTTPPort, "sources", len(cfg.FeedSources))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("listen", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Warnw("scheduler stop", "err", err)
	}
}
