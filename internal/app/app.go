// Package app holds the connection bootstrap shared by the binaries.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"feed-job-importer/internal/archive"
	"feed-job-importer/internal/config"
	"feed-job-importer/internal/feed"
	"feed-job-importer/internal/importer"
	"feed-job-importer/internal/queue"
	"feed-job-importer/internal/store"
)

// Deps are the long-lived connections of a process.
type Deps struct {
	Store *store.Store
	Redis *redis.Client
	Queue *queue.RedisQueue
}

// Open connects to Postgres and Redis and applies migrations. Any failure
// here is fatal for the caller.
func Open(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*Deps, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "migrations")
	}
	client, err := queue.Connect(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &Deps{Store: st, Redis: client, Queue: queue.NewRedisQueue(client, cfg)}, nil
}

// Close shuts the queue connection before the store.
func (d *Deps) Close() {
	_ = d.Queue.Close()
	d.Store.Close()
}

// NewImporter assembles fetcher, optional archive and dispatcher.
func NewImporter(ctx context.Context, cfg config.Config, d *Deps, log *zap.SugaredLogger) (*importer.Importer, error) {
	opts := feed.FetcherOptions{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
		MaxBytes:  cfg.FetchMaxBytes,
		Logger:    log,
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "feed archive")
	}
	if arch != nil {
		opts.Archive = arch
	}
	dispatcher := importer.NewDispatcher(d.Store, d.Queue, importer.DispatcherOptions{
		BatchSize:   cfg.BatchSize,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffInitial,
		Logger:      log,
	})
	return importer.New(feed.NewFetcher(opts), dispatcher, importer.Options{
		Sources:     cfg.FeedSources,
		Delay:       cfg.FetchDelay,
		Concurrency: cfg.FetchConcurrency,
		Logger:      log,
	}), nil
}
