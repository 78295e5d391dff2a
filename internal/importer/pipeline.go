package importer

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"feed-job-importer/internal/models"
)

// Fetcher downloads and normalizes one feed.
type Fetcher interface {
	Fetch(ctx context.Context, sourceURL string) ([]models.Job, error)
}

// Summary aggregates one pass over every configured source.
type Summary struct {
	SourcesProcessed int `json:"apIsProcessed"`
	SourcesFailed    int `json:"apIsFailed"`
	JobsFetched      int `json:"jobsFetched"`
}

// ManualResult is returned for a single-URL import.
type ManualResult struct {
	ImportRunID string `json:"importRunId"`
	JobsCount   int    `json:"jobsCount"`
}

// Options configures pacing across sources.
type Options struct {
	Sources     []string
	Delay       time.Duration
	Concurrency int
	Logger      *zap.SugaredLogger
}

// Importer runs fetch and dispatch for configured or ad-hoc sources.
type Importer struct {
	fetcher     Fetcher
	dispatcher  *Dispatcher
	sources     []string
	delay       time.Duration
	concurrency int
	log         *zap.SugaredLogger
}

// New builds an Importer. Sources are fetched one at a time by default,
// spaced by Delay.
func New(fetcher Fetcher, dispatcher *Dispatcher, opts Options) *Importer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Importer{
		fetcher:     fetcher,
		dispatcher:  dispatcher,
		sources:     append([]string(nil), opts.Sources...),
		delay:       opts.Delay,
		concurrency: opts.Concurrency,
		log:         opts.Logger.Named("importer"),
	}
}

// Sources returns the configured feed URLs.
func (i *Importer) Sources() []string {
	return append([]string(nil), i.sources...)
}

// RunAll imports every configured source. A failing source is counted and
// skipped; it never stops the others. Only cancellation of ctx is returned
// as an error, alongside the partial summary.
func (i *Importer) RunAll(ctx context.Context) (Summary, error) {
	limit := rate.Inf
	if i.delay > 0 {
		limit = rate.Every(i.delay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		mu      sync.Mutex
		summary Summary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)

	for _, src := range i.sources {
		if err := limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			n, err := i.importSource(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrEmptyBatch):
				i.log.Warnw("no jobs found", "source", src)
			case err != nil:
				summary.SourcesFailed++
				i.log.Errorw("source import failed", "source", src, "err", err)
			default:
				summary.SourcesProcessed++
				summary.JobsFetched += n
			}
			return nil
		})
	}
	_ = g.Wait()

	i.log.Infow("import pass finished",
		"processed", summary.SourcesProcessed,
		"failed", summary.SourcesFailed,
		"jobs", summary.JobsFetched)
	return summary, ctx.Err()
}

// ImportURL fetches and dispatches one arbitrary feed. An empty feed yields
// zero jobs and no run.
func (i *Importer) ImportURL(ctx context.Context, sourceURL string) (ManualResult, error) {
	jobs, err := i.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		return ManualResult{}, err
	}
	if len(jobs) == 0 {
		return ManualResult{}, nil
	}
	runID, err := i.dispatcher.Dispatch(ctx, jobs, sourceURL)
	if err != nil {
		return ManualResult{}, err
	}
	return ManualResult{ImportRunID: runID, JobsCount: len(jobs)}, nil
}

func (i *Importer) importSource(ctx context.Context, src string) (int, error) {
	i.log.Infow("processing source", "source", src)
	jobs, err := i.fetcher.Fetch(ctx, src)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, ErrEmptyBatch
	}
	runID, err := i.dispatcher.Dispatch(ctx, jobs, src)
	if err != nil {
		return 0, err
	}
	i.log.Infow("jobs queued", "source", src, "run", runID, "jobs", len(jobs))
	return len(jobs), nil
}
