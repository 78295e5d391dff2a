// Package importer turns fetched feeds into import runs and queued units of
// work, one run per source batch.
package importer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"feed-job-importer/internal/models"
	"feed-job-importer/internal/telemetry"
)

// ErrEmptyBatch is returned when there is nothing to dispatch. No run is
// created for an empty batch.
var ErrEmptyBatch = errors.New("empty batch")

// Ledger is the part of the run store the dispatcher writes to.
type Ledger interface {
	CreateRun(ctx context.Context, sourceLabel string, totalFetched int) (models.ImportRun, error)
	FailRun(ctx context.Context, runID string, reason string, now time.Time) (bool, error)
}

// Queue accepts units of work and tracks how many are outstanding per run.
type Queue interface {
	Reserve(ctx context.Context, runID string, n int) error
	Release(ctx context.Context, runID string, n int) error
	SubmitBulk(ctx context.Context, units []models.UnitOfWork) error
}

// DispatcherOptions tunes chunking and the retry policy stamped on each unit.
type DispatcherOptions struct {
	BatchSize   int
	MaxAttempts int
	BackoffBase time.Duration
	Logger      *zap.SugaredLogger
}

// Dispatcher opens an import run for a batch and enqueues one unit per job.
type Dispatcher struct {
	ledger      Ledger
	queue       Queue
	batchSize   int
	maxAttempts int
	backoffBase time.Duration
	log         *zap.SugaredLogger
	now         func() time.Time
}

// NewDispatcher wires a dispatcher; zero options take the defaults of 10
// jobs per chunk, 3 attempts and a 5s backoff base.
func NewDispatcher(ledger Ledger, queue Queue, opts DispatcherOptions) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		ledger:      ledger,
		queue:       queue,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		log:         opts.Logger.Named("dispatcher"),
		now:         time.Now,
	}
}

// Dispatch records a run for jobs fetched from sourceURL and submits them in
// order, in chunks. It returns the run id. If the run cannot be created
// nothing is enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []models.Job, sourceURL string) (string, error) {
	if len(jobs) == 0 {
		return "", ErrEmptyBatch
	}
	run, err := d.ledger.CreateRun(ctx, sourceURL, len(jobs))
	if err != nil {
		return "", errors.Wrapf(err, "create import run for %s", sourceURL)
	}
	telemetry.RunsStarted.Inc()
	log := d.log.With("run", run.ID, "source", sourceURL)

	// Outstanding is reserved up front so workers draining an early chunk
	// cannot see the run as finished before later chunks are submitted.
	if err := d.queue.Reserve(ctx, run.ID, len(jobs)); err != nil {
		d.abort(ctx, run.ID, 0, err, log)
		return "", errors.Wrap(err, "reserve outstanding units")
	}

	submitted := 0
	for start := 0; start < len(jobs); start += d.batchSize {
		end := min(start+d.batchSize, len(jobs))
		chunk := d.units(run.ID, sourceURL, jobs[start:end])
		if err := d.queue.SubmitBulk(ctx, chunk); err != nil {
			d.abort(ctx, run.ID, len(jobs)-submitted, err, log)
			return "", errors.Wrapf(err, "submit chunk %d", start/d.batchSize+1)
		}
		submitted += len(chunk)
		telemetry.EnqueueCounter.Add(float64(len(chunk)))
		log.Debugw("chunk queued", "chunk", start/d.batchSize+1, "size", len(chunk))
	}

	log.Infow("batch dispatched", "units", submitted)
	return run.ID, nil
}

func (d *Dispatcher) units(runID, sourceURL string, jobs []models.Job) []models.UnitOfWork {
	now := d.now().UTC()
	out := make([]models.UnitOfWork, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, models.UnitOfWork{
			ID:          uuid.New().String(),
			Job:         j,
			SourceURL:   sourceURL,
			ImportRunID: runID,
			MaxAttempts: d.maxAttempts,
			BackoffBase: d.backoffBase,
			EnqueuedAt:  now,
		})
	}
	return out
}

// abort gives back the reservation for units that never reached the queue
// and marks the run failed. Both steps are best effort.
func (d *Dispatcher) abort(ctx context.Context, runID string, unsent int, cause error, log *zap.SugaredLogger) {
	if unsent > 0 {
		if err := d.queue.Release(ctx, runID, unsent); err != nil {
			log.Warnw("release reservation", "unsent", unsent, "err", err)
		}
	}
	failed, err := d.ledger.FailRun(ctx, runID, cause.Error(), d.now())
	if err != nil {
		log.Errorw("mark run failed", "err", err)
		return
	}
	if failed {
		telemetry.RunsFinished.WithLabelValues(models.RunFailed).Inc()
	}
	log.Errorw("dispatch aborted", "err", cause)
}
