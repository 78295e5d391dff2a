package worker

import (
	"context"
	"math"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feed-job-importer/internal/config"
	"feed-job-importer/internal/models"
	"feed-job-importer/internal/queue"
	"feed-job-importer/internal/telemetry"
)

// EventKind describes what happened to a unit of work.
type EventKind string

const (
	EventCompleted    EventKind = "completed"
	EventRetrying     EventKind = "retrying"
	EventDeadLettered EventKind = "dead-lettered"
)

// Event is published for every finished delivery attempt.
type Event struct {
	Kind      EventKind
	UnitID    string
	RunID     string
	Attempts  int
	Result    *models.UpsertResult
	Err       error
	Remaining int64
}

// Queue is the queue backend surface the processor drives.
type Queue interface {
	Dequeue(ctx context.Context) (*models.UnitOfWork, error)
	Complete(ctx context.Context, unit models.UnitOfWork) (int64, bool, error)
	DeadLetter(ctx context.Context, unit models.UnitOfWork, reason string) (int64, bool, error)
	Retry(ctx context.Context, unit models.UnitOfWork, runAt time.Time) error
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) ([]string, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Counts(ctx context.Context) (queue.Counts, error)
}

// Applier performs the work for one unit.
type Applier interface {
	Apply(ctx context.Context, unit models.UnitOfWork) (models.UpsertResult, error)
}

// RunSweeper finalizes runs whose completion was missed.
type RunSweeper interface {
	Sweep(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// Processor drives the worker execution loop: concurrent consumers plus one
// maintenance loop for delayed and stalled units.
type Processor struct {
	cfg     config.Config
	queue   Queue
	applier Applier
	sweeper RunSweeper
	events  chan Event
	log     *zap.SugaredLogger
}

func NewProcessor(cfg config.Config, q Queue, applier Applier, log *zap.SugaredLogger) *Processor {
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 5
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 5 * time.Second
	}
	if cfg.MaintenanceBatch <= 0 {
		cfg.MaintenanceBatch = 100
	}
	if cfg.RunSweepInterval <= 0 {
		cfg.RunSweepInterval = time.Minute
	}
	if cfg.RunFinalizeGrace <= 0 {
		cfg.RunFinalizeGrace = 5 * time.Minute
	}
	return &Processor{
		cfg:     cfg,
		queue:   q,
		applier: applier,
		events:  make(chan Event, 4*cfg.WorkerConcurrency),
		log:     log.Named("processor"),
	}
}

// SweepRuns makes the maintenance loop periodically hand stale in-progress
// runs to s. Call it before Run.
func (p *Processor) SweepRuns(s RunSweeper) {
	p.sweeper = s
}

// Events must be drained by exactly one consumer. It is closed once Run
// returns.
func (p *Processor) Events() <-chan Event {
	return p.events
}

// Run consumes units until ctx is cancelled. Units already dequeued when
// cancellation arrives are processed to the end.
func (p *Processor) Run(ctx context.Context) error {
	defer close(p.events)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.consume(gctx, i) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context, id int) error {
	log := p.log.With("consumer", id)
	for {
		if ctx.Err() != nil {
			return nil
		}
		unit, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnw("dequeue failed", "err", err)
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if unit == nil {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.handle(context.WithoutCancel(ctx), *unit)
	}
}

func (p *Processor) handle(ctx context.Context, unit models.UnitOfWork) {
	if unit.MaxAttempts <= 0 {
		unit.MaxAttempts = p.cfg.MaxAttempts
	}
	log := p.log.With("unit", unit.ID, "run", unit.ImportRunID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, err := p.applier.Apply(ctx, unit)
	if err == nil {
		left, finished, ferr := p.queue.Complete(ctx, unit)
		if ferr != nil {
			// The lease will expire and the unit is redelivered; the upsert is idempotent.
			log.Errorw("ack completed unit", "err", ferr)
			return
		}
		telemetry.WorkerSuccess.WithLabelValues(result.Status).Inc()
		if finished {
			p.events <- Event{Kind: EventCompleted, UnitID: unit.ID, RunID: unit.ImportRunID, Attempts: unit.Attempts + 1, Result: &result, Remaining: left}
		}
		return
	}

	unit.Attempts++
	if unit.Attempts >= unit.MaxAttempts {
		left, finished, ferr := p.queue.DeadLetter(ctx, unit, err.Error())
		if ferr != nil {
			log.Errorw("dead-letter unit", "err", ferr)
			return
		}
		telemetry.WorkerDeadLetter.Inc()
		if finished {
			p.events <- Event{Kind: EventDeadLettered, UnitID: unit.ID, RunID: unit.ImportRunID, Attempts: unit.Attempts, Err: err, Remaining: left}
		}
		return
	}

	base := unit.BackoffBase
	if base <= 0 {
		base = p.cfg.BackoffInitial
	}
	runAt := time.Now().Add(backoff(base, p.cfg.BackoffMax, unit.Attempts))
	if rerr := p.queue.Retry(ctx, unit, runAt); rerr != nil {
		log.Errorw("schedule retry", "err", rerr)
		return
	}
	telemetry.WorkerFailures.Inc()
	p.events <- Event{Kind: EventRetrying, UnitID: unit.ID, RunID: unit.ImportRunID, Attempts: unit.Attempts, Err: err}
}

// maintain promotes due retries, reclaims expired leases, publishes queue
// gauges and sweeps stale runs.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	limit := int64(p.cfg.MaintenanceBatch)
	var lastSweep time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.queue.PromoteDelayed(ctx, now, limit); err != nil && ctx.Err() == nil {
			p.log.Warnw("promote delayed units", "err", err)
		}
		reclaimed, err := p.queue.RequeueExpired(ctx, now, limit)
		if err != nil && ctx.Err() == nil {
			p.log.Warnw("requeue stalled units", "err", err)
		}
		if len(reclaimed) > 0 {
			telemetry.StalledRequeued.Add(float64(len(reclaimed)))
			p.log.Warnw("stalled units requeued", "count", len(reclaimed))
		}
		if counts, err := p.queue.Counts(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(counts.Waiting))
			telemetry.DelayedDepthGauge.Set(float64(counts.Delayed))
		}
		if p.sweeper != nil && now.Sub(lastSweep) >= p.cfg.RunSweepInterval {
			lastSweep = now
			if _, err := p.sweeper.Sweep(ctx, now.Add(-p.cfg.RunFinalizeGrace), p.cfg.MaintenanceBatch); err != nil && ctx.Err() == nil {
				p.log.Warnw("sweep stale runs", "err", err)
			}
		}
	}
}

// backoff doubles base per attempt starting at attempt 1, capped at max when
// max is positive.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
