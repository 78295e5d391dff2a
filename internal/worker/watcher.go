package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"feed-job-importer/internal/models"
	"feed-job-importer/internal/telemetry"
)

// RunFinalizer closes a run once its work has drained and lists runs that
// may have been missed.
type RunFinalizer interface {
	CompleteRun(ctx context.Context, runID string, now time.Time) (bool, error)
	StaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// OutstandingCounter reports how many units of a run are unfinished.
type OutstandingCounter interface {
	Outstanding(ctx context.Context, runID string) (int64, error)
}

// Watcher is the single consumer of processor events. It marks a run
// completed when its last unit finishes, successfully or not.
type Watcher struct {
	ledger    RunFinalizer
	queue     OutstandingCounter
	log       *zap.SugaredLogger
	now       func() time.Time
	attempts  int
	retryBase time.Duration
}

func NewWatcher(ledger RunFinalizer, q OutstandingCounter, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		ledger:    ledger,
		queue:     q,
		log:       log.Named("watcher"),
		now:       time.Now,
		attempts:  5,
		retryBase: 200 * time.Millisecond,
	}
}

// Run consumes events until the channel is closed. ctx is only used for
// store and queue calls, so callers should not cancel it before the
// processor has stopped.
func (w *Watcher) Run(ctx context.Context, events <-chan Event) {
	for ev := range events {
		switch ev.Kind {
		case EventRetrying:
			w.log.Warnw("unit will retry", "unit", ev.UnitID, "run", ev.RunID, "attempt", ev.Attempts, "err", ev.Err)
			continue
		case EventDeadLettered:
			w.log.Errorw("unit failed permanently", "unit", ev.UnitID, "run", ev.RunID, "attempts", ev.Attempts, "err", ev.Err)
		case EventCompleted:
			if ev.Result != nil {
				w.log.Debugw("unit completed", "unit", ev.UnitID, "run", ev.RunID, "status", ev.Result.Status, "jobId", ev.Result.JobID)
			}
		}
		if ev.Remaining > 0 {
			continue
		}
		if err := w.finalizeWithRetry(ctx, ev.RunID); err != nil {
			// Left for the stale run sweep.
			w.log.Errorw("finalize run", "run", ev.RunID, "err", err)
		}
	}
}

func (w *Watcher) finalizeWithRetry(ctx context.Context, runID string) error {
	var err error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if _, err = w.Finalize(ctx, runID); err == nil {
			return nil
		}
		if attempt == w.attempts || ctx.Err() != nil {
			break
		}
		w.log.Warnw("finalize run failed, retrying", "run", runID, "attempt", attempt, "err", err)
		sleep(ctx, backoff(w.retryBase, 0, attempt))
	}
	return err
}

// Sweep finalizes in-progress runs started before cutoff whose outstanding
// work is gone. It recovers runs whose last event was lost or whose
// finalization failed. It returns how many runs it completed.
func (w *Watcher) Sweep(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ids, err := w.ledger.StaleRuns(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	completed := 0
	for _, id := range ids {
		done, err := w.Finalize(ctx, id)
		if err != nil {
			w.log.Warnw("sweep finalize run", "run", id, "err", err)
			continue
		}
		if done {
			completed++
		}
	}
	if completed > 0 {
		w.log.Infow("stale runs finalized", "count", completed)
	}
	return completed, nil
}

// Finalize completes runID when no units remain outstanding. Calling it on a
// run that is already terminal, or still has work, is a no-op.
func (w *Watcher) Finalize(ctx context.Context, runID string) (bool, error) {
	left, err := w.queue.Outstanding(ctx, runID)
	if err != nil {
		return false, err
	}
	if left > 0 {
		return false, nil
	}
	done, err := w.ledger.CompleteRun(ctx, runID, w.now())
	if err != nil {
		return false, err
	}
	if done {
		telemetry.RunsFinished.WithLabelValues(models.RunCompleted).Inc()
		w.log.Infow("import run completed", "run", runID)
	}
	return done, nil
}
