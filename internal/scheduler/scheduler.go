// Package scheduler runs the periodic import on a cron schedule.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule fires at the top of every hour.
const DefaultSchedule = "0 * * * *"

// Status describes a scheduler handle.
type Status struct {
	Running  bool       `json:"isRunning"`
	Schedule string     `json:"schedule"`
	NextRun  *time.Time `json:"nextRun"`
}

// Handle owns one cron instance. It is returned by Start and is the only way
// to stop or inspect that schedule.
type Handle struct {
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	log      *zap.SugaredLogger

	mu      sync.Mutex
	running bool
}

// Start validates spec (standard five fields or a descriptor such as
// "@every 1h") and schedules fn. Overlapping firings are skipped while a
// previous one is still running.
func Start(ctx context.Context, spec string, fn func(context.Context) error, log *zap.SugaredLogger) (*Handle, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	log = log.Named("scheduler")
	cl := cronLogger{log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id, err := c.AddFunc(spec, func() {
		started := time.Now()
		log.Infow("scheduled import started")
		if err := fn(ctx); err != nil {
			log.Errorw("scheduled import failed", "err", err)
			return
		}
		log.Infow("scheduled import finished", "took", time.Since(started))
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron schedule %q", spec)
	}
	c.Start()

	h := &Handle{cron: c, entry: id, schedule: spec, log: log, running: true}
	if next := h.Status().NextRun; next != nil {
		log.Infow("cron started", "schedule", spec, "nextRun", next.Format(time.RFC3339))
	}
	return h, nil
}

// Stop halts the schedule and waits for a firing in progress, or for ctx.
// Stopping twice is harmless.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	select {
	case <-h.cron.Stop().Done():
		h.log.Warnw("cron stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports whether the schedule is active and when it fires next.
func (h *Handle) Status() Status {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()

	st := Status{Running: running, Schedule: h.schedule}
	if !running {
		return st
	}
	entry := h.cron.Entry(h.entry)
	next := entry.Next
	if next.IsZero() && entry.Schedule != nil {
		next = entry.Schedule.Next(time.Now())
	}
	if !next.IsZero() {
		st.NextRun = &next
	}
	return st
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "err", err)...)
}
