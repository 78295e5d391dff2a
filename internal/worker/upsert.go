package worker

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"feed-job-importer/internal/feed"
	"feed-job-importer/internal/models"
	"feed-job-importer/internal/store"
)

// ErrValidation marks units whose job lacks a required field. Such units are
// retried like any other failure and end up dead-lettered.
var ErrValidation = errors.New("validation error")

// JobStore persists canonical jobs keyed by external id.
type JobStore interface {
	FindJobByExternalID(ctx context.Context, externalID string) (models.Job, error)
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	UpdateJob(ctx context.Context, id string, job models.Job) (models.Job, error)
}

// RunLedger receives atomic counter updates for the run owning a unit. Both
// calls apply at most once per unit id and report whether they did.
type RunLedger interface {
	IncrementRunCounters(ctx context.Context, runID, unitID string, d models.RunDelta) (bool, error)
	RecordFailure(ctx context.Context, runID, unitID string, f models.Failure) (bool, error)
}

// JobWorker applies one unit of work: validate, then create or update.
type JobWorker struct {
	jobs   JobStore
	ledger RunLedger
	log    *zap.SugaredLogger
	now    func() time.Time
}

func NewJobWorker(jobs JobStore, ledger RunLedger, log *zap.SugaredLogger) *JobWorker {
	return &JobWorker{jobs: jobs, ledger: ledger, log: log.Named("upsert"), now: time.Now}
}

// Apply upserts the unit's job and bumps the run counters. Every error is
// returned so the queue can retry; the run's failure log is only written on
// the last attempt, so each unit counts at most once as failed.
func (w *JobWorker) Apply(ctx context.Context, unit models.UnitOfWork) (models.UpsertResult, error) {
	job := prepare(unit)
	if err := validate(job); err != nil {
		return models.UpsertResult{}, w.fail(ctx, unit, job.ExternalID, err)
	}

	existing, err := w.jobs.FindJobByExternalID(ctx, job.ExternalID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		created, err := w.jobs.CreateJob(ctx, job)
		if errors.Is(err, store.ErrConflict) {
			// Another delivery inserted it first.
			return w.retryAsUpdate(ctx, unit, job)
		}
		if err != nil {
			return models.UpsertResult{}, w.fail(ctx, unit, job.ExternalID, err)
		}
		w.count(ctx, unit, models.RunDelta{Imported: 1, New: 1})
		w.log.Infow("job created", "externalId", job.ExternalID, "title", job.Title, "run", unit.ImportRunID)
		return models.UpsertResult{Status: models.UpsertCreated, JobID: created.ID, Title: created.Title}, nil
	case err != nil:
		return models.UpsertResult{}, w.fail(ctx, unit, job.ExternalID, err)
	}
	return w.update(ctx, unit, existing.ID, job)
}

func (w *JobWorker) retryAsUpdate(ctx context.Context, unit models.UnitOfWork, job models.Job) (models.UpsertResult, error) {
	existing, err := w.jobs.FindJobByExternalID(ctx, job.ExternalID)
	if err != nil {
		return models.UpsertResult{}, w.fail(ctx, unit, job.ExternalID, err)
	}
	return w.update(ctx, unit, existing.ID, job)
}

func (w *JobWorker) update(ctx context.Context, unit models.UnitOfWork, id string, job models.Job) (models.UpsertResult, error) {
	updated, err := w.jobs.UpdateJob(ctx, id, job)
	if err != nil {
		return models.UpsertResult{}, w.fail(ctx, unit, job.ExternalID, err)
	}
	w.count(ctx, unit, models.RunDelta{Imported: 1, Updated: 1})
	w.log.Infow("job updated", "externalId", job.ExternalID, "title", job.Title, "run", unit.ImportRunID)
	return models.UpsertResult{Status: models.UpsertUpdated, JobID: updated.ID, Title: updated.Title}, nil
}

// count is best effort: the job is already stored. A redelivered unit that
// was counted before is skipped by the ledger.
func (w *JobWorker) count(ctx context.Context, unit models.UnitOfWork, d models.RunDelta) {
	applied, err := w.ledger.IncrementRunCounters(ctx, unit.ImportRunID, unit.ID, d)
	if err != nil {
		w.log.Errorw("increment run counters", "run", unit.ImportRunID, "unit", unit.ID, "err", err)
		return
	}
	if !applied {
		w.log.Debugw("unit already counted", "run", unit.ImportRunID, "unit", unit.ID)
	}
}

func (w *JobWorker) fail(ctx context.Context, unit models.UnitOfWork, ref string, cause error) error {
	if ref == "" {
		ref = "unknown"
	}
	log := w.log.With("externalId", ref, "run", unit.ImportRunID, "attempt", unit.Attempts+1)
	if !unit.FinalAttempt() {
		log.Warnw("job failed, will retry", "err", cause)
		return cause
	}
	log.Errorw("job failed permanently", "err", cause)
	failure := models.Failure{ItemRef: ref, Reason: cause.Error(), Timestamp: w.now().UTC()}
	if _, err := w.ledger.RecordFailure(ctx, unit.ImportRunID, unit.ID, failure); err != nil {
		log.Errorw("record run failure", "err", err)
	}
	return cause
}

func prepare(unit models.UnitOfWork) models.Job {
	job := unit.Job
	job.ExternalID = feed.SanitizeExternalID(strings.TrimSpace(job.ExternalID))
	job.Title = strings.TrimSpace(job.Title)
	job.Company = strings.TrimSpace(job.Company)
	if job.SourceURL == "" {
		job.SourceURL = unit.SourceURL
	}
	if job.Location == "" {
		job.Location = models.DefaultLocation
	}
	if job.JobType == "" {
		job.JobType = models.JobTypeFullTime
	}
	if job.PostedDate.IsZero() {
		job.PostedDate = unit.EnqueuedAt
	}
	job.IsActive = true
	return job
}

// validate rejects jobs the normalizer could only fill with placeholders.
func validate(job models.Job) error {
	switch {
	case job.ExternalID == "":
		return errors.Mark(errors.New("missing externalId"), ErrValidation)
	case job.Title == "" || job.Title == models.UntitledPosition:
		return errors.Mark(errors.New("missing title"), ErrValidation)
	case job.Company == "" || job.Company == models.UnknownCompany:
		return errors.Mark(errors.New("missing company"), ErrValidation)
	}
	return nil
}
