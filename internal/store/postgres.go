package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"feed-job-importer/internal/models"
)

var (
	// ErrNotFound is returned when a job or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a unique constraint violation.
	ErrConflict = errors.New("conflict")
	// ErrPersistence marks any failure talking to Postgres.
	ErrPersistence = errors.New("persistence error")
)

const uniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence of jobs and import runs.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.SugaredLogger
}

// New creates a pooled connection to Postgres and verifies it.
func New(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &Store{pool: pool, log: log.Named("store")}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func persistErr(err error, op string) error {
	wrapped := errors.Wrap(err, op)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		wrapped = errors.Mark(wrapped, ErrConflict)
	}
	return errors.Mark(wrapped, ErrPersistence)
}

const jobColumns = `id, external_id, title, company, location, description, job_type, category, url, salary, source_url, posted_date, is_active, created_at, updated_at`

func scanJob(row pgx.Row) (models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ExternalID, &j.Title, &j.Company, &j.Location, &j.Description, &j.JobType,
		&j.Category, &j.URL, &j.Salary, &j.SourceURL, &j.PostedDate, &j.IsActive, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// FindJobByExternalID looks up the upsert key.
func (s *Store) FindJobByExternalID(ctx context.Context, externalID string) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", externalID)
	}
	if err != nil {
		return models.Job{}, persistErr(err, "find job")
	}
	return job, nil
}

// CreateJob inserts a new job row. A concurrent insert of the same external
// id surfaces as ErrConflict.
func (s *Store) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	now := time.Now().UTC()
	job.ID = uuid.New().String()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, job.ID, job.ExternalID, job.Title, job.Company, job.Location, job.Description, job.JobType,
		job.Category, job.URL, job.Salary, job.SourceURL, job.PostedDate, job.IsActive, now)
	if err != nil {
		return models.Job{}, persistErr(err, "insert job")
	}
	return job, nil
}

// UpdateJob overwrites every mutable field of the job with the given id.
// external_id and created_at are never touched.
func (s *Store) UpdateJob(ctx context.Context, id string, job models.Job) (models.Job, error) {
	updated, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET title = $2, company = $3, location = $4, description = $5, job_type = $6, category = $7,
			url = $8, salary = $9, source_url = $10, posted_date = $11, is_active = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, job.Title, job.Company, job.Location, job.Description, job.JobType, job.Category,
		job.URL, job.Salary, job.SourceURL, job.PostedDate, job.IsActive))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return models.Job{}, persistErr(err, "update job")
	}
	return updated, nil
}

// CountJobs returns the number of stored jobs.
func (s *Store) CountJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, persistErr(err, "count jobs")
	}
	return n, nil
}

const runColumns = `id, source_label, status, start_time, end_time, duration_ms, total_fetched, total_imported, new_count, updated_count, failed_count, failures, created_at, updated_at`

func scanRun(row pgx.Row) (models.ImportRun, error) {
	var r models.ImportRun
	var failures []byte
	err := row.Scan(&r.ID, &r.SourceLabel, &r.Status, &r.StartTime, &r.EndTime, &r.DurationMS,
		&r.TotalFetched, &r.TotalImported, &r.NewCount, &r.UpdatedCount, &r.FailedCount, &failures,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return models.ImportRun{}, err
	}
	if err := json.Unmarshal(failures, &r.Failures); err != nil {
		return models.ImportRun{}, errors.Wrap(err, "unmarshal failures")
	}
	if r.Failures == nil {
		r.Failures = []models.Failure{}
	}
	return r, nil
}

// CreateRun opens an in-progress ledger entry for a batch of totalFetched jobs.
func (s *Store) CreateRun(ctx context.Context, sourceLabel string, totalFetched int) (models.ImportRun, error) {
	now := time.Now().UTC()
	run := models.ImportRun{
		ID:           uuid.New().String(),
		SourceLabel:  sourceLabel,
		Status:       models.RunInProgress,
		StartTime:    now,
		TotalFetched: totalFetched,
		Failures:     []models.Failure{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO import_runs (id, source_label, status, start_time, total_fetched, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $4, $4)
	`, run.ID, run.SourceLabel, run.Status, now, totalFetched)
	if err != nil {
		return models.ImportRun{}, persistErr(err, "insert import run")
	}
	return run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.ImportRun, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.ImportRun{}, errors.Wrapf(ErrNotFound, "import run %s", id)
	}
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM import_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ImportRun{}, errors.Wrapf(ErrNotFound, "import run %s", id)
	}
	if err != nil {
		return models.ImportRun{}, persistErr(err, "get import run")
	}
	return run, nil
}

// RunFilter selects a page of runs, newest first.
type RunFilter struct {
	Page   int
	Limit  int
	Status string
}

// ListRuns returns one page of runs and the total matching the filter.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]models.ImportRun, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = 20
	}
	var total int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM import_runs WHERE ($1::text = '' OR status = $1)
	`, f.Status).Scan(&total); err != nil {
		return nil, 0, persistErr(err, "count import runs")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM import_runs
		WHERE ($1::text = '' OR status = $1)
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, f.Status, f.Limit, (f.Page-1)*f.Limit)
	if err != nil {
		return nil, 0, persistErr(err, "list import runs")
	}
	defer rows.Close()

	runs := make([]models.ImportRun, 0, f.Limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, persistErr(err, "scan import run")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, persistErr(err, "iterate import runs")
	}
	return runs, total, nil
}

// IncrementRunCounters applies d to the run's counters once per unit. A unit
// already recorded for the run, as imported or failed, leaves the counters
// untouched and reports false.
func (s *Store) IncrementRunCounters(ctx context.Context, runID, unitID string, d models.RunDelta) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH marked AS (
			INSERT INTO import_run_units (run_id, unit_id, outcome)
			SELECT id, $2, 'imported' FROM import_runs WHERE id = $1
			ON CONFLICT DO NOTHING
			RETURNING run_id
		)
		UPDATE import_runs r
		SET total_imported = r.total_imported + $3,
			new_count = r.new_count + $4,
			updated_count = r.updated_count + $5,
			updated_at = NOW()
		FROM marked
		WHERE r.id = marked.run_id
	`, runID, unitID, d.Imported, d.New, d.Updated)
	if err != nil {
		return false, persistErr(err, "increment run counters")
	}
	return tag.RowsAffected() == 1, nil
}

// RecordFailure bumps failed_count and appends f to the failure log, once
// per unit, in one statement.
func (s *Store) RecordFailure(ctx context.Context, runID, unitID string, f models.Failure) (bool, error) {
	entry, err := json.Marshal([]models.Failure{f})
	if err != nil {
		return false, errors.Wrap(err, "marshal failure")
	}
	tag, err := s.pool.Exec(ctx, `
		WITH marked AS (
			INSERT INTO import_run_units (run_id, unit_id, outcome)
			SELECT id, $2, 'failed' FROM import_runs WHERE id = $1
			ON CONFLICT DO NOTHING
			RETURNING run_id
		)
		UPDATE import_runs r
		SET failed_count = r.failed_count + 1,
			failures = r.failures || $3::jsonb,
			updated_at = NOW()
		FROM marked
		WHERE r.id = marked.run_id
	`, runID, unitID, string(entry))
	if err != nil {
		return false, persistErr(err, "record run failure")
	}
	return tag.RowsAffected() == 1, nil
}

// StaleRuns lists in-progress runs started before cutoff, oldest first.
func (s *Store) StaleRuns(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM import_runs
		WHERE status = $1 AND start_time < $2
		ORDER BY start_time
		LIMIT $3
	`, models.RunInProgress, cutoff.UTC(), limit)
	if err != nil {
		return nil, persistErr(err, "list stale import runs")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistErr(err, "scan stale import runs")
	}
	return ids, nil
}

// CompleteRun finalizes an in-progress run. It reports false when the run
// was already terminal, leaving end_time and duration untouched.
func (s *Store) CompleteRun(ctx context.Context, runID string, now time.Time) (bool, error) {
	return s.finishRun(ctx, runID, models.RunCompleted, now, nil)
}

// FailRun moves an in-progress run to failed when its dispatch aborted. The
// reason is appended to the failure log without counting as a failed item.
func (s *Store) FailRun(ctx context.Context, runID string, reason string, now time.Time) (bool, error) {
	entry, err := json.Marshal([]models.Failure{{ItemRef: runID, Reason: reason, Timestamp: now.UTC()}})
	if err != nil {
		return false, errors.Wrap(err, "marshal failure")
	}
	return s.finishRun(ctx, runID, models.RunFailed, now, entry)
}

func (s *Store) finishRun(ctx context.Context, runID, status string, now time.Time, failure []byte) (bool, error) {
	if failure == nil {
		failure = []byte("[]")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_runs
		SET status = $2,
			end_time = $3,
			duration_ms = (EXTRACT(EPOCH FROM ($3::timestamptz - start_time)) * 1000)::bigint,
			failures = failures || $5::jsonb,
			updated_at = $3
		WHERE id = $1 AND status = $4
	`, runID, status, now.UTC(), models.RunInProgress, string(failure))
	if err != nil {
		return false, persistErr(err, "finish import run")
	}
	return tag.RowsAffected() == 1, nil
}

// RunStats counts runs by status and sums the job counters of every run.
func (s *Store) RunStats(ctx context.Context) (models.RunStats, error) {
	var st models.RunStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'in-progress'),
			COALESCE(SUM(total_fetched), 0),
			COALESCE(SUM(total_imported), 0),
			COALESCE(SUM(new_count), 0),
			COALESCE(SUM(updated_count), 0),
			COALESCE(SUM(failed_count), 0)
		FROM import_runs
	`).Scan(&st.Runs.Total, &st.Runs.Completed, &st.Runs.Failed, &st.Runs.InProgress,
		&st.Jobs.TotalFetched, &st.Jobs.TotalImported, &st.Jobs.New, &st.Jobs.Updated, &st.Jobs.Failed)
	if err != nil {
		return models.RunStats{}, persistErr(err, "aggregate import runs")
	}
	return st, nil
}
