package worker

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"feed-job-importer/internal/models"
	"feed-job-importer/internal/store"
)

// memStore is an in-memory JobStore, RunLedger and RunFinalizer.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]models.Job
	runs map[string]*models.ImportRun
	seen map[string]bool
	seq  int

	findErr      error
	incrementErr error
	conflictOnce bool
	completeErrs int
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]models.Job{}, runs: map[string]*models.ImportRun{}, seen: map[string]bool{}}
}

func (m *memStore) addRun(id string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id] = &models.ImportRun{ID: id, Status: models.RunInProgress, StartTime: time.Now(), TotalFetched: total}
}

func (m *memStore) setStart(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[id].StartTime = at
}

func (m *memStore) run(id string) models.ImportRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *m.runs[id]
	r.Failures = append([]models.Failure(nil), r.Failures...)
	return r
}

func (m *memStore) FindJobByExternalID(_ context.Context, externalID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return models.Job{}, m.findErr
	}
	job, ok := m.jobs[externalID]
	if !ok {
		return models.Job{}, errors.Wrapf(store.ErrNotFound, "job %s", externalID)
	}
	return job, nil
}

func (m *memStore) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictOnce {
		m.conflictOnce = false
		m.seq++
		m.jobs[job.ExternalID] = models.Job{ID: fmt.Sprintf("job-%d", m.seq), ExternalID: job.ExternalID, Title: "racer"}
		return models.Job{}, errors.Mark(errors.New("duplicate key"), store.ErrConflict)
	}
	if _, ok := m.jobs[job.ExternalID]; ok {
		return models.Job{}, errors.Mark(errors.New("duplicate key"), store.ErrConflict)
	}
	m.seq++
	job.ID = fmt.Sprintf("job-%d", m.seq)
	m.jobs[job.ExternalID] = job
	return job, nil
}

func (m *memStore) UpdateJob(_ context.Context, id string, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ext, existing := range m.jobs {
		if existing.ID == id {
			job.ID = id
			job.ExternalID = ext
			m.jobs[ext] = job
			return job, nil
		}
	}
	return models.Job{}, errors.Wrapf(store.ErrNotFound, "job %s", id)
}

func (m *memStore) IncrementRunCounters(_ context.Context, runID, unitID string, d models.RunDelta) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return false, m.incrementErr
	}
	r, ok := m.runs[runID]
	if !ok || m.seen[runID+"/"+unitID] {
		return false, nil
	}
	m.seen[runID+"/"+unitID] = true
	r.TotalImported += d.Imported
	r.NewCount += d.New
	r.UpdatedCount += d.Updated
	return true, nil
}

func (m *memStore) RecordFailure(_ context.Context, runID, unitID string, f models.Failure) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || m.seen[runID+"/"+unitID] {
		return false, nil
	}
	m.seen[runID+"/"+unitID] = true
	r.FailedCount++
	r.Failures = append(r.Failures, f)
	return true, nil
}

func (m *memStore) StaleRuns(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.runs {
		if r.Status == models.RunInProgress && r.StartTime.Before(cutoff) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *memStore) CompleteRun(_ context.Context, runID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErrs > 0 {
		m.completeErrs--
		return false, errors.New("connection reset")
	}
	r, ok := m.runs[runID]
	if !ok || r.Status != models.RunInProgress {
		return false, nil
	}
	end := now
	dur := end.Sub(r.StartTime).Milliseconds()
	r.Status = models.RunCompleted
	r.EndTime = &end
	r.DurationMS = &dur
	return true, nil
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}
