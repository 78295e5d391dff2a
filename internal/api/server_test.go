package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"feed-job-importer/internal/feed"
	"feed-job-importer/internal/importer"
	"feed-job-importer/internal/models"
	"feed-job-importer/internal/queue"
	"feed-job-importer/internal/scheduler"
	"feed-job-importer/internal/store"
)

type fakeRuns struct {
	runs       []models.ImportRun
	lastFilter store.RunFilter
	err        error
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]models.ImportRun, int64, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.runs, int64(len(f.runs)) * 3, nil
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (models.ImportRun, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.ImportRun{}, errors.Wrapf(store.ErrNotFound, "import run %s", id)
}

func (f *fakeRuns) RunStats(context.Context) (models.RunStats, error) {
	return models.RunStats{
		Runs: models.RunCounts{Total: 2, Completed: 1, InProgress: 1},
		Jobs: models.JobCounts{TotalFetched: 10, TotalImported: 9, New: 7, Updated: 2, Failed: 1},
	}, nil
}

type fakeQueue struct{}

func (fakeQueue) Counts(context.Context) (queue.Counts, error) {
	return queue.Counts{Waiting: 1, Active: 2, Completed: 3, Failed: 4, Delayed: 5, Total: 15}, nil
}

type fakeTrigger struct {
	got string
	err error
}

func (f *fakeTrigger) ImportURL(_ context.Context, u string) (importer.ManualResult, error) {
	f.got = u
	if f.err != nil {
		return importer.ManualResult{}, f.err
	}
	return importer.ManualResult{ImportRunID: "run-9", JobsCount: 12}, nil
}

type fakeScheduler struct{}

func (fakeScheduler) Status() scheduler.Status {
	next := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return scheduler.Status{Running: true, Schedule: "0 * * * *", NextRun: &next}
}

func newTestServer(runs *fakeRuns, trig *fakeTrigger) http.Handler {
	return New(Options{Runs: runs, Queue: fakeQueue{}, Trigger: trig, Scheduler: fakeScheduler{}}).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: invalid json %q", method, path, rec.Body.String())
	}
	return rec, out
}

func TestListRunsPaginates(t *testing.T) {
	runs := &fakeRuns{runs: []models.ImportRun{{ID: "a", Status: models.RunCompleted}, {ID: "b", Status: models.RunCompleted}}}
	h := newTestServer(runs, &fakeTrigger{})

	rec, body := do(t, h, http.MethodGet, "/api/v1/imports?page=2&limit=500&status=completed", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if runs.lastFilter != (store.RunFilter{Page: 2, Limit: maxPageSize, Status: models.RunCompleted}) {
		t.Fatalf("unexpected filter %+v", runs.lastFilter)
	}
	p := body["pagination"].(map[string]any)
	if p["total"].(float64) != 6 || p["pages"].(float64) != 1 || p["limit"].(float64) != maxPageSize {
		t.Fatalf("unexpected pagination %v", p)
	}
	if len(body["data"].([]any)) != 2 {
		t.Fatalf("expected two runs")
	}
}

func TestListRunsRejectsBadParams(t *testing.T) {
	h := newTestServer(&fakeRuns{}, &fakeTrigger{})
	for _, path := range []string{"/api/v1/imports?page=0", "/api/v1/imports?limit=x", "/api/v1/imports?status=weird"} {
		if rec, _ := do(t, h, http.MethodGet, path, ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestListRunsStoreError(t *testing.T) {
	h := newTestServer(&fakeRuns{err: errors.New("db down")}, &fakeTrigger{})
	rec, body := do(t, h, http.MethodGet, "/api/v1/imports", "")
	if rec.Code != http.StatusInternalServerError || body["success"] != false || body["error"] != "db down" {
		t.Fatalf("unexpected error response %d %v", rec.Code, body)
	}
}

func TestGetRun(t *testing.T) {
	h := newTestServer(&fakeRuns{runs: []models.ImportRun{{ID: "abc", SourceLabel: "https://feed.test"}}}, &fakeTrigger{})

	rec, body := do(t, h, http.MethodGet, "/api/v1/imports/abc", "")
	if rec.Code != http.StatusOK || body["data"].(map[string]any)["sourceLabel"] != "https://feed.test" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
	rec, body = do(t, h, http.MethodGet, "/api/v1/imports/missing", "")
	if rec.Code != http.StatusNotFound || body["message"] != "Import log not found" {
		t.Fatalf("expected 404, got %d %v", rec.Code, body)
	}
}

func TestStatsAndQueue(t *testing.T) {
	h := newTestServer(&fakeRuns{}, &fakeTrigger{})

	_, body := do(t, h, http.MethodGet, "/api/v1/imports/stats", "")
	data := body["data"].(map[string]any)
	if data["logs"].(map[string]any)["inProgress"].(float64) != 1 || data["jobs"].(map[string]any)["new"].(float64) != 7 {
		t.Fatalf("unexpected stats %v", data)
	}

	_, body = do(t, h, http.MethodGet, "/api/v1/imports/queue", "")
	if body["data"].(map[string]any)["total"].(float64) != 15 {
		t.Fatalf("unexpected queue stats %v", body)
	}
}

func TestTrigger(t *testing.T) {
	trig := &fakeTrigger{}
	h := newTestServer(&fakeRuns{}, trig)

	rec, body := do(t, h, http.MethodPost, "/api/v1/imports/trigger", `{"apiUrl":"https://jobicy.com/?feed=job_feed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", rec.Code, body)
	}
	data := body["data"].(map[string]any)
	if data["importRunId"] != "run-9" || data["jobsCount"].(float64) != 12 {
		t.Fatalf("unexpected trigger response %v", data)
	}
	if trig.got != "https://jobicy.com/?feed=job_feed" {
		t.Fatalf("trigger got %q", trig.got)
	}
}

func TestTriggerValidatesInput(t *testing.T) {
	h := newTestServer(&fakeRuns{}, &fakeTrigger{})
	for _, body := range []string{`{}`, `{"apiUrl":"ftp://x"}`, `{"apiUrl":"/relative"}`, `not json`} {
		if rec, _ := do(t, h, http.MethodPost, "/api/v1/imports/trigger", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestTriggerFetchFailure(t *testing.T) {
	trig := &fakeTrigger{err: errors.Mark(errors.New("timeout"), feed.ErrFetch)}
	h := newTestServer(&fakeRuns{}, trig)
	rec, body := do(t, h, http.MethodPost, "/api/v1/imports/trigger", `{"apiUrl":"https://down.test/rss"}`)
	if rec.Code != http.StatusBadGateway || body["success"] != false {
		t.Fatalf("expected 502, got %d %v", rec.Code, body)
	}
}

func TestSchedulerStatus(t *testing.T) {
	h := newTestServer(&fakeRuns{}, &fakeTrigger{})
	_, body := do(t, h, http.MethodGet, "/api/v1/scheduler", "")
	data := body["data"].(map[string]any)
	if data["isRunning"] != true || data["schedule"] != "0 * * * *" || data["nextRun"] == nil {
		t.Fatalf("unexpected scheduler status %v", data)
	}
}

func TestLimiterWrapsAPI(t *testing.T) {
	blocked := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false}`))
		})
	}
	h := New(Options{Runs: &fakeRuns{}, Queue: fakeQueue{}, Trigger: &fakeTrigger{}, Limiter: blocked}).Router()

	if rec, _ := do(t, h, http.MethodGet, "/api/v1/imports/stats", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected limiter to apply, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz must bypass the limiter, got %d", rec.Code)
	}
}
