package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"feed-job-importer/internal/feed"
	"feed-job-importer/internal/importer"
	"feed-job-importer/internal/models"
	"feed-job-importer/internal/queue"
	"feed-job-importer/internal/scheduler"
	"feed-job-importer/internal/store"
	"feed-job-importer/internal/telemetry"
)

const maxPageSize = 100

// RunReader is the read side of the import run ledger.
type RunReader interface {
	ListRuns(ctx context.Context, f store.RunFilter) ([]models.ImportRun, int64, error)
	GetRun(ctx context.Context, id string) (models.ImportRun, error)
	RunStats(ctx context.Context) (models.RunStats, error)
}

// QueueCounter reports queue health.
type QueueCounter interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Trigger starts an import of one feed URL.
type Trigger interface {
	ImportURL(ctx context.Context, sourceURL string) (importer.ManualResult, error)
}

// SchedulerStatus exposes the cron handle state.
type SchedulerStatus interface {
	Status() scheduler.Status
}

// Server wires HTTP handlers for the import API.
type Server struct {
	runs      RunReader
	queue     QueueCounter
	trigger   Trigger
	scheduler SchedulerStatus
	limiter   func(http.Handler) http.Handler
	log       *zap.SugaredLogger
}

// Options collects the collaborators of the API. Scheduler and Limiter are
// optional.
type Options struct {
	Runs      RunReader
	Queue     QueueCounter
	Trigger   Trigger
	Scheduler SchedulerStatus
	Limiter   func(http.Handler) http.Handler
	Logger    *zap.SugaredLogger
}

// New constructs the API server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Server{
		runs:      opts.Runs,
		queue:     opts.Queue,
		trigger:   opts.Trigger,
		scheduler: opts.Scheduler,
		limiter:   opts.Limiter,
		log:       opts.Logger.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter)
		}
		r.Use(contentTypeJSON)
		r.Route("/imports", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/stats", s.handleStats)
			r.Get("/queue", s.handleQueue)
			r.Post("/trigger", s.handleTrigger)
			r.Get("/{id}", s.handleGetRun)
		})
		r.Get("/scheduler", s.handleScheduler)
	})
	return r
}

type envelope struct {
	Success    bool        `json:"success"`
	Message    string      `json:"message,omitempty"`
	Data       any         `json:"data,omitempty"`
	Pagination *pagination `json:"pagination,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type pagination struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int   `json:"pages"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer", err)
		return
	}
	limit, err := intParam(q.Get("limit"), 20)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
		return
	}
	limit = min(limit, maxPageSize)
	status := q.Get("status")
	switch status {
	case "", models.RunInProgress, models.RunCompleted, models.RunFailed:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(status), nil)
		return
	}

	runs, total, err := s.runs.ListRuns(r.Context(), store.RunFilter{Page: page, Limit: limit, Status: status})
	if err != nil {
		s.log.Errorw("list import runs", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch import logs", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    runs,
		Pagination: &pagination{
			Total: total,
			Page:  page,
			Limit: limit,
			Pages: int(math.Ceil(float64(total) / float64(limit))),
		},
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Import log not found", nil)
		return
	}
	if err != nil {
		s.log.Errorw("get import run", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch import log", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: run})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.runs.RunStats(r.Context())
	if err != nil {
		s.log.Errorw("aggregate import runs", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch import stats", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		s.log.Errorw("queue counts", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch queue stats", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: counts})
}

type triggerRequest struct {
	APIURL string `json:"apiUrl"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err)
		return
	}
	if req.APIURL == "" {
		writeError(w, http.StatusBadRequest, "API URL is required", nil)
		return
	}
	if u, err := url.Parse(req.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "API URL must be an absolute http(s) URL", err)
		return
	}

	res, err := s.trigger.ImportURL(r.Context(), req.APIURL)
	if err != nil {
		s.log.Errorw("manual import", "url", req.APIURL, "err", err)
		code := http.StatusInternalServerError
		if errors.Is(err, feed.ErrFetch) || errors.Is(err, feed.ErrParse) {
			code = http.StatusBadGateway
		}
		writeError(w, code, "Failed to trigger manual import", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Manual import triggered successfully", Data: res})
}

func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: scheduler.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: s.scheduler.Status()})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, code int, msg string, err error) {
	env := envelope{Success: false, Message: msg}
	if err != nil {
		env.Error = err.Error()
	}
	writeJSON(w, code, env)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
