package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	FeedFetches       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_fetches_total", Help: "Feed fetch attempts by result"}, []string{"result"})
	RunsStarted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "import_runs_started_total", Help: "Import runs created by the dispatcher"})
	RunsFinished      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "import_runs_finished_total", Help: "Import runs moved to a terminal status"}, []string{"status"})
	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "units_enqueued_total", Help: "Units of work submitted to the queue"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "units_completed_total", Help: "Units applied successfully by upsert outcome"}, []string{"status"})
	WorkerFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "units_retried_total", Help: "Units that failed and will retry"})
	WorkerDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "units_dead_letter_total", Help: "Units moved to the dead-letter list"})
	StalledRequeued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "units_stalled_total", Help: "Units whose lease expired and were redelivered"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_waiting", Help: "Units waiting in the ready list"})
	DelayedDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_delayed", Help: "Units scheduled for retry"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_active", Help: "Units currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			FeedFetches,
			RunsStarted,
			RunsFinished,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			StalledRequeued,
			QueueDepthGauge,
			DelayedDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
