package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "downloads_submitted_total", Help: "New download jobs created"}, []string{"format"})
	DuplicateHits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_duplicate_hits_total", Help: "Submissions answered with an existing job"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	Completed        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "downloads_completed_total", Help: "Jobs completed successfully"}, []string{"format"})
	Failed           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "downloads_failed_total", Help: "Jobs that ended failed"}, []string{"cause"})
	StatusChecks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_status_checks_total", Help: "Batch status poll requests"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "downloads_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "downloads_inflight", Help: "Jobs currently leased"})
	ProcessingTime   = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "downloads_processing_seconds",
		Help:    "Wall time from processing start to terminal state",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"status"})
)

// Failure causes recorded on Failed.
const (
	CauseMetadata = "metadata"
	CauseConvert  = "convert"
	CauseTimeout  = "timeout"
	CausePanic    = "panic"
	CauseEnqueue  = "enqueue"
	CauseStore    = "store"
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			DuplicateHits,
			RateLimitRejects,
			Completed,
			Failed,
			StatusChecks,
			QueueDepthGauge,
			InFlightGauge,
			ProcessingTime,
		)
	})
	return promhttp.Handler()
}
