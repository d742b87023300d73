package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clipmix_jobs_submitted_total", Help: "Total submitted assembly jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "clipmix_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "clipmix_jobs_completed_total", Help: "Jobs that produced an output"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "clipmix_jobs_failed_total", Help: "Jobs that ended in a failed state"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clipmix_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "clipmix_jobs_inflight", Help: "Jobs currently leased by workers"})
	RenderDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipmix_render_duration_seconds",
		Help:    "Wall-clock duration of the render stage",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			QueueDepthGauge,
			InFlightGauge,
			RenderDuration,
		)
	})
	return promhttp.Handler()
}
