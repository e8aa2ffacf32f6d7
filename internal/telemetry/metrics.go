package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_enqueued_total", Help: "Send jobs enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-tenant rate limiter"})
	SentCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_sent_total", Help: "Emails delivered successfully"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_retries_total", Help: "Delivery attempts that failed and were requeued"})
	SkippedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_skipped_total", Help: "Jobs permanently failed"})
	ReclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbound_reclaimed_total", Help: "Abandoned leases recovered by the watchdog"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbound_queue_depth", Help: "Jobs currently eligible for leasing"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outbound_inflight", Help: "Jobs currently leased by this worker"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			SentCounter,
			RetryCounter,
			SkippedCounter,
			ReclaimedCounter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
