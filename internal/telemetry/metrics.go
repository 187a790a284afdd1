package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesSubmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_batches_submitted_total", Help: "Batches submitted to the engine"})
	ItemsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_items_completed_total", Help: "Items completed successfully"})
	ItemsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_items_failed_total", Help: "Items that failed terminally"})
	ItemsCached       = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_items_cached_total", Help: "Items served from the content cache"})
	RetriesTotal      = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_retries_total", Help: "Individual attempt failures that were retried or exhausted"})
	ThrottleSleeps    = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_throttle_sleeps_total", Help: "Quota-advised delays taken between batches"})
	CircuitRejections = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_circuit_rejections_total", Help: "Requests rejected by the open circuit breaker"})
	CacheSweeps       = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_cache_sweeps_total", Help: "Expired cache entries removed by the sweeper"})
	SubmitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "framesnap_submit_rejects_total", Help: "Batch submissions rejected by the submission rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "framesnap_inflight", Help: "Upstream requests currently in flight"})
	QuotaRemaining    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "framesnap_quota_remaining", Help: "Last upstream-reported remaining quota"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesSubmitted,
			ItemsCompleted,
			ItemsFailed,
			ItemsCached,
			RetriesTotal,
			ThrottleSleeps,
			CircuitRejections,
			CacheSweeps,
			SubmitRejects,
			InFlightGauge,
			QuotaRemaining,
		)
	})
	return promhttp.Handler()
}
