// Package metrics exposes Prometheus collectors for the render-proxy service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheTierRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_cache_tier_requests_total",
			Help: "Cache tier probe outcomes, labeled by tier and result (hit, miss, error).",
		},
		[]string{"tier", "result"},
	)

	cacheHealsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_cache_heals_total",
			Help: "Read-heal repopulations of faster tiers, labeled by tier.",
		},
		[]string{"tier"},
	)

	poolRenderers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glimpse_pool_renderers",
			Help: "Number of live pooled renderers.",
		},
	)

	poolActivePages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glimpse_pool_active_pages",
			Help: "Number of checked-out page handles across all renderers.",
		},
	)

	rendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_renders_total",
			Help: "Render operations, labeled by outcome (ok, error, timeout).",
		},
		[]string{"outcome"},
	)

	renderDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "glimpse_render_duration_seconds",
			Help:    "Histogram of render operation latencies.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		},
	)

	pressureRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glimpse_pressure_rejections_total",
			Help: "Admissions rejected by the memory pressure gate.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glimpse_http_requests_total",
			Help: "Total HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glimpse_http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"method", "route"},
	)
)

// RecordTierHit counts a tier probe that found the key.
func RecordTierHit(tier string) {
	cacheTierRequestsTotal.WithLabelValues(tier, "hit").Inc()
}

// RecordTierMiss counts a clean tier miss.
func RecordTierMiss(tier string) {
	cacheTierRequestsTotal.WithLabelValues(tier, "miss").Inc()
}

// RecordTierError counts a tier probe that failed at the backend.
func RecordTierError(tier string) {
	cacheTierRequestsTotal.WithLabelValues(tier, "error").Inc()
}

// RecordHeal counts a read-heal repopulation of a faster tier.
func RecordHeal(tier string) {
	cacheHealsTotal.WithLabelValues(tier).Inc()
}

// SetPoolRenderers records the current renderer count.
func SetPoolRenderers(n int) {
	poolRenderers.Set(float64(n))
}

// SetPoolActivePages records the current checked-out handle count.
func SetPoolActivePages(n int) {
	poolActivePages.Set(float64(n))
}

// ObserveRender records one render operation.
func ObserveRender(outcome string, d time.Duration) {
	rendersTotal.WithLabelValues(outcome).Inc()
	renderDurationSeconds.Observe(d.Seconds())
}

// RecordPressureRejection counts an admission rejected under memory pressure.
func RecordPressureRejection() {
	pressureRejectionsTotal.Inc()
}
