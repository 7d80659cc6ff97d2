package querysync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the transport and the
// query cache. A nil collector records nothing. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
	errorsTotal      *prometheus.CounterVec

	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	fetchesTotal      *prometheus.CounterVec
	deduplicationHits *prometheus.CounterVec
	staleCompletions  *prometheus.CounterVec
	evictionsTotal    *prometheus.CounterVec
	cacheEntries      prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_requests_total",
				Help: "Total number of HTTP requests sent by the transport",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querysync_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "querysync_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_errors_total",
				Help: "Total number of transport errors by type",
			},
			[]string{"type", "method", "endpoint"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_cache_hits_total",
				Help: "Subscriptions served from a fresh cache entry",
			},
			[]string{"family"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_cache_misses_total",
				Help: "Subscriptions that found no entry or a stale one",
			},
			[]string{"family"},
		),
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_fetches_total",
				Help: "Fetches started by the query cache",
			},
			[]string{"family", "reason"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_deduplication_hits_total",
				Help: "Callers that joined an in-flight fetch instead of starting one",
			},
			[]string{"family"},
		),
		staleCompletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_stale_completions_total",
				Help: "Fetch completions dropped because a newer fetch superseded them",
			},
			[]string{"family"},
		),
		evictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querysync_evictions_total",
				Help: "Cache entries removed by garbage collection",
			},
			[]string{"family"},
		),
		cacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "querysync_cache_entries",
				Help: "Current number of cache entries",
			},
		),
	}
	if r, ok := registry.(*prometheus.Registry); ok {
		mc.registry = r
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(family string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(family).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(family string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(family).Inc()
}

// RecordFetch counts a started fetch. reason is one of subscribe, refetch,
// invalidate, interval, fetch.
func (mc *MetricsCollector) RecordFetch(family, reason string) {
	if mc == nil {
		return
	}
	mc.fetchesTotal.WithLabelValues(family, reason).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(family string) {
	if mc == nil {
		return
	}
	mc.deduplicationHits.WithLabelValues(family).Inc()
}

// RecordStaleCompletion counts a dropped superseded completion.
func (mc *MetricsCollector) RecordStaleCompletion(family string) {
	if mc == nil {
		return
	}
	mc.staleCompletions.WithLabelValues(family).Inc()
}

// RecordEviction counts a garbage-collected entry.
func (mc *MetricsCollector) RecordEviction(family string) {
	if mc == nil {
		return
	}
	mc.evictionsTotal.WithLabelValues(family).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}
	mc.cacheEntries.Set(float64(size))
}

// GetRegistry exposes the underlying prometheus registry, nil when the
// collector was built on a plain Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}
