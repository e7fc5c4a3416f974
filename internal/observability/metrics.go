// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for cnpjgate.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus collectors and atomic counters for fast
// inspection without scraping the registry.
type Metrics struct {
	// Atomic counters for hot-path access (no mutex, no allocation).
	lookups        int64
	cacheHits      int64
	cacheMisses    int64
	providerCalls  int64
	providerErrors int64
	invalid        int64

	// Prometheus counters for scraping.
	promLookups        prometheus.Counter
	promCacheHits      prometheus.Counter
	promCacheMisses    prometheus.Counter
	promProviderCalls  prometheus.Counter
	promProviderErrors prometheus.Counter
	promInvalid        prometheus.Counter

	// Prometheus histograms.
	PromLookupDuration prometheus.Histogram
	PromThrottleWait   prometheus.Histogram

	// Per-status HTTP response counts. Status codes are a bounded set, so
	// the label is safe from cardinality explosions.
	promResponses *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promLookups: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "lookups_total",
			Help:      "Total number of lookup requests received.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "cache_hits_total",
			Help:      "Total number of lookups served from the result cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "cache_misses_total",
			Help:      "Total number of cache probes that missed or were expired.",
		}),
		promProviderCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "provider_calls_total",
			Help:      "Total number of outbound registry provider calls.",
		}),
		promProviderErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "provider_errors_total",
			Help:      "Total number of failed registry provider calls.",
		}),
		promInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "invalid_identifier_total",
			Help:      "Total number of lookups rejected by local validation.",
		}),
		PromLookupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cnpjgate",
			Name:      "lookup_duration_seconds",
			Help:      "End-to-end lookup duration in seconds, including queue time.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromThrottleWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cnpjgate",
			Name:      "throttle_wait_seconds",
			Help:      "Time spent queued at the throttle gate in seconds.",
			Buckets:   []float64{.001, .01, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		promResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cnpjgate",
			Name:      "http_responses_total",
			Help:      "Total HTTP responses by status code.",
		}, []string{"status_code"}),
	}

	return m
}

// IncLookups increments the lookup request counter.
func (m *Metrics) IncLookups() {
	atomic.AddInt64(&m.lookups, 1)
	m.promLookups.Inc()
}

// IncCacheHits increments the cache hit counter.
func (m *Metrics) IncCacheHits() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMisses increments the cache miss counter.
func (m *Metrics) IncCacheMisses() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncProviderCalls increments the outbound provider call counter.
func (m *Metrics) IncProviderCalls() {
	atomic.AddInt64(&m.providerCalls, 1)
	m.promProviderCalls.Inc()
}

// IncProviderErrors increments the failed provider call counter.
func (m *Metrics) IncProviderErrors() {
	atomic.AddInt64(&m.providerErrors, 1)
	m.promProviderErrors.Inc()
}

// IncInvalid increments the locally-rejected identifier counter.
func (m *Metrics) IncInvalid() {
	atomic.AddInt64(&m.invalid, 1)
	m.promInvalid.Inc()
}

// ObserveLookupDuration records one end-to-end lookup duration.
func (m *Metrics) ObserveLookupDuration(d time.Duration) {
	m.PromLookupDuration.Observe(d.Seconds())
}

// ObserveThrottleWait records time spent queued at the gate.
func (m *Metrics) ObserveThrottleWait(d time.Duration) {
	m.PromThrottleWait.Observe(d.Seconds())
}

// IncResponse increments the per-status HTTP response counter.
func (m *Metrics) IncResponse(statusCode string) {
	m.promResponses.WithLabelValues(statusCode).Inc()
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Lookups        int64
	CacheHits      int64
	CacheMisses    int64
	ProviderCalls  int64
	ProviderErrors int64
	Invalid        int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Lookups:        atomic.LoadInt64(&m.lookups),
		CacheHits:      atomic.LoadInt64(&m.cacheHits),
		CacheMisses:    atomic.LoadInt64(&m.cacheMisses),
		ProviderCalls:  atomic.LoadInt64(&m.providerCalls),
		ProviderErrors: atomic.LoadInt64(&m.providerErrors),
		Invalid:        atomic.LoadInt64(&m.invalid),
	}
}
