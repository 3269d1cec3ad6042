// Package observability provides the proxy's Prometheus metrics.
//
// Every method is safe to call on a nil *Metrics, which is how metrics are
// disabled.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"weatherpi/internal/breaker"
)

const namespace = "weatherpi"

// Request outcomes.
const (
	OutcomeFresh       = "fresh"
	OutcomeUpstream    = "upstream"
	OutcomeDegraded    = "degraded"
	OutcomeRateLimited = "rate_limited"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// Metrics holds every collector the proxy reports.
type Metrics struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       prometheus.Counter
	upstreamAttempts  *prometheus.CounterVec
	upstreamDuration  *prometheus.HistogramVec
	upstreamRetries   *prometheus.CounterVec
	rateLimitRejected prometheus.Counter
	coalesced         prometheus.Counter
	breakerState      prometheus.Gauge
	breakerChanges    *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics registers the proxy's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total weather requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time to answer a weather request",
			Buckets:   []float64{.001, .005, .025, .1, .25, .5, 1, 2.5, 5, 15, 30},
		}, []string{"endpoint"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Fresh cache hits by tier",
		}, []string{"tier"}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Requests that found no fresh cache entry",
		}),
		upstreamAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Individual upstream HTTP attempts by endpoint and result",
		}, []string{"endpoint", "result"}),
		upstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of individual upstream attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		upstreamRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream attempts beyond the first",
		}, []string{"endpoint"}),
		rateLimitRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-client rate limiter",
		}),
		coalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_requests_total",
			Help:      "Requests that shared another request's in-flight upstream call",
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		breakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker transitions by target state",
		}, []string{"to"}),
		registerer: reg,
	}
}

// ObserveRequest records one answered weather request.
func (m *Metrics) ObserveRequest(endpoint, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// CacheHit records a fresh hit served from tier.
func (m *Metrics) CacheHit(tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(tier).Inc()
}

// CacheMiss records a request that had to go upstream or fall back.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RateLimited records a rejected request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejected.Inc()
}

// Coalesced records a request that joined an in-flight call.
func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

// ObserveUpstreamAttempt implements upstream.Observer.
func (m *Metrics) ObserveUpstreamAttempt(endpoint, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamAttempts.WithLabelValues(endpoint, result).Inc()
	m.upstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveUpstreamRetry implements upstream.Observer.
func (m *Metrics) ObserveUpstreamRetry(endpoint string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(endpoint).Inc()
}

// CircuitStateChanged records a breaker transition.
func (m *Metrics) CircuitStateChanged(to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(to))
	m.breakerChanges.WithLabelValues(to.String()).Inc()
}

// WatchCacheEntries exposes fn as the memory cache size gauge.
func (m *Metrics) WatchCacheEntries(fn func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cache_entries",
		Help:      "Entries held by the memory cache, fresh or stale",
	}, func() float64 { return float64(fn()) })
}
