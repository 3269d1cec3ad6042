package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weatherpi/internal/breaker"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("weather", OutcomeFresh, time.Millisecond)
		m.CacheHit("memory")
		m.CacheMiss()
		m.RateLimited()
		m.Coalesced()
		m.ObserveUpstreamAttempt("weather", "success", time.Millisecond)
		m.ObserveUpstreamRetry("weather")
		m.CircuitStateChanged(breaker.Open)
		m.WatchCacheEntries(func() int { return 0 })
	})
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRequest("weather", OutcomeFresh, 5*time.Millisecond)
	m.ObserveRequest("weather", OutcomeFresh, 5*time.Millisecond)
	m.ObserveRequest("forecast", OutcomeDegraded, time.Second)
	m.CacheHit("redis")
	m.CacheMiss()
	m.RateLimited()
	m.Coalesced()
	m.Coalesced()
	m.ObserveUpstreamAttempt("weather", "timeout", 15*time.Second)
	m.ObserveUpstreamRetry("weather")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("weather", OutcomeFresh)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("forecast", OutcomeDegraded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.coalesced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamAttempts.WithLabelValues("weather", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRetries.WithLabelValues("weather")))
}

func TestMetrics_CircuitState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.CircuitStateChanged(breaker.Open)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState))
	m.CircuitStateChanged(breaker.HalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.breakerState))
	m.CircuitStateChanged(breaker.Closed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerChanges.WithLabelValues("open")))
}

func TestMetrics_WatchCacheEntries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	size := 7
	m.WatchCacheEntries(func() int { return size })

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "weatherpi_cache_entries" {
			found = true
			assert.Equal(t, 7.0, f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func TestNewRegistry_IncludesRuntimeCollectors(t *testing.T) {
	reg := NewRegistry()
	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
