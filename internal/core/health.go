package core

import "time"

// Health status values.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// HealthStatus is the snapshot served on the health endpoint and returned by
// administrative operations. The monitoring dashboard consumes this shape.
type HealthStatus struct {
	Status         string               `json:"status"`
	Timestamp      time.Time            `json:"timestamp"`
	Version        string               `json:"version"`
	UptimeSeconds  float64              `json:"uptime_seconds"`
	Cache          CacheHealth          `json:"cache"`
	CircuitBreaker CircuitBreakerHealth `json:"circuit_breaker"`
	RateLimiting   RateLimitHealth      `json:"rate_limiting"`
	Errors         ErrorHealth          `json:"errors"`
	InFlight       int64                `json:"in_flight"`
	ActiveRequests int64                `json:"active_requests"`
}

// CacheHealth describes the cache tiers.
type CacheHealth struct {
	Entries    int        `json:"entries"`
	Capacity   int        `json:"capacity"`
	TTLSeconds float64    `json:"ttl_seconds"`
	SecondTier string     `json:"second_tier"`
	Stats      CacheStats `json:"stats"`
}

// CacheStats counts memory cache lookups.
type CacheStats struct {
	Hits      uint64 `json:"hits"`
	StaleHits uint64 `json:"stale_hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// CircuitBreakerHealth describes the breaker.
type CircuitBreakerHealth struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
	HalfOpenProbes      int        `json:"half_open_probes"`
}

// RateLimitHealth describes the per-client limiter.
type RateLimitHealth struct {
	Clients    int     `json:"clients"`
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Rejected   uint64  `json:"rejected"`
}

// ErrorHealth summarises the recent error window.
type ErrorHealth struct {
	Samples    int            `json:"samples"`
	Errors     int            `json:"errors"`
	ErrorRate  float64        `json:"error_rate"`
	ByType     map[string]int `json:"by_type"`
	ByEndpoint map[string]int `json:"by_endpoint"`
}
