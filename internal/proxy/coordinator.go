// Package proxy implements the request coordinator: rate limiting, cache
// lookup, in-flight deduplication, circuit breaking and stale fallback.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"weatherpi/internal/breaker"
	"weatherpi/internal/cache"
	"weatherpi/internal/core"
	"weatherpi/internal/errortrack"
	"weatherpi/internal/observability"
	"weatherpi/internal/ratelimit"
)

// Config holds coordinator settings.
type Config struct {
	// CacheTTL is the freshness window of upstream responses.
	CacheTTL time.Duration
	// CoordinatePrecision is the number of decimals kept in cache keys.
	CoordinatePrecision int
	// MaxErrorRate marks the proxy degraded when exceeded.
	MaxErrorRate float64
	// MaxActiveRequests marks the proxy degraded when exceeded. Zero disables it.
	MaxActiveRequests int
	// Version is reported by Health.
	Version string
}

// Dependencies are the long-lived components the coordinator composes.
// Metrics may be nil.
type Dependencies struct {
	Cache   *cache.Tiered
	Breaker *breaker.Breaker
	Limiter *ratelimit.Limiter
	Tracker *errortrack.Tracker
	Fetcher core.Fetcher
	Metrics *observability.Metrics
}

// Coordinator implements core.Proxy and core.Administrator.
type Coordinator struct {
	cfg     Config
	cache   *cache.Tiered
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	tracker *errortrack.Tracker
	fetcher core.Fetcher
	metrics *observability.Metrics

	// flights is the in-flight registry, keyed by cache key.
	flights  singleflight.Group
	inFlight atomic.Int64
	active   atomic.Int64

	startedAt time.Time
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used for result ages and health.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator.
func New(cfg Config, deps Dependencies, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		cache:   deps.Cache,
		breaker: deps.Breaker,
		limiter: deps.Limiter,
		tracker: deps.Tracker,
		fetcher: deps.Fetcher,
		metrics: deps.Metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.now()
	return c
}

// Handle answers req for clientID. A successful result may be degraded,
// meaning stale data stands in for a failed upstream call.
func (c *Coordinator) Handle(ctx context.Context, clientID string, req core.WeatherRequest) (*core.Result, error) {
	c.active.Add(1)
	defer c.active.Add(-1)

	start := time.Now()
	res, outcome, err := c.handle(ctx, clientID, req)
	c.metrics.ObserveRequest(string(req.Endpoint), outcome, time.Since(start))
	return res, err
}

func (c *Coordinator) handle(ctx context.Context, clientID string, req core.WeatherRequest) (*core.Result, string, error) {
	if err := req.Validate(); err != nil {
		return nil, observability.OutcomeInvalid, err
	}

	if ok, retryAfter := c.limiter.Allow(clientID); !ok {
		c.metrics.RateLimited()
		return nil, observability.OutcomeRateLimited, core.NewRateLimitError("rate limit exceeded", retryAfter)
	}

	req = req.Normalize(c.cfg.CoordinatePrecision)
	key := req.CacheKey()

	cached, hasCached := c.cache.Get(ctx, key)
	if hasCached && cached.Fresh {
		c.metrics.CacheHit(cached.Tier)
		return c.fromCache(cached, false), observability.OutcomeFresh, nil
	}
	c.metrics.CacheMiss()

	var leader bool
	ch := c.flights.DoChan(key, func() (any, error) {
		leader = true
		// The shared call outlives any single caller; attempts carry their own timeouts.
		return c.fetch(context.WithoutCancel(ctx), key, req)
	})

	var flight singleflight.Result
	select {
	case flight = <-ch:
	case <-ctx.Done():
		return nil, observability.OutcomeError, core.NewUpstreamError(0, "request canceled while waiting for upstream", false, ctx.Err())
	}
	if !leader {
		c.metrics.Coalesced()
	}

	if flight.Err == nil {
		res := *flight.Val.(*core.Result)
		return &res, observability.OutcomeUpstream, nil
	}

	if hasCached {
		slog.Warn("serving stale data after upstream failure",
			"key", key,
			"tier", cached.Tier,
			"age", c.now().Sub(cached.Entry.StoredAt).Round(time.Second),
			"error", flight.Err,
			"request_id", core.GetRequestID(ctx),
		)
		return c.fromCache(cached, true), observability.OutcomeDegraded, nil
	}
	return nil, observability.OutcomeError, flight.Err
}

// fetch runs once per key at a time. It re-checks the cache, consults the
// breaker, calls upstream and records the single terminal outcome.
func (c *Coordinator) fetch(ctx context.Context, key string, req core.WeatherRequest) (*core.Result, error) {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	// A flight that finished just before this one started may have filled the cache.
	if l, ok := c.cache.Get(ctx, key); ok && l.Fresh {
		return c.fromCache(l, false), nil
	}

	if !c.breaker.Allow() {
		return nil, core.NewCircuitOpenError(c.breaker.RetryAfter())
	}

	body, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.breaker.RecordOutcome(false)
		var pe *core.ProxyError
		if !errors.As(err, &pe) {
			pe = core.NewUpstreamError(0, "weather provider request failed", false, err)
		}
		c.tracker.RecordError(string(req.Endpoint), string(pe.Type))
		slog.Warn("upstream request failed",
			"endpoint", req.Endpoint,
			"key", key,
			"error", err,
		)
		return nil, pe
	}
	c.breaker.RecordOutcome(true)
	c.tracker.RecordSuccess(string(req.Endpoint))

	c.cache.Set(ctx, key, body, c.cfg.CacheTTL)
	return &core.Result{
		Body:     body,
		Status:   core.CacheFresh,
		Source:   core.SourceUpstream,
		StoredAt: c.now(),
	}, nil
}

func (c *Coordinator) fromCache(l cache.Lookup, degraded bool) *core.Result {
	status := core.CacheFresh
	if !l.Fresh {
		status = core.CacheStale
	}
	age := c.now().Sub(l.Entry.StoredAt)
	if age < 0 {
		age = 0
	}
	return &core.Result{
		Body:     l.Entry.Value,
		Status:   status,
		Source:   core.Source(l.Tier),
		StoredAt: l.Entry.StoredAt,
		Age:      age,
		Degraded: degraded,
	}
}

// ClearCache empties every cache tier.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	if err := c.cache.Clear(ctx); err != nil {
		return err
	}
	slog.Info("cache cleared", "request_id", core.GetRequestID(ctx))
	return nil
}

// ResetCircuitBreaker forces the breaker closed and clears the error window
// so health reflects traffic after the reset.
func (c *Coordinator) ResetCircuitBreaker() {
	c.breaker.Reset()
	c.tracker.Reset()
}

// Health returns a point-in-time snapshot. The proxy is degraded while the
// breaker is open, the recent error rate exceeds MaxErrorRate, or more than
// MaxActiveRequests requests are in progress.
func (c *Coordinator) Health(ctx context.Context) core.HealthStatus {
	now := c.now()
	mem := c.cache.Memory()
	memStats := mem.Stats()
	snap := c.breaker.Snapshot()
	limits := c.limiter.Status()
	errs := c.tracker.Summary()

	cb := core.CircuitBreakerHealth{
		State:               snap.State.String(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		HalfOpenProbes:      snap.HalfOpenProbes,
	}
	if !snap.OpenedAt.IsZero() {
		openedAt := snap.OpenedAt
		cb.OpenedAt = &openedAt
	}

	active := c.active.Load()
	status := core.HealthOK
	switch {
	case snap.State == breaker.Open:
		status = core.HealthDegraded
	case c.cfg.MaxErrorRate > 0 && errs.ErrorRate > c.cfg.MaxErrorRate:
		status = core.HealthDegraded
	case c.cfg.MaxActiveRequests > 0 && active > int64(c.cfg.MaxActiveRequests):
		status = core.HealthDegraded
	}

	return core.HealthStatus{
		Status:        status,
		Timestamp:     now.UTC(),
		Version:       c.cfg.Version,
		UptimeSeconds: now.Sub(c.startedAt).Seconds(),
		Cache: core.CacheHealth{
			Entries:    mem.Len(),
			Capacity:   mem.Capacity(),
			TTLSeconds: c.cfg.CacheTTL.Seconds(),
			SecondTier: c.cache.SecondTierName(),
			Stats: core.CacheStats{
				Hits:      memStats.Hits,
				StaleHits: memStats.StaleHits,
				Misses:    memStats.Misses,
				Evictions: memStats.Evictions,
			},
		},
		CircuitBreaker: cb,
		RateLimiting: core.RateLimitHealth{
			Clients:    limits.Clients,
			Capacity:   limits.Capacity,
			RefillRate: limits.RefillRate,
			Rejected:   limits.Rejected,
		},
		Errors: core.ErrorHealth{
			Samples:   errs.Samples,
			Errors:    errs.Errors,
			ErrorRate: errs.ErrorRate,
			ByType:     errs.ByType,
			ByEndpoint: errs.ByEndpoint,
		},
		InFlight:       c.inFlight.Load(),
		ActiveRequests: active,
	}
}
