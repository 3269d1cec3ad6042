// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the weather proxy.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"weatherpi/config"
	"weatherpi/internal/breaker"
	"weatherpi/internal/cache"
	"weatherpi/internal/errortrack"
	"weatherpi/internal/observability"
	"weatherpi/internal/proxy"
	"weatherpi/internal/ratelimit"
	"weatherpi/internal/server"
	"weatherpi/internal/upstream"
	"weatherpi/internal/version"
)

// App represents the main application with all its dependencies.
// Every long-lived component is constructed once here and passed down explicitly.
type App struct {
	config      *config.Config
	cache       *cache.Tiered
	limiter     *ratelimit.Limiter
	coordinator *proxy.Coordinator
	server      *server.Server

	stopSweep context.CancelFunc
	sweepDone chan struct{}

	shutdownMu sync.Mutex
	shutdown   bool
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	app := &App{config: cfg}
	app.logStartupInfo()

	var (
		registry *prometheus.Registry
		metrics  *observability.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = observability.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	memory := cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	app.cache = cache.NewTiered(memory, newSecondTier(cfg.Cache.SecondTier))
	metrics.WatchCacheEntries(memory.Len)

	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}, breaker.WithStateChange(func(from, to breaker.State) {
		metrics.CircuitStateChanged(to)
		switch to {
		case breaker.Open:
			slog.Warn("circuit breaker opened",
				"from", from.String(),
				"recovery_timeout", cfg.CircuitBreaker.RecoveryTimeout,
			)
		case breaker.Closed:
			slog.Info("circuit breaker closed", "from", from.String())
		default:
			slog.Info("circuit breaker probing upstream", "from", from.String(), "to", to.String())
		}
	}))

	app.limiter = ratelimit.New(ratelimit.Config{
		Capacity:   cfg.RateLimit.Capacity,
		RefillRate: cfg.RateLimit.RefillRate,
		IdleTTL:    cfg.RateLimit.IdleTTL,
		MaxClients: cfg.RateLimit.MaxClients,
	})
	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.stopSweep = cancel
	app.sweepDone = make(chan struct{})
	go func() {
		defer close(app.sweepDone)
		app.limiter.Run(sweepCtx)
	}()

	var observer upstream.Observer
	if metrics != nil {
		observer = metrics
	}
	fetcher := upstream.New(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Timeout:        cfg.Upstream.Timeout,
		MaxRetries:     cfg.Upstream.MaxRetries,
		InitialBackoff: cfg.Upstream.InitialBackoff,
		MaxBackoff:     cfg.Upstream.MaxBackoff,
		BackoffFactor:  cfg.Upstream.BackoffFactor,
	}, observer)

	app.coordinator = proxy.New(proxy.Config{
		CacheTTL:            cfg.Cache.TTL,
		CoordinatePrecision: cfg.Upstream.CoordinatePrecision,
		MaxErrorRate:        cfg.ErrorTracking.MaxErrorRate,
		MaxActiveRequests:   cfg.Server.MaxActiveRequests,
		Version:             version.Version,
	}, proxy.Dependencies{
		Cache:   app.cache,
		Breaker: cb,
		Limiter: app.limiter,
		Tracker: errortrack.New(cfg.ErrorTracking.Window, cfg.ErrorTracking.MaxSamples),
		Fetcher: fetcher,
		Metrics: metrics,
	})

	serverCfg := &server.Config{
		ProxyToken:        cfg.Server.ProxyToken,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		DefaultUnits:      cfg.Upstream.Units,
		MetricsEnabled:    cfg.Metrics.Enabled,
		MetricsEndpoint:   cfg.Metrics.Endpoint,
	}
	if registry != nil {
		serverCfg.MetricsGatherer = registry
	}
	app.server = server.New(app.coordinator, app.coordinator, serverCfg)

	return app, nil
}

// newSecondTier builds the configured persistent tier. A tier that cannot be
// opened is logged and skipped; the proxy then runs on memory alone.
func newSecondTier(cfg config.SecondTierConfig) cache.Store {
	switch cfg.Type {
	case config.TierFile:
		store, err := cache.NewFileStore(cfg.Dir, cfg.StaleRetention)
		if err != nil {
			slog.Warn("file cache tier unavailable, using memory only", "dir", cfg.Dir, "error", err)
			return nil
		}
		slog.Info("file cache tier enabled", "dir", cfg.Dir, "stale_retention", cfg.StaleRetention)
		return store
	case config.TierRedis:
		store, err := cache.NewRedisStore(cache.RedisConfig{
			URL:            cfg.RedisURL,
			Prefix:         cfg.RedisPrefix,
			StaleRetention: cfg.StaleRetention,
		})
		if err != nil {
			slog.Warn("redis cache tier unavailable, using memory only", "error", err)
			return nil
		}
		return store
	default:
		return nil
	}
}

// Coordinator returns the request coordinator.
func (a *App) Coordinator() *proxy.Coordinator {
	return a.coordinator
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server first, then the bucket sweeper, then the cache tiers.
//
// Shutdown is idempotent; after the first call, subsequent calls are no-ops.
// It attempts every step and returns a joined error if any step fails.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	// 1. Shutdown HTTP server first (stop accepting new requests)
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	// 2. Stop the idle bucket sweep
	if a.stopSweep != nil {
		a.stopSweep()
		select {
		case <-a.sweepDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("rate limit sweeper: %w", ctx.Err()))
		}
	}

	// 3. Close cache tiers
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("cache close error", "error", err)
			errs = append(errs, fmt.Errorf("cache close: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// logStartupInfo logs the effective configuration on startup. Secrets are never logged.
func (a *App) logStartupInfo() {
	cfg := a.config

	// Security warnings
	if cfg.Server.ProxyToken == "" {
		slog.Warn("SECURITY WARNING: PROXY_TOKEN not set - server running in UNSAFE MODE",
			"security_risk", "unauthenticated access allowed",
			"recommendation", "set PROXY_TOKEN environment variable to secure this proxy")
	} else {
		slog.Info("authentication enabled", "mode", "proxy_token")
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("OPENWEATHER_API_KEY not set - upstream requests will be rejected")
	}
	if cfg.Server.TrustProxyHeaders {
		slog.Info("client identity taken from X-Forwarded-For")
	}

	slog.Info("upstream configured",
		"base_url", cfg.Upstream.BaseURL,
		"units", cfg.Upstream.Units,
		"timeout", cfg.Upstream.Timeout,
		"max_retries", cfg.Upstream.MaxRetries,
		"backoff_factor", cfg.Upstream.BackoffFactor,
	)
	slog.Info("cache configured",
		"ttl", cfg.Cache.TTL,
		"max_entries", cfg.Cache.MaxEntries,
		"second_tier", cfg.Cache.SecondTier.Type,
	)
	slog.Info("circuit breaker configured",
		"failure_threshold", cfg.CircuitBreaker.FailureThreshold,
		"recovery_timeout", cfg.CircuitBreaker.RecoveryTimeout,
		"half_open_max_calls", cfg.CircuitBreaker.HalfOpenMaxCalls,
	)
	slog.Info("rate limiting configured",
		"capacity", cfg.RateLimit.Capacity,
		"refill_rate", cfg.RateLimit.RefillRate,
		"idle_ttl", cfg.RateLimit.IdleTTL,
	)

	// Metrics configuration
	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}
}
