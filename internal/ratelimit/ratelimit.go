// Package ratelimit provides per-client token bucket admission control.
//
// Each client identifier gets its own bucket, created lazily on first use.
// Buckets idle longer than IdleTTL are removed by Sweep, and the number of
// buckets is capped at MaxClients by evicting the least recently used one.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting settings.
type Config struct {
	// Capacity is the maximum burst per client.
	Capacity int
	// RefillRate is the sustained rate in tokens per second.
	RefillRate float64
	// IdleTTL is how long an unused bucket is kept. Zero disables sweeping.
	IdleTTL time.Duration
	// MaxClients caps the number of tracked buckets. Zero means unbounded.
	MaxClients int
}

// Status is a point-in-time view of the limiter.
type Status struct {
	Clients    int
	Capacity   int
	RefillRate float64
	Rejected   uint64
}

// bucket pairs a token bucket with its last use for idle cleanup.
type bucket struct {
	limiter *rate.Limiter
	// lastUsed is a Unix nanosecond timestamp.
	lastUsed atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter admits requests per client identifier.
// Buckets for different clients are independent; each bucket's refill and
// take happen atomically inside rate.Limiter.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	cfg      Config
	now      func() time.Time
	rejected atomic.Uint64
}

// New creates a limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from clientID's bucket. When the bucket is empty it
// returns false and how long until a token becomes available.
func (l *Limiter) Allow(clientID string) (bool, time.Duration) {
	now := l.now()
	b := l.bucket(clientID, now)

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	l.rejected.Add(1)
	return false, l.retryAfter(b.limiter.TokensAt(now))
}

func (l *Limiter) retryAfter(tokens float64) time.Duration {
	if l.cfg.RefillRate <= 0 {
		return 0
	}
	deficit := 1 - tokens
	if deficit <= 0 {
		return 0
	}
	seconds := deficit / l.cfg.RefillRate
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}

func (l *Limiter) bucket(clientID string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[clientID]
	l.mu.RUnlock()
	if ok {
		b.lastUsed.Store(now.UnixNano())
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock
	if b, ok := l.buckets[clientID]; ok {
		b.lastUsed.Store(now.UnixNano())
		return b
	}

	if l.cfg.MaxClients > 0 && len(l.buckets) >= l.cfg.MaxClients {
		l.evictOldestLocked()
	}

	b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillRate), l.cfg.Capacity)}
	b.lastUsed.Store(now.UnixNano())
	l.buckets[clientID] = b
	return b
}

func (l *Limiter) evictOldestLocked() {
	var (
		oldestKey string
		oldest    int64 = math.MaxInt64
	)
	for k, b := range l.buckets {
		if used := b.lastUsed.Load(); used < oldest {
			oldest = used
			oldestKey = k
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// Sweep removes buckets unused for longer than IdleTTL and returns how many
// were removed. An idle bucket has fully refilled, so dropping it does not
// change admission decisions as long as IdleTTL >= Capacity/RefillRate.
func (l *Limiter) Sweep() int {
	if l.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := l.now().Add(-l.cfg.IdleTTL).UnixNano()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if b.lastUsed.Load() < cutoff {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every IdleTTL until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	if l.cfg.IdleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(l.cfg.IdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("swept idle rate limit buckets", "removed", n)
			}
		}
	}
}

// Status returns the limiter's configuration and counters.
func (l *Limiter) Status() Status {
	l.mu.RLock()
	clients := len(l.buckets)
	l.mu.RUnlock()

	return Status{
		Clients:    clients,
		Capacity:   l.cfg.Capacity,
		RefillRate: l.cfg.RefillRate,
		Rejected:   l.rejected.Load(),
	}
}
