package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weatherpi/internal/breaker"
	"weatherpi/internal/cache"
	"weatherpi/internal/core"
	"weatherpi/internal/errortrack"
	"weatherpi/internal/proxy"
	"weatherpi/internal/ratelimit"
	"weatherpi/internal/upstream"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeProvider is a weather API that can be switched between healthy and failing.
type fakeProvider struct {
	srv     *httptest.Server
	calls   atomic.Int32
	failing atomic.Bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if p.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"cod":500,"message":"internal error"}`))
			return
		}
		_, _ = w.Write([]byte(`{"temp":20}`))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

type stack struct {
	server   *Server
	provider *fakeProvider
	clock    *fakeClock
}

// newStack wires the real components behind the HTTP server with a fake clock.
func newStack(t *testing.T) *stack {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	provider := newFakeProvider(t)

	upCfg := upstream.DefaultConfig(provider.srv.URL, "test-key")
	upCfg.MaxRetries = 0
	upCfg.Timeout = 2 * time.Second

	coord := proxy.New(proxy.Config{
		CacheTTL:            5 * time.Minute,
		CoordinatePrecision: 2,
		Version:             "test",
	}, proxy.Dependencies{
		Cache: cache.NewTiered(cache.NewMemory(100, 5*time.Minute, cache.WithClock(clock.Now)), nil),
		Breaker: breaker.New(breaker.Config{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 3,
		}, breaker.WithClock(clock.Now)),
		Limiter: ratelimit.New(ratelimit.Config{
			Capacity:   10,
			RefillRate: 1,
		}, ratelimit.WithClock(clock.Now)),
		Tracker: errortrack.New(5*time.Minute, 100, errortrack.WithClock(clock.Now)),
		Fetcher: upstream.New(upCfg, nil),
	}, proxy.WithClock(clock.Now))

	srv := New(coord, coord, &Config{ProxyToken: "secret", DefaultUnits: "metric"})
	return &stack{server: srv, provider: provider, clock: clock}
}

func (s *stack) get(t *testing.T, target, client string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set(TokenHeader, "secret")
	req.RemoteAddr = client + ":40000"
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]["type"]
}

const berlin = "/api/weather?lat=52.52&lon=13.405"

func TestScenario_ColdCacheThenFreshHit(t *testing.T) {
	s := newStack(t)

	rec := s.get(t, berlin, "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Cache.Fresh)
	assert.False(t, env.Cache.Degraded)
	assert.Equal(t, core.SourceUpstream, env.Cache.Source)
	assert.JSONEq(t, `{"temp":20}`, string(env.Data))
	assert.EqualValues(t, 1, s.provider.calls.Load())

	s.clock.Advance(time.Minute)
	rec = s.get(t, berlin, "10.0.0.2")
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.True(t, env.Cache.Fresh)
	assert.Equal(t, core.SourceMemory, env.Cache.Source)
	assert.Equal(t, int64(60), env.Cache.AgeSeconds)
	assert.Equal(t, "fresh", rec.Header().Get(HeaderCache))
	assert.EqualValues(t, 1, s.provider.calls.Load(), "fresh hit must not call upstream")
}

func TestScenario_CircuitOpensWithoutStaleData(t *testing.T) {
	s := newStack(t)
	s.provider.failing.Store(true)

	for i := 0; i < 5; i++ {
		rec := s.get(t, berlin, "10.0.0.1")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, "request %d", i+1)
		assert.Equal(t, "upstream_error", errorType(t, rec))
	}
	require.EqualValues(t, 5, s.provider.calls.Load())

	rec := s.get(t, berlin, "10.0.0.1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "circuit_open_error", errorType(t, rec))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 5, s.provider.calls.Load(), "open circuit must not call upstream")

	health := s.get(t, "/health", "10.0.0.9")
	assert.Equal(t, http.StatusServiceUnavailable, health.Code)
}

func TestScenario_CircuitOpenServesStaleData(t *testing.T) {
	s := newStack(t)

	rec := s.get(t, berlin, "10.0.0.1")
	require.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(10 * time.Minute)
	s.provider.failing.Store(true)

	for i := 0; i < 6; i++ {
		rec = s.get(t, berlin, "10.0.0.1")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		env := decodeEnvelope(t, rec)
		assert.True(t, env.Cache.Degraded)
		assert.False(t, env.Cache.Fresh)
		assert.Equal(t, core.CacheStale, env.Cache.Status)
		assert.JSONEq(t, `{"temp":20}`, string(env.Data))
		assert.Equal(t, "true", rec.Header().Get(HeaderDegraded))
		assert.Equal(t, "600", rec.Header().Get(HeaderCacheAge))
	}
	assert.EqualValues(t, 6, s.provider.calls.Load(), "sixth request must be served without upstream")
}

func TestScenario_RateLimit(t *testing.T) {
	s := newStack(t)

	for i := 0; i < 10; i++ {
		rec := s.get(t, berlin, "10.0.0.1")
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := s.get(t, berlin, "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_error", errorType(t, rec))
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = s.get(t, berlin, "10.0.0.2")
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own bucket")

	s.clock.Advance(time.Second)
	rec = s.get(t, berlin, "10.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code, "one token refills after a second")
}

func TestScenario_RequiresToken(t *testing.T) {
	s := newStack(t)

	req := httptest.NewRequest(http.MethodGet, berlin, nil)
	rec := httptest.NewRecorder()
	s.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, s.provider.calls.Load())
}
