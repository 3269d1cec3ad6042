package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func TestLimiter_BurstOfExactlyCapacity(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 10, RefillRate: 1}, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		ok, _ := l.Allow("10.0.0.1")
		require.True(t, ok, "request %d", i+1)
	}
	ok, retryAfter := l.Allow("10.0.0.1")
	assert.False(t, ok)
	assert.Equal(t, time.Second, retryAfter)
	assert.Equal(t, uint64(1), l.Status().Rejected)
}

func TestLimiter_RefillAdmitsExactlyOneMore(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 5, RefillRate: 2}, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("c")
		require.True(t, ok)
	}
	ok, _ := l.Allow("c")
	require.False(t, ok)

	clock.Advance(500 * time.Millisecond)
	ok, _ = l.Allow("c")
	assert.True(t, ok, "one token after 1/refillRate")
	ok, retryAfter := l.Allow("c")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, retryAfter)
}

func TestLimiter_SustainedRateIsThrottled(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 2, RefillRate: 1}, WithClock(clock.Now))

	admitted := 0
	// 4 requests per second for 5 seconds.
	for i := 0; i < 20; i++ {
		if ok, _ := l.Allow("c"); ok {
			admitted++
		}
		clock.Advance(250 * time.Millisecond)
	}
	// Initial burst of 2 plus roughly one per second thereafter.
	assert.LessOrEqual(t, admitted, 7)
	assert.GreaterOrEqual(t, admitted, 6)
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 1, RefillRate: 1}, WithClock(clock.Now))

	ok, _ := l.Allow("a")
	require.True(t, ok)
	ok, _ = l.Allow("a")
	require.False(t, ok)

	ok, _ = l.Allow("b")
	assert.True(t, ok)
	assert.Equal(t, 2, l.Status().Clients)
}

func TestLimiter_ConcurrentSameClient(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 10, RefillRate: 1}, WithClock(clock.Now))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("same"); ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	assert.Equal(t, uint64(90), l.Status().Rejected)
}

func TestLimiter_SweepRemovesIdleBuckets(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 1, RefillRate: 1, IdleTTL: time.Minute}, WithClock(clock.Now))

	l.Allow("idle")
	clock.Advance(30 * time.Second)
	l.Allow("active")
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Status().Clients)

	ok, _ := l.Allow("idle")
	assert.True(t, ok, "swept client starts with a full bucket")
}

func TestLimiter_SweepDisabled(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 1})
	l.Allow("x")
	assert.Zero(t, l.Sweep())
}

func TestLimiter_MaxClientsEvictsLeastRecentlyUsed(t *testing.T) {
	clock := newClock()
	l := New(Config{Capacity: 1, RefillRate: 0.001, MaxClients: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		l.Allow(fmt.Sprintf("c%d", i))
		clock.Advance(time.Second)
	}
	// c0 becomes most recently used.
	ok, _ := l.Allow("c0")
	require.False(t, ok)
	clock.Advance(time.Second)

	l.Allow("c3")
	assert.Equal(t, 3, l.Status().Clients)

	ok, _ = l.Allow("c1")
	assert.True(t, ok, "evicted client gets a new bucket")
	ok, _ = l.Allow("c0")
	assert.False(t, ok, "recently used client kept its empty bucket")
}

func TestLimiter_RunStopsOnCancel(t *testing.T) {
	l := New(Config{Capacity: 1, RefillRate: 1, IdleTTL: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestLimiter_Status(t *testing.T) {
	l := New(Config{Capacity: 0, RefillRate: 2.5})
	st := l.Status()
	assert.Equal(t, 1, st.Capacity, "capacity is clamped")
	assert.Equal(t, 2.5, st.RefillRate)
	assert.Zero(t, st.Clients)
}
