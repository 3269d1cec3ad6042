package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
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

// recencyOrder lists keys from most to least recently used.
func recencyOrder(m *Memory) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry).Key)
	}
	return keys
}

func TestMemory_FreshThenStale(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(10, time.Minute, WithClock(clock.Now))

	m.Put("k", []byte(`{"temp":20}`), 30*time.Second)

	v, fresh, ok := m.Get("k")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, `{"temp":20}`, string(v))

	clock.Advance(30 * time.Second)
	_, fresh, ok = m.Get("k")
	require.True(t, ok)
	assert.True(t, fresh, "exactly at ttl is still fresh")

	clock.Advance(time.Millisecond)
	v, fresh, ok = m.Get("k")
	require.True(t, ok, "expired entries remain readable as stale")
	assert.False(t, fresh)
	assert.Equal(t, `{"temp":20}`, string(v))

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.StaleHits)
}

func TestMemory_Miss(t *testing.T) {
	m := NewMemory(2, time.Minute)

	_, _, ok := m.Get("absent")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), m.Stats().Misses)
}

func TestMemory_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(2, time.Minute, WithClock(clock.Now))

	m.Put("k", []byte("v"), 0)
	clock.Advance(59 * time.Second)
	_, fresh, _ := m.Get("k")
	assert.True(t, fresh)

	clock.Advance(2 * time.Second)
	_, fresh, _ = m.Get("k")
	assert.False(t, fresh)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	const capacity = 3
	m := NewMemory(capacity, time.Minute)

	for i := 0; i < capacity; i++ {
		m.Put(fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	m.Put("k3", []byte("v"), 0)

	assert.Equal(t, capacity, m.Len())
	_, _, ok := m.Get("k0")
	assert.False(t, ok, "oldest key is evicted")
	for _, k := range []string{"k1", "k2", "k3"} {
		_, _, ok := m.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), m.Stats().Evictions)
}

func TestMemory_AccessProtectsFromEviction(t *testing.T) {
	m := NewMemory(3, time.Minute)
	m.Put("a", []byte("1"), 0)
	m.Put("b", []byte("2"), 0)
	m.Put("c", []byte("3"), 0)

	_, _, ok := m.Get("a")
	require.True(t, ok)

	m.Put("d", []byte("4"), 0)

	_, _, ok = m.Get("a")
	assert.True(t, ok, "recently read key survives")
	_, _, ok = m.Get("b")
	assert.False(t, ok, "least recently used key is evicted")
}

func TestMemory_StaleReadRefreshesRecency(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(2, time.Second, WithClock(clock.Now))
	m.Put("a", []byte("1"), 0)
	m.Put("b", []byte("2"), 0)

	clock.Advance(time.Minute)
	_, fresh, ok := m.Get("a")
	require.True(t, ok)
	require.False(t, fresh)

	m.Put("c", []byte("3"), 0)
	assert.Equal(t, []string{"c", "a"}, recencyOrder(m))
}

func TestMemory_OverwriteKeepsSizeAndUpdatesValue(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(2, time.Second, WithClock(clock.Now))
	m.Put("a", []byte("old"), 0)
	clock.Advance(time.Minute)
	m.Put("a", []byte("new"), 0)

	v, fresh, ok := m.Get("a")
	require.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, "new", string(v))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_IndexMatchesMap(t *testing.T) {
	m := NewMemory(5, time.Minute)
	for i := 0; i < 20; i++ {
		m.Put(fmt.Sprintf("k%d", i%7), []byte("v"), 0)
		if i%3 == 0 {
			m.Get(fmt.Sprintf("k%d", (i+2)%7))
		}
	}

	keys := recencyOrder(m)
	assert.Len(t, keys, m.Len())
	assert.LessOrEqual(t, m.Len(), 5)
	seen := map[string]bool{}
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key %s in index", k)
		seen[k] = true
		_, ok := m.Lookup(k)
		assert.True(t, ok)
	}
}

func TestMemory_Restore(t *testing.T) {
	clock := newFakeClock()
	m := NewMemory(2, time.Minute, WithClock(clock.Now))

	m.Restore(Entry{Key: "k", Value: []byte("v"), StoredAt: clock.Now().Add(-2 * time.Minute), TTL: time.Minute})

	_, fresh, ok := m.Get("k")
	require.True(t, ok)
	assert.False(t, fresh, "restored entries keep their original age")
}

func TestMemory_Clear(t *testing.T) {
	m := NewMemory(4, time.Minute)
	m.Put("a", []byte("1"), 0)
	m.Put("b", []byte("2"), 0)
	require.Equal(t, 2, m.Len())

	m.Clear()
	assert.Equal(t, 0, m.Len())
	assert.Empty(t, recencyOrder(m))
}

func TestMemory_ConcurrentAccess(t *testing.T) {
	m := NewMemory(16, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*i)%32)
				m.Put(key, []byte("v"), 0)
				m.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, m.Len(), 16)
	assert.Len(t, recencyOrder(m), m.Len())
}
