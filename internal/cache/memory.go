package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is one cached upstream response.
type Entry struct {
	Key      string        `json:"key"`
	Value    []byte        `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// FreshAt reports whether the entry is within its ttl at now.
func (e *Entry) FreshAt(now time.Time) bool {
	return now.Sub(e.StoredAt) <= e.TTL
}

// Stats counts memory cache activity.
type Stats struct {
	Hits      uint64
	StaleHits uint64
	Misses    uint64
	Evictions uint64
}

// Memory is a bounded LRU cache with per-entry expiration.
// Expired entries stay readable as stale until evicted or cleared.
type Memory struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	items      map[string]*list.Element
	// order holds *Entry values, most recently used at the front.
	order *list.List
	stats Stats
	now   func() time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates a memory cache holding at most capacity entries.
// defaultTTL applies to Put calls with a zero ttl.
func NewMemory(capacity int, defaultTTL time.Duration, opts ...MemoryOption) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	m := &Memory{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		items:      make(map[string]*list.Element, capacity),
		order:      list.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the value for key and whether it is still fresh.
// ok is false only when the key is absent. A stale hit still counts as a use.
func (m *Memory) Get(key string) (value []byte, fresh bool, ok bool) {
	e, ok := m.Lookup(key)
	if !ok {
		return nil, false, false
	}
	return e.Value, e.FreshAt(m.now()), true
}

// Lookup returns a copy of the entry for key, refreshing its recency.
func (m *Memory) Lookup(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return Entry{}, false
	}
	m.order.MoveToFront(el)
	e := el.Value.(*Entry)
	if e.FreshAt(m.now()) {
		m.stats.Hits++
	} else {
		m.stats.StaleHits++
	}
	return *e, true
}

// Put stores value under key with the given ttl, stamped now.
func (m *Memory) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.Restore(Entry{Key: key, Value: value, StoredAt: m.now(), TTL: ttl})
}

// Restore stores an entry keeping its original timestamp, used when
// promoting entries from a slower tier.
func (m *Memory) Restore(e Entry) {
	if e.TTL <= 0 {
		e.TTL = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.items[e.Key]; ok {
		*el.Value.(*Entry) = e
		m.order.MoveToFront(el)
		return
	}

	for m.order.Len() >= m.capacity {
		m.evictOldest()
	}
	m.items[e.Key] = m.order.PushFront(&e)
}

// Clear removes every entry. Statistics are kept.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element, m.capacity)
	m.order.Init()
}

// Len returns the number of entries, fresh or stale.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Capacity returns the maximum number of entries.
func (m *Memory) Capacity() int {
	return m.capacity
}

// DefaultTTL returns the ttl applied when none is given.
func (m *Memory) DefaultTTL() time.Duration {
	return m.defaultTTL
}

// Stats returns a copy of the counters.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// evictOldest drops the least recently used entry. Caller holds mu.
func (m *Memory) evictOldest() {
	el := m.order.Back()
	if el == nil {
		return
	}
	m.order.Remove(el)
	delete(m.items, el.Value.(*Entry).Key)
	m.stats.Evictions++
}
