package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Lookup is the outcome of a tiered read.
type Lookup struct {
	Entry Entry
	Fresh bool
	// Tier is "memory" or the second tier's Name.
	Tier string
}

// Tiered consults the memory cache first and falls back to an optional
// persistent Store. Second tier failures are logged and treated as misses.
type Tiered struct {
	memory *Memory
	second Store
	now    func() time.Time
}

// NewTiered composes memory with second, which may be nil.
func NewTiered(memory *Memory, second Store) *Tiered {
	return &Tiered{
		memory: memory,
		second: second,
		now:    memory.now,
	}
}

// Memory returns the memory tier.
func (t *Tiered) Memory() *Memory {
	return t.memory
}

// SecondTierName returns the persistent tier's name, or "none".
func (t *Tiered) SecondTierName() string {
	if t.second == nil {
		return "none"
	}
	return t.second.Name()
}

// Get returns the newest entry for key across tiers, fresh or stale.
// Second tier hits are promoted into memory with their original timestamp.
func (t *Tiered) Get(ctx context.Context, key string) (Lookup, bool) {
	now := t.now()

	memEntry, memOK := t.memory.Lookup(key)
	if memOK && memEntry.FreshAt(now) {
		return Lookup{Entry: memEntry, Fresh: true, Tier: "memory"}, true
	}

	if t.second != nil {
		e, err := t.second.Get(ctx, key)
		if err != nil {
			slog.Warn("second tier cache read failed", "tier", t.second.Name(), "key", key, "error", err)
		} else if e != nil && (!memOK || e.StoredAt.After(memEntry.StoredAt)) {
			t.memory.Restore(*e)
			return Lookup{Entry: *e, Fresh: e.FreshAt(now), Tier: t.second.Name()}, true
		}
	}

	if memOK {
		return Lookup{Entry: memEntry, Fresh: false, Tier: "memory"}, true
	}
	return Lookup{}, false
}

// Set writes value to every tier.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.memory.DefaultTTL()
	}
	e := Entry{Key: key, Value: value, StoredAt: t.now(), TTL: ttl}
	t.memory.Restore(e)

	if t.second != nil {
		if err := t.second.Set(ctx, &e); err != nil {
			slog.Warn("second tier cache write failed", "tier", t.second.Name(), "key", key, "error", err)
		}
	}
}

// Clear empties every tier.
func (t *Tiered) Clear(ctx context.Context) error {
	t.memory.Clear()
	if t.second != nil {
		if err := t.second.Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear %s tier: %w", t.second.Name(), err)
		}
	}
	return nil
}

// Close releases the second tier.
func (t *Tiered) Close() error {
	if t.second != nil {
		return t.second.Close()
	}
	return nil
}
