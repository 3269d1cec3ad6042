// Package cache provides the proxy's response cache: a bounded in-memory LRU
// tier backed by an optional persistent tier (local files or Redis) that keeps
// stale data available across restarts.
package cache

import (
	"context"
)

// Store defines the interface for the persistent second tier.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the entry for key.
	// Returns nil, nil if the key is absent.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry under e.Key.
	Set(ctx context.Context, e *Entry) error

	// Clear removes every entry owned by this store.
	Clear(ctx context.Context) error

	// Name identifies the backend in logs and response metadata.
	Name() string

	// Close releases any resources held by the store.
	Close() error
}
