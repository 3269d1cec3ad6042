// Package core defines the core interfaces and types for the weather proxy.
package core

import (
	"context"
)

// Fetcher retrieves raw JSON for a normalized request from the weather provider.
// Implementations perform their own bounded retries; a returned error is terminal.
type Fetcher interface {
	Fetch(ctx context.Context, req WeatherRequest) ([]byte, error)
}

// Proxy answers inbound weather requests.
type Proxy interface {
	// Handle serves req on behalf of clientID.
	Handle(ctx context.Context, clientID string, req WeatherRequest) (*Result, error)

	// Health returns a point-in-time status snapshot.
	Health(ctx context.Context) HealthStatus
}

// Administrator exposes the operator overrides.
type Administrator interface {
	// ClearCache empties every cache tier.
	ClearCache(ctx context.Context) error

	// ResetCircuitBreaker forces the breaker closed.
	ResetCircuitBreaker()

	// Health returns a point-in-time status snapshot.
	Health(ctx context.Context) HealthStatus
}
