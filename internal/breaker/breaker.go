// Package breaker implements the circuit breaker guarding upstream calls.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name used in health output and logs.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds circuit breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the number of successful probes needed to close the circuit
	HalfOpenMaxCalls int
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	State               State
	ConsecutiveFailures int
	OpenedAt            time.Time
	HalfOpenProbes      int
	HalfOpenSuccesses   int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a hook called after every transition.
// The hook runs outside the breaker's lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is a Closed/Open/HalfOpen circuit breaker.
// Allow and RecordOutcome are paired: every admitted call reports exactly once.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	state             State
	failures          int
	openedAt          time.Time
	halfOpenProbes    int
	halfOpenSuccesses int
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open circuit whose recovery
// timeout has elapsed moves to half-open and admits the first probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := b.allowLocked()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.state = HalfOpen
		b.halfOpenProbes = 0
		b.halfOpenSuccesses = 0
		fallthrough
	case HalfOpen:
		if b.halfOpenProbes >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenProbes++
		return true
	}
	return false
}

// RecordOutcome reports the result of an admitted call.
// Outcomes arriving while the circuit is open are ignored.
func (b *Breaker) RecordOutcome(success bool) {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	case HalfOpen:
		if !success {
			b.failures++
			b.tripLocked()
			break
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.closeLocked()
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.closeLocked()
	b.mu.Unlock()

	b.notify(from, Closed)
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the full breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		HalfOpenProbes:      b.halfOpenProbes,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
	}
}

// RetryAfter returns how long until an open circuit will admit a probe.
// Zero when the circuit is not open or the timeout has already elapsed.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.openedAt = b.now()
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) closeLocked() {
	b.state = Closed
	b.failures = 0
	b.openedAt = time.Time{}
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
