// Package errortrack computes the recent upstream error rate over a sliding
// window. It reports failures and never gates requests.
package errortrack

import (
	"sync"
	"time"
)

type sample struct {
	at       time.Time
	isError  bool
	endpoint string
	kind     string
}

// Summary is a point-in-time view of the window.
type Summary struct {
	Samples    int
	Errors     int
	ErrorRate  float64
	ByType     map[string]int
	ByEndpoint map[string]int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker keeps at most maxSamples samples no older than window.
type Tracker struct {
	mu         sync.Mutex
	samples    []sample
	window     time.Duration
	maxSamples int
	now        func() time.Time
}

// New creates a tracker. A zero window or maxSamples disables that bound.
func New(window time.Duration, maxSamples int, opts ...Option) *Tracker {
	t := &Tracker{
		window:     window,
		maxSamples: maxSamples,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess appends a successful sample for endpoint.
func (t *Tracker) RecordSuccess(endpoint string) {
	t.record(sample{endpoint: endpoint})
}

// RecordError appends an error sample for endpoint labelled with kind.
func (t *Tracker) RecordError(endpoint, kind string) {
	t.record(sample{isError: true, endpoint: endpoint, kind: kind})
}

func (t *Tracker) record(s sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s.at = t.now()
	t.samples = append(t.samples, s)
	t.pruneLocked(s.at)
}

// ErrorRate returns errors/samples within the window, or 0 when empty.
func (t *Tracker) ErrorRate() float64 {
	return t.Summary().ErrorRate
}

// Summary returns counts for the current window.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(t.now())

	s := Summary{
		Samples:    len(t.samples),
		ByType:     make(map[string]int),
		ByEndpoint: make(map[string]int),
	}
	for _, smp := range t.samples {
		if !smp.isError {
			continue
		}
		s.Errors++
		if smp.kind != "" {
			s.ByType[smp.kind]++
		}
		if smp.endpoint != "" {
			s.ByEndpoint[smp.endpoint]++
		}
	}
	if s.Samples > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.Samples)
	}
	return s
}

// Reset discards every sample.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples = nil
}

// pruneLocked drops samples outside the window or beyond maxSamples.
// Samples are appended in time order so the oldest are at the front.
func (t *Tracker) pruneLocked(now time.Time) {
	drop := 0
	if t.window > 0 {
		cutoff := now.Add(-t.window)
		for drop < len(t.samples) && t.samples[drop].at.Before(cutoff) {
			drop++
		}
	}
	if t.maxSamples > 0 && len(t.samples)-drop > t.maxSamples {
		drop = len(t.samples) - t.maxSamples
	}
	if drop > 0 {
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
}
