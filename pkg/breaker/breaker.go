// Package breaker implements the failure-rate circuit breaker that guards
// ERP calls.
//
// A single breaker instance is shared by everything that talks to the same
// ERP endpoint: when the endpoint is down, one workspace's failures stop the
// others from burning attempts too.
package breaker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/openprocure/core/pkg/observability"
)

// State of the breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
	// StateDisabled is only ever reported by BeforeCall, never stored.
	StateDisabled State = "disabled"
)

// Options configure the breaker. Out-of-range values are clamped, not
// rejected, so a bad env var degrades to a sane breaker instead of a crash.
type Options struct {
	Enabled            bool
	ErrorRateThreshold float64       // failure rate that opens the circuit
	MinSamples         int           // samples required before the rate counts
	Window             time.Duration // sliding sample window
	OpenFor            time.Duration // how long open lasts before probing
	HalfOpenMaxCalls   int           // concurrent trial calls while half-open
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		Enabled:            true,
		ErrorRateThreshold: 0.6,
		MinSamples:         5,
		Window:             120 * time.Second,
		OpenFor:            30 * time.Second,
		HalfOpenMaxCalls:   1,
	}
}

func (o Options) clamped() Options {
	o.ErrorRateThreshold = clampFloat(o.ErrorRateThreshold, 0.6, 0.05, 1.0)
	o.MinSamples = clampInt(o.MinSamples, 5, 1, 1000)
	o.Window = clampDuration(o.Window, 120*time.Second, 5*time.Second, time.Hour)
	o.OpenFor = clampDuration(o.OpenFor, 30*time.Second, time.Second, time.Hour)
	o.HalfOpenMaxCalls = clampInt(o.HalfOpenMaxCalls, 1, 1, 100)
	return o
}

type sample struct {
	at      time.Time
	success bool
}

// Breaker is a mutex-guarded sliding-window circuit breaker. No I/O happens
// under the lock.
type Breaker struct {
	mu            sync.Mutex
	opts          Options
	state         State
	openedAt      time.Time
	halfOpenCalls int
	samples       []sample

	now     func() time.Time
	metrics *observability.Metrics
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithMetrics attaches transition counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New constructs a breaker with clamped options.
func New(opts Options, bopts ...Option) *Breaker {
	b := &Breaker{
		opts:  opts.clamped(),
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range bopts {
		opt(b)
	}
	return b
}

// Configure replaces the options at runtime. Disabling resets the breaker to
// closed and drops the sample window.
func (b *Breaker) Configure(opts Options) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = opts.clamped()
	if !b.opts.Enabled {
		b.reset()
	}
}

// BeforeCall reports whether a call may proceed and the state that decided
// it. A half-open admission counts against the trial budget immediately.
func (b *Breaker) BeforeCall() (bool, State) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.opts.Enabled {
		return true, StateDisabled
	}

	if b.state == StateOpen {
		if now.Sub(b.openedAt) >= b.opts.OpenFor {
			b.transition(StateHalfOpen)
			b.halfOpenCalls = 0
		} else {
			return false, StateOpen
		}
	}

	if b.state == StateHalfOpen {
		if b.halfOpenCalls >= b.opts.HalfOpenMaxCalls {
			return false, StateHalfOpen
		}
		b.halfOpenCalls++
		return true, StateHalfOpen
	}

	return true, StateClosed
}

// RecordSuccess records a successful call. A half-open success closes the
// circuit and clears the window.
func (b *Breaker) RecordSuccess() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opts.Enabled {
		return
	}
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
		b.reset()
		return
	}
	b.samples = append(b.samples, sample{at: now, success: true})
	b.prune(now)
}

// RecordFailure records a failed call. A half-open failure reopens the
// circuit; a closed-state failure opens it once the windowed failure rate
// crosses the threshold with enough samples.
func (b *Breaker) RecordFailure() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opts.Enabled {
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.samples = append(b.samples, sample{at: now, success: false})
		b.prune(now)
		b.open(now)
	case StateOpen:
		// Late failure reports while open carry no new information.
	default:
		b.samples = append(b.samples, sample{at: now, success: false})
		count, _, rate := b.failureRate(now)
		if count >= b.opts.MinSamples && rate >= b.opts.ErrorRateThreshold {
			b.open(now)
		}
	}
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State         State
	Enabled       bool
	Samples       int
	Failures      int
	FailureRate   float64
	OpenedAgo     time.Duration
	HalfOpenCalls int
}

// Snapshot returns the current breaker view. Pruning runs as a side effect so
// idle breakers do not hold stale samples forever.
func (b *Breaker) Snapshot() Snapshot {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	count, failures, rate := b.failureRate(now)
	var openedAgo time.Duration
	if b.state == StateOpen && !b.openedAt.IsZero() {
		if d := now.Sub(b.openedAt); d > 0 {
			openedAgo = d
		}
	}
	return Snapshot{
		State:         b.state,
		Enabled:       b.opts.Enabled,
		Samples:       count,
		Failures:      failures,
		FailureRate:   math.Round(rate*10000) / 10000,
		OpenedAgo:     openedAgo,
		HalfOpenCalls: b.halfOpenCalls,
	}
}

// callers hold b.mu for everything below.

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	idx := 0
	for idx < len(b.samples) && b.samples[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.samples = append(b.samples[:0], b.samples[idx:]...)
	}
}

func (b *Breaker) failureRate(now time.Time) (int, int, float64) {
	b.prune(now)
	count := len(b.samples)
	if count == 0 {
		return 0, 0, 0
	}
	failures := 0
	for _, s := range b.samples {
		if !s.success {
			failures++
		}
	}
	return count, failures, float64(failures) / float64(count)
}

func (b *Breaker) open(now time.Time) {
	b.transition(StateOpen)
	b.openedAt = now
	b.halfOpenCalls = 0
}

func (b *Breaker) reset() {
	b.state = StateClosed
	b.openedAt = time.Time{}
	b.halfOpenCalls = 0
	b.samples = b.samples[:0]
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.metrics.BreakerTransition(context.Background(), string(from), string(to))
}

func clampFloat(v, def, lo, hi float64) float64 {
	if math.IsNaN(v) || v == 0 {
		v = def
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, def, lo, hi int) int {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, def, lo, hi time.Duration) time.Duration {
	if v == 0 {
		v = def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
