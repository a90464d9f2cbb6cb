package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestBreaker(opts Options) (*Breaker, *fakeClock) {
	clock := &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(opts, WithClock(clock.now)), clock
}

func tripBreaker(t *testing.T, b *Breaker) {
	t.Helper()
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.Snapshot().State)
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	b, _ := newTestBreaker(DefaultOptions())
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	ok, state := b.BeforeCall()
	assert.True(t, ok)
	assert.Equal(t, StateClosed, state)
}

func TestOpensAtThresholdWithEnoughSamples(t *testing.T) {
	b, _ := newTestBreaker(DefaultOptions())
	// 3 failures / 5 samples = 0.6, exactly at the threshold.
	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 5, snap.Samples)
	assert.Equal(t, 3, snap.Failures)

	ok, state := b.BeforeCall()
	assert.False(t, ok)
	assert.Equal(t, StateOpen, state)
}

func TestOpenAdmitsProbeAfterOpenFor(t *testing.T) {
	b, clock := newTestBreaker(DefaultOptions())
	tripBreaker(t, b)

	clock.advance(29 * time.Second)
	ok, _ := b.BeforeCall()
	assert.False(t, ok)

	clock.advance(time.Second)
	ok, state := b.BeforeCall()
	assert.True(t, ok)
	assert.Equal(t, StateHalfOpen, state)

	// Trial budget is 1: the next call is rejected while the probe is out.
	ok, state = b.BeforeCall()
	assert.False(t, ok)
	assert.Equal(t, StateHalfOpen, state)
}

func TestHalfOpenSuccessClosesAndClearsWindow(t *testing.T) {
	b, clock := newTestBreaker(DefaultOptions())
	tripBreaker(t, b)
	clock.advance(30 * time.Second)

	ok, _ := b.BeforeCall()
	require.True(t, ok)
	b.RecordSuccess()

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Samples, "window must be cleared on recovery")

	// One fresh failure cannot retrip immediately.
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(DefaultOptions())
	tripBreaker(t, b)
	clock.advance(30 * time.Second)

	ok, _ := b.BeforeCall()
	require.True(t, ok)
	b.RecordFailure()

	ok, state := b.BeforeCall()
	assert.False(t, ok)
	assert.Equal(t, StateOpen, state)

	// The open timer restarted at the half-open failure.
	clock.advance(30 * time.Second)
	ok, state = b.BeforeCall()
	assert.True(t, ok)
	assert.Equal(t, StateHalfOpen, state)
}

func TestWindowPruningForgetsOldFailures(t *testing.T) {
	b, clock := newTestBreaker(DefaultOptions())
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	clock.advance(121 * time.Second)

	// Old failures are outside the 120s window, so this 5th failure is the
	// only sample and cannot trip the breaker.
	b.RecordFailure()
	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 1, snap.Samples)
}

func TestDisabledBreakerAdmitsEverything(t *testing.T) {
	opts := DefaultOptions()
	opts.Enabled = false
	b, _ := newTestBreaker(opts)

	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	ok, state := b.BeforeCall()
	assert.True(t, ok)
	assert.Equal(t, StateDisabled, state)
	assert.Zero(t, b.Snapshot().Samples)
}

func TestConfigureDisableResets(t *testing.T) {
	b, _ := newTestBreaker(DefaultOptions())
	tripBreaker(t, b)

	opts := DefaultOptions()
	opts.Enabled = false
	b.Configure(opts)

	snap := b.Snapshot()
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.Samples)
}

func TestOptionClamping(t *testing.T) {
	opts := Options{
		Enabled:            true,
		ErrorRateThreshold: 5.0,
		MinSamples:         -3,
		Window:             time.Millisecond,
		OpenFor:            10 * time.Hour,
		HalfOpenMaxCalls:   500,
	}.clamped()

	assert.Equal(t, 1.0, opts.ErrorRateThreshold)
	assert.Equal(t, 1, opts.MinSamples)
	assert.Equal(t, 5*time.Second, opts.Window)
	assert.Equal(t, time.Hour, opts.OpenFor)
	assert.Equal(t, 100, opts.HalfOpenMaxCalls)

	defaults := Options{Enabled: true}.clamped()
	assert.Equal(t, 0.6, defaults.ErrorRateThreshold)
	assert.Equal(t, 5, defaults.MinSamples)
}
