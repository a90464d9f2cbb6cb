package confidence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	at time.Time
}

func (c *testClock) now() time.Time          { return c.at }
func (c *testClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestController(opts Options) (*Controller, *testClock) {
	clock := &testClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewController(NewMemoryStore(), opts, WithClock(clock.now)), clock
}

func record(c *Controller, result string, n int) {
	for i := 0; i < n; i++ {
		c.Record("acme", "overview", result)
	}
}

func TestInsufficientDataBelowMinSamples(t *testing.T) {
	c, _ := newTestController(Options{Enabled: true, MinSamples: 10, ThresholdPercent: 0.5, WindowMinutes: 60})
	record(c, ResultEqual, 9)

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, report.Status)
	assert.Equal(t, 9, report.CompareCount)
}

func TestHealthyAtThreshold(t *testing.T) {
	c, _ := newTestController(Options{Enabled: true, MinSamples: 10, ThresholdPercent: 1.0, WindowMinutes: 60})
	record(c, ResultEqual, 99)
	record(c, ResultDiff, 1)

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status, "1% diff rate is within a 1.0%% threshold")
	assert.InDelta(t, 1.0, report.DiffRatePercent, 1e-9)
	assert.Equal(t, 100, report.CompareCount)
}

func TestDegradedAboveThreshold(t *testing.T) {
	c, _ := newTestController(Options{Enabled: true, MinSamples: 10, ThresholdPercent: 0.5, WindowMinutes: 60})
	record(c, ResultEqual, 98)
	record(c, ResultDiff, 2)

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, report.Status)
	assert.InDelta(t, 2.0, report.DiffRatePercent, 1e-9)
}

func TestErrorsCountTowardSamplesNotDiffRate(t *testing.T) {
	c, _ := newTestController(Options{Enabled: true, MinSamples: 10, ThresholdPercent: 0.5, WindowMinutes: 60})
	record(c, ResultEqual, 50)
	record(c, ResultError, 50)

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 100, report.CompareCount)
	assert.Zero(t, report.DiffRatePercent)
}

func TestWindowExcludesOldBuckets(t *testing.T) {
	c, clock := newTestController(Options{Enabled: true, MinSamples: 1, ThresholdPercent: 0.5, WindowMinutes: 5})
	record(c, ResultDiff, 3)

	clock.advance(10 * time.Minute)
	record(c, ResultEqual, 2)

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Equal(t, 2, report.CompareCount, "diffs from 10 minutes ago fall outside the 5-minute window")
	assert.Equal(t, StatusHealthy, report.Status)
}

func TestSectionsAreIndependent(t *testing.T) {
	c, _ := newTestController(Options{Enabled: true, MinSamples: 1, ThresholdPercent: 0.5, WindowMinutes: 60})
	c.Record("acme", "overview", ResultDiff)
	c.Record("acme", "suppliers", ResultEqual)

	overview, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, overview.Status)

	suppliers, err := c.Query(context.Background(), "acme", "suppliers")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, suppliers.Status)
}

func TestRecordDropsGarbage(t *testing.T) {
	c, _ := newTestController(Options{Enabled: true, MinSamples: 1, ThresholdPercent: 0.5, WindowMinutes: 60})
	c.Record("", "overview", ResultEqual)
	c.Record("acme", "overview", "maybe")

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Zero(t, report.CompareCount)

	// Blank workspace on query returns insufficient data, not an error.
	report, err = c.Query(context.Background(), "  ", "overview")
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientData, report.Status)
}

func TestDisabledControllerRecordsNothing(t *testing.T) {
	c, _ := newTestController(Options{Enabled: false, MinSamples: 1, ThresholdPercent: 0.5, WindowMinutes: 60})
	record(c, ResultDiff, 10)

	report, err := c.Query(context.Background(), "acme", "overview")
	require.NoError(t, err)
	assert.Zero(t, report.CompareCount)
}

func TestMemoryStorePrunesOldTail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Incr(ctx, "acme", "overview", 1000, ResultEqual))
	// Writing far in the future prunes the stale bucket.
	require.NoError(t, store.Incr(ctx, "acme", "overview", 1000+bucketTailMinutes+1, ResultEqual))

	counts, err := store.Window(ctx, "acme", "overview", 0, 1000)
	require.NoError(t, err)
	assert.Zero(t, counts.total())
}

func TestOptionDefaults(t *testing.T) {
	opts := Options{Enabled: true}.withDefaults()
	assert.Equal(t, 100, opts.MinSamples)
	assert.Equal(t, 0.5, opts.ThresholdPercent)
	assert.Equal(t, 60, opts.WindowMinutes)
}
