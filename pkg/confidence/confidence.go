// Package confidence scores shadow-compare agreement per (workspace,
// section) over a rolling window of one-minute buckets. Its status is the
// authoritative signal for serving the new read model without a live shadow
// comparison.
package confidence

import (
	"context"
	"math"
	"strings"
	"time"
)

// Compare results accepted by Record.
const (
	ResultEqual = "equal"
	ResultDiff  = "diff"
	ResultError = "error"
)

// Statuses returned by Query.
const (
	StatusHealthy          = "healthy"
	StatusDegraded         = "degraded"
	StatusInsufficientData = "insufficient_data"
)

// Counts is one minute bucket's tally.
type Counts struct {
	Equal int
	Diff  int
	Error int
}

func (c Counts) total() int { return c.Equal + c.Diff + c.Error }

// SampleStore holds minute-bucket tallies. The in-memory store covers a
// single process; the Redis store aggregates across processes.
type SampleStore interface {
	// Incr adds one result to the (workspace, section, minute) bucket.
	Incr(ctx context.Context, workspaceID, section string, minute int64, result string) error
	// Window sums the buckets in [fromMinute, toMinute].
	Window(ctx context.Context, workspaceID, section string, fromMinute, toMinute int64) (Counts, error)
}

// Options configure classification.
type Options struct {
	Enabled          bool
	MinSamples       int
	ThresholdPercent float64 // max acceptable diff rate
	WindowMinutes    int
}

func (o Options) withDefaults() Options {
	if o.MinSamples < 1 {
		o.MinSamples = 100
	}
	if o.ThresholdPercent < 0 {
		o.ThresholdPercent = 0
	}
	if o.ThresholdPercent == 0 {
		o.ThresholdPercent = 0.5
	}
	if o.WindowMinutes < 1 {
		o.WindowMinutes = 60
	}
	return o
}

// Report is the classification for one (workspace, section).
type Report struct {
	Status          string  `json:"status"`
	DiffRatePercent float64 `json:"diff_rate_percent"`
	CompareCount    int     `json:"compare_count"`
	ThresholdPct    float64 `json:"threshold_percent"`
	WindowMinutes   int     `json:"window_minutes"`
}

// Controller records compare outcomes and classifies agreement.
type Controller struct {
	store SampleStore
	opts  Options
	now   func() time.Time
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController builds a controller over a sample store. A nil store gets the
// in-memory implementation.
func NewController(store SampleStore, opts Options, copts ...ControllerOption) *Controller {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Controller{store: store, opts: opts.withDefaults(), now: time.Now}
	for _, opt := range copts {
		opt(c)
	}
	return c
}

// Record adds one outcome to the current minute bucket. Unknown results and
// blank workspaces are dropped silently, matching the fire-and-forget calling
// convention of the compare path.
func (c *Controller) Record(workspaceID, section, result string) {
	if !c.opts.Enabled {
		return
	}
	workspace := normalizeKey(workspaceID, "")
	if workspace == "" {
		return
	}
	resultKey := normalizeKey(result, "")
	if resultKey != ResultEqual && resultKey != ResultDiff && resultKey != ResultError {
		return
	}
	minute := c.now().Unix() / 60
	// Best effort: a failing sample store must not break comparisons.
	_ = c.store.Incr(context.Background(), workspace, normalizeKey(section, "overview"), minute, resultKey)
}

// Query classifies the trailing window for a (workspace, section).
func (c *Controller) Query(ctx context.Context, workspaceID, section string) (Report, error) {
	report := Report{
		Status:        StatusInsufficientData,
		ThresholdPct:  c.opts.ThresholdPercent,
		WindowMinutes: c.opts.WindowMinutes,
	}
	workspace := normalizeKey(workspaceID, "")
	if workspace == "" {
		return report, nil
	}

	nowMinute := c.now().Unix() / 60
	fromMinute := nowMinute - int64(c.opts.WindowMinutes) + 1
	counts, err := c.store.Window(ctx, workspace, normalizeKey(section, "overview"), fromMinute, nowMinute)
	if err != nil {
		return report, err
	}

	report.CompareCount = counts.total()
	if report.CompareCount > 0 {
		rate := float64(counts.Diff) * 100.0 / float64(report.CompareCount)
		report.DiffRatePercent = math.Round(rate*10000) / 10000
	}
	switch {
	case report.CompareCount < c.opts.MinSamples:
		report.Status = StatusInsufficientData
	case report.DiffRatePercent <= c.opts.ThresholdPercent:
		report.Status = StatusHealthy
	default:
		report.Status = StatusDegraded
	}
	return report, nil
}

func normalizeKey(v, def string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return def
	}
	return normalized
}
