package shadow

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/openprocure/core/pkg/database"
	"github.com/openprocure/core/pkg/observability"
)

// Compare outcomes.
const (
	OutcomeEqual   = "equal"
	OutcomeDiff    = "diff"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Recorder receives one outcome per comparison; the confidence controller
// implements it.
type Recorder interface {
	Record(workspaceID, section, result string)
}

// Degrader reports whether governance has flagged a workspace as degraded.
type Degrader interface {
	IsDegraded(workspaceID string) bool
}

// Options tune the engine.
type Options struct {
	Enabled           bool
	SampleRate        float64 // fraction of requests compared, clamped to [0, 1]
	MaxDiffLogsPerMin int
	MaxDiffs          int
	SkipWhenDegraded  bool
}

func (o Options) withDefaults() Options {
	if o.SampleRate < 0 {
		o.SampleRate = 0
	}
	if o.SampleRate > 1 {
		o.SampleRate = 1
	}
	if o.MaxDiffLogsPerMin <= 0 {
		o.MaxDiffLogsPerMin = 20
	}
	if o.MaxDiffs <= 0 {
		o.MaxDiffs = DefaultMaxDiffs
	}
	return o
}

// Engine runs shadow comparisons and keeps live agreement totals.
type Engine struct {
	store    *DiffStore
	limiter  *LogLimiter
	recorder Recorder
	degrader Degrader
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics

	now       func() time.Time
	randFloat func() float64

	mu       sync.Mutex
	compares int
	equal    int
	diff     int
	errors   int
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithRecorder wires the confidence controller.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithDegrader wires the governance degradation signal.
func WithDegrader(d Degrader) EngineOption {
	return func(e *Engine) { e.degrader = d }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "shadow_compare")
		}
	}
}

// WithMetrics attaches compare counters.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
			e.limiter = NewLogLimiter(now)
		}
	}
}

// WithSampleSource injects the sampling roll, for tests.
func WithSampleSource(randFloat func() float64) EngineOption {
	return func(e *Engine) {
		if randFloat != nil {
			e.randFloat = randFloat
		}
	}
}

// NewEngine builds a compare engine. The store may be nil when diff
// persistence is not wanted.
func NewEngine(store *DiffStore, opts Options, eopts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		opts:      opts.withDefaults(),
		logger:    slog.Default().With("component", "shadow_compare"),
		now:       time.Now,
		randFloat: rand.Float64,
	}
	e.limiter = NewLogLimiter(e.now)
	for _, opt := range eopts {
		opt(e)
	}
	return e
}

// ShouldRun decides whether this request gets a shadow comparison: the
// feature must be on, the workspace must not be degraded (when configured to
// care), and the sampling roll must land.
func (e *Engine) ShouldRun(workspaceID string) bool {
	if !e.opts.Enabled {
		return false
	}
	if e.opts.SkipWhenDegraded && e.degrader != nil && e.degrader.IsDegraded(workspaceID) {
		return false
	}
	if e.opts.SampleRate <= 0 {
		return false
	}
	return e.randFloat() < e.opts.SampleRate
}

// CompareInput carries one comparison request.
type CompareInput struct {
	WorkspaceID   string
	Section       string
	PrimarySource string
	RequestID     string
	Primary       map[string]any
	Shadow        map[string]any
}

// Compare diffs the two payloads, records the outcome, and persists a capped
// diff sample when the payloads disagree. Persistence failures are logged and
// swallowed: a broken diff log must never break the serving path.
func (e *Engine) Compare(ctx context.Context, in CompareInput) string {
	result := Diff(in.Primary, in.Shadow, e.opts.MaxDiffs)
	if result.Equal {
		e.record(ctx, in, OutcomeEqual)
		return OutcomeEqual
	}

	e.record(ctx, in, OutcomeDiff)
	if !e.limiter.Allow(e.opts.MaxDiffLogsPerMin) {
		return OutcomeDiff
	}

	entry := DiffLogEntry{
		OccurredAt:    database.FormatTime(e.now()),
		WorkspaceID:   in.WorkspaceID,
		Section:       in.Section,
		PrimarySource: in.PrimarySource,
		PrimaryHash:   Hash(in.Primary),
		ShadowHash:    Hash(in.Shadow),
		DiffSummary: map[string]any{
			"summary": result.Summary,
			"fields":  capDiffs(result.Diffs, 10),
		},
		DiffCount: DiffCount(result),
		RequestID: in.RequestID,
	}
	e.logger.Warn("shadow compare diff",
		"workspace_id", in.WorkspaceID,
		"section", in.Section,
		"primary_source", in.PrimarySource,
		"primary_hash", entry.PrimaryHash,
		"shadow_hash", entry.ShadowHash,
		"diff_count", entry.DiffCount,
		"request_id", in.RequestID)
	if e.store != nil {
		if err := e.store.Append(ctx, entry); err != nil {
			e.logger.Error("shadow diff persist failed",
				"workspace_id", in.WorkspaceID, "section", in.Section, "error", err)
		} else {
			e.metrics.ShadowDiffPersisted(ctx)
		}
	}
	return OutcomeDiff
}

// RecordError marks a comparison whose shadow computation blew up. The error
// itself stays with the caller; the engine only scores it.
func (e *Engine) RecordError(ctx context.Context, workspaceID, section, primarySource string) {
	e.record(ctx, CompareInput{
		WorkspaceID:   workspaceID,
		Section:       section,
		PrimarySource: primarySource,
	}, OutcomeError)
}

func (e *Engine) record(ctx context.Context, in CompareInput, outcome string) {
	e.mu.Lock()
	e.compares++
	switch outcome {
	case OutcomeEqual:
		e.equal++
	case OutcomeDiff:
		e.diff++
	case OutcomeError:
		e.errors++
	}
	e.mu.Unlock()

	e.metrics.ShadowCompare(ctx, outcome, in.PrimarySource)
	if e.recorder != nil {
		e.recorder.Record(in.WorkspaceID, in.Section, outcome)
	}
}

// Totals is the live in-process agreement picture since startup.
type Totals struct {
	Compares        int     `json:"total_compares"`
	Equal           int     `json:"total_equal"`
	Diff            int     `json:"total_diff"`
	Errors          int     `json:"total_error"`
	DiffRatePercent float64 `json:"diff_rate_percent"`
}

// Totals returns a snapshot of the live counters.
func (e *Engine) Totals() Totals {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := Totals{Compares: e.compares, Equal: e.equal, Diff: e.diff, Errors: e.errors}
	if t.Compares > 0 {
		t.DiffRatePercent = math.Round(float64(t.Diff)*100.0/float64(t.Compares)*100) / 100
	}
	return t
}

// Report combines live totals with the persisted diff log.
type Report struct {
	Totals
	SectionsBreakdown []SectionBreakdown `json:"sections_breakdown"`
	RecentDiffs       []DiffLogEntry     `json:"recent_diffs"`
}

// Report builds the operator-facing agreement report. A failing diff-log
// query degrades to live totals only.
func (e *Engine) Report(ctx context.Context, workspaceID, startDate, endDate, section string, limit int) (Report, error) {
	report := Report{Totals: e.Totals()}
	if e.store == nil {
		return report, nil
	}
	breakdown, recent, err := e.store.Report(ctx, workspaceID, startDate, endDate, section, limit)
	if err != nil {
		e.logger.Error("shadow report query failed", "workspace_id", workspaceID, "error", err)
		return report, err
	}
	report.SectionsBreakdown = breakdown
	report.RecentDiffs = recent
	return report, nil
}

func capDiffs(diffs []DiffEntry, n int) []DiffEntry {
	if len(diffs) <= n {
		return diffs
	}
	return diffs[:n]
}
