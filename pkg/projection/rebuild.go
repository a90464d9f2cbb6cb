package projection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/eventstore"
	"github.com/openprocure/core/pkg/observability"
)

// Rebuild modes.
const (
	ModeFull  = "full"
	ModeRange = "range"
)

// RebuildRequest describes one rebuild run. Dates are inclusive ISO days;
// blank means unbounded.
type RebuildRequest struct {
	WorkspaceID string
	Mode        string
	StartDate   string
	EndDate     string
}

// RebuildResult summarizes a rebuild run.
type RebuildResult struct {
	WorkspaceID   string
	Mode          string
	TotalEvents   int
	Processed     int
	SkippedDedupe int
	Failed        int
	Duration      time.Duration
}

// Rebuilder replays the event log through the projection dispatcher.
//
// A full rebuild clears the workspace's aggregates, dedupe claims and state
// first, so the result depends only on the log. A range rebuild replays a
// window without clearing: events already claimed skip as dedupe no-ops,
// which makes it safe to heal a gap without double counting.
type Rebuilder struct {
	store      *Store
	events     *eventstore.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewRebuilder wires a rebuilder over the shared store and dispatcher.
func NewRebuilder(store *Store, events *eventstore.Store, dispatcher *Dispatcher, metrics *observability.Metrics) *Rebuilder {
	return &Rebuilder{
		store:      store,
		events:     events,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "read_model_rebuilder"),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Rebuild runs one rebuild and returns its summary.
func (r *Rebuilder) Rebuild(ctx context.Context, req RebuildRequest) (RebuildResult, error) {
	workspaceID := strings.TrimSpace(req.WorkspaceID)
	if workspaceID == "" {
		return RebuildResult{}, fmt.Errorf("rebuild requires a workspace id")
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ModeFull
	}
	if mode != ModeFull && mode != ModeRange {
		return RebuildResult{}, fmt.Errorf("rebuild mode must be %q or %q, got %q", ModeFull, ModeRange, req.Mode)
	}

	started := r.now()
	result := RebuildResult{WorkspaceID: workspaceID, Mode: mode}
	outcome := "success"
	defer func() {
		result.Duration = r.now().Sub(started)
		r.metrics.RebuildObserved(ctx, mode, outcome, result.Duration)
	}()

	if mode == ModeFull {
		if err := r.store.ClearWorkspace(ctx, workspaceID); err != nil {
			outcome = "failed"
			return result, fmt.Errorf("clear workspace %s: %w", workspaceID, err)
		}
	}

	filter := eventstore.Filter{WorkspaceID: workspaceID}
	if since, ok := parseDay(req.StartDate); ok {
		filter.Since = since
	}
	if until, ok := parseDay(req.EndDate); ok {
		filter.Until = until.AddDate(0, 0, 1)
	}
	listed, err := r.events.List(ctx, filter)
	if err != nil {
		outcome = "failed"
		return result, fmt.Errorf("list events for rebuild: %w", err)
	}

	result.TotalEvents = len(listed)
	for _, ev := range listed {
		summary := r.dispatcher.Process(ctx, ev, workspaceID)
		result.Processed += summary.Processed
		result.SkippedDedupe += summary.SkippedDedupe
		result.Failed += summary.Failed
	}

	r.logger.InfoContext(ctx, "read model rebuild finished",
		"workspace_id", workspaceID,
		"mode", mode,
		"total_events", result.TotalEvents,
		"processed", result.Processed,
		"skipped_dedupe", result.SkippedDedupe,
		"failed", result.Failed,
	)
	return result, nil
}

func parseDay(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
