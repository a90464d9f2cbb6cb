package projection

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/events"
	"github.com/openprocure/core/pkg/observability"
)

// Summary counts per-projector outcomes for one dispatched event.
type Summary struct {
	Processed     int
	SkippedDedupe int
	Failed        int
}

// Dispatcher routes events to projectors with dedupe, state bookkeeping and
// audit. Projector failures are isolated: a failing handler marks its own
// state and audit rows but never stops the remaining projectors.
type Dispatcher struct {
	store      *Store
	projectors []Projector
	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithProjectors overrides the default projector set.
func WithProjectors(projectors ...Projector) DispatcherOption {
	return func(d *Dispatcher) { d.projectors = projectors }
}

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherMetrics attaches counters.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher builds a dispatcher with the default projector set.
func NewDispatcher(store *Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		projectors: []Projector{LifecycleProjector{}, ErpStatusProjector{}},
		logger:     slog.Default().With("component", "projection_dispatcher"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandledTypes lists every event type at least one projector consumes,
// deduplicated in declaration order.
func (d *Dispatcher) HandledTypes() []events.Type {
	seen := map[events.Type]bool{}
	var out []events.Type
	for _, p := range d.projectors {
		for _, t := range p.HandledTypes() {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Handler adapts the dispatcher to the event bus handler signature.
func (d *Dispatcher) Handler() events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		d.Process(ctx, ev, ev.WorkspaceID)
		return nil
	}
}

// Process runs every matching projector over one event and reports the
// per-projector outcome counts.
func (d *Dispatcher) Process(ctx context.Context, ev events.Event, workspaceID string) Summary {
	var summary Summary
	workspaceID = strings.TrimSpace(workspaceID)
	eventID := strings.TrimSpace(ev.EventID)

	for _, projector := range d.projectors {
		if !handles(projector, ev.Type) {
			continue
		}
		outcome := d.processOne(ctx, projector, ev, workspaceID, eventID)
		switch outcome {
		case "ok":
			summary.Processed++
		case "skipped_dedupe":
			summary.SkippedDedupe++
		default:
			summary.Failed++
		}
	}
	return summary
}

func (d *Dispatcher) processOne(ctx context.Context, projector Projector, ev events.Event, workspaceID, eventID string) string {
	name := projector.Name()
	started := d.now()

	audit := func(status, errorCode string) {
		rec := AuditRecord{
			WorkspaceID:   workspaceID,
			EventID:       eventID,
			SchemaName:    ev.SchemaName,
			SchemaVersion: ev.SchemaVersion,
			HandlerName:   name,
			Status:        status,
			Duration:      d.now().Sub(started),
			ErrorCode:     errorCode,
			OccurredAt:    ev.OccurredAt,
		}
		if err := d.store.AppendAudit(ctx, rec); err != nil {
			d.logger.WarnContext(ctx, "handler audit append failed",
				"projector", name, "event_id", eventID, "error", err)
		}
	}

	claimed, err := d.store.ClaimEvent(ctx, workspaceID, name, eventID)
	if err != nil {
		d.logger.ErrorContext(ctx, "projection dedupe claim failed",
			"projector", name, "event_id", eventID, "error", err)
		d.metrics.ProjectionFailed(ctx, name, string(ev.Type))
		audit("error", "dedupe_claim_failed")
		return "error"
	}
	if !claimed {
		d.updateState(ctx, StateUpdate{
			WorkspaceID: workspaceID, Projector: name,
			Status: "ok", LastEventID: eventID, LastProcessedAt: ev.OccurredAt,
		})
		audit("skipped_dedupe", "")
		return "skipped_dedupe"
	}

	d.updateState(ctx, StateUpdate{
		WorkspaceID: workspaceID, Projector: name,
		Status: "running", LastEventID: eventID, LastProcessedAt: ev.OccurredAt,
	})

	if err := projector.Handle(ctx, ev, d.store, workspaceID); err != nil {
		d.updateState(ctx, StateUpdate{
			WorkspaceID: workspaceID, Projector: name,
			Status: "error", LastEventID: eventID, LastError: err.Error(), LastProcessedAt: d.now(),
		})
		d.metrics.ProjectionFailed(ctx, name, string(ev.Type))
		d.logger.ErrorContext(ctx, "projection handler failed",
			"projector", name, "event_type", ev.Type, "event_id", eventID, "error", err)
		audit("error", errorCode(err))
		return "error"
	}

	d.updateState(ctx, StateUpdate{
		WorkspaceID: workspaceID, Projector: name,
		Status: "ok", LastEventID: eventID, LastProcessedAt: d.now(),
	})
	d.metrics.ProjectionProcessed(ctx, name, string(ev.Type))
	audit("ok", "")
	return "ok"
}

func (d *Dispatcher) updateState(ctx context.Context, u StateUpdate) {
	if err := d.store.UpdateState(ctx, u); err != nil {
		d.logger.WarnContext(ctx, "projection state update failed",
			"projector", u.Projector, "status", u.Status, "error", err)
	}
}

func handles(p Projector, t events.Type) bool {
	for _, handled := range p.HandledTypes() {
		if handled == t {
			return true
		}
	}
	return false
}

func errorCode(err error) string {
	var he *HandleError
	if errors.As(err, &he) && he.Code != "" {
		return he.Code
	}
	return "handler_error"
}
