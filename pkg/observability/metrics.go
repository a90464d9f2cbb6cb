package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the domain counter set shared across the core. A nil *Metrics is
// valid and records nothing, so packages can take it without guarding.
type Metrics struct {
	eventsEmitted      metric.Int64Counter
	eventsStored       metric.Int64Counter
	eventStoreFailed   metric.Int64Counter
	schemaInvalid      metric.Int64Counter
	projectionApplied  metric.Int64Counter
	projectionFailed   metric.Int64Counter
	outboxRetry        metric.Int64Counter
	outboxDeadLetter   metric.Int64Counter
	outboxDeferred     metric.Int64Counter
	outboxDuration     metric.Float64Histogram
	shadowCompare      metric.Int64Counter
	shadowDiffStored   metric.Int64Counter
	rebuildDuration    metric.Float64Histogram
	breakerTransitions metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.eventsEmitted, err = meter.Int64Counter("domain_events_emitted_total"); err != nil {
		return nil, err
	}
	if m.eventsStored, err = meter.Int64Counter("event_store_persisted_total"); err != nil {
		return nil, err
	}
	if m.eventStoreFailed, err = meter.Int64Counter("event_store_failed_total"); err != nil {
		return nil, err
	}
	if m.schemaInvalid, err = meter.Int64Counter("domain_event_schema_invalid_total"); err != nil {
		return nil, err
	}
	if m.projectionApplied, err = meter.Int64Counter("analytics_projection_processed_total"); err != nil {
		return nil, err
	}
	if m.projectionFailed, err = meter.Int64Counter("analytics_projection_failed_total"); err != nil {
		return nil, err
	}
	if m.outboxRetry, err = meter.Int64Counter("erp_outbox_retry_total"); err != nil {
		return nil, err
	}
	if m.outboxDeadLetter, err = meter.Int64Counter("erp_outbox_dead_letter_total"); err != nil {
		return nil, err
	}
	if m.outboxDeferred, err = meter.Int64Counter("governance_worker_deferred_total"); err != nil {
		return nil, err
	}
	if m.outboxDuration, err = meter.Float64Histogram("erp_outbox_processing_ms"); err != nil {
		return nil, err
	}
	if m.shadowCompare, err = meter.Int64Counter("analytics_shadow_compare_total"); err != nil {
		return nil, err
	}
	if m.shadowDiffStored, err = meter.Int64Counter("analytics_shadow_diff_persisted_total"); err != nil {
		return nil, err
	}
	if m.rebuildDuration, err = meter.Float64Histogram("analytics_read_model_rebuild_seconds"); err != nil {
		return nil, err
	}
	if m.breakerTransitions, err = meter.Int64Counter("erp_circuit_transitions_total"); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) EventEmitted(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsEmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) EventStored(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsStored.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) EventStoreFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.eventStoreFailed.Add(ctx, 1)
}

func (m *Metrics) SchemaInvalid(ctx context.Context, schemaName string) {
	if m == nil {
		return
	}
	m.schemaInvalid.Add(ctx, 1, metric.WithAttributes(attribute.String("schema_name", schemaName)))
}

func (m *Metrics) ProjectionProcessed(ctx context.Context, projector, eventType string) {
	if m == nil {
		return
	}
	m.projectionApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projector", projector),
		attribute.String("event_type", eventType),
	))
}

func (m *Metrics) ProjectionFailed(ctx context.Context, projector, eventType string) {
	if m == nil {
		return
	}
	m.projectionFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projector", projector),
		attribute.String("event_type", eventType),
	))
}

func (m *Metrics) OutboxRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.outboxRetry.Add(ctx, 1)
}

func (m *Metrics) OutboxDeadLetter(ctx context.Context) {
	if m == nil {
		return
	}
	m.outboxDeadLetter.Add(ctx, 1)
}

func (m *Metrics) OutboxDeferred(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.outboxDeferred.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) OutboxProcessing(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.outboxDuration.Record(ctx, float64(d.Milliseconds()))
}

func (m *Metrics) ShadowCompare(ctx context.Context, result, primarySource string) {
	if m == nil {
		return
	}
	m.shadowCompare.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("primary_source", primarySource),
	))
}

func (m *Metrics) ShadowDiffPersisted(ctx context.Context) {
	if m == nil {
		return
	}
	m.shadowDiffStored.Add(ctx, 1)
}

func (m *Metrics) RebuildObserved(ctx context.Context, mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.rebuildDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("result", result),
	))
}

func (m *Metrics) BreakerTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}
