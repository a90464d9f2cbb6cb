package events

import (
	"context"
	"log/slog"
	"sync"
)

// Handler consumes a published event. A handler error is isolated: it is
// logged and counted but never stops delivery to other handlers and never
// reaches the publisher.
type Handler func(ctx context.Context, ev Event) error

// Appender persists events durably before fan-out. The bool result reports
// whether the row was newly inserted (false means the event id was already
// stored and publication is a replayed duplicate).
type Appender interface {
	Append(ctx context.Context, ev Event) (bool, error)
}

// Observer receives bus lifecycle signals. Implemented by
// observability.Metrics; nil-safe by contract of that type.
type Observer interface {
	EventEmitted(ctx context.Context, eventType string)
	EventStored(ctx context.Context, eventType string)
	EventStoreFailed(ctx context.Context)
	SchemaInvalid(ctx context.Context, schemaName string)
}

// Bus is an in-process, synchronous publish/subscribe dispatcher.
//
// Publish order is delivery order: handlers for an event type run
// sequentially in registration order, on the publisher's goroutine. A durable
// append is attempted before any handler fires; a failed append is logged and
// counted but delivery proceeds regardless, and the projection dedupe claim
// absorbs any later redelivery of the same event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler

	store    Appender
	registry *Registry
	logger   *slog.Logger
	observer Observer
}

// BusOption customizes a Bus.
type BusOption func(*Bus)

// WithStore attaches the durable appender.
func WithStore(store Appender) BusOption {
	return func(b *Bus) { b.store = store }
}

// WithSchemaRegistry overrides the built-in schema registry.
func WithSchemaRegistry(r *Registry) BusOption {
	return func(b *Bus) {
		if r != nil {
			b.registry = r
		}
	}
}

// WithLogger overrides the bus logger.
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver attaches metric callbacks.
func WithObserver(obs Observer) BusOption {
	return func(b *Bus) { b.observer = obs }
}

// NewBus constructs a bus with the built-in schema registry.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: map[Type][]Handler{},
		registry: NewRegistry(),
		logger:   slog.Default().With("component", "event_bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for one or more event types.
func (b *Bus) Subscribe(handler Handler, types ...Type) {
	if handler == nil || len(types) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], handler)
	}
}

// Registry exposes the schema registry for producers that register schemas.
func (b *Bus) Registry() *Registry { return b.registry }

// Publish validates, persists, and fans out an event. It always returns nil:
// schema violations, append failures, and handler errors are logged and
// observed but deliberately swallowed, per the at-least-once contract
// (emitters must not fail because the store or a consumer does). A duplicate
// event id still fans out; downstream idempotency lives in the projection
// dedupe claim, not here.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b.observer != nil {
		b.observer.EventEmitted(ctx, string(ev.Type))
	}
	if ok, missing := b.registry.Validate(ev); !ok {
		b.logger.WarnContext(ctx, "event payload failed schema validation",
			"event_type", ev.Type,
			"schema_name", ev.SchemaName,
			"schema_version", ev.SchemaVersion,
			"missing", missing,
		)
		if b.observer != nil {
			b.observer.SchemaInvalid(ctx, ev.SchemaName)
		}
	}

	if b.store != nil {
		inserted, err := b.store.Append(ctx, ev)
		switch {
		case err != nil:
			if b.observer != nil {
				b.observer.EventStoreFailed(ctx)
			}
			b.logger.ErrorContext(ctx, "event append failed",
				"event_type", ev.Type,
				"event_id", ev.EventID,
				"error", err,
			)
		case inserted:
			if b.observer != nil {
				b.observer.EventStored(ctx, string(ev.Type))
			}
		default:
			b.logger.DebugContext(ctx, "duplicate event id",
				"event_type", ev.Type,
				"event_id", ev.EventID,
			)
		}
	}

	b.dispatch(ctx, ev)
	return nil
}

// Dispatch delivers an already-persisted event to subscribers, bypassing the
// store. Used by replay.
func (b *Bus) Dispatch(ctx context.Context, ev Event) {
	b.dispatch(ctx, ev)
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[ev.Type]))
	copy(handlers, b.handlers[ev.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, ev); err != nil {
			b.logger.ErrorContext(ctx, "event handler failed",
				"event_type", ev.Type,
				"event_id", ev.EventID,
				"error", err,
			)
		}
	}
}
