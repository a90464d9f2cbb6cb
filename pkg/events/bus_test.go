package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAppender struct {
	mu       sync.Mutex
	seen     map[string]bool
	appended []Event
	err      error
}

func (f *fakeAppender) Append(_ context.Context, ev Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[ev.EventID] {
		return false, nil
	}
	f.seen[ev.EventID] = true
	f.appended = append(f.appended, ev)
	return true, nil
}

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	bus.Subscribe(func(context.Context, Event) error {
		order = append(order, "first")
		return nil
	}, TypeRfqCreated)
	bus.Subscribe(func(context.Context, Event) error {
		order = append(order, "second")
		return nil
	}, TypeRfqCreated)

	err := bus.Publish(context.Background(), NewRfqCreated("acme", 7, "laptops"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestPublishHandlerErrorIsIsolated(t *testing.T) {
	bus := NewBus()
	var delivered bool
	bus.Subscribe(func(context.Context, Event) error {
		return errors.New("boom")
	}, TypePurchaseOrderCreated)
	bus.Subscribe(func(context.Context, Event) error {
		delivered = true
		return nil
	}, TypePurchaseOrderCreated)

	err := bus.Publish(context.Background(), NewPurchaseOrderCreated("acme", 42, "sent_to_erp", "rfq_award", "sup-1"))
	require.NoError(t, err)
	assert.True(t, delivered, "second handler must still run")
}

func TestPublishAppendsBeforeFanout(t *testing.T) {
	store := &fakeAppender{}
	bus := NewBus(WithStore(store))
	var sawStored bool
	bus.Subscribe(func(context.Context, Event) error {
		store.mu.Lock()
		sawStored = len(store.appended) == 1
		store.mu.Unlock()
		return nil
	}, TypeRfqAwarded)

	require.NoError(t, bus.Publish(context.Background(), NewRfqAwarded("acme", 1, 2)))
	assert.True(t, sawStored, "event must be durable before handlers run")
}

func TestPublishDuplicateStillDelivers(t *testing.T) {
	store := &fakeAppender{}
	bus := NewBus(WithStore(store))
	var calls int
	bus.Subscribe(func(context.Context, Event) error {
		calls++
		return nil
	}, TypeRfqCreated)

	// Idempotency under redelivery belongs to the projection dedupe claim;
	// the bus stores once but delivers every publication.
	ev := NewRfqCreated("acme", 3, "chairs")
	require.NoError(t, bus.Publish(context.Background(), ev))
	require.NoError(t, bus.Publish(context.Background(), ev))
	assert.Equal(t, 2, calls)
	assert.Len(t, store.appended, 1)
}

func TestPublishStoreFailureStillDelivers(t *testing.T) {
	store := &fakeAppender{err: errors.New("disk full")}
	bus := NewBus(WithStore(store))
	var calls int
	bus.Subscribe(func(context.Context, Event) error {
		calls++
		return nil
	}, TypeRfqCreated)

	// Persistence is best effort: a store outage must not stall live
	// consumers or surface to the emitter.
	err := bus.Publish(context.Background(), NewRfqCreated("acme", 3, "chairs"))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPublishInvalidSchemaStillDelivers(t *testing.T) {
	bus := NewBus()
	var delivered bool
	bus.Subscribe(func(context.Context, Event) error {
		delivered = true
		return nil
	}, TypeRfqAwarded)

	// award_id is required by the RfqAwarded schema.
	ev := New(TypeRfqAwarded, "acme", map[string]any{"tenant_id": "acme", "rfq_id": 1})
	require.NoError(t, bus.Publish(context.Background(), ev))
	assert.True(t, delivered)
}

func TestNewNormalizesIdentity(t *testing.T) {
	ev := New(TypeRfqCreated, "", map[string]any{"tenant_id": "acme"})
	assert.Len(t, ev.EventID, 32)
	assert.Equal(t, "acme", ev.WorkspaceID)
	assert.False(t, ev.OccurredAt.IsZero())
	assert.Equal(t, string(TypeRfqCreated), ev.SchemaName)
	assert.Equal(t, 1, ev.SchemaVersion)

	anon := New(TypeRfqCreated, "  ", nil)
	assert.Equal(t, "unknown", anon.WorkspaceID)
	assert.NotEqual(t, ev.EventID, anon.EventID)
}
