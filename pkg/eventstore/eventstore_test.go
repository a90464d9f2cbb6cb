package eventstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprocure/core/pkg/database"
	"github.com/openprocure/core/pkg/events"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := New(db, opts...)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestAppendIsIdempotentByEventID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ev := events.NewRfqCreated("acme", 1, "laptops")
	inserted, err := store.Append(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.Append(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted, "second append of the same id must be a no-op")

	n, err := store.Count(ctx, "acme")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAppendDedupesPerWorkspace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ev := events.NewRfqCreated("acme", 1, "laptops").WithID("shared-id")
	inserted, err := store.Append(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The same event id under another workspace is a distinct row:
	// uniqueness is scoped to (workspace_id, event_id).
	other := events.NewRfqCreated("globex", 1, "laptops").WithID("shared-id")
	inserted, err = store.Append(ctx, other)
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestListReplayOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Insert out of chronological order.
	third := events.NewRfqCreated("acme", 3, "c").WithOccurredAt(base.Add(2 * time.Minute))
	first := events.NewRfqCreated("acme", 1, "a").WithOccurredAt(base)
	second := events.NewRfqCreated("acme", 2, "b").WithOccurredAt(base.Add(time.Minute))
	for _, ev := range []events.Event{third, first, second} {
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	listed, err := store.List(ctx, Filter{WorkspaceID: "acme"})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.EqualValues(t, 1, listed[0].PayloadInt("rfq_id"))
	assert.EqualValues(t, 2, listed[1].PayloadInt("rfq_id"))
	assert.EqualValues(t, 3, listed[2].PayloadInt("rfq_id"))
}

func TestListTieBreaksOnEventID(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Pin the clock so both rows share created_at and the event_id
	// tie-break is actually exercised.
	store := newTestStore(t, withClock(func() time.Time { return at }))

	a := events.NewRfqCreated("acme", 1, "a").WithOccurredAt(at).WithID("aaaa")
	b := events.NewRfqCreated("acme", 2, "b").WithOccurredAt(at).WithID("bbbb")
	for _, ev := range []events.Event{b, a} {
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	listed, err := store.List(ctx, Filter{WorkspaceID: "acme"})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "aaaa", listed[0].EventID)
	assert.Equal(t, "bbbb", listed[1].EventID)
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mk := func(ws string, t events.Type, at time.Time) events.Event {
		return events.New(t, ws, map[string]any{"tenant_id": ws}).WithOccurredAt(at)
	}
	evs := []events.Event{
		mk("acme", events.TypeRfqCreated, base),
		mk("acme", events.TypePurchaseOrderCreated, base.Add(time.Hour)),
		mk("globex", events.TypeRfqCreated, base.Add(2*time.Hour)),
	}
	for _, ev := range evs {
		_, err := store.Append(ctx, ev)
		require.NoError(t, err)
	}

	byWorkspace, err := store.List(ctx, Filter{WorkspaceID: "globex"})
	require.NoError(t, err)
	assert.Len(t, byWorkspace, 1)

	byType, err := store.List(ctx, Filter{Types: []events.Type{events.TypeRfqCreated}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byWindow, err := store.List(ctx, Filter{
		Since: base.Add(30 * time.Minute),
		Until: base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, byWindow, 1)
	assert.Equal(t, events.TypePurchaseOrderCreated, byWindow[0].Type)

	limited, err := store.List(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListUpcastsOnRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	v1 := events.New(events.TypePurchaseRequestCreated, "acme", map[string]any{
		"tenant_id":           "acme",
		"purchase_request_id": 5,
		"status":              "submitted",
		"items_count":         4,
	})
	require.Equal(t, 1, v1.SchemaVersion)
	_, err := store.Append(ctx, v1)
	require.NoError(t, err)

	listed, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 2, listed[0].SchemaVersion)
	assert.EqualValues(t, 4, listed[0].PayloadInt("items_created"))
	assert.NotContains(t, listed[0].Payload, "items_count")
}
