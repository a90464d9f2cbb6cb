package projection

import (
	"context"

	"github.com/openprocure/core/pkg/events"
)

// Projector applies one family of events to the read model. HandledTypes
// declares the type tags the projector consumes; dispatch is a membership
// check, never payload sniffing.
type Projector interface {
	Name() string
	HandledTypes() []events.Type
	Handle(ctx context.Context, ev events.Event, store *Store, workspaceID string) error
}

// HandleError carries a stable error code into the audit trail.
type HandleError struct {
	Code string
	Err  error
}

func (e *HandleError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *HandleError) Unwrap() error { return e.Err }

// LifecycleProjector maintains the procurement funnel aggregates: the open
// backlog and awaiting-ERP KPIs, the SR/RFQ/AWARD/PO stage counters, and
// supplier invites.
type LifecycleProjector struct{}

func (LifecycleProjector) Name() string { return "procurement_lifecycle" }

func (LifecycleProjector) HandledTypes() []events.Type {
	return []events.Type{
		events.TypePurchaseRequestCreated,
		events.TypeRfqCreated,
		events.TypeRfqAwarded,
		events.TypePurchaseOrderCreated,
	}
}

func (LifecycleProjector) Handle(ctx context.Context, ev events.Event, store *Store, workspaceID string) error {
	day := ev.Day()
	switch ev.Type {
	case events.TypePurchaseRequestCreated:
		if err := store.UpsertKPI(ctx, KPIDelta{
			WorkspaceID: workspaceID, Day: day, Metric: "backlog_open", DeltaInt: 1,
		}); err != nil {
			return err
		}
		return store.UpsertStage(ctx, StageSample{
			WorkspaceID: workspaceID, Day: day, Stage: "SR", IncrementCount: 1,
		})

	case events.TypeRfqCreated:
		return store.UpsertStage(ctx, StageSample{
			WorkspaceID: workspaceID, Day: day, Stage: "RFQ", IncrementCount: 1,
		})

	case events.TypeRfqAwarded:
		return store.UpsertStage(ctx, StageSample{
			WorkspaceID: workspaceID, Day: day, Stage: "AWARD", IncrementCount: 1,
		})

	case events.TypePurchaseOrderCreated:
		if err := store.UpsertKPI(ctx, KPIDelta{
			WorkspaceID: workspaceID, Day: day, Metric: "awaiting_erp", DeltaInt: 1,
		}); err != nil {
			return err
		}
		if err := store.UpsertStage(ctx, StageSample{
			WorkspaceID: workspaceID, Day: day, Stage: "PO", IncrementCount: 1,
		}); err != nil {
			return err
		}
		if supplier := ev.PayloadString("supplier_key"); supplier != "" {
			return store.UpsertSupplier(ctx, SupplierDelta{
				WorkspaceID: workspaceID, Day: day, SupplierKey: supplier, InvitesDelta: 1,
			})
		}
	}
	return nil
}

// ErpStatusProjector maintains the ERP outcome aggregates. Accept and reject
// both close the awaiting-ERP gauge (floored at zero so replays of rejects
// before the matching create cannot go negative); rejects also bump the
// rejection counter.
type ErpStatusProjector struct{}

func (ErpStatusProjector) Name() string { return "erp_status" }

func (ErpStatusProjector) HandledTypes() []events.Type {
	return []events.Type{
		events.TypeErpOrderAccepted,
		events.TypeErpOrderRejected,
	}
}

func (ErpStatusProjector) Handle(ctx context.Context, ev events.Event, store *Store, workspaceID string) error {
	day := ev.Day()
	if err := store.UpsertStage(ctx, StageSample{
		WorkspaceID: workspaceID, Day: day, Stage: "ERP", IncrementCount: 1,
	}); err != nil {
		return err
	}
	if err := store.UpsertKPI(ctx, KPIDelta{
		WorkspaceID: workspaceID, Day: day, Metric: "awaiting_erp", DeltaInt: -1, FloorZeroInt: true,
	}); err != nil {
		return err
	}
	if ev.Type == events.TypeErpOrderRejected {
		return store.UpsertKPI(ctx, KPIDelta{
			WorkspaceID: workspaceID, Day: day, Metric: "erp_rejections", DeltaInt: 1,
		})
	}
	return nil
}
