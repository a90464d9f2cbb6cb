// Package events implements the domain event bus with schema versioning for
// the procurement core.
//
// Events are tagged values, not Go subtypes: each carries a Type tag plus a
// generic payload, and consumers dispatch on declared tag sets. Payloads are
// validated against the schema registry on publish but validation failures are
// never fatal; the event is still stored and projected best-effort.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type tags a domain event.
type Type string

const (
	TypePurchaseRequestCreated Type = "PurchaseRequestCreated"
	TypeRfqCreated             Type = "RfqCreated"
	TypeRfqAwarded             Type = "RfqAwarded"
	TypePurchaseOrderCreated   Type = "PurchaseOrderCreated"
	TypeErpOrderAccepted       Type = "ErpOrderAccepted"
	TypeErpOrderRejected       Type = "ErpOrderRejected"
)

// Event is an immutable domain event. Construct with New (or the typed
// builders below) so that identity and workspace resolution are normalized.
type Event struct {
	EventID       string         `json:"event_id"`
	Type          Type           `json:"event_type"`
	OccurredAt    time.Time      `json:"occurred_at"`
	WorkspaceID   string         `json:"workspace_id"`
	SchemaName    string         `json:"schema_name"`
	SchemaVersion int            `json:"schema_version"`
	Payload       map[string]any `json:"payload"`
}

// New builds a normalized event: blank event id gets a fresh uuid, zero
// occurred-at gets the current UTC time, and the workspace id falls back to
// the payload's tenant_id, then to "unknown".
func New(t Type, workspaceID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	ws := strings.TrimSpace(workspaceID)
	if ws == "" {
		if tenant, ok := payload["tenant_id"].(string); ok {
			ws = strings.TrimSpace(tenant)
		}
	}
	if ws == "" {
		ws = "unknown"
	}
	return Event{
		EventID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:          t,
		OccurredAt:    time.Now().UTC(),
		WorkspaceID:   ws,
		SchemaName:    string(t),
		SchemaVersion: 1,
		Payload:       payload,
	}
}

// WithID returns a copy of the event with a specific id (used by replay).
func (e Event) WithID(id string) Event {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		e.EventID = trimmed
	}
	return e
}

// WithOccurredAt returns a copy of the event pinned to a specific time.
func (e Event) WithOccurredAt(at time.Time) Event {
	if !at.IsZero() {
		e.OccurredAt = at.UTC()
	}
	return e
}

// WithSchema returns a copy of the event stamped with an explicit schema.
func (e Event) WithSchema(name string, version int) Event {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		e.SchemaName = trimmed
	}
	if version >= 1 {
		e.SchemaVersion = version
	}
	return e
}

// Day returns the event's UTC calendar day in ISO format, the dimension key
// for all daily aggregates.
func (e Event) Day() string {
	return e.OccurredAt.UTC().Format("2006-01-02")
}

// PayloadString fetches a payload field as a trimmed string.
func (e Event) PayloadString(key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// PayloadInt fetches a payload field as an int64, tolerating JSON numbers.
func (e Event) PayloadInt(key string) int64 {
	switch v := e.Payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// NewPurchaseRequestCreated emits the lifecycle event for a new purchase
// request. The schema is at v2; v1 payloads carried items_count instead of
// items_created and are upcast on replay.
func NewPurchaseRequestCreated(tenantID string, purchaseRequestID int64, status string, itemsCreated int) Event {
	ev := New(TypePurchaseRequestCreated, tenantID, map[string]any{
		"tenant_id":           tenantID,
		"purchase_request_id": purchaseRequestID,
		"status":              status,
		"items_created":       itemsCreated,
	})
	return ev.WithSchema(string(TypePurchaseRequestCreated), 2)
}

func NewRfqCreated(tenantID string, rfqID int64, title string) Event {
	return New(TypeRfqCreated, tenantID, map[string]any{
		"tenant_id": tenantID,
		"rfq_id":    rfqID,
		"title":     title,
	})
}

func NewRfqAwarded(tenantID string, rfqID, awardID int64) Event {
	return New(TypeRfqAwarded, tenantID, map[string]any{
		"tenant_id": tenantID,
		"rfq_id":    rfqID,
		"award_id":  awardID,
	})
}

func NewPurchaseOrderCreated(tenantID string, purchaseOrderID int64, status, source, supplierKey string) Event {
	if strings.TrimSpace(source) == "" {
		source = "manual"
	}
	payload := map[string]any{
		"tenant_id":         tenantID,
		"purchase_order_id": purchaseOrderID,
		"status":            status,
		"source":            source,
	}
	if key := strings.TrimSpace(supplierKey); key != "" {
		payload["supplier_key"] = key
	}
	return New(TypePurchaseOrderCreated, tenantID, payload)
}

func NewErpOrderAccepted(tenantID string, purchaseOrderID int64, jobID, externalID string) Event {
	return New(TypeErpOrderAccepted, tenantID, map[string]any{
		"tenant_id":         tenantID,
		"purchase_order_id": purchaseOrderID,
		"sync_run_id":       jobID,
		"external_id":       externalID,
	})
}

func NewErpOrderRejected(tenantID string, purchaseOrderID int64, jobID, reason string) Event {
	return New(TypeErpOrderRejected, tenantID, map[string]any{
		"tenant_id":         tenantID,
		"purchase_order_id": purchaseOrderID,
		"sync_run_id":       jobID,
		"reason":            reason,
	})
}
