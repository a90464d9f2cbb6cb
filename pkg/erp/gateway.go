// Package erp defines the gateway contract between the outbox and the ERP
// system: the canonical purchase-order document, the push result, failure
// classification, and a deterministic simulator for tests and demos.
package erp

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Push result statuses.
const (
	StatusAccepted         = "accepted"
	StatusRejected         = "rejected"
	StatusTemporaryFailure = "temporary_failure"
)

// PushResult is the canonical outcome of a purchase-order push.
type PushResult struct {
	WorkspaceID    string `json:"workspace_id"`
	ExternalRef    string `json:"external_ref"`
	DocumentNumber string `json:"erp_document_number,omitempty"`
	Status         string `json:"status"`
	RejectionCode  string `json:"rejection_code,omitempty"`
	Message        string `json:"message,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

// GatewayError is a failed ERP interaction. Definitive errors must not be
// retried: the document was examined and refused.
type GatewayError struct {
	Code       string
	Message    string
	Definitive bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Record is one row fetched from the ERP during inbound sync.
type Record struct {
	ID        string
	Entity    string
	UpdatedAt string
	Fields    map[string]any
}

// Gateway is the outbound ERP port.
type Gateway interface {
	PushPurchaseOrder(ctx context.Context, po *PurchaseOrder) (*PushResult, error)
	FetchRecords(ctx context.Context, entity, sinceUpdatedAt, sinceID string, limit int) ([]Record, error)
}

// CoercePushResult maps a loose result document (as an HTTP gateway might
// return it) onto the canonical result. Unknown statuses coerce to accepted,
// matching the upstream behavior of trusting an ERP that answered without an
// error channel; a nil document is a temporary failure.
func CoercePushResult(raw map[string]any, workspaceID, externalRef string) PushResult {
	if raw == nil {
		return PushResult{
			WorkspaceID: workspaceID,
			ExternalRef: externalRef,
			Status:      StatusTemporaryFailure,
			Message:     "ERP temporarily unavailable",
			OccurredAt:  isoNow(),
		}
	}

	statusRaw := strings.ToLower(strings.TrimSpace(stringField(raw, "canonical_status")))
	if statusRaw == "" {
		statusRaw = strings.ToLower(strings.TrimSpace(stringField(raw, "status")))
	}
	var status string
	switch statusRaw {
	case "erp_accepted", "accepted", "ok", "success":
		status = StatusAccepted
	case "erp_error", "rejected", "reject", "failed":
		status = StatusRejected
	case "temporary_failure", "retry", "queued", "sent_to_erp":
		status = StatusTemporaryFailure
	default:
		status = StatusAccepted
	}

	doc := strings.TrimSpace(stringField(raw, "erp_document_number"))
	if doc == "" {
		doc = strings.TrimSpace(stringField(raw, "external_id"))
	}
	occurredAt := strings.TrimSpace(stringField(raw, "occurred_at"))
	if occurredAt == "" {
		occurredAt = isoNow()
	}
	return PushResult{
		WorkspaceID:    workspaceID,
		ExternalRef:    externalRef,
		DocumentNumber: doc,
		Status:         status,
		RejectionCode:  strings.TrimSpace(stringField(raw, "rejection_code")),
		Message:        strings.TrimSpace(stringField(raw, "message")),
		OccurredAt:     occurredAt,
	}
}

var httpCodePattern = regexp.MustCompile(`(?i)erp http\s+(\d{3})`)

// Failure classification codes.
const (
	CodeOrderRejected          = "erp_order_rejected"
	CodeTemporarilyUnavailable = "erp_temporarily_unavailable"
)

// Classify decides from an error detail string whether the failure is
// definitive. HTTP 4xx statuses are definitive except 408 (timeout) and 429
// (throttling); so are explicit rejection markers. Everything else is treated
// as transient and retried.
func Classify(details string) (code string, transient bool) {
	normalized := strings.ToLower(strings.TrimSpace(details))
	if m := httpCodePattern.FindStringSubmatch(normalized); m != nil {
		httpCode, _ := strconv.Atoi(m[1])
		if httpCode >= 400 && httpCode < 500 && httpCode != 408 && httpCode != 429 {
			return CodeOrderRejected, false
		}
	}
	for _, marker := range []string{"recusou", "rejeitou", "invalid", "invalido", "rejected"} {
		if strings.Contains(normalized, marker) {
			return CodeOrderRejected, false
		}
	}
	return CodeTemporarilyUnavailable, true
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

func isoNow() string {
	return time.Now().UTC().Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
