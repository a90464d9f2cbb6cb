package erp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOrder() *PurchaseOrder {
	return &PurchaseOrder{
		SchemaName:    PurchaseOrderSchemaName,
		SchemaVersion: PurchaseOrderSchemaVersion,
		WorkspaceID:   "acme",
		ExternalRef:   "PO-0042",
		SupplierCode:  "SUP-1",
		SupplierName:  "Acme Supplies",
		Currency:      "BRL",
		IssuedAt:      "2025-06-01T10:00:00Z",
		Lines: []Line{{
			LineID:      "PO-0042:1",
			ProductCode: "PRD-9",
			Description: "Laptops",
			Qty:         3,
			UnitPrice:   1200.50,
		}},
		Totals: Totals{GrossTotal: 3601.50, NetTotal: 3601.50},
	}
}

func TestValidateAcceptsWellFormedOrder(t *testing.T) {
	require.NoError(t, validOrder().Validate())
}

func TestValidateRejectsStructuralProblems(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PurchaseOrder)
	}{
		{"no lines", func(po *PurchaseOrder) { po.Lines = nil }},
		{"blank line id", func(po *PurchaseOrder) { po.Lines[0].LineID = "" }},
		{"blank product code", func(po *PurchaseOrder) { po.Lines[0].ProductCode = "" }},
		{"zero qty", func(po *PurchaseOrder) { po.Lines[0].Qty = 0 }},
		{"negative unit price", func(po *PurchaseOrder) { po.Lines[0].UnitPrice = -1 }},
		{"blank workspace", func(po *PurchaseOrder) { po.WorkspaceID = "" }},
		{"wrong schema", func(po *PurchaseOrder) { po.SchemaName = "erp.invoice" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			po := validOrder()
			tc.mutate(po)
			err := po.Validate()
			require.Error(t, err)
			var ce *ContractError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestParsePurchaseOrderRoundTrip(t *testing.T) {
	po := validOrder()
	raw := map[string]any{
		"schema_name":    PurchaseOrderSchemaName,
		"schema_version": 1,
		"workspace_id":   po.WorkspaceID,
		"external_ref":   po.ExternalRef,
		"supplier_code":  po.SupplierCode,
		"currency":       "BRL",
		"lines": []any{map[string]any{
			"line_id": "PO-0042:1", "product_code": "PRD-9", "qty": 3.0, "unit_price": 1200.50,
		}},
		"totals": map[string]any{"gross_total": 3601.50},
	}
	parsed, err := ParsePurchaseOrder(raw)
	require.NoError(t, err)
	assert.Equal(t, "PO-0042", parsed.ExternalRef)
	require.NoError(t, parsed.Validate())

	_, err = ParsePurchaseOrder(map[string]any{"schema_name": "something.else"})
	require.Error(t, err)
}

func TestBuildFromRowSynthesizesSingleLine(t *testing.T) {
	po := BuildFromRow("acme", OrderRow{
		ID:           7,
		Number:       "OC-7",
		SupplierCode: "SUP-1",
		SupplierName: "Acme Supplies",
		TotalAmount:  199.90,
		UpdatedAt:    "2025-06-01T10:00:00Z",
	})
	require.NoError(t, po.Validate())
	assert.Equal(t, "OC-7", po.ExternalRef)
	assert.Equal(t, "BRL", po.Currency)
	require.Len(t, po.Lines, 1)
	assert.Equal(t, "OC-7:1", po.Lines[0].LineID)
	assert.Equal(t, 1.0, po.Lines[0].Qty)
	assert.Equal(t, 199.90, po.Lines[0].UnitPrice)
	assert.Equal(t, 199.90, po.Totals.GrossTotal)

	// Missing number falls back to the row id; negative totals clamp to zero.
	fallback := BuildFromRow("acme", OrderRow{ID: 12, SupplierCode: "SUP-2", TotalAmount: -5})
	require.NoError(t, fallback.Validate())
	assert.Equal(t, "12", fallback.ExternalRef)
	assert.Zero(t, fallback.Lines[0].UnitPrice)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		details   string
		code      string
		transient bool
	}{
		{"ERP HTTP 422: unprocessable", CodeOrderRejected, false},
		{"erp http 408 request timeout", CodeTemporarilyUnavailable, true},
		{"erp http 429 too many requests", CodeTemporarilyUnavailable, true},
		{"erp http 503 unavailable", CodeTemporarilyUnavailable, true},
		{"o ERP recusou o pedido", CodeOrderRejected, false},
		{"documento invalido", CodeOrderRejected, false},
		{"order was rejected by reviewer", CodeOrderRejected, false},
		{"connection reset by peer", CodeTemporarilyUnavailable, true},
		{"", CodeTemporarilyUnavailable, true},
	}
	for _, tc := range cases {
		code, transient := Classify(tc.details)
		assert.Equal(t, tc.code, code, tc.details)
		assert.Equal(t, tc.transient, transient, tc.details)
	}
}

func TestNormalizeRejectionCode(t *testing.T) {
	assert.Equal(t, RejectionSupplier, NormalizeRejectionCode("SUPPLIER"))
	assert.Equal(t, RejectionSupplier, NormalizeRejectionCode("fornecedor bloqueado"))
	assert.Equal(t, RejectionPrice, NormalizeRejectionCode("price out of tolerance"))
	assert.Equal(t, RejectionValidation, NormalizeRejectionCode("whatever else"))
}

func TestCoercePushResult(t *testing.T) {
	res := CoercePushResult(map[string]any{
		"schema_name":         PushResultSchemaName,
		"status":              "erp_accepted",
		"erp_document_number": "OC-99",
	}, "acme", "PO-1")
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, "OC-99", res.DocumentNumber)
	assert.Equal(t, "acme", res.WorkspaceID)
	assert.NotEmpty(t, res.OccurredAt)

	res = CoercePushResult(map[string]any{"status": "sent_to_erp"}, "acme", "PO-1")
	assert.Equal(t, StatusTemporaryFailure, res.Status)

	res = CoercePushResult(map[string]any{"status": "reject", "rejection_code": "PRICE"}, "acme", "PO-1")
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, "PRICE", res.RejectionCode)

	// An ERP that answered without a recognizable status is trusted.
	res = CoercePushResult(map[string]any{"status": "weird"}, "acme", "PO-1")
	assert.Equal(t, StatusAccepted, res.Status)

	res = CoercePushResult(nil, "acme", "PO-1")
	assert.Equal(t, StatusTemporaryFailure, res.Status)
}

func TestSimulatorRejectsStructuralProblemsFirst(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("42")

	po := validOrder()
	po.Lines[0].Qty = 0
	res, err := sim.PushPurchaseOrder(ctx, po)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, RejectionValidation, res.RejectionCode)

	po = validOrder()
	po.SupplierCode = "  "
	res, err = sim.PushPurchaseOrder(ctx, po)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, RejectionSupplier, res.RejectionCode)
}

func TestSimulatorIsDeterministic(t *testing.T) {
	ctx := context.Background()
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	sim := NewSimulator("42", WithSimulatorClock(clock))

	po := validOrder()
	first, firstErr := sim.PushPurchaseOrder(ctx, po)
	second, secondErr := sim.PushPurchaseOrder(ctx, po)
	assert.Equal(t, first, second)
	assert.Equal(t, firstErr, secondErr)
}

func TestSimulatorBucketsCoverAllOutcomes(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulator("42")

	var accepted, transient, rejected int
	for i := 0; i < 200; i++ {
		po := validOrder()
		po.ExternalRef = fmt.Sprintf("PO-%04d", i)
		res, err := sim.PushPurchaseOrder(ctx, po)
		if err != nil {
			var ge *GatewayError
			require.ErrorAs(t, err, &ge)
			assert.False(t, ge.Definitive)
			transient++
			continue
		}
		switch res.Status {
		case StatusAccepted:
			assert.Contains(t, res.DocumentNumber, "SIM-OC-")
			accepted++
		case StatusRejected:
			assert.Contains(t, []string{RejectionValidation, RejectionSupplier, RejectionPrice}, res.RejectionCode)
			rejected++
		}
	}
	assert.Positive(t, accepted)
	assert.Positive(t, transient)
	assert.Positive(t, rejected)
	assert.Greater(t, accepted, transient+rejected)
}
