package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Contract identity for the canonical purchase-order document.
const (
	PurchaseOrderSchemaName    = "erp.purchase_order"
	PurchaseOrderSchemaVersion = 1
	PushResultSchemaName       = "erp.push_result"
	PushResultSchemaVersion    = 1
)

// Line is one purchase-order line.
type Line struct {
	LineID       string  `json:"line_id"`
	ProductCode  string  `json:"product_code"`
	Description  string  `json:"description,omitempty"`
	Qty          float64 `json:"qty"`
	UnitPrice    float64 `json:"unit_price"`
	UOM          string  `json:"uom,omitempty"`
	CostCenter   string  `json:"cost_center,omitempty"`
	DeliveryDate string  `json:"delivery_date,omitempty"`
}

// Totals carries the document totals.
type Totals struct {
	GrossTotal float64 `json:"gross_total"`
	NetTotal   float64 `json:"net_total"`
}

// PurchaseOrder is the canonical document pushed to the ERP. The wire shape
// is versioned so that stored canonical payloads survive schema evolution.
type PurchaseOrder struct {
	SchemaName    string `json:"schema_name"`
	SchemaVersion int    `json:"schema_version"`
	WorkspaceID   string `json:"workspace_id"`
	ExternalRef   string `json:"external_ref"`
	SupplierCode  string `json:"supplier_code,omitempty"`
	SupplierName  string `json:"supplier_name,omitempty"`
	Currency      string `json:"currency"`
	PaymentTerms  string `json:"payment_terms,omitempty"`
	IssuedAt      string `json:"issued_at,omitempty"`
	Lines         []Line `json:"lines"`
	Totals        Totals `json:"totals"`
}

const purchaseOrderSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://openprocure.dev/schemas/erp.purchase_order.v1.json",
  "type": "object",
  "required": ["schema_name", "schema_version", "workspace_id", "external_ref", "currency", "lines", "totals"],
  "properties": {
    "schema_name": {"const": "erp.purchase_order"},
    "schema_version": {"const": 1},
    "workspace_id": {"type": "string", "minLength": 1},
    "external_ref": {"type": "string", "minLength": 1},
    "supplier_code": {"type": "string"},
    "supplier_name": {"type": "string"},
    "currency": {"type": "string", "minLength": 1},
    "payment_terms": {"type": "string"},
    "issued_at": {"type": "string"},
    "lines": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["line_id", "product_code", "qty", "unit_price"],
        "properties": {
          "line_id": {"type": "string", "minLength": 1},
          "product_code": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "qty": {"type": "number", "exclusiveMinimum": 0},
          "unit_price": {"type": "number", "minimum": 0},
          "uom": {"type": "string"},
          "cost_center": {"type": "string"},
          "delivery_date": {"type": "string"}
        }
      }
    },
    "totals": {
      "type": "object",
      "required": ["gross_total"],
      "properties": {
        "gross_total": {"type": "number"},
        "net_total": {"type": "number"}
      }
    }
  }
}`

var purchaseOrderSchema = jsonschema.MustCompileString(
	"erp.purchase_order.v1.json", purchaseOrderSchemaJSON)

// ContractError reports a document that failed contract validation. These
// errors are definitive: retrying the same document cannot help.
type ContractError struct {
	Reason string
}

func (e *ContractError) Error() string {
	return "erp_contract_invalid: " + e.Reason
}

// Validate checks the purchase order against the versioned contract. The
// structural schema runs on the JSON projection of the document, so the same
// rules apply whether the order was built in-process or rehydrated from a
// stored canonical payload.
func (po *PurchaseOrder) Validate() error {
	if po == nil {
		return &ContractError{Reason: "purchase order is nil"}
	}
	raw, err := json.Marshal(po)
	if err != nil {
		return &ContractError{Reason: fmt.Sprintf("not serializable: %v", err)}
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return &ContractError{Reason: fmt.Sprintf("not decodable: %v", err)}
	}
	if err := purchaseOrderSchema.Validate(doc); err != nil {
		return &ContractError{Reason: summarizeSchemaError(err)}
	}
	return nil
}

func summarizeSchemaError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		loc = "document"
	}
	return loc + ": " + leaf.Message
}

// ParsePurchaseOrder rehydrates a stored canonical document, checking the
// schema identity before decoding.
func ParsePurchaseOrder(raw map[string]any) (*PurchaseOrder, error) {
	name, _ := raw["schema_name"].(string)
	if name != PurchaseOrderSchemaName {
		return nil, &ContractError{Reason: fmt.Sprintf("unsupported schema %q", name)}
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, &ContractError{Reason: fmt.Sprintf("not serializable: %v", err)}
	}
	var po PurchaseOrder
	if err := json.Unmarshal(buf, &po); err != nil {
		return nil, &ContractError{Reason: fmt.Sprintf("malformed document: %v", err)}
	}
	if po.SchemaVersion != PurchaseOrderSchemaVersion {
		return nil, &ContractError{Reason: fmt.Sprintf("unsupported schema version %d", po.SchemaVersion)}
	}
	return &po, nil
}

// OrderRow is the minimal purchase-order projection the outbox reads before
// building a canonical document. Legacy rows predate structured line items,
// so the builder synthesizes a single line from the order header.
type OrderRow struct {
	ID           int64
	Number       string
	SupplierCode string
	SupplierName string
	TotalAmount  float64
	CreatedAt    string
	UpdatedAt    string
}

// BuildFromRow assembles a canonical purchase order from a stored row.
func BuildFromRow(workspaceID string, row OrderRow) *PurchaseOrder {
	externalRef := strings.TrimSpace(row.Number)
	if externalRef == "" {
		externalRef = fmt.Sprintf("%d", row.ID)
	}
	productCode := strings.TrimSpace(row.Number)
	if productCode == "" {
		productCode = externalRef
	}
	if productCode == "" {
		productCode = "item"
	}
	issuedAt := strings.TrimSpace(row.UpdatedAt)
	if issuedAt == "" {
		issuedAt = strings.TrimSpace(row.CreatedAt)
	}
	total := math.Max(0, row.TotalAmount)
	return &PurchaseOrder{
		SchemaName:    PurchaseOrderSchemaName,
		SchemaVersion: PurchaseOrderSchemaVersion,
		WorkspaceID:   workspaceID,
		ExternalRef:   externalRef,
		SupplierCode:  strings.TrimSpace(row.SupplierCode),
		SupplierName:  strings.TrimSpace(row.SupplierName),
		Currency:      "BRL",
		IssuedAt:      issuedAt,
		Lines: []Line{{
			LineID:      externalRef + ":1",
			ProductCode: productCode,
			Description: strings.TrimSpace(row.SupplierName),
			Qty:         1.0,
			UnitPrice:   total,
		}},
		Totals: Totals{GrossTotal: total, NetTotal: total},
	}
}

// Rejection codes carried on definitive push results.
const (
	RejectionValidation = "VALIDATION"
	RejectionSupplier   = "SUPPLIER"
	RejectionPrice      = "PRICE"
)

// NormalizeRejectionCode folds free-form ERP rejection details onto the small
// set of canonical codes. Unknown details default to VALIDATION.
func NormalizeRejectionCode(raw string) string {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	switch normalized {
	case RejectionValidation, RejectionSupplier, RejectionPrice:
		return normalized
	}
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "supplier"), strings.Contains(lower, "fornecedor"):
		return RejectionSupplier
	case strings.Contains(lower, "price"), strings.Contains(lower, "preco"), strings.Contains(lower, "preço"):
		return RejectionPrice
	default:
		return RejectionValidation
	}
}

// IsTemporaryFailureMessage reports whether an ERP message reads like an
// infrastructure failure rather than a verdict on the document.
func IsTemporaryFailureMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{
		"timeout", "temporar", "connection", "conexao", "unavailable",
		"indispon", "429", "502", "503", "504",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
