package erp

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Simulator is a deterministic in-process ERP: the outcome of a push depends
// only on the seed and the document, so replays and tests see stable results.
// Roughly 70% of well-formed documents are accepted, 20% fail transiently and
// 10% are rejected.
type Simulator struct {
	seed string
	now  func() time.Time
}

// SimulatorOption customizes a Simulator.
type SimulatorOption func(*Simulator)

// WithSimulatorClock injects a clock, for tests.
func WithSimulatorClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSimulator builds a simulator. An empty seed falls back to "42".
func NewSimulator(seed string, opts ...SimulatorOption) *Simulator {
	if strings.TrimSpace(seed) == "" {
		seed = "42"
	}
	s := &Simulator{seed: seed, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Gateway = (*Simulator)(nil)

// PushPurchaseOrder evaluates the document like a picky ERP would: structural
// problems are rejected outright, then the seeded hash decides the bucket.
func (s *Simulator) PushPurchaseOrder(ctx context.Context, po *PurchaseOrder) (*PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if po == nil {
		return nil, &GatewayError{Code: CodeOrderRejected, Message: "erp rejected: empty document", Definitive: true}
	}

	for _, line := range po.Lines {
		if line.Qty <= 0 {
			return s.result(po, StatusRejected, RejectionValidation,
				fmt.Sprintf("erp rejected: invalid qty on line %s", line.LineID)), nil
		}
	}
	if strings.TrimSpace(po.SupplierCode) == "" {
		return s.result(po, StatusRejected, RejectionSupplier,
			"erp rejected: supplier code missing"), nil
	}

	bucket := hashBucket(s.seed+":"+po.ExternalRef, 100)
	switch {
	case bucket < 70:
		res := s.result(po, StatusAccepted, "", "order accepted")
		res.DocumentNumber = fmt.Sprintf("SIM-OC-%06d", hashBucket("doc:"+s.seed+":"+po.ExternalRef, 1000000))
		return res, nil
	case bucket < 90:
		return nil, &GatewayError{
			Code:    CodeTemporarilyUnavailable,
			Message: "erp temporarily unavailable: connection reset",
		}
	default:
		code := rejectionForBucket(hashBucket("code:"+s.seed+":"+po.ExternalRef, 3))
		return s.result(po, StatusRejected, code, "erp rejected: "+strings.ToLower(code)+" check failed"), nil
	}
}

// FetchRecords returns a deterministic page of supplier master data. The
// simulator carries just enough for inbound-sync wiring to be exercised.
func (s *Simulator) FetchRecords(ctx context.Context, entity, sinceUpdatedAt, sinceID string, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if entity != "supplier" || limit <= 0 {
		return nil, nil
	}
	if limit > 10 {
		limit = 10
	}
	records := make([]Record, 0, limit)
	for i := 0; i < limit; i++ {
		id := fmt.Sprintf("SIM-SUP-%03d", hashBucket(fmt.Sprintf("sup:%s:%d", s.seed, i), 1000))
		if id <= sinceID {
			continue
		}
		records = append(records, Record{
			ID:        id,
			Entity:    entity,
			UpdatedAt: s.now().UTC().Format("2006-01-02T15:04:05Z"),
			Fields:    map[string]any{"name": "Simulated Supplier " + id},
		})
	}
	return records, nil
}

func (s *Simulator) result(po *PurchaseOrder, status, rejectionCode, message string) *PushResult {
	return &PushResult{
		WorkspaceID:   po.WorkspaceID,
		ExternalRef:   po.ExternalRef,
		Status:        status,
		RejectionCode: rejectionCode,
		Message:       message,
		OccurredAt:    s.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
}

func hashBucket(input string, mod uint64) uint64 {
	sum := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(sum[:8]) % mod
}

func rejectionForBucket(bucket uint64) string {
	switch bucket {
	case 0:
		return RejectionValidation
	case 1:
		return RejectionSupplier
	default:
		return RejectionPrice
	}
}
