package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openprocure/core/pkg/breaker"
	"github.com/openprocure/core/pkg/database"
	"github.com/openprocure/core/pkg/erp"
	"github.com/openprocure/core/pkg/events"
)

type pushOutcome struct {
	res *erp.PushResult
	err error
}

type fakeGateway struct {
	outcomes []pushOutcome
	calls    int
}

func (g *fakeGateway) PushPurchaseOrder(_ context.Context, po *erp.PurchaseOrder) (*erp.PushResult, error) {
	idx := g.calls
	if idx >= len(g.outcomes) {
		idx = len(g.outcomes) - 1
	}
	g.calls++
	out := g.outcomes[idx]
	if out.res != nil {
		res := *out.res
		res.WorkspaceID = po.WorkspaceID
		res.ExternalRef = po.ExternalRef
		return &res, out.err
	}
	return nil, out.err
}

func (g *fakeGateway) FetchRecords(context.Context, string, string, string, int) ([]erp.Record, error) {
	return nil, nil
}

type capturingPublisher struct {
	published []events.Event
}

func (p *capturingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.published = append(p.published, ev)
	return nil
}

type fakeAdmission struct {
	decision AdmitDecision
	admits   int
	releases int
}

func (a *fakeAdmission) TryAdmit(string, int) AdmitDecision {
	a.admits++
	return a.decision
}

func (a *fakeAdmission) Release(string) { a.releases++ }

type fixture struct {
	store     *Store
	gateway   *fakeGateway
	publisher *capturingPublisher
	circuit   *breaker.Breaker
	service   *Service
	clock     *fakeClock
	poID      int64
}

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) now() time.Time          { return c.at }
func (c *fakeClock) advance(d time.Duration) { c.at = c.at.Add(d) }

func newFixture(t *testing.T, gateway *fakeGateway, extra ...ServiceOption) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := NewStore(db)
	store.now = clock.now
	require.NoError(t, store.Migrate(ctx))

	poID, err := store.InsertPurchaseOrder(ctx, PurchaseOrder{
		WorkspaceID:  "acme",
		Number:       "OC-100",
		Status:       POStatusDraft,
		SupplierCode: "SUP-1",
		SupplierName: "Acme Supplies",
		TotalAmount:  500,
	})
	require.NoError(t, err)

	publisher := &capturingPublisher{}
	circuit := breaker.New(breaker.DefaultOptions())
	opts := append([]ServiceOption{
		WithClock(clock.now),
		WithPublisher(publisher),
		WithBreaker(circuit),
		WithJitterSource(func() float64 { return 0.5 }), // jitter = 0
	}, extra...)
	service := NewService(store, gateway, Options{}, opts...)
	return &fixture{
		store: store, gateway: gateway, publisher: publisher,
		circuit: circuit, service: service, clock: clock, poID: poID,
	}
}

func acceptedOutcome(doc string) pushOutcome {
	return pushOutcome{res: &erp.PushResult{
		Status:         erp.StatusAccepted,
		DocumentNumber: doc,
		OccurredAt:     "2025-06-01T12:00:00Z",
	}}
}

func TestEnqueueDeduplicatesActiveJobs(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	first, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)
	assert.False(t, first.AlreadyQueued)

	second, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-2")
	require.NoError(t, err)
	assert.True(t, second.AlreadyQueued)
	assert.Equal(t, first.JobID, second.JobID)

	po, err := fx.store.GetPurchaseOrder(ctx, "acme", fx.poID)
	require.NoError(t, err)
	assert.Equal(t, POStatusSentToErp, po.Status)
}

func TestEnqueueUnknownOrderFails(t *testing.T) {
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})
	_, err := fx.service.Enqueue(context.Background(), "acme", 9999, "req-1")
	require.ErrorIs(t, err, ErrPurchaseOrderNotFound)
}

func TestProcessPassAcceptedOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("SIM-OC-000042")}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 1}, summary)

	po, err := fx.store.GetPurchaseOrder(ctx, "acme", fx.poID)
	require.NoError(t, err)
	assert.Equal(t, POStatusErpAccepted, po.Status)
	assert.Equal(t, "SIM-OC-000042", po.ErpExternal)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)
	assert.Equal(t, 1, job.Attempt)

	_, lastID, err := fx.store.Watermark(ctx, "acme", "senior", "purchase_order")
	require.NoError(t, err)
	assert.Equal(t, "SIM-OC-000042", lastID)

	require.Len(t, fx.publisher.published, 1)
	assert.Equal(t, events.TypeErpOrderAccepted, fx.publisher.published[0].Type)
}

func TestTransientFailureRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{
		{err: &erp.GatewayError{Code: erp.CodeTemporarilyUnavailable, Message: "erp http 503"}},
	}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Requeued: 1}, summary)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, erp.CodeTemporarilyUnavailable, job.ErrorSummary)

	// With zeroed jitter the first retry lands exactly 30s out.
	next, err := database.ParseTime(job.NextAttemptAt)
	require.NoError(t, err)
	assert.Equal(t, fx.clock.at.Add(30*time.Second), next)

	po, err := fx.store.GetPurchaseOrder(ctx, "acme", fx.poID)
	require.NoError(t, err)
	assert.Equal(t, POStatusErpError, po.Status)

	// Not due yet.
	summary, err = fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, summary)

	// Due after the backoff elapses.
	fx.clock.advance(31 * time.Second)
	fx.gateway.outcomes = []pushOutcome{acceptedOutcome("OC-2")}
	fx.gateway.calls = 0
	summary, err = fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 1}, summary)
}

func TestDefinitiveRejectionDeadLetters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{
		{res: &erp.PushResult{Status: erp.StatusRejected, RejectionCode: "PRICE", Message: "price out of tolerance"}},
	}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Failed: 1}, summary)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "PRICE", job.DeadLetterReason)

	po, err := fx.store.GetPurchaseOrder(ctx, "acme", fx.poID)
	require.NoError(t, err)
	assert.Equal(t, POStatusErpError, po.Status)
	assert.Contains(t, po.ErpLastError, "price out of tolerance")

	require.Len(t, fx.publisher.published, 1)
	assert.Equal(t, events.TypeErpOrderRejected, fx.publisher.published[0].Type)

	letters, err := fx.store.DeadLetters(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, res.JobID, letters[0].ID)
}

func TestMaxAttemptsExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{
		{err: &erp.GatewayError{Code: erp.CodeTemporarilyUnavailable, Message: "connection refused"}},
	}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	for attempt := 1; attempt <= 4; attempt++ {
		summary, err := fx.service.ProcessPass(ctx, "acme", 10)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Processed, "attempt %d", attempt)
		fx.clock.advance(700 * time.Second)
		// Keep the breaker out of the way: the test is about attempts.
		fx.circuit.Configure(breaker.Options{Enabled: false})
	}

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, 4, job.Attempt)
	assert.Equal(t, "max_attempts_exhausted", job.DeadLetterReason)
}

func TestOpenCircuitDefersWithoutChargingAttempt(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		fx.circuit.RecordFailure()
	}
	require.Equal(t, breaker.StateOpen, fx.circuit.Snapshot().State)

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Requeued: 1}, summary)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Zero(t, job.Attempt)
	assert.Equal(t, "erp_circuit_open", job.ErrorSummary)
	assert.Zero(t, fx.gateway.calls)
}

func TestGovernanceDenialDefers(t *testing.T) {
	ctx := context.Background()
	admission := &fakeAdmission{decision: AdmitDecision{
		Allowed: false, Reason: "concurrency", RetryAfter: 45 * time.Second,
	}}
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}},
		WithAdmission(admission))

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Deferred: 1, Requeued: 1}, summary)
	assert.Equal(t, 1, admission.admits)
	assert.Zero(t, admission.releases, "a denied job holds no slot")

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Zero(t, job.Attempt)
	next, err := database.ParseTime(job.NextAttemptAt)
	require.NoError(t, err)
	assert.Equal(t, fx.clock.at.Add(45*time.Second), next)
}

func TestGovernanceOverflowDeadLettersWhenConfigured(t *testing.T) {
	ctx := context.Background()
	admission := &fakeAdmission{decision: AdmitDecision{Allowed: false, Reason: "backlog"}}
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}},
		WithAdmission(admission))
	fx.service.opts.DeadLetterOnGovOverrun = true

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 1}, summary)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.Equal(t, "governance_overflow", job.DeadLetterReason)
}

func TestAdmittedJobReleasesSlot(t *testing.T) {
	ctx := context.Background()
	admission := &fakeAdmission{decision: AdmitDecision{Allowed: true}}
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}},
		WithAdmission(admission))

	_, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)
	_, err = fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, admission.admits)
	assert.Equal(t, 1, admission.releases)
}

func TestInvalidCanonicalDocumentDeadLetters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	job := Job{
		ID:              "job-corrupt",
		WorkspaceID:     "acme",
		DedupeKey:       "po_push:acme:corrupt",
		PurchaseOrderID: fx.poID,
		CanonicalPO:     `{"schema_name": "erp.purchase_order", "schema_version": 1, "workspace_id": "acme", "external_ref": "OC-100", "currency": "BRL", "lines": [], "totals": {"gross_total": 0}}`,
	}
	require.NoError(t, fx.store.InsertJob(ctx, job))

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Failed: 1}, summary)

	got, err := fx.store.GetJob(ctx, "job-corrupt")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "erp_contract_invalid", got.DeadLetterReason)
	assert.Zero(t, fx.gateway.calls, "invalid documents never reach the gateway")

	po, err := fx.store.GetPurchaseOrder(ctx, "acme", fx.poID)
	require.NoError(t, err)
	assert.Equal(t, POStatusErpError, po.Status)
}

func TestAlreadyAcceptedOrderShortCircuits(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)
	require.NoError(t, fx.store.SetPurchaseOrderStatus(ctx, "acme", fx.poID, POStatusErpAccepted, "OC-OLD", ""))

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 1}, summary)
	assert.Zero(t, fx.gateway.calls)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, job.Status)
}

func TestMissingOrderFailsJob(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	job := Job{
		ID:              "job-orphan",
		WorkspaceID:     "acme",
		DedupeKey:       "po_push:acme:404",
		PurchaseOrderID: 404,
		CanonicalPO:     "{}",
	}
	require.NoError(t, fx.store.InsertJob(ctx, job))

	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Failed: 1}, summary)

	got, err := fx.store.GetJob(ctx, "job-orphan")
	require.NoError(t, err)
	assert.Equal(t, JobFailed, got.Status)
	assert.Equal(t, "purchase_order_not_found", got.ErrorSummary)
}

func TestReclaimStaleRefundsAttempt(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	claimed, err := fx.store.ClaimJob(ctx, res.JobID)
	require.NoError(t, err)
	require.True(t, claimed)

	reclaimed, err := fx.store.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reclaimed)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	assert.Zero(t, job.Attempt)
	assert.Equal(t, "stale_running_reclaimed", job.ErrorSummary)
}

func TestBackoffCurve(t *testing.T) {
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}})

	assert.Equal(t, 30*time.Second, fx.service.backoff(1))
	assert.Equal(t, 60*time.Second, fx.service.backoff(2))
	assert.Equal(t, 120*time.Second, fx.service.backoff(3))
	assert.Equal(t, 240*time.Second, fx.service.backoff(4))
	assert.Equal(t, 480*time.Second, fx.service.backoff(5))
	// Capped at the ceiling from attempt 6 on.
	assert.Equal(t, 600*time.Second, fx.service.backoff(6))
	assert.Equal(t, 600*time.Second, fx.service.backoff(12))
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	lowFx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}},
		WithJitterSource(func() float64 { return 0 })) // full negative jitter
	highFx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{acceptedOutcome("OC-1")}},
		WithJitterSource(func() float64 { return 1 })) // full positive jitter

	assert.Equal(t, time.Duration(22.5*float64(time.Second)), lowFx.service.backoff(1))
	assert.Equal(t, time.Duration(37.5*float64(time.Second)), highFx.service.backoff(1))

	// Positive jitter never pushes past the ceiling.
	assert.Equal(t, 600*time.Second, highFx.service.backoff(12))
	// Negative jitter never drops below the floor.
	tiny := NewService(lowFx.store, lowFx.gateway, Options{BackoffBase: time.Second, BackoffJitterRatio: 1},
		WithJitterSource(func() float64 { return 0 }))
	assert.Equal(t, time.Second, tiny.backoff(1))
}

func TestTransientErrorStringIsClassified(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeGateway{outcomes: []pushOutcome{
		{err: errors.New("erp http 422: campo invalido")},
	}})

	res, err := fx.service.Enqueue(ctx, "acme", fx.poID, "req-1")
	require.NoError(t, err)

	// A plain error carrying a definitive HTTP status still dead-letters.
	summary, err := fx.service.ProcessPass(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Failed: 1}, summary)

	job, err := fx.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, erp.CodeOrderRejected, job.ErrorSummary)
}
