package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openprocure/core/pkg/breaker"
	"github.com/openprocure/core/pkg/erp"
	"github.com/openprocure/core/pkg/events"
	"github.com/openprocure/core/pkg/observability"
)

// AdmitDecision is the governance verdict for one outbox job.
type AdmitDecision struct {
	Allowed    bool
	Reason     string // "concurrency" or "backlog" when denied
	RetryAfter time.Duration
}

// Admission gates how much ERP work a workspace may have in flight. The
// outbox holds an admission slot for the duration of one push.
type Admission interface {
	TryAdmit(workspaceID string, backlog int) AdmitDecision
	Release(workspaceID string)
}

// Publisher fans processed outcomes back onto the domain event bus.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Options tune retry behavior. Zero values fall back to production defaults.
type Options struct {
	MaxAttempts            int
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	BackoffJitterRatio     float64
	GovernanceRetryAfter   time.Duration
	DeadLetterOnGovOverrun bool
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 600 * time.Second
	}
	if o.BackoffJitterRatio < 0 {
		o.BackoffJitterRatio = 0
	}
	if o.BackoffJitterRatio == 0 {
		o.BackoffJitterRatio = 0.25
	}
	if o.BackoffJitterRatio > 1 {
		o.BackoffJitterRatio = 1
	}
	if o.GovernanceRetryAfter <= 0 {
		o.GovernanceRetryAfter = 30 * time.Second
	}
	return o
}

// Service owns the push pipeline: enqueue, process, retry, dead-letter.
type Service struct {
	store     *Store
	gateway   erp.Gateway
	circuit   *breaker.Breaker
	admission Admission
	publisher Publisher
	opts      Options
	logger    *slog.Logger
	metrics   *observability.Metrics

	now       func() time.Time
	randFloat func() float64
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithAdmission installs governance admission in front of the gateway.
func WithAdmission(a Admission) ServiceOption {
	return func(s *Service) { s.admission = a }
}

// WithPublisher fans accepted/rejected outcomes back onto the event bus.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithBreaker shares a circuit breaker with other ERP callers.
func WithBreaker(b *breaker.Breaker) ServiceOption {
	return func(s *Service) {
		if b != nil {
			s.circuit = b
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "erp_outbox")
		}
	}
}

// WithMetrics attaches outbox counters.
func WithMetrics(m *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithJitterSource injects the backoff jitter source, for tests.
func WithJitterSource(randFloat func() float64) ServiceOption {
	return func(s *Service) {
		if randFloat != nil {
			s.randFloat = randFloat
		}
	}
}

// NewService wires the push pipeline together.
func NewService(store *Store, gateway erp.Gateway, opts Options, sopts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		gateway:   gateway,
		circuit:   breaker.New(breaker.DefaultOptions()),
		opts:      opts.withDefaults(),
		logger:    slog.Default().With("component", "erp_outbox"),
		now:       time.Now,
		randFloat: rand.Float64,
	}
	for _, opt := range sopts {
		opt(s)
	}
	return s
}

// ErrPurchaseOrderNotFound is returned by Enqueue for an unknown order.
var ErrPurchaseOrderNotFound = errors.New("purchase order not found")

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	JobID          string
	AlreadyQueued  bool
	PreviousStatus string
}

// Enqueue queues one order for pushing. The dedupe key keeps at most one
// active job per order; re-enqueueing while a job is pending returns that
// job instead of a new one. The order transitions to sent_to_erp immediately
// so the UI reflects intent before the worker runs.
func (s *Service) Enqueue(ctx context.Context, workspaceID string, purchaseOrderID int64, requestID string) (EnqueueResult, error) {
	po, err := s.store.GetPurchaseOrder(ctx, workspaceID, purchaseOrderID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if po == nil {
		return EnqueueResult{}, fmt.Errorf("%w: %d", ErrPurchaseOrderNotFound, purchaseOrderID)
	}

	dedupeKey := fmt.Sprintf("po_push:%s:%d", workspaceID, purchaseOrderID)
	if existing, err := s.store.FindActiveJob(ctx, dedupeKey); err != nil {
		return EnqueueResult{}, err
	} else if existing != nil {
		return EnqueueResult{JobID: existing.ID, AlreadyQueued: true, PreviousStatus: po.Status}, nil
	}

	canonical := erp.BuildFromRow(workspaceID, erp.OrderRow{
		ID:           po.ID,
		Number:       po.Number,
		SupplierCode: po.SupplierCode,
		SupplierName: po.SupplierName,
		TotalAmount:  po.TotalAmount,
		CreatedAt:    po.CreatedAt,
		UpdatedAt:    po.UpdatedAt,
	})
	canonicalJSON, err := marshalCanonical(canonical)
	if err != nil {
		return EnqueueResult{}, err
	}

	job := Job{
		ID:              strings.ReplaceAll(uuid.NewString(), "-", ""),
		WorkspaceID:     workspaceID,
		DedupeKey:       dedupeKey,
		PurchaseOrderID: purchaseOrderID,
		RequestID:       requestID,
		CanonicalPO:     canonicalJSON,
	}
	if err := s.store.InsertJob(ctx, job); err != nil {
		// Lost a race with a concurrent enqueue on the partial unique index.
		if existing, findErr := s.store.FindActiveJob(ctx, dedupeKey); findErr == nil && existing != nil {
			return EnqueueResult{JobID: existing.ID, AlreadyQueued: true, PreviousStatus: po.Status}, nil
		}
		return EnqueueResult{}, err
	}

	reason := "po_push_queued"
	if po.Status == POStatusErpError {
		reason = "po_push_retry_queued"
	}
	if err := s.store.SetPurchaseOrderStatus(ctx, workspaceID, purchaseOrderID, POStatusSentToErp, "", ""); err != nil {
		return EnqueueResult{}, err
	}
	if err := s.store.AppendStatusEvent(ctx, workspaceID, purchaseOrderID, reason, "job "+job.ID); err != nil {
		return EnqueueResult{}, err
	}
	s.logger.Info("enqueued po push",
		"workspace_id", workspaceID, "purchase_order_id", purchaseOrderID, "job_id", job.ID)
	return EnqueueResult{JobID: job.ID, PreviousStatus: po.Status}, nil
}

// Summary counts what one processing pass did.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
	Requeued  int
	Deferred  int
}

// ProcessPass drains due jobs for a workspace (or all workspaces when
// workspaceID is empty). Per-job failures never abort the pass.
func (s *Service) ProcessPass(ctx context.Context, workspaceID string, limit int) (Summary, error) {
	jobs, err := s.store.DueJobs(ctx, workspaceID, s.now(), limit)
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		s.processJob(ctx, job, &summary)
	}
	return summary, nil
}

func (s *Service) processJob(ctx context.Context, job Job, summary *Summary) {
	logger := s.logger.With("job_id", job.ID,
		"workspace_id", job.WorkspaceID, "purchase_order_id", job.PurchaseOrderID)

	// Governance runs before the attempt is charged: a deferred job is the
	// platform's fault, not the document's.
	if s.admission != nil {
		backlog, err := s.store.Backlog(ctx, job.WorkspaceID)
		if err != nil {
			logger.Error("backlog lookup failed", "error", err)
			return
		}
		decision := s.admission.TryAdmit(job.WorkspaceID, backlog)
		if !decision.Allowed {
			s.metrics.OutboxDeferred(ctx, decision.Reason)
			if decision.Reason == "backlog" && s.opts.DeadLetterOnGovOverrun {
				s.deadLetter(ctx, job, "governance_overflow",
					"workspace backlog exceeded the governance limit")
				summary.Failed++
				return
			}
			retryAfter := decision.RetryAfter
			if retryAfter <= 0 {
				retryAfter = s.opts.GovernanceRetryAfter
			}
			if err := s.store.DelayJob(ctx, job.ID, s.now().Add(retryAfter), "governance_"+decision.Reason); err != nil {
				logger.Error("governance delay failed", "error", err)
			}
			summary.Deferred++
			summary.Requeued++
			return
		}
		defer s.admission.Release(job.WorkspaceID)
	}

	if ok, state := s.circuit.BeforeCall(); !ok {
		// No attempt is charged while the circuit is open, but the delay
		// still grows with the attempts already spent.
		delay := s.backoff(job.Attempt + 1)
		if err := s.store.DelayJob(ctx, job.ID, s.now().Add(delay), "erp_circuit_open"); err != nil {
			logger.Error("circuit delay failed", "error", err)
		}
		logger.Warn("erp circuit open, job delayed", "state", state, "delay", delay)
		s.metrics.OutboxDeferred(ctx, "erp_circuit_open")
		summary.Requeued++
		return
	}

	claimed, err := s.store.ClaimJob(ctx, job.ID)
	if err != nil {
		logger.Error("claim failed", "error", err)
		return
	}
	if !claimed {
		return
	}
	job.Attempt++
	summary.Processed++
	start := s.now()
	defer func() { s.metrics.OutboxProcessing(ctx, s.now().Sub(start)) }()

	po, err := s.store.GetPurchaseOrder(ctx, job.WorkspaceID, job.PurchaseOrderID)
	if err != nil {
		logger.Error("purchase order lookup failed", "error", err)
		s.requeue(ctx, job, "storage_error", err.Error())
		summary.Requeued++
		return
	}
	if po == nil {
		s.finishFailed(ctx, job, "purchase_order_not_found", "", "")
		summary.Failed++
		return
	}
	if po.Status == POStatusErpAccepted {
		// A previous attempt landed but the job row survived a crash.
		if err := s.store.FinishJob(ctx, job.ID, JobSucceeded, "", "", ""); err != nil {
			logger.Error("finish failed", "error", err)
		}
		summary.Succeeded++
		return
	}

	canonical, err := s.parseCanonical(job)
	if err == nil {
		err = canonical.Validate()
	}
	if err != nil {
		if setErr := s.store.SetPurchaseOrderStatus(ctx, job.WorkspaceID, job.PurchaseOrderID,
			POStatusErpError, "", err.Error()); setErr != nil {
			logger.Error("status update failed", "error", setErr)
		}
		s.deadLetter(ctx, job, "erp_contract_invalid", err.Error())
		summary.Failed++
		return
	}

	stage := "po_push_started"
	if job.Attempt > 1 {
		stage = "po_push_retry_started"
	}
	if err := s.store.AppendStatusEvent(ctx, job.WorkspaceID, job.PurchaseOrderID, stage,
		fmt.Sprintf("attempt %d", job.Attempt)); err != nil {
		logger.Error("status event failed", "error", err)
	}

	result, pushErr := s.gateway.PushPurchaseOrder(ctx, canonical)
	if pushErr == nil && result != nil && result.Status == erp.StatusRejected {
		pushErr = &erp.GatewayError{
			Code:       erp.NormalizeRejectionCode(result.RejectionCode),
			Message:    orDefault(result.Message, "erp rejected the order"),
			Definitive: true,
		}
	}
	if pushErr == nil && (result == nil || result.Status == erp.StatusTemporaryFailure) {
		msg := "ERP temporarily unavailable"
		if result != nil {
			msg = orDefault(result.Message, msg)
		}
		pushErr = &erp.GatewayError{Code: erp.CodeTemporarilyUnavailable, Message: msg}
	}

	if pushErr != nil {
		s.handleFailure(ctx, job, pushErr, summary)
		return
	}

	s.circuit.RecordSuccess()
	if err := s.store.SetPurchaseOrderStatus(ctx, job.WorkspaceID, job.PurchaseOrderID,
		POStatusErpAccepted, result.DocumentNumber, ""); err != nil {
		logger.Error("status update failed", "error", err)
	}
	if err := s.store.UpsertWatermark(ctx, job.WorkspaceID, "senior", "purchase_order",
		result.OccurredAt, result.DocumentNumber); err != nil {
		logger.Error("watermark update failed", "error", err)
	}
	if err := s.store.FinishJob(ctx, job.ID, JobSucceeded, "", "", ""); err != nil {
		logger.Error("finish failed", "error", err)
	}
	s.publish(ctx, events.NewErpOrderAccepted(job.WorkspaceID, job.PurchaseOrderID, job.ID, result.DocumentNumber))
	logger.Info("po push accepted", "erp_document_number", result.DocumentNumber, "attempt", job.Attempt)
	summary.Succeeded++
}

func (s *Service) handleFailure(ctx context.Context, job Job, pushErr error, summary *Summary) {
	logger := s.logger.With("job_id", job.ID,
		"workspace_id", job.WorkspaceID, "purchase_order_id", job.PurchaseOrderID)
	s.circuit.RecordFailure()

	var gwErr *erp.GatewayError
	definitive := false
	code := erp.CodeTemporarilyUnavailable
	details := pushErr.Error()
	if errors.As(pushErr, &gwErr) {
		definitive = gwErr.Definitive
		code = orDefault(gwErr.Code, code)
	} else {
		var transient bool
		code, transient = erp.Classify(details)
		definitive = !transient
	}

	if err := s.store.SetPurchaseOrderStatus(ctx, job.WorkspaceID, job.PurchaseOrderID,
		POStatusErpError, "", details); err != nil {
		logger.Error("status update failed", "error", err)
	}
	stage := "po_push_failed"
	if definitive {
		stage = "po_push_rejected"
	}
	if err := s.store.AppendStatusEvent(ctx, job.WorkspaceID, job.PurchaseOrderID, stage,
		truncate(details, 200)); err != nil {
		logger.Error("status event failed", "error", err)
	}
	if definitive {
		s.publish(ctx, events.NewErpOrderRejected(job.WorkspaceID, job.PurchaseOrderID, job.ID, code))
	}

	if definitive || job.Attempt >= s.opts.MaxAttempts {
		reason := code
		if !definitive {
			reason = "max_attempts_exhausted"
		}
		s.finishFailed(ctx, job, code, details, reason)
		summary.Failed++
		logger.Warn("po push dead-lettered", "code", code, "attempt", job.Attempt, "definitive", definitive)
		return
	}

	s.requeue(ctx, job, code, details)
	summary.Requeued++
	logger.Warn("po push requeued", "code", code, "attempt", job.Attempt)
}

func (s *Service) requeue(ctx context.Context, job Job, summary, details string) {
	delay := s.backoff(job.Attempt)
	if err := s.store.RequeueJob(ctx, job.ID, s.now().Add(delay), summary, details); err != nil {
		s.logger.Error("requeue failed", "job_id", job.ID, "error", err)
		return
	}
	s.metrics.OutboxRetry(ctx)
}

func (s *Service) finishFailed(ctx context.Context, job Job, code, details, deadLetterReason string) {
	if err := s.store.FinishJob(ctx, job.ID, JobFailed, code, details, deadLetterReason); err != nil {
		s.logger.Error("finish failed", "job_id", job.ID, "error", err)
		return
	}
	if deadLetterReason != "" {
		s.metrics.OutboxDeadLetter(ctx)
	}
}

func (s *Service) deadLetter(ctx context.Context, job Job, reason, details string) {
	if err := s.store.FinishJob(ctx, job.ID, JobFailed, reason, details, reason); err != nil {
		s.logger.Error("dead-letter failed", "job_id", job.ID, "error", err)
		return
	}
	s.metrics.OutboxDeadLetter(ctx)
}

func (s *Service) parseCanonical(job Job) (*erp.PurchaseOrder, error) {
	raw := strings.TrimSpace(job.CanonicalPO)
	if raw == "" {
		return nil, &erp.ContractError{Reason: "canonical document missing"}
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &erp.ContractError{Reason: "canonical document unreadable: " + err.Error()}
	}
	return erp.ParsePurchaseOrder(doc)
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error("outcome publish failed", "event_type", ev.Type, "error", err)
	}
}

// backoff grows exponentially with the attempt number and carries symmetric
// jitter so retrying workers spread out. The floor is one second.
func (s *Service) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.opts.BackoffBase.Seconds()
	raw := base * math.Pow(2, float64(attempt-1))
	if max := s.opts.BackoffMax.Seconds(); raw > max {
		raw = max
	}
	jitterWidth := raw * s.opts.BackoffJitterRatio
	jitter := (s.randFloat()*2 - 1) * jitterWidth
	seconds := raw + jitter
	if ceil := s.opts.BackoffMax.Seconds(); seconds > ceil {
		seconds = ceil
	}
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds * float64(time.Second))
}
