// Package outbox drives the ERP sync: purchase orders are pushed through a
// durable job queue with retries, backoff, a circuit breaker, and governance
// admission in front of the gateway.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/database"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Purchase-order ERP sync statuses.
const (
	POStatusDraft       = "draft"
	POStatusSentToErp   = "sent_to_erp"
	POStatusErpAccepted = "erp_accepted"
	POStatusErpError    = "erp_error"
)

const migrateSQL = `
CREATE TABLE IF NOT EXISTS purchase_orders (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace_id    TEXT NOT NULL,
    number          TEXT,
    status          TEXT NOT NULL DEFAULT 'draft',
    supplier_code   TEXT,
    supplier_name   TEXT,
    total_amount    REAL NOT NULL DEFAULT 0,
    erp_external_id TEXT,
    erp_last_error  TEXT,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_purchase_orders_workspace_status
    ON purchase_orders (workspace_id, status);
CREATE TABLE IF NOT EXISTS erp_outbox_jobs (
    id                 TEXT PRIMARY KEY,
    workspace_id       TEXT NOT NULL,
    kind               TEXT NOT NULL DEFAULT 'po_push',
    status             TEXT NOT NULL DEFAULT 'queued',
    attempt            INTEGER NOT NULL DEFAULT 0,
    dedupe_key         TEXT NOT NULL,
    purchase_order_id  INTEGER NOT NULL,
    request_id         TEXT,
    canonical_po       TEXT,
    next_attempt_at    TEXT NOT NULL,
    error_summary      TEXT,
    error_details      TEXT,
    dead_letter_reason TEXT,
    started_at         TEXT,
    finished_at        TEXT,
    created_at         TEXT NOT NULL,
    updated_at         TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_erp_outbox_jobs_active_dedupe
    ON erp_outbox_jobs (dedupe_key) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS ix_erp_outbox_jobs_due
    ON erp_outbox_jobs (workspace_id, status, next_attempt_at);
CREATE TABLE IF NOT EXISTS po_status_events (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace_id      TEXT NOT NULL,
    purchase_order_id INTEGER NOT NULL,
    event_type        TEXT NOT NULL,
    detail            TEXT,
    occurred_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_po_status_events_po
    ON po_status_events (workspace_id, purchase_order_id, occurred_at);
CREATE TABLE IF NOT EXISTS integration_watermarks (
    workspace_id     TEXT NOT NULL,
    system           TEXT NOT NULL,
    entity           TEXT NOT NULL,
    last_updated_at  TEXT,
    last_external_id TEXT,
    updated_at       TEXT NOT NULL,
    PRIMARY KEY (workspace_id, system, entity)
);
`

// Job is one durable outbox entry.
type Job struct {
	ID               string
	WorkspaceID      string
	Kind             string
	Status           string
	Attempt          int
	DedupeKey        string
	PurchaseOrderID  int64
	RequestID        string
	CanonicalPO      string
	NextAttemptAt    string
	ErrorSummary     string
	ErrorDetails     string
	DeadLetterReason string
	StartedAt        string
	FinishedAt       string
	CreatedAt        string
	UpdatedAt        string
}

// PurchaseOrder is the stored order row the outbox reads and transitions.
type PurchaseOrder struct {
	ID           int64
	WorkspaceID  string
	Number       string
	Status       string
	SupplierCode string
	SupplierName string
	TotalAmount  float64
	ErpExternal  string
	ErpLastError string
	CreatedAt    string
	UpdatedAt    string
}

// Store owns the outbox tables.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore wraps an open handle.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the outbox tables.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrateSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if s.db.Dialect() == database.DialectPostgres {
			stmt = strings.Replace(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate outbox: %w", err)
		}
	}
	return nil
}

// InsertPurchaseOrder stores a new order row and returns its id.
func (s *Store) InsertPurchaseOrder(ctx context.Context, po PurchaseOrder) (int64, error) {
	now := database.FormatTime(s.now())
	if s.db.Dialect() == database.DialectPostgres {
		var id int64
		err := s.db.QueryRowContext(ctx, s.db.Rebind(`
			INSERT INTO purchase_orders
				(workspace_id, number, status, supplier_code, supplier_name, total_amount, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			po.WorkspaceID, po.Number, orDefault(po.Status, POStatusDraft),
			po.SupplierCode, po.SupplierName, po.TotalAmount, now, now).Scan(&id)
		return id, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO purchase_orders
			(workspace_id, number, status, supplier_code, supplier_name, total_amount, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		po.WorkspaceID, po.Number, orDefault(po.Status, POStatusDraft),
		po.SupplierCode, po.SupplierName, po.TotalAmount, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPurchaseOrder loads one order scoped to a workspace. A missing row
// returns (nil, nil).
func (s *Store) GetPurchaseOrder(ctx context.Context, workspaceID string, id int64) (*PurchaseOrder, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, workspace_id, COALESCE(number, ''), status,
		       COALESCE(supplier_code, ''), COALESCE(supplier_name, ''), total_amount,
		       COALESCE(erp_external_id, ''), COALESCE(erp_last_error, ''), created_at, updated_at
		FROM purchase_orders WHERE workspace_id = ? AND id = ?`), workspaceID, id)
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.WorkspaceID, &po.Number, &po.Status,
		&po.SupplierCode, &po.SupplierName, &po.TotalAmount,
		&po.ErpExternal, &po.ErpLastError, &po.CreatedAt, &po.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &po, nil
}

// SetPurchaseOrderStatus transitions an order, optionally recording the ERP
// document id or the last error text.
func (s *Store) SetPurchaseOrderStatus(ctx context.Context, workspaceID string, id int64, status, erpExternalID, lastError string) error {
	if len(lastError) > 200 {
		lastError = lastError[:200]
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE purchase_orders
		SET status = ?,
		    erp_external_id = CASE WHEN ? <> '' THEN ? ELSE erp_external_id END,
		    erp_last_error = ?,
		    updated_at = ?
		WHERE workspace_id = ? AND id = ?`),
		status, erpExternalID, erpExternalID, lastError,
		database.FormatTime(s.now()), workspaceID, id)
	return err
}

// AppendStatusEvent records one step of an order's ERP journey.
func (s *Store) AppendStatusEvent(ctx context.Context, workspaceID string, poID int64, eventType, detail string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO po_status_events (workspace_id, purchase_order_id, event_type, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?)`),
		workspaceID, poID, eventType, detail, database.FormatTime(s.now()))
	return err
}

// FindActiveJob returns the queued or running job for a dedupe key, newest
// first, or nil.
func (s *Store) FindActiveJob(ctx context.Context, dedupeKey string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(jobSelect+`
		WHERE dedupe_key = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC LIMIT 1`), dedupeKey)
	return scanJob(row)
}

// InsertJob stores a fresh queued job.
func (s *Store) InsertJob(ctx context.Context, job Job) error {
	now := database.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO erp_outbox_jobs
			(id, workspace_id, kind, status, attempt, dedupe_key, purchase_order_id,
			 request_id, canonical_po, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 0, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID, job.WorkspaceID, orDefault(job.Kind, "po_push"), job.DedupeKey,
		job.PurchaseOrderID, job.RequestID, job.CanonicalPO,
		orDefault(job.NextAttemptAt, now), now, now)
	return err
}

// DueJobs lists queued jobs whose next attempt is due, oldest first.
func (s *Store) DueJobs(ctx context.Context, workspaceID string, asOf time.Time, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	query := jobSelect + ` WHERE status = 'queued' AND next_attempt_at <= ?`
	args := []any{database.FormatTime(asOf)}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY next_attempt_at, created_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ClaimJob flips a queued job to running and bumps the attempt counter. False
// means another worker got there first.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	now := database.FormatTime(s.now())
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE erp_outbox_jobs
		SET status = 'running', attempt = attempt + 1, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`), now, now, jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DelayJob pushes a queued job's next attempt out without touching the
// attempt counter.
func (s *Store) DelayJob(ctx context.Context, jobID string, until time.Time, summary string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE erp_outbox_jobs
		SET next_attempt_at = ?, error_summary = ?, updated_at = ?
		WHERE id = ? AND status = 'queued'`),
		database.FormatTime(until), summary, database.FormatTime(s.now()), jobID)
	return err
}

// RequeueJob returns a running job to the queue for a later attempt.
func (s *Store) RequeueJob(ctx context.Context, jobID string, until time.Time, summary, details string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE erp_outbox_jobs
		SET status = 'queued', next_attempt_at = ?, error_summary = ?, error_details = ?, updated_at = ?
		WHERE id = ?`),
		database.FormatTime(until), summary, truncate(details, 2000),
		database.FormatTime(s.now()), jobID)
	return err
}

// FinishJob closes a job as succeeded or failed.
func (s *Store) FinishJob(ctx context.Context, jobID, status, summary, details, deadLetterReason string) error {
	now := database.FormatTime(s.now())
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE erp_outbox_jobs
		SET status = ?, error_summary = ?, error_details = ?, dead_letter_reason = ?,
		    finished_at = ?, updated_at = ?
		WHERE id = ?`),
		status, summary, truncate(details, 2000), deadLetterReason, now, now, jobID)
	return err
}

// ReclaimStale requeues running jobs whose worker disappeared. The attempt
// the dead worker charged is refunded.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	cutoff := database.FormatTime(now.Add(-olderThan))
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE erp_outbox_jobs
		SET status = 'queued', attempt = CASE WHEN attempt > 0 THEN attempt - 1 ELSE 0 END,
		    next_attempt_at = ?, error_summary = 'stale_running_reclaimed', updated_at = ?
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= ?`),
		database.FormatTime(now), database.FormatTime(now), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Backlog counts jobs still in flight for a workspace.
func (s *Store) Backlog(ctx context.Context, workspaceID string) (int, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COUNT(*) FROM erp_outbox_jobs
		WHERE workspace_id = ? AND status IN ('queued', 'running')`), workspaceID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// DeadLetters lists failed jobs that were parked with a dead-letter reason,
// newest first.
func (s *Store) DeadLetters(ctx context.Context, workspaceID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(jobSelect+`
		WHERE workspace_id = ? AND status = 'failed' AND COALESCE(dead_letter_reason, '') <> ''
		ORDER BY finished_at DESC LIMIT ?`), workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeadLetterWorkspaces lists workspaces that currently hold dead letters.
func (s *Store) DeadLetterWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workspace_id FROM erp_outbox_jobs
		WHERE status = 'failed' AND COALESCE(dead_letter_reason, '') <> ''
		ORDER BY workspace_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workspaces []string
	for rows.Next() {
		var workspaceID string
		if err := rows.Scan(&workspaceID); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, workspaceID)
	}
	return workspaces, rows.Err()
}

// GetJob loads one job by id, or nil.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(jobSelect+` WHERE id = ?`), jobID)
	return scanJob(row)
}

// UpsertWatermark advances the inbound-sync cursor for (system, entity).
func (s *Store) UpsertWatermark(ctx context.Context, workspaceID, system, entity, lastUpdatedAt, lastExternalID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO integration_watermarks
			(workspace_id, system, entity, last_updated_at, last_external_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, system, entity) DO UPDATE SET
			last_updated_at = excluded.last_updated_at,
			last_external_id = excluded.last_external_id,
			updated_at = excluded.updated_at`),
		workspaceID, system, entity, lastUpdatedAt, lastExternalID,
		database.FormatTime(s.now()))
	return err
}

// Watermark reads the inbound-sync cursor. A missing cursor returns empty
// strings, not an error.
func (s *Store) Watermark(ctx context.Context, workspaceID, system, entity string) (lastUpdatedAt, lastExternalID string, err error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT COALESCE(last_updated_at, ''), COALESCE(last_external_id, '')
		FROM integration_watermarks
		WHERE workspace_id = ? AND system = ? AND entity = ?`),
		workspaceID, system, entity)
	err = row.Scan(&lastUpdatedAt, &lastExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	return lastUpdatedAt, lastExternalID, err
}

const jobSelect = `
	SELECT id, workspace_id, kind, status, attempt, dedupe_key, purchase_order_id,
	       COALESCE(request_id, ''), COALESCE(canonical_po, ''), next_attempt_at,
	       COALESCE(error_summary, ''), COALESCE(error_details, ''),
	       COALESCE(dead_letter_reason, ''), COALESCE(started_at, ''),
	       COALESCE(finished_at, ''), created_at, updated_at
	FROM erp_outbox_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	err := row.Scan(&job.ID, &job.WorkspaceID, &job.Kind, &job.Status, &job.Attempt,
		&job.DedupeKey, &job.PurchaseOrderID, &job.RequestID, &job.CanonicalPO,
		&job.NextAttemptAt, &job.ErrorSummary, &job.ErrorDetails,
		&job.DeadLetterReason, &job.StartedAt, &job.FinishedAt,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func marshalCanonical(v any) (string, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode canonical document: %w", err)
	}
	return string(buf), nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
