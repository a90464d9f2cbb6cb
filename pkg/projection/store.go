// Package projection maintains the analytics read model: daily KPI, process
// stage, and supplier aggregates derived from the domain event log.
//
// Every handler is idempotent through a per-(workspace, projector, event)
// dedupe claim, so replays and at-least-once delivery converge to the same
// aggregates.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/database"
)

const migrateSQL = `
CREATE TABLE IF NOT EXISTS ar_projection_state (
    workspace_id      TEXT NOT NULL,
    projector         TEXT NOT NULL,
    last_event_id     TEXT,
    last_processed_at TEXT,
    status            TEXT NOT NULL DEFAULT 'running',
    last_error        TEXT,
    updated_at        TEXT NOT NULL,
    PRIMARY KEY (workspace_id, projector)
);
CREATE TABLE IF NOT EXISTS ar_event_dedupe (
    workspace_id TEXT NOT NULL,
    event_id     TEXT NOT NULL,
    projector    TEXT NOT NULL,
    processed_at TEXT NOT NULL,
    PRIMARY KEY (workspace_id, projector, event_id)
);
CREATE TABLE IF NOT EXISTS ar_kpi_daily (
    workspace_id TEXT NOT NULL,
    day          TEXT NOT NULL,
    metric       TEXT NOT NULL,
    value_num    REAL NOT NULL DEFAULT 0,
    value_int    INTEGER NOT NULL DEFAULT 0,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (workspace_id, day, metric)
);
CREATE INDEX IF NOT EXISTS ix_ar_kpi_daily_workspace_metric_day
    ON ar_kpi_daily (workspace_id, metric, day);
CREATE TABLE IF NOT EXISTS ar_process_stage_daily (
    workspace_id TEXT NOT NULL,
    day          TEXT NOT NULL,
    stage        TEXT NOT NULL,
    avg_hours    REAL NOT NULL DEFAULT 0,
    count        INTEGER NOT NULL DEFAULT 0,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (workspace_id, day, stage)
);
CREATE TABLE IF NOT EXISTS ar_supplier_daily (
    workspace_id       TEXT NOT NULL,
    day                TEXT NOT NULL,
    supplier_key       TEXT NOT NULL,
    invites            INTEGER NOT NULL DEFAULT 0,
    responses          INTEGER NOT NULL DEFAULT 0,
    avg_response_hours REAL NOT NULL DEFAULT 0,
    savings_abs        REAL NOT NULL DEFAULT 0,
    updated_at         TEXT NOT NULL,
    PRIMARY KEY (workspace_id, day, supplier_key)
);
CREATE TABLE IF NOT EXISTS ar_event_handler_audit (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    workspace_id   TEXT NOT NULL,
    event_id       TEXT NOT NULL,
    schema_name    TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    handler_name   TEXT NOT NULL,
    status         TEXT NOT NULL,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    error_code     TEXT,
    occurred_at    TEXT NOT NULL,
    processed_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_ar_event_handler_audit_workspace_processed_at
    ON ar_event_handler_audit (workspace_id, processed_at);
`

// Store owns the read-model tables.
type Store struct {
	db  *database.DB
	now func() time.Time
}

// NewStore wraps an open handle.
func NewStore(db *database.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the read-model tables.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := strings.Split(migrateSQL, ";")
	for _, stmt := range stmts {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if s.db.Dialect() == database.DialectPostgres {
			stmt = strings.Replace(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate read model: %w", err)
		}
	}
	return nil
}

// ClaimEvent inserts the dedupe row for (workspace, projector, event). True
// means this call won the claim and the handler should run; false means the
// event was already applied by this projector.
func (s *Store) ClaimEvent(ctx context.Context, workspaceID, projector, eventID string) (bool, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	projector = strings.TrimSpace(projector)
	eventID = strings.TrimSpace(eventID)
	if workspaceID == "" || projector == "" || eventID == "" {
		return false, errors.New("claim requires workspace, projector and event id")
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO ar_event_dedupe (workspace_id, event_id, projector, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, projector, event_id) DO NOTHING`),
		workspaceID, eventID, projector, database.FormatTime(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("claim event %s for %s: %w", eventID, projector, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event %s: rows affected: %w", eventID, err)
	}
	return affected > 0, nil
}

// StateUpdate overwrites the per-(workspace, projector) bookkeeping row.
type StateUpdate struct {
	WorkspaceID     string
	Projector       string
	Status          string // running | ok | error
	LastEventID     string
	LastError       string
	LastProcessedAt time.Time
}

// UpdateState upserts the projection state row. The state is observability
// only: correctness rests on the dedupe table.
func (s *Store) UpdateState(ctx context.Context, u StateUpdate) error {
	status := strings.TrimSpace(u.Status)
	if status == "" {
		status = "running"
	}
	lastErr := u.LastError
	if len(lastErr) > 2000 {
		lastErr = lastErr[:2000]
	}
	at := u.LastProcessedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO ar_projection_state
		    (workspace_id, projector, last_event_id, last_processed_at, status, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, projector) DO UPDATE SET
		    last_event_id = excluded.last_event_id,
		    last_processed_at = excluded.last_processed_at,
		    status = excluded.status,
		    last_error = excluded.last_error,
		    updated_at = excluded.updated_at`),
		strings.TrimSpace(u.WorkspaceID),
		strings.TrimSpace(u.Projector),
		strings.TrimSpace(u.LastEventID),
		database.FormatTime(at),
		status,
		lastErr,
		database.FormatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("update projection state %s/%s: %w", u.WorkspaceID, u.Projector, err)
	}
	return nil
}

// State is one projection bookkeeping row.
type State struct {
	WorkspaceID     string
	Projector       string
	Status          string
	LastEventID     string
	LastError       string
	LastProcessedAt time.Time
}

// GetState loads one bookkeeping row, or nil when none exists.
func (s *Store) GetState(ctx context.Context, workspaceID, projector string) (*State, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT workspace_id, projector, status,
		       COALESCE(last_event_id, ''), COALESCE(last_error, ''), COALESCE(last_processed_at, '')
		FROM ar_projection_state
		WHERE workspace_id = ? AND projector = ?`),
		workspaceID, projector,
	)
	var (
		st          State
		processedAt string
	)
	if err := row.Scan(&st.WorkspaceID, &st.Projector, &st.Status, &st.LastEventID, &st.LastError, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get projection state: %w", err)
	}
	if processedAt != "" {
		if at, err := database.ParseTime(processedAt); err == nil {
			st.LastProcessedAt = at
		}
	}
	return &st, nil
}

// KPIDelta increments one daily KPI cell.
type KPIDelta struct {
	WorkspaceID  string
	Day          string
	Metric       string
	DeltaInt     int64
	DeltaNum     float64
	FloorZeroInt bool
}

// UpsertKPI applies a delta to the (workspace, day, metric) cell, creating it
// when absent. The integer component can be floored at zero for gauges that
// decrement, so out-of-order events cannot drive a backlog negative.
func (s *Store) UpsertKPI(ctx context.Context, d KPIDelta) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			curInt int64
			curNum float64
		)
		found := true
		err := tx.QueryRowContext(ctx, s.db.Rebind(`
			SELECT value_int, value_num FROM ar_kpi_daily
			WHERE workspace_id = ? AND day = ? AND metric = ?`),
			d.WorkspaceID, d.Day, d.Metric,
		).Scan(&curInt, &curNum)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("read kpi %s: %w", d.Metric, err)
		}

		nextInt := curInt + d.DeltaInt
		if d.FloorZeroInt && nextInt < 0 {
			nextInt = 0
		}
		nextNum := curNum + d.DeltaNum
		now := database.FormatTime(s.now())

		if found {
			_, err = tx.ExecContext(ctx, s.db.Rebind(`
				UPDATE ar_kpi_daily SET value_int = ?, value_num = ?, updated_at = ?
				WHERE workspace_id = ? AND day = ? AND metric = ?`),
				nextInt, nextNum, now, d.WorkspaceID, d.Day, d.Metric,
			)
		} else {
			_, err = tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO ar_kpi_daily (workspace_id, day, metric, value_num, value_int, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				d.WorkspaceID, d.Day, d.Metric, nextNum, nextInt, now,
			)
		}
		if err != nil {
			return fmt.Errorf("upsert kpi %s: %w", d.Metric, err)
		}
		return nil
	})
}

// StageSample folds one observation into a (workspace, day, stage) cell.
type StageSample struct {
	WorkspaceID    string
	Day            string
	Stage          string
	AvgHoursSample *float64
	IncrementCount int64
}

// UpsertStage increments the stage counter and folds the optional duration
// sample into the running average, weighted by the previous count.
func (s *Store) UpsertStage(ctx context.Context, d StageSample) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			curAvg   float64
			curCount int64
		)
		found := true
		err := tx.QueryRowContext(ctx, s.db.Rebind(`
			SELECT avg_hours, count FROM ar_process_stage_daily
			WHERE workspace_id = ? AND day = ? AND stage = ?`),
			d.WorkspaceID, d.Day, d.Stage,
		).Scan(&curAvg, &curCount)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("read stage %s: %w", d.Stage, err)
		}

		inc := d.IncrementCount
		if inc < 0 {
			inc = 0
		}
		nextCount := curCount + inc

		var nextAvg float64
		switch {
		case !found:
			if d.AvgHoursSample != nil {
				nextAvg = *d.AvgHoursSample
			}
		case d.AvgHoursSample == nil:
			nextAvg = curAvg
		case curCount <= 0:
			nextAvg = *d.AvgHoursSample
		default:
			nextAvg = (curAvg*float64(curCount) + *d.AvgHoursSample) / float64(nextCount)
		}

		now := database.FormatTime(s.now())
		if found {
			_, err = tx.ExecContext(ctx, s.db.Rebind(`
				UPDATE ar_process_stage_daily SET avg_hours = ?, count = ?, updated_at = ?
				WHERE workspace_id = ? AND day = ? AND stage = ?`),
				nextAvg, nextCount, now, d.WorkspaceID, d.Day, d.Stage,
			)
		} else {
			_, err = tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO ar_process_stage_daily (workspace_id, day, stage, avg_hours, count, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)`),
				d.WorkspaceID, d.Day, d.Stage, nextAvg, nextCount, now,
			)
		}
		if err != nil {
			return fmt.Errorf("upsert stage %s: %w", d.Stage, err)
		}
		return nil
	})
}

// SupplierDelta folds one observation into a (workspace, day, supplier) cell.
type SupplierDelta struct {
	WorkspaceID      string
	Day              string
	SupplierKey      string
	InvitesDelta     int64
	ResponsesDelta   int64
	AvgResponseHours *float64
	SavingsDelta     float64
}

// UpsertSupplier updates the supplier daily row. Invites, responses and
// savings are additive; the response-hours average is weighted by the
// response count before this delta, which keeps a sequence of mixed updates
// order-independent in aggregate.
func (s *Store) UpsertSupplier(ctx context.Context, d SupplierDelta) error {
	supplier := strings.TrimSpace(d.SupplierKey)
	if supplier == "" {
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			curInvites   int64
			curResponses int64
			curAvg       float64
			curSavings   float64
		)
		found := true
		err := tx.QueryRowContext(ctx, s.db.Rebind(`
			SELECT invites, responses, avg_response_hours, savings_abs FROM ar_supplier_daily
			WHERE workspace_id = ? AND day = ? AND supplier_key = ?`),
			d.WorkspaceID, d.Day, supplier,
		).Scan(&curInvites, &curResponses, &curAvg, &curSavings)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
		} else if err != nil {
			return fmt.Errorf("read supplier %s: %w", supplier, err)
		}

		invDelta := max64(0, d.InvitesDelta)
		respDelta := max64(0, d.ResponsesDelta)
		invites := curInvites + invDelta
		responses := curResponses + respDelta
		savings := curSavings + d.SavingsDelta

		nextAvg := curAvg
		if d.AvgResponseHours != nil {
			switch {
			case !found, responses <= 0:
				nextAvg = *d.AvgResponseHours
			default:
				previousResponses := responses - respDelta
				if previousResponses <= 0 {
					nextAvg = *d.AvgResponseHours
				} else {
					denom := responses
					if denom < 1 {
						denom = 1
					}
					nextAvg = (curAvg*float64(previousResponses) + *d.AvgResponseHours) / float64(denom)
				}
			}
		}

		now := database.FormatTime(s.now())
		if found {
			_, err = tx.ExecContext(ctx, s.db.Rebind(`
				UPDATE ar_supplier_daily
				SET invites = ?, responses = ?, avg_response_hours = ?, savings_abs = ?, updated_at = ?
				WHERE workspace_id = ? AND day = ? AND supplier_key = ?`),
				invites, responses, nextAvg, savings, now, d.WorkspaceID, d.Day, supplier,
			)
		} else {
			_, err = tx.ExecContext(ctx, s.db.Rebind(`
				INSERT INTO ar_supplier_daily
				    (workspace_id, day, supplier_key, invites, responses, avg_response_hours, savings_abs, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
				d.WorkspaceID, d.Day, supplier, invites, responses, nextAvg, savings, now,
			)
		}
		if err != nil {
			return fmt.Errorf("upsert supplier %s: %w", supplier, err)
		}
		return nil
	})
}

// AuditRecord is one row of the handler audit trail.
type AuditRecord struct {
	WorkspaceID   string
	EventID       string
	SchemaName    string
	SchemaVersion int
	HandlerName   string
	Status        string // ok | skipped_dedupe | error
	Duration      time.Duration
	ErrorCode     string
	OccurredAt    time.Time
}

// AppendAudit writes one audit row. Audit failures are the caller's problem
// to swallow; this method just reports them.
func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	version := rec.SchemaVersion
	if version < 1 {
		version = 1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO ar_event_handler_audit
		    (workspace_id, event_id, schema_name, schema_version, handler_name, status, duration_ms, error_code, occurred_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.WorkspaceID,
		rec.EventID,
		rec.SchemaName,
		version,
		rec.HandlerName,
		rec.Status,
		rec.Duration.Milliseconds(),
		rec.ErrorCode,
		database.FormatTime(rec.OccurredAt),
		database.FormatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("append handler audit: %w", err)
	}
	return nil
}

// ClearWorkspace wipes the aggregates, dedupe claims and state rows for a
// workspace, ahead of a full rebuild.
func (s *Store) ClearWorkspace(ctx context.Context, workspaceID string) error {
	tables := []string{
		"ar_kpi_daily",
		"ar_process_stage_daily",
		"ar_supplier_daily",
		"ar_event_dedupe",
		"ar_projection_state",
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range tables {
			if _, err := tx.ExecContext(ctx, s.db.Rebind(
				"DELETE FROM "+table+" WHERE workspace_id = ?"), workspaceID,
			); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		return nil
	})
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
