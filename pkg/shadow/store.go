package shadow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/database"
)

const migrateSQL = `
CREATE TABLE IF NOT EXISTS ar_shadow_diff_log (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    occurred_at    TEXT NOT NULL,
    workspace_id   TEXT NOT NULL,
    section        TEXT NOT NULL,
    primary_source TEXT NOT NULL,
    primary_hash   TEXT NOT NULL,
    shadow_hash    TEXT NOT NULL,
    diff_summary   TEXT NOT NULL,
    diff_count     INTEGER NOT NULL DEFAULT 0,
    request_id     TEXT
);
CREATE INDEX IF NOT EXISTS ix_ar_shadow_diff_log_occurred_at
    ON ar_shadow_diff_log (occurred_at);
CREATE INDEX IF NOT EXISTS ix_ar_shadow_diff_log_workspace_section
    ON ar_shadow_diff_log (workspace_id, section);
`

// DiffLogEntry is one persisted disagreement sample.
type DiffLogEntry struct {
	OccurredAt    string
	WorkspaceID   string
	Section       string
	PrimarySource string
	PrimaryHash   string
	ShadowHash    string
	DiffSummary   map[string]any
	DiffCount     int
	RequestID     string
}

// SectionBreakdown aggregates persisted diffs per section.
type SectionBreakdown struct {
	Section   string `json:"section"`
	Entries   int    `json:"entries"`
	DiffCount int    `json:"diff_count"`
}

// DiffStore owns the persisted diff log.
type DiffStore struct {
	db  *database.DB
	now func() time.Time
}

// NewDiffStore wraps an open handle.
func NewDiffStore(db *database.DB) *DiffStore {
	return &DiffStore{db: db, now: time.Now}
}

// Migrate creates the diff-log table.
func (s *DiffStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrateSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if s.db.Dialect() == database.DialectPostgres {
			stmt = strings.Replace(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY", 1)
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate shadow diff log: %w", err)
		}
	}
	return nil
}

// Append persists one disagreement sample.
func (s *DiffStore) Append(ctx context.Context, entry DiffLogEntry) error {
	if strings.TrimSpace(entry.WorkspaceID) == "" {
		return fmt.Errorf("append shadow diff: workspace id is required")
	}
	summary, err := json.Marshal(entry.DiffSummary)
	if err != nil {
		return fmt.Errorf("append shadow diff: encode summary: %w", err)
	}
	occurredAt := entry.OccurredAt
	if occurredAt == "" {
		occurredAt = database.FormatTime(s.now())
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO ar_shadow_diff_log
			(occurred_at, workspace_id, section, primary_source, primary_hash,
			 shadow_hash, diff_summary, diff_count, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		occurredAt, entry.WorkspaceID, orDefault(entry.Section, "overview"),
		entry.PrimarySource, entry.PrimaryHash, entry.ShadowHash,
		string(summary), entry.DiffCount, entry.RequestID)
	return err
}

// Report summarizes persisted diffs: per-section breakdown plus the most
// recent entries, optionally bounded to an inclusive day window.
func (s *DiffStore) Report(ctx context.Context, workspaceID, startDate, endDate, section string, limit int) ([]SectionBreakdown, []DiffLogEntry, error) {
	if strings.TrimSpace(workspaceID) == "" {
		return nil, nil, fmt.Errorf("shadow report: workspace id is required")
	}
	if limit <= 0 {
		limit = 50
	}

	where := "workspace_id = ?"
	args := []any{workspaceID}
	if section != "" {
		where += " AND section = ?"
		args = append(args, section)
	}
	if startDate != "" {
		where += " AND occurred_at >= ?"
		args = append(args, startDate)
	}
	if endDate != "" {
		where += " AND occurred_at < ?"
		args = append(args, nextDay(endDate))
	}

	breakdownSQL := s.db.Rebind(`
		SELECT section, COUNT(*), COALESCE(SUM(diff_count), 0)
		FROM ar_shadow_diff_log WHERE ` + where + `
		GROUP BY section ORDER BY COUNT(*) DESC, section`)
	rows, err := s.db.QueryContext(ctx, breakdownSQL, args...)
	if err != nil {
		return nil, nil, err
	}
	var breakdown []SectionBreakdown
	for rows.Next() {
		var b SectionBreakdown
		if err := rows.Scan(&b.Section, &b.Entries, &b.DiffCount); err != nil {
			rows.Close()
			return nil, nil, err
		}
		breakdown = append(breakdown, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	recentSQL := s.db.Rebind(`
		SELECT occurred_at, workspace_id, section, primary_source, primary_hash,
		       shadow_hash, diff_summary, diff_count, COALESCE(request_id, '')
		FROM ar_shadow_diff_log WHERE ` + where + `
		ORDER BY occurred_at DESC, id DESC LIMIT ?`)
	rows, err = s.db.QueryContext(ctx, recentSQL, append(args, limit)...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var recent []DiffLogEntry
	for rows.Next() {
		var entry DiffLogEntry
		var rawSummary string
		if err := rows.Scan(&entry.OccurredAt, &entry.WorkspaceID, &entry.Section,
			&entry.PrimarySource, &entry.PrimaryHash, &entry.ShadowHash,
			&rawSummary, &entry.DiffCount, &entry.RequestID); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(rawSummary), &entry.DiffSummary); err != nil {
			entry.DiffSummary = map[string]any{}
		}
		recent = append(recent, entry)
	}
	return breakdown, recent, rows.Err()
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// nextDay turns an inclusive ISO end date into an exclusive timestamp bound.
// Unparseable dates are passed through and match nothing beyond themselves.
func nextDay(day string) string {
	t, err := time.Parse("2006-01-02", day)
	if err != nil {
		return day
	}
	return t.AddDate(0, 0, 1).Format("2006-01-02")
}
