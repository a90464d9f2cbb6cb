// Package eventstore persists domain events as the system of record for
// replay and read-model rebuilds.
//
// The store is append-only: rows are written once, keyed by
// (workspace id, event id), and never updated. Schema evolution happens at
// read time through the upcaster chain, so history stays byte-stable while
// consumers always see the latest payload shape.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openprocure/core/pkg/database"
	"github.com/openprocure/core/pkg/events"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS domain_events (
    event_id       TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    workspace_id   TEXT NOT NULL,
    schema_name    TEXT NOT NULL,
    schema_version INTEGER NOT NULL DEFAULT 1,
    occurred_at    TEXT NOT NULL,
    created_at     TEXT NOT NULL,
    payload        TEXT NOT NULL,
    PRIMARY KEY (workspace_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_domain_events_workspace_occurred
    ON domain_events (workspace_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_domain_events_type
    ON domain_events (event_type);
`

// Store is the durable event log.
type Store struct {
	db       *database.DB
	upcaster *events.UpcasterChain
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithUpcasterChain overrides the built-in chain.
func WithUpcasterChain(c *events.UpcasterChain) Option {
	return func(s *Store) {
		if c != nil {
			s.upcaster = c
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Store over an open database handle.
func New(db *database.DB, opts ...Option) *Store {
	s := &Store{
		db:       db,
		upcaster: events.NewUpcasterChain(),
		logger:   slog.Default().With("component", "event_store"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the event log table and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(createTableSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate domain_events: %w", err)
		}
	}
	return nil
}

// Append writes an event, ignoring duplicates by (workspace id, event id).
// The bool result is true when the row was newly inserted.
func (s *Store) Append(ctx context.Context, ev events.Event) (bool, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload for %s: %w", ev.EventID, err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO domain_events
		    (event_id, event_type, workspace_id, schema_name, schema_version, occurred_at, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, event_id) DO NOTHING`),
		ev.EventID,
		string(ev.Type),
		ev.WorkspaceID,
		ev.SchemaName,
		ev.SchemaVersion,
		database.FormatTime(ev.OccurredAt),
		database.FormatTime(s.now()),
		string(payload),
	)
	if err != nil {
		return false, fmt.Errorf("append event %s: %w", ev.EventID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event %s: rows affected: %w", ev.EventID, err)
	}
	return affected > 0, nil
}

// Filter narrows a List call. Zero values mean "no constraint".
type Filter struct {
	WorkspaceID string
	Types       []events.Type
	Since       time.Time // inclusive, on occurred_at
	Until       time.Time // exclusive, on occurred_at
	Limit       int
}

// List returns stored events in deterministic replay order: occurred_at,
// then created_at, then event_id. Every returned event has been run through
// the upcaster chain.
func (s *Store) List(ctx context.Context, f Filter) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, database.FormatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, database.FormatTime(f.Until))
	}

	query := `SELECT event_id, event_type, workspace_id, schema_name, schema_version, occurred_at, payload
		FROM domain_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at, created_at, event_id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s.upcaster.Apply(ev))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return out, nil
}

// Count reports the number of stored events for a workspace ("" for all).
func (s *Store) Count(ctx context.Context, workspaceID string) (int64, error) {
	query := "SELECT COUNT(*) FROM domain_events"
	var args []any
	if workspaceID != "" {
		query += " WHERE workspace_id = ?"
		args = append(args, workspaceID)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *Store) scanEvent(rows *sql.Rows) (events.Event, error) {
	var (
		ev         events.Event
		eventType  string
		occurredAt string
		payload    string
	)
	if err := rows.Scan(&ev.EventID, &eventType, &ev.WorkspaceID, &ev.SchemaName, &ev.SchemaVersion, &occurredAt, &payload); err != nil {
		return events.Event{}, fmt.Errorf("scan event row: %w", err)
	}
	ev.Type = events.Type(eventType)
	at, err := database.ParseTime(occurredAt)
	if err != nil {
		return events.Event{}, fmt.Errorf("event %s: %w", ev.EventID, err)
	}
	ev.OccurredAt = at
	if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
		// Corrupt payloads surface as empty maps rather than poisoning a
		// whole replay; the raw row is still in the table for forensics.
		s.logger.Warn("event payload failed to decode", "event_id", ev.EventID, "error", err)
		ev.Payload = map[string]any{}
	}
	return ev, nil
}
