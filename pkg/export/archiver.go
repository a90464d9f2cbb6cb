package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openprocure/core/pkg/outbox"
	"github.com/openprocure/core/pkg/shadow"
)

// DeadLetterRecord is the archived view of a dead-lettered outbox job.
type DeadLetterRecord struct {
	JobID            string `json:"job_id"`
	WorkspaceID      string `json:"workspace_id"`
	Kind             string `json:"kind"`
	Attempt          int    `json:"attempt"`
	DedupeKey        string `json:"dedupe_key"`
	PurchaseOrderID  int64  `json:"purchase_order_id"`
	DeadLetterReason string `json:"dead_letter_reason"`
	ErrorSummary     string `json:"error_summary"`
	FinishedAt       string `json:"finished_at"`
	CreatedAt        string `json:"created_at"`
}

type deadLetterArchive struct {
	WorkspaceID string             `json:"workspace_id"`
	ArchivedAt  string             `json:"archived_at"`
	Count       int                `json:"count"`
	Jobs        []DeadLetterRecord `json:"jobs"`
}

type shadowReportArchive struct {
	WorkspaceID string        `json:"workspace_id"`
	ArchivedAt  string        `json:"archived_at"`
	StartDate   string        `json:"start_date"`
	EndDate     string        `json:"end_date"`
	Report      shadow.Report `json:"report"`
}

// Archiver snapshots dead-letter jobs and shadow agreement reports into an
// ObjectSink.
type Archiver struct {
	sink   ObjectSink
	jobs   *outbox.Store
	shadow *shadow.Engine
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// ArchiverOption customizes an Archiver.
type ArchiverOption func(*Archiver)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) ArchiverOption {
	return func(a *Archiver) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) ArchiverOption {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger.With("component", "export")
		}
	}
}

// NewArchiver builds an archiver. An empty prefix defaults to "procure".
func NewArchiver(sink ObjectSink, jobs *outbox.Store, shadowEngine *shadow.Engine, prefix string, opts ...ArchiverOption) *Archiver {
	if prefix == "" {
		prefix = "procure"
	}
	a := &Archiver{
		sink:   sink,
		jobs:   jobs,
		shadow: shadowEngine,
		prefix: prefix,
		logger: slog.Default().With("component", "export"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveDeadLetters snapshots up to limit dead-lettered jobs for the
// workspace. It returns the object key and the number of jobs written; an
// empty dead-letter queue still writes an archive so operators can tell "no
// dead letters" from "no archive run".
func (a *Archiver) ArchiveDeadLetters(ctx context.Context, workspaceID string, limit int) (string, int, error) {
	jobs, err := a.jobs.DeadLetters(ctx, workspaceID, limit)
	if err != nil {
		return "", 0, fmt.Errorf("list dead letters: %w", err)
	}

	now := a.now().UTC()
	archive := deadLetterArchive{
		WorkspaceID: workspaceID,
		ArchivedAt:  now.Format(time.RFC3339),
		Count:       len(jobs),
		Jobs:        make([]DeadLetterRecord, 0, len(jobs)),
	}
	for _, job := range jobs {
		archive.Jobs = append(archive.Jobs, DeadLetterRecord{
			JobID:            job.ID,
			WorkspaceID:      job.WorkspaceID,
			Kind:             job.Kind,
			Attempt:          job.Attempt,
			DedupeKey:        job.DedupeKey,
			PurchaseOrderID:  job.PurchaseOrderID,
			DeadLetterReason: job.DeadLetterReason,
			ErrorSummary:     job.ErrorSummary,
			FinishedAt:       job.FinishedAt,
			CreatedAt:        job.CreatedAt,
		})
	}

	key := a.key("dead_letters", workspaceID, now)
	if err := a.put(ctx, key, archive); err != nil {
		return "", 0, err
	}
	a.logger.Info("dead letters archived", "workspace_id", workspaceID, "key", key, "count", len(jobs))
	return key, len(jobs), nil
}

// ArchiveAllDeadLetters archives every workspace that currently holds dead
// letters, returning the total number of jobs written. One failing workspace
// aborts the sweep so the next run retries it.
func (a *Archiver) ArchiveAllDeadLetters(ctx context.Context, limitPerWorkspace int) (int, error) {
	workspaces, err := a.jobs.DeadLetterWorkspaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list dead-letter workspaces: %w", err)
	}
	total := 0
	for _, workspaceID := range workspaces {
		_, count, err := a.ArchiveDeadLetters(ctx, workspaceID, limitPerWorkspace)
		if err != nil {
			return total, err
		}
		total += count
	}
	return total, nil
}

// ArchiveShadowReport snapshots the shadow agreement report for the date
// range (inclusive, YYYY-MM-DD) and returns the object key.
func (a *Archiver) ArchiveShadowReport(ctx context.Context, workspaceID, startDate, endDate, section string, limit int) (string, error) {
	report, err := a.shadow.Report(ctx, workspaceID, startDate, endDate, section, limit)
	if err != nil {
		return "", fmt.Errorf("build shadow report: %w", err)
	}

	now := a.now().UTC()
	archive := shadowReportArchive{
		WorkspaceID: workspaceID,
		ArchivedAt:  now.Format(time.RFC3339),
		StartDate:   startDate,
		EndDate:     endDate,
		Report:      report,
	}

	key := a.key("shadow_reports", workspaceID, now)
	if err := a.put(ctx, key, archive); err != nil {
		return "", err
	}
	a.logger.Info("shadow report archived", "workspace_id", workspaceID, "key", key)
	return key, nil
}

func (a *Archiver) key(kind, workspaceID string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", a.prefix, kind, workspaceID, at.Format("2006-01-02T15-04-05Z"))
}

func (a *Archiver) put(ctx context.Context, key string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	if err := a.sink.Put(ctx, key, body); err != nil {
		return err
	}
	return nil
}
