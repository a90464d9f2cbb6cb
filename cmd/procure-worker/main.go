// Command procure-worker runs the async consistency core: it drains the ERP
// outbox, projects domain events into analytics aggregates, and keeps the
// shadow-compare and confidence machinery fed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/openprocure/core/pkg/breaker"
	"github.com/openprocure/core/pkg/confidence"
	"github.com/openprocure/core/pkg/config"
	"github.com/openprocure/core/pkg/database"
	"github.com/openprocure/core/pkg/erp"
	"github.com/openprocure/core/pkg/events"
	"github.com/openprocure/core/pkg/eventstore"
	"github.com/openprocure/core/pkg/export"
	"github.com/openprocure/core/pkg/governance"
	"github.com/openprocure/core/pkg/observability"
	"github.com/openprocure/core/pkg/outbox"
	"github.com/openprocure/core/pkg/projection"
	"github.com/openprocure/core/pkg/shadow"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

// workerAdmission bridges the governance limiter onto the outbox's admission
// port.
type workerAdmission struct {
	limiter *governance.Limiter
}

func (a workerAdmission) TryAdmit(workspaceID string, backlog int) outbox.AdmitDecision {
	d := a.limiter.TryAdmitWorker(workspaceID, backlog)
	if !d.Allowed {
		a.limiter.NoteDeferred()
	}
	return outbox.AdmitDecision{Allowed: d.Allowed, Reason: d.Reason, RetryAfter: d.RetryAfter}
}

func (a workerAdmission) Release(workspaceID string) {
	a.limiter.ReleaseWorker(workspaceID)
}

func run(ctx context.Context) error {
	cfg := config.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))
	logger := slog.Default().With("component", "worker")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, cfg.ObservabilityConfig())
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()
	metrics := provider.Metrics()

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	estore := eventstore.New(db, eventstore.WithUpcasterChain(events.NewUpcasterChain()))
	projStore := projection.NewStore(db)
	jobs := outbox.NewStore(db)
	diffStore := shadow.NewDiffStore(db)
	migrations := []struct {
		name string
		run  func(context.Context) error
	}{
		{"eventstore", estore.Migrate},
		{"projection", projStore.Migrate},
		{"outbox", jobs.Migrate},
		{"shadow", diffStore.Migrate},
	}
	for _, m := range migrations {
		if err := m.run(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", m.name, err)
		}
	}

	dispatcher := projection.NewDispatcher(projStore,
		projection.WithDispatcherMetrics(metrics),
	)
	bus := events.NewBus(
		events.WithStore(estore),
		events.WithSchemaRegistry(events.NewRegistry()),
		events.WithObserver(metrics),
	)
	bus.Subscribe(dispatcher.Handler(), dispatcher.HandledTypes()...)

	gov := governance.NewLimiter(cfg.GovernanceOptions())
	brk := breaker.New(cfg.BreakerOptions(), breaker.WithMetrics(metrics))
	gateway := erp.NewSimulator(cfg.ErpSimulatorSeed)

	service := outbox.NewService(jobs, gateway, cfg.OutboxOptions(),
		outbox.WithPublisher(bus),
		outbox.WithBreaker(brk),
		outbox.WithAdmission(workerAdmission{limiter: gov}),
		outbox.WithMetrics(metrics),
	)

	var samples confidence.SampleStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer client.Close()
		samples = confidence.NewRedisStore(client, "")
		logger.Info("confidence samples shared via redis", "addr", cfg.RedisAddr)
	}
	controller := confidence.NewController(samples, cfg.ConfidenceOptions())

	engine := shadow.NewEngine(diffStore, cfg.ShadowOptions(),
		shadow.WithRecorder(controller),
		shadow.WithDegrader(gov),
		shadow.WithMetrics(metrics),
	)

	if cfg.ArchiveSink != "" {
		sink, err := buildSink(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init archive sink: %w", err)
		}
		archiver := export.NewArchiver(sink, jobs, engine, cfg.ArchivePrefix)
		go archiveLoop(ctx, logger, archiver)
	}

	// Per-workspace profiles get their own service with overridden retry
	// knobs. Job claims are atomic, so overlap with the default pass is safe.
	profiled := map[string]*outbox.Service{}
	if cfg.ProfilesDir != "" {
		profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			return fmt.Errorf("load workspace profiles: %w", err)
		}
		for workspaceID, profile := range profiles {
			profiled[workspaceID] = outbox.NewService(jobs, gateway, profile.ApplyOutbox(cfg.OutboxOptions()),
				outbox.WithPublisher(bus),
				outbox.WithBreaker(brk),
				outbox.WithAdmission(workerAdmission{limiter: gov}),
				outbox.WithMetrics(metrics),
			)
		}
		logger.Info("workspace profiles loaded", "count", len(profiles))
	}

	go reclaimLoop(ctx, logger, jobs, cfg.ErpRunningTimeout)

	logger.Info("worker started",
		"database", cfg.DatabaseDriver,
		"pass_rps", cfg.ErpOutboxPassRPS,
		"batch", cfg.ErpOutboxBatchSize,
	)

	pace := rate.NewLimiter(rate.Limit(cfg.ErpOutboxPassRPS), 1)
	for {
		if err := pace.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				logger.Info("worker stopping")
				return nil
			}
			return err
		}

		for workspaceID, svc := range profiled {
			runPass(ctx, logger, svc, workspaceID, cfg.ErpOutboxBatchSize)
		}
		runPass(ctx, logger, service, "", cfg.ErpOutboxBatchSize)
	}
}

func runPass(ctx context.Context, logger *slog.Logger, svc *outbox.Service, workspaceID string, batch int) {
	summary, err := svc.ProcessPass(ctx, workspaceID, batch)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("outbox pass failed", "workspace_id", workspaceID, "error", err)
		}
		return
	}
	if summary.Processed > 0 || summary.Deferred > 0 {
		logger.Info("outbox pass",
			"workspace_id", workspaceID,
			"processed", summary.Processed,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
			"requeued", summary.Requeued,
			"deferred", summary.Deferred,
		)
	}
}

// reclaimLoop requeues jobs whose worker died mid-flight.
func reclaimLoop(ctx context.Context, logger *slog.Logger, jobs *outbox.Store, runningTimeout time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := jobs.ReclaimStale(ctx, runningTimeout)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("stale job reclaim failed", "error", err)
				}
				continue
			}
			if n > 0 {
				logger.Warn("stale running jobs reclaimed", "count", n)
			}
		}
	}
}

// archiveLoop snapshots dead letters hourly for every workspace that holds
// any.
func archiveLoop(ctx context.Context, logger *slog.Logger, archiver *export.Archiver) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := archiver.ArchiveAllDeadLetters(ctx, 200)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("dead-letter archive failed", "error", err)
				}
				continue
			}
			if count > 0 {
				logger.Info("dead letters archived", "count", count)
			}
		}
	}
}

func buildSink(ctx context.Context, cfg *config.Config) (export.ObjectSink, error) {
	switch cfg.ArchiveSink {
	case "dir":
		return export.DirSink{Root: cfg.ArchiveDir}, nil
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return export.NewS3Sink(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket), nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect gcs: %w", err)
		}
		return export.NewGCSSink(client, cfg.ArchiveBucket), nil
	default:
		return nil, fmt.Errorf("unknown archive sink %q", cfg.ArchiveSink)
	}
}
