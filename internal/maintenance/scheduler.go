package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"alfredmem/internal/domain"
	"alfredmem/internal/infra/config"
	"alfredmem/internal/infra/tracer"
	"alfredmem/internal/lock"
	"alfredmem/internal/usecase/scheduling"
)

// Scheduler drives the three periodic maintenance jobs (retention,
// deduplication, migration-detect) from cron/duration schedules, but only
// on the process that currently holds the web lock's owner role (§4.11,
// §5): every tick re-checks ownership and skips the run on a joiner, so
// starting the same binary on N processes against one storage directory
// never runs the jobs N times concurrently.
type Scheduler struct {
	sched     *scheduling.Scheduler
	lock      *lock.Lock
	retention *Retention
	dedup     *Dedup
	migrator  *Migrator
	logger    *slog.Logger

	mu      sync.Mutex
	history map[domain.MaintenanceJobKind]domain.MaintenanceRun
}

// NewScheduler wires the maintenance jobs onto a dedicated
// usecase/scheduling.Scheduler instance, gated by l.
func NewScheduler(l *lock.Lock, retention *Retention, dedup *Dedup, migrator *Migrator, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sched:     scheduling.NewScheduler(logger),
		lock:      l,
		retention: retention,
		dedup:     dedup,
		migrator:  migrator,
		logger:    logger,
		history:   make(map[domain.MaintenanceJobKind]domain.MaintenanceRun),
	}
}

// History returns the most recent recorded run of each maintenance job kind
// this process has executed as lock owner (joiners never populate an entry).
func (s *Scheduler) History() map[domain.MaintenanceJobKind]domain.MaintenanceRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.MaintenanceJobKind]domain.MaintenanceRun, len(s.history))
	for k, v := range s.history {
		out[k] = v
	}
	return out
}

func (s *Scheduler) record(job domain.MaintenanceJobKind, started time.Time, detail map[string]int, err error) {
	run := domain.MaintenanceRun{
		Job:       job,
		StartedAt: started,
		Duration:  time.Since(started),
		Success:   err == nil,
		Detail:    detail,
	}
	if err != nil {
		run.Error = err.Error()
	}
	s.mu.Lock()
	s.history[job] = run
	s.mu.Unlock()
}

// Start registers the retention/dedup/migration-detect actions per cfg's
// schedules and starts the underlying cron scheduler. Safe to call once.
func (s *Scheduler) Start(ctx context.Context, cfg config.MaintenanceConfig) error {
	s.sched.RegisterAction(scheduling.ActionAuditRetention, s.gated(func(ctx context.Context) error {
		ctx, span := tracer.StartSpan(ctx, "maintenance.retention")
		defer span.End()
		started := time.Now()
		result, err := s.retention.Run(ctx)
		s.record(domain.JobRetention, started, map[string]int{
			"deleted": result.Deleted, "user_count_after": result.UserCountAfter, "project_count_after": result.ProjectCountAfter,
		}, err)
		if err != nil {
			tracer.RecordError(span, err)
			return err
		}
		span.SetAttributes(tracer.IntAttr("deleted", result.Deleted))
		tracer.SetOK(span)
		return nil
	}))
	s.sched.RegisterAction(scheduling.ActionMemoryCurate, s.gated(func(ctx context.Context) error {
		ctx, span := tracer.StartSpan(ctx, "maintenance.dedup")
		defer span.End()
		started := time.Now()
		result, err := s.dedup.Run(ctx)
		s.record(domain.JobDeduplication, started, map[string]int{
			"exact_deleted": result.ExactDeleted, "near_deleted": result.NearDeleted, "repaired": result.Repaired,
		}, err)
		if err != nil {
			tracer.RecordError(span, err)
			return err
		}
		span.SetAttributes(
			tracer.IntAttr("exact_deleted", result.ExactDeleted),
			tracer.IntAttr("near_deleted", result.NearDeleted),
		)
		tracer.SetOK(span)
		return nil
	}))
	s.sched.RegisterAction(scheduling.ActionMigrationDetect, s.gated(func(ctx context.Context) error {
		ctx, span := tracer.StartSpan(ctx, "maintenance.migration_detect")
		defer span.End()
		started := time.Now()
		result, err := s.migrator.Detect(ctx)
		if err != nil {
			s.record(domain.JobMigrationDetect, started, nil, err)
			tracer.RecordError(span, err)
			return err
		}
		if result.NeedsMigration {
			s.logger.Warn("migration: drift detected", "mismatched_shards", len(result.Mismatched))
		}
		s.record(domain.JobMigrationDetect, started, map[string]int{"mismatched_shards": len(result.Mismatched)}, nil)
		span.SetAttributes(tracer.IntAttr("mismatched_shards", len(result.Mismatched)))
		tracer.SetOK(span)
		return nil
	}))

	if err := s.sched.AddTask(scheduling.ScheduledTask{
		Name: "retention", Schedule: cfg.RetentionSchedule, Action: scheduling.ActionAuditRetention,
	}); err != nil {
		return domain.WrapOp("maintenance.Scheduler.Start", err)
	}
	if err := s.sched.AddTask(scheduling.ScheduledTask{
		Name: "dedup", Schedule: cfg.DedupSchedule, Action: scheduling.ActionMemoryCurate,
	}); err != nil {
		return domain.WrapOp("maintenance.Scheduler.Start", err)
	}
	if err := s.sched.AddTask(scheduling.ScheduledTask{
		Name: "migration-detect", Schedule: cfg.MigrationSchedule, Action: scheduling.ActionMigrationDetect,
	}); err != nil {
		return domain.WrapOp("maintenance.Scheduler.Start", err)
	}

	return s.sched.Start(ctx)
}

// Stop halts the underlying scheduler, waiting for any in-flight job.
func (s *Scheduler) Stop() error { return s.sched.Stop() }

// gated wraps fn so it only runs when this process is the lock's current
// owner; a joiner's tick is a no-op rather than a race with the owner.
func (s *Scheduler) gated(fn func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		owner, err := s.lock.IsOwner()
		if err != nil {
			s.logger.Warn("maintenance: lock ownership check failed, skipping tick", "error", err)
			return nil
		}
		if !owner {
			return nil
		}
		return fn(ctx)
	}
}
