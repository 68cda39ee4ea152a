// Package scheduler runs recurring backups from persisted cron definitions
// and chains the post-run steps (archiving, retention) onto each fire.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/mailvault/mailvault/internal/archive"
	"github.com/mailvault/mailvault/internal/backup"
	"github.com/mailvault/mailvault/internal/retention"
	"github.com/mailvault/mailvault/internal/store"
)

// incrementalLookback is the window used when an incremental schedule has
// never run before, and always for full-kind schedules.
const incrementalLookback = 24 * time.Hour

// tempCleanupSpec fires the nightly staging-directory sweep.
const tempCleanupSpec = "0 2 * * *"

// Scheduler owns the cron runner and the mapping from config ids to cron
// entries. All methods are safe for concurrent use.
type Scheduler struct {
	store       *store.Store
	backups     *backup.Service
	archiver    *archive.Archiver
	retention   *retention.Enforcer
	waitTimeout time.Duration

	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Status is the externally visible state of one schedule.
type Status struct {
	Config    store.ScheduleConfig `json:"config"`
	NextRun   time.Time            `json:"next_run,omitzero"`
	LastError *store.ErrorEntry    `json:"last_error,omitempty"`
}

// New creates a Scheduler. waitTimeout bounds how long a fire waits for its
// backup job before giving up on the chained steps.
func New(st *store.Store, backups *backup.Service, archiver *archive.Archiver, enforcer *retention.Enforcer, waitTimeout time.Duration) *Scheduler {
	return &Scheduler{
		store:       st,
		backups:     backups,
		archiver:    archiver,
		retention:   enforcer,
		waitTimeout: waitTimeout,
		cron:        cron.New(),
		entries:     make(map[string]cron.EntryID),
	}
}

// Start loads every active config from the store, schedules it, registers
// the nightly temp cleanup and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	configs, err := s.store.ListScheduleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load schedule configs: %w", err)
	}

	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		if err := s.schedule(cfg); err != nil {
			log.WithError(err).WithField("config", cfg.ID).Error("skipping unschedulable config")
		}
	}

	if _, err := s.cron.AddFunc(tempCleanupSpec, func() {
		s.archiver.CleanTempDir(24 * time.Hour)
	}); err != nil {
		return fmt.Errorf("register temp cleanup: %w", err)
	}

	s.cron.Start()
	log.WithField("schedules", len(s.entries)).Info("scheduler started")
	return nil
}

// Stop halts the cron runner and waits for in-flight fires to return.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Upsert persists a config and reschedules it. An inactive config is
// persisted but removed from the runner.
func (s *Scheduler) Upsert(ctx context.Context, cfg store.ScheduleConfig) error {
	if cfg.Mailbox == "" {
		return fmt.Errorf("mailbox is required")
	}
	if _, err := cron.ParseStandard(cfg.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cfg.CronExpr, err)
	}

	// Config edits keep the run state of the row they replace.
	if cfg.LastRun.IsZero() {
		existing, err := s.store.GetScheduleConfig(ctx, cfg.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			cfg.LastRun = existing.LastRun
			cfg.NextRun = existing.NextRun
		}
	}

	if err := s.store.UpsertScheduleConfig(ctx, &cfg); err != nil {
		return err
	}

	if !cfg.Active {
		s.unschedule(cfg.ID)
		return nil
	}
	return s.schedule(cfg)
}

// Remove unschedules a config and deletes its row.
func (s *Scheduler) Remove(ctx context.Context, id string) error {
	s.unschedule(id)
	return s.store.DeleteScheduleConfig(ctx, id)
}

// Statuses reports every persisted config with its next fire time and most
// recent failure.
func (s *Scheduler) Statuses(ctx context.Context) ([]Status, error) {
	configs, err := s.store.ListScheduleConfigs(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(configs))
	for _, cfg := range configs {
		st := Status{Config: cfg}
		if next, ok := s.nextRun(cfg.ID); ok {
			st.NextRun = next
		}
		entry, err := s.store.ErrorLog(ctx, cfg.ID)
		if err != nil {
			return nil, err
		}
		st.LastError = entry
		out = append(out, st)
	}
	return out, nil
}

// schedule registers the config with the cron runner, replacing any earlier
// entry for the same id.
func (s *Scheduler) schedule(cfg store.ScheduleConfig) error {
	s.unschedule(cfg.ID)

	id, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.fire(cfg.ID)
	})
	if err != nil {
		return fmt.Errorf("schedule config %s: %w", cfg.ID, err)
	}

	s.mu.Lock()
	s.entries[cfg.ID] = id
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

func (s *Scheduler) nextRun(id string) (time.Time, bool) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(entryID).Next, true
}

// fire executes one scheduled run end to end. Every failure path lands in
// the config's error log; a failing config stays scheduled and fires again
// next time.
func (s *Scheduler) fire(configID string) {
	ctx := context.Background()

	cfg, err := s.store.GetScheduleConfig(ctx, configID)
	if err != nil {
		log.WithError(err).WithField("config", configID).Error("scheduled fire aborted")
		return
	}
	if cfg == nil || !cfg.Active {
		return
	}

	logger := log.WithFields(log.Fields{"config": cfg.ID, "mailbox": cfg.Mailbox})
	logger.Info("scheduled backup firing")

	if err := s.runOnce(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("scheduled backup failed")
		if logErr := s.store.UpsertErrorLog(ctx, cfg.ID, err.Error(), time.Now().UTC()); logErr != nil {
			logger.WithError(logErr).Warn("failed to record schedule error")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, cfg *store.ScheduleConfig, logger *log.Entry) error {
	now := time.Now().UTC()
	window := s.window(cfg, now)

	jobID, err := s.backups.StartScheduled(ctx, backup.Options{
		Mailbox:            cfg.Mailbox,
		Kind:               cfg.Kind,
		StartDate:          window,
		EndDate:            now,
		IncludeAttachments: cfg.IncludeAttachments,
		MaxEmailSizeMB:     cfg.MaxEmailSizeMB,
	})
	if err != nil {
		return fmt.Errorf("start backup: %w", err)
	}

	status, err := s.backups.Wait(ctx, jobID, s.waitTimeout)
	if err != nil {
		if errors.Is(err, backup.ErrWaitTimeout) {
			// The job keeps running; only the chained steps are skipped.
			return fmt.Errorf("job %s still running after %s", jobID, s.waitTimeout)
		}
		return fmt.Errorf("wait for job %s: %w", jobID, err)
	}
	if status == store.JobFailed {
		job, jerr := s.store.GetJob(ctx, jobID)
		if jerr == nil && job != nil && job.ErrorMessage != "" {
			return fmt.Errorf("job %s failed: %s", jobID, job.ErrorMessage)
		}
		return fmt.Errorf("job %s failed", jobID)
	}

	if cfg.ZipEnabled {
		if _, err := s.archiver.ArchiveDay(ctx, cfg.Mailbox, now, cfg.IncludeAttachments); err != nil {
			return fmt.Errorf("daily archive: %w", err)
		}
	}

	// The next incremental resumes exactly where this window ended.
	next, _ := s.nextRun(cfg.ID)
	if err := s.store.UpdateScheduleRun(ctx, cfg.ID, now, next); err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if cfg.RetentionDays > 0 {
		if _, err := s.retention.Enforce(ctx, cfg.Mailbox, cfg.RetentionDays); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}

	logger.WithField("job", jobID).Info("scheduled backup finished")
	return nil
}

// window picks the start of the backup window. Incremental schedules resume
// from their last successful run; everything else looks back a fixed day.
func (s *Scheduler) window(cfg *store.ScheduleConfig, now time.Time) time.Time {
	if cfg.Kind == store.KindIncremental && !cfg.LastRun.IsZero() {
		return cfg.LastRun
	}
	return now.Add(-incrementalLookback)
}
