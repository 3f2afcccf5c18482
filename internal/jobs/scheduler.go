package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SchedulerConfig carries the cron expressions and retention windows.
type SchedulerConfig struct {
	AnalyticsCron      string
	CleanupCron        string
	TripRetentionDays  int
	AlertRetentionDays int
}

// Scheduler enqueues the recurring maintenance jobs on cron schedules.
// The jobs themselves run through the queue so they get the same retry
// semantics as everything else.
type Scheduler struct {
	cfg    SchedulerConfig
	queue  *Queue
	cron   *cron.Cron
	logger *slog.Logger
}

func NewScheduler(cfg SchedulerConfig, queue *Queue, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		queue:  queue,
		cron:   cron.New(),
		logger: logger.With("component", "scheduler"),
	}
}

// Start registers the entries and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.AnalyticsCron, func() { s.enqueueAnalytics(ctx) })
	if err != nil {
		return err
	}
	_, err = s.cron.AddFunc(s.cfg.CleanupCron, func() { s.enqueueCleanup(ctx) })
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		"analytics", s.cfg.AnalyticsCron, "cleanup", s.cfg.CleanupCron)
	return nil
}

// Stop stops the cron runner and waits for in-flight entries.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// enqueueAnalytics rolls up the previous calendar day; the schedule
// fires after midnight so that day is complete.
func (s *Scheduler) enqueueAnalytics(ctx context.Context) {
	day := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	if err := s.queue.Enqueue(ctx, KindAnalytics, AnalyticsPayload{Day: day}); err != nil {
		s.logger.Error("analytics enqueue failed", "day", day, "err", err)
	}
}

func (s *Scheduler) enqueueCleanup(ctx context.Context) {
	now := time.Now().UTC()
	payload := CleanupPayload{
		TripCutoff:  now.AddDate(0, 0, -s.cfg.TripRetentionDays),
		AlertCutoff: now.AddDate(0, 0, -s.cfg.AlertRetentionDays),
	}
	if err := s.queue.Enqueue(ctx, KindCleanup, payload); err != nil {
		s.logger.Error("cleanup enqueue failed", "err", err)
	}
}
