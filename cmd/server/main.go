package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"bustrack-svr/internal/buffer"
	"bustrack-svr/internal/config"
	"bustrack-svr/internal/dedup"
	"bustrack-svr/internal/dispatcher"
	"bustrack-svr/internal/identity"
	"bustrack-svr/internal/jobs"
	"bustrack-svr/internal/observability"
	"bustrack-svr/internal/realtime"
	"bustrack-svr/internal/server"
	"bustrack-svr/internal/store"
	"bustrack-svr/internal/trip"
)

func main() {
	logger := observability.NewLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := store.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	db, err := store.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Error("postgres connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	pub := realtime.NewRedisPublisher(cache.Client())
	locks := dedup.NewLocks(cache, logger)

	resolver := identity.NewResolver(cfg.IdentityTTL, cache, db, logger)
	go resolver.Run(ctx)

	buf := buffer.New(db, cfg.BufferMaxPoints, cfg.MinBufferDeltaM, cfg.FlushInterval, logger)

	queue := jobs.NewQueue(cache.Client(), jobs.QueueConfig{
		MaxAttempts: cfg.JobMaxAttempts,
		BackoffBase: cfg.JobBackoffBase,
		Workers:     cfg.JobWorkers,
		FailedMax:   int64(cfg.FailedJobsMax),
	}, logger)
	jobs.NewHandlers(db, db, pub, logger).RegisterAll(queue)

	machine := trip.NewMachine(trip.Config{
		ProximityRadiusM:  cfg.ProximityRadiusM,
		MinMovingSpeedKmh: cfg.MinMovingSpeedKmh,
		EndSpeedKmh:       cfg.EndSpeedKmh,
		InactivityEnd:     cfg.InactivityEnd,
		EndLockTTL:        cfg.AlertDedupTTL,
	}, db, buf, locks, queue, pub, logger)

	disp := dispatcher.New(dispatcher.Config{
		CacheWriteInterval: cfg.CacheWriteInterval,
		OverspeedLimitKmh:  cfg.OverspeedLimitKmh,
		AlertDedupTTL:      cfg.AlertDedupTTL,
		PositionTTL:        cfg.PositionTTL,
	}, resolver, cache, locks, db, machine, pub, logger)

	scheduler := jobs.NewScheduler(jobs.SchedulerConfig{
		AnalyticsCron:      cfg.AnalyticsCron,
		CleanupCron:        cfg.CleanupCron,
		TripRetentionDays:  cfg.TripRetentionDays,
		AlertRetentionDays: cfg.AlertRetentionDays,
	}, queue, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "err", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	go observability.StartMetricsServer(cfg.MetricsAddr)
	go buf.Run(ctx)

	workersDone := make(chan struct{})
	go func() {
		queue.Run(ctx)
		close(workersDone)
	}()

	srv := server.New(cfg.TCPAddr, cfg.IdleTimeout, disp, logger)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}

	// connections drained; push any remaining batches and wait for the
	// workers before the deferred pool closes
	buf.FlushAll(context.Background())
	<-workersDone
	logger.Info("shutdown complete")
}
