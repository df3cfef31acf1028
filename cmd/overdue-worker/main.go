package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/billing"
	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/db"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
	"github.com/hackgods/clinic-event-pipeline/internal/logging"
	redisclient "github.com/hackgods/clinic-event-pipeline/internal/redis"
)

const (
	serviceName = "overdue-worker"
	sweepJob    = "overdue-sweep"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("prod", serviceName)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, serviceName)

	if err := cfg.RequirePostgres(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Str("env", cfg.Env).
		Str("schedule", cfg.OverdueSchedule).
		Dur("lock_ttl", cfg.LockTTL).
		Msg("overdue-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	rdb, err := redisclient.NewClient(rootCtx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	hostname, _ := os.Hostname()
	bus, err := broker.New(cfg, events.DefaultTopology(), rdb, serviceName+"-"+hostname, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker setup error")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing broker")
		}
	}()

	svc := billing.NewService(billing.NewPgRepository(pgPool), bus, billing.SettingsFromConfig(cfg), logger)
	locker := redisclient.NewLocker(rdb, serviceName+"-"+hostname, cfg.LockTTL)

	sweep := func() { runOnce(rootCtx, svc, locker, logger) }

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(cfg.OverdueSchedule, sweep); err != nil {
		logger.Fatal().Err(err).Str("schedule", cfg.OverdueSchedule).Msg("invalid overdue schedule")
	}

	// Run once at startup
	sweep()

	c.Start()
	<-rootCtx.Done()

	logger.Info().Msg("shutdown signal received, stopping overdue worker")
	<-c.Stop().Done()
}

func runOnce(ctx context.Context, svc *billing.Service, locker redisclient.Locker, logger zerolog.Logger) {
	start := time.Now()
	var moved int

	err := locker.WithLock(ctx, sweepJob, func(ctx context.Context) error {
		n, err := svc.MarkOverdue(ctx, time.Now())
		moved = n
		return err
	})
	var held *redisclient.HeldError
	switch {
	case errors.As(err, &held):
		logger.Info().
			Str("holder", held.Holder).
			Dur("expires_in", held.TTL).
			Msg("overdue sweep running on another replica, skipping")
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		logger.Info().Msg("overdue sweep running on another replica, skipping")
	case errors.Is(err, redisclient.ErrLockLost):
		logger.Warn().Err(err).Int("overdue", moved).Msg("overdue sweep outlived its lock, another replica may have overlapped")
	case err != nil:
		logger.Error().Err(err).Msg("overdue sweep error")
	default:
		logger.Info().Int("overdue", moved).Dur("took", time.Since(start)).Msg("overdue sweep complete")
	}
}
