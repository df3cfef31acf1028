package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/api"
	"github.com/hackgods/clinic-event-pipeline/internal/appointment"
	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/db"
	"github.com/hackgods/clinic-event-pipeline/internal/directory"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
	"github.com/hackgods/clinic-event-pipeline/internal/logging"
	redisclient "github.com/hackgods/clinic-event-pipeline/internal/redis"
	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

const (
	serviceName = "appointment-service"
	version     = "1.0.0"
	relayBatch  = 100

	// time left for persisting and publishing once the doctor lookup used its budget
	createStoreMargin = 5 * time.Second
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
		Str("http_port", cfg.HTTPPort).
		Str("broker", cfg.BrokerDriver).
		Str("doctor_directory", cfg.DoctorDirectoryURL).
		Msg("appointment-service starting up")

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

	var rdb *redis.Client
	if cfg.BrokerDriver == "redis" {
		rdb, err = redisclient.NewClient(rootCtx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Msg("connected to Redis")
	}

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

	lookup := directory.NewGuardedLookup(
		directory.NewHTTPClient(cfg.DoctorDirectoryURL, cfg.DoctorLookup.Retry.AttemptTimeout),
		cfg.DoctorLookup,
		resilience.NewLogObserver(logger),
	)

	svc := appointment.NewService(appointment.NewPgRepository(pgPool), lookup, bus, logger)

	health := api.NewHealthHandler(cfg.Env, version,
		api.Check{Name: "postgres", Critical: true, Probe: pgPool.Ping},
		api.Check{Name: "broker", Critical: true, Probe: bus.Ping},
		api.Check{
			Name: "doctor_directory",
			Probe: func(context.Context) error {
				if lookup.State() == resilience.StateOpen {
					return errors.New("circuit open")
				}
				return nil
			},
			Detail: func() string { return string(lookup.State()) },
		},
	)

	go relayOutbox(rootCtx, svc, cfg.OutboxRelayInterval, logger)

	router := api.NewAppointmentRouter(api.AppointmentRouterConfig{
		Service:       svc,
		CreateTimeout: cfg.DoctorLookup.Budget() + createStoreMargin,
		Health:        health,
		Logger:        logger,
	})

	if err := api.Serve(rootCtx, cfg.HTTPPort, router, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}

	logger.Info().Msg("shutting down appointment-service")
}

// relayOutbox republishes events whose first publish failed.
func relayOutbox(ctx context.Context, svc *appointment.Service, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			n, err := svc.RelayPending(runCtx, relayBatch)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("outbox relay error")
				continue
			}
			if n > 0 {
				logger.Info().Int("published", n).Msg("outbox relay complete")
			}
		}
	}
}
