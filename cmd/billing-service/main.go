package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-event-pipeline/internal/api"
	"github.com/hackgods/clinic-event-pipeline/internal/billing"
	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/db"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
	"github.com/hackgods/clinic-event-pipeline/internal/logging"
	redisclient "github.com/hackgods/clinic-event-pipeline/internal/redis"
)

const (
	serviceName = "billing-service"
	version     = "1.0.0"
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
		Float64("tax_rate", cfg.TaxRate).
		Str("currency", cfg.Currency).
		Msg("billing-service starting up")

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

	svc := billing.NewService(billing.NewPgRepository(pgPool), bus, billing.SettingsFromConfig(cfg), logger)
	consumer := billing.NewConsumer(svc, logger)

	health := api.NewHealthHandler(cfg.Env, version,
		api.Check{Name: "postgres", Critical: true, Probe: pgPool.Ping},
		api.Check{Name: "broker", Critical: true, Probe: bus.Ping},
	)

	router := api.NewBillingRouter(api.BillingRouterConfig{
		Service:  svc,
		Currency: cfg.Currency,
		Health:   health,
		Logger:   logger,
	})

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info().Str("queue", events.QueueAppointmentBilling).Msg("consuming")
		err := bus.Subscribe(ctx, events.QueueAppointmentBilling, consumer.HandleAppointmentEvent)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return api.Serve(ctx, cfg.HTTPPort, router, cfg.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("billing-service stopped with error")
	}

	logger.Info().Msg("shutting down billing-service")
}
