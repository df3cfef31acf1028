package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-event-pipeline/internal/api"
	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
	"github.com/hackgods/clinic-event-pipeline/internal/logging"
	"github.com/hackgods/clinic-event-pipeline/internal/notification"
	redisclient "github.com/hackgods/clinic-event-pipeline/internal/redis"
	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

const (
	serviceName = "notification-service"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("prod", serviceName)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, serviceName)

	logger.Info().
		Str("env", cfg.Env).
		Str("http_port", cfg.HTTPPort).
		Str("broker", cfg.BrokerDriver).
		Bool("sms_gateway", cfg.SMSGatewayURL != "").
		Bool("email_api", cfg.EmailAPIURL != "").
		Msg("notification-service starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis backs event dedupe even when another broker driver is used.
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

	dispatcher := notification.NewDispatcher(
		notification.NewTransport(cfg, logger),
		resilience.NewPolicy(cfg.NotifyRetry),
		logger,
	)
	consumer := notification.NewConsumer(
		dispatcher,
		redisclient.NewDeduper(rdb, cfg.NotifyDedupeTTL),
		cfg.Currency,
		logger,
	)

	health := api.NewHealthHandler(cfg.Env, version,
		api.Check{Name: "broker", Critical: true, Probe: bus.Ping},
		api.Check{Name: "redis", Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)

	router := api.NewNotificationRouter(api.NotificationRouterConfig{
		Sender: dispatcher,
		Health: health,
		Logger: logger,
	})

	subscriptions := map[string]broker.Handler{
		events.QueueAppointmentNotifications: consumer.HandleAppointmentEvent,
		events.QueueBillingNotifications:     consumer.HandlePaymentEvent,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	for queue, handler := range subscriptions {
		g.Go(func() error {
			logger.Info().Str("queue", queue).Msg("consuming")
			err := bus.Subscribe(ctx, queue, handler)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		return api.Serve(ctx, cfg.HTTPPort, router, cfg.ShutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("notification-service stopped with error")
	}

	logger.Info().
		Int64("sent", dispatcher.Sent()).
		Int64("failed", dispatcher.Failed()).
		Msg("shutting down notification-service")
}
