package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-event-pipeline/internal/billing"
	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/db"
	"github.com/hackgods/clinic-event-pipeline/internal/logging"
)

var defaultPricing = []billing.Pricing{
	{Specialty: "Médecine Générale", ConsultationFee: decimal.RequireFromString("150.00"), Description: "Consultation de médecine générale"},
	{Specialty: "Cardiologie", ConsultationFee: decimal.RequireFromString("300.00"), Description: "Consultation de cardiologie"},
	{Specialty: "Dermatologie", ConsultationFee: decimal.RequireFromString("250.00"), Description: "Consultation de dermatologie"},
	{Specialty: "Pédiatrie", ConsultationFee: decimal.RequireFromString("200.00"), Description: "Consultation de pédiatrie"},
	{Specialty: "Gynécologie", ConsultationFee: decimal.RequireFromString("250.00"), Description: "Consultation de gynécologie"},
	{Specialty: "Ophtalmologie", ConsultationFee: decimal.RequireFromString("250.00"), Description: "Consultation d'ophtalmologie"},
	{Specialty: "Neurologie", ConsultationFee: decimal.RequireFromString("350.00"), Description: "Consultation de neurologie"},
	{Specialty: "Orthopédie", ConsultationFee: decimal.RequireFromString("300.00"), Description: "Consultation d'orthopédie"},
	{Specialty: "Psychiatrie", ConsultationFee: decimal.RequireFromString("400.00"), Description: "Consultation de psychiatrie"},
	{Specialty: "ORL", ConsultationFee: decimal.RequireFromString("250.00"), Description: "Consultation ORL"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("prod", "seed")
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, "seed")

	if err := cfg.RequirePostgres(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	if err := seedPricing(ctx, billing.NewPgRepository(pool), logger); err != nil {
		logger.Fatal().Err(err).Msg("seed pricing")
	}

	logger.Info().Msg("seed complete")
}

func seedPricing(ctx context.Context, repo billing.Repository, logger zerolog.Logger) error {
	logger.Info().Int("specialties", len(defaultPricing)).Msg("seeding pricing")

	for _, p := range defaultPricing {
		if err := repo.UpsertPricing(ctx, p); err != nil {
			return err
		}
	}

	logger.Info().Msg("pricing seeded")
	return nil
}
