package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// newRouter carries the middleware and health endpoints shared by every
// service.
func newRouter(health *HealthHandler, logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	if health == nil {
		health = NewHealthHandler("", "")
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	return r
}

type AppointmentRouterConfig struct {
	Service       AppointmentService
	CreateTimeout time.Duration // overall deadline of POST /appointments, zero for none
	Health        *HealthHandler
	Logger        zerolog.Logger
}

func NewAppointmentRouter(cfg AppointmentRouterConfig) http.Handler {
	r := newRouter(cfg.Health, cfg.Logger)

	r.Post("/appointments", createAppointmentHandler(cfg.Service, cfg.CreateTimeout, cfg.Logger))
	r.Get("/appointments", listAppointmentsHandler(cfg.Service, cfg.Logger))
	r.Get("/appointments/doctor/{doctorId}", listDoctorAppointmentsHandler(cfg.Service, cfg.Logger))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service, cfg.Logger))
	r.Put("/appointments/{id}", updateAppointmentHandler(cfg.Service, cfg.Logger))
	r.Delete("/appointments/{id}", cancelAppointmentHandler(cfg.Service, cfg.Logger))

	return r
}

type BillingRouterConfig struct {
	Service  BillingService
	Currency string
	Health   *HealthHandler
	Logger   zerolog.Logger
}

func NewBillingRouter(cfg BillingRouterConfig) http.Handler {
	r := newRouter(cfg.Health, cfg.Logger)

	r.Get("/invoices", listInvoicesHandler(cfg.Service, cfg.Logger))
	r.Post("/invoices", createInvoiceHandler(cfg.Service, cfg.Logger))
	r.Get("/invoices/{id}", getInvoiceHandler(cfg.Service, cfg.Logger))
	r.Patch("/invoices/{id}", updateInvoiceHandler(cfg.Service, cfg.Logger))
	r.Get("/invoices/{id}/payments", listPaymentsHandler(cfg.Service, cfg.Logger))
	r.Post("/payments", recordPaymentHandler(cfg.Service, cfg.Logger))
	r.Get("/outstanding/{email}", outstandingHandler(cfg.Service, cfg.Currency, cfg.Logger))

	return r
}

type NotificationRouterConfig struct {
	Sender NotificationSender
	Health *HealthHandler
	Logger zerolog.Logger
}

func NewNotificationRouter(cfg NotificationRouterConfig) http.Handler {
	r := newRouter(cfg.Health, cfg.Logger)

	r.Post("/notifications/send", sendNotificationHandler(cfg.Sender, cfg.Logger))

	return r
}
