package billing

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

// Consumer feeds appointment events from the billing queue into the service.
type Consumer struct {
	svc    *Service
	logger zerolog.Logger
}

func NewConsumer(svc *Service, logger zerolog.Logger) *Consumer {
	return &Consumer{svc: svc, logger: logger}
}

// HandleAppointmentEvent creates the invoice for CREATED events and ignores
// the rest. Undecodable payloads are dropped; storage errors are returned so
// the broker redelivers.
func (c *Consumer) HandleAppointmentEvent(ctx context.Context, d broker.Delivery) error {
	ev, err := events.DecodeAppointmentEvent(d.Body)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("event", "poison_message").
			Str("message_id", d.ID).
			Str("routing_key", d.RoutingKey).
			Msg("dropping undecodable appointment event")
		return nil
	}

	if ev.EventType != events.AppointmentCreated {
		c.logger.Debug().
			Str("event_type", string(ev.EventType)).
			Str("appointment_id", ev.AppointmentID.String()).
			Msg("ignoring appointment event")
		return nil
	}

	inv, created, err := c.svc.CreateInvoiceForAppointment(ctx, ev)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			c.logger.Error().Err(err).Str("appointment_id", ev.AppointmentID.String()).Msg("cannot invoice appointment")
			return nil
		}
		return err
	}

	// a redelivered CREATED that finds the invoice may follow a crash between
	// insert and publish, so invoice.created goes out again
	if !created && d.Redelivered {
		c.svc.RepublishInvoiceCreated(ctx, inv)
	}

	c.logger.Info().
		Str("appointment_id", ev.AppointmentID.String()).
		Str("invoice_id", inv.ID.String()).
		Bool("created", created).
		Bool("redelivered", d.Redelivered).
		Msg("appointment event handled")
	return nil
}
