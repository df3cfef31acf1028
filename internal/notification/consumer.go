package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

// Deduper remembers event ids. First reports whether key is seen for the
// first time and records it.
type Deduper interface {
	First(ctx context.Context, key string) (bool, error)
}

// MemoryDeduper is a process local Deduper without expiry.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) First(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = struct{}{}
	return true, nil
}

var appointmentTemplates = map[events.AppointmentEventType][2]string{
	events.AppointmentCreated:   {TemplateAppointmentCreatedSMS, TemplateAppointmentCreatedEmail},
	events.AppointmentUpdated:   {TemplateAppointmentUpdatedSMS, TemplateAppointmentUpdatedEmail},
	events.AppointmentCancelled: {TemplateAppointmentCancelledSMS, TemplateAppointmentCancelledEmail},
}

var paymentTemplates = map[string]string{
	events.KeyInvoiceCreated:  TemplateInvoiceCreated,
	events.KeyPaymentReceived: TemplatePaymentReceived,
	events.KeyPaymentOverdue:  TemplatePaymentOverdue,
}

// Consumer turns appointment and billing events into patient messages.
// Delivery failures never fail the event.
type Consumer struct {
	dispatcher *Dispatcher
	templates  *Templates
	dedupe     Deduper
	currency   string
	location   *time.Location
	logger     zerolog.Logger
}

func NewConsumer(dispatcher *Dispatcher, dedupe Deduper, currency string, logger zerolog.Logger) *Consumer {
	if dedupe == nil {
		dedupe = NewMemoryDeduper()
	}
	return &Consumer{
		dispatcher: dispatcher,
		templates:  NewTemplates(),
		dedupe:     dedupe,
		currency:   currency,
		location:   time.Local,
		logger:     logger,
	}
}

func (c *Consumer) HandleAppointmentEvent(ctx context.Context, d broker.Delivery) error {
	ev, err := events.DecodeAppointmentEvent(d.Body)
	if err != nil {
		c.poison(d, err)
		return nil
	}

	ids, ok := appointmentTemplates[ev.EventType]
	if !ok {
		c.logger.Warn().Str("event_type", string(ev.EventType)).Msg("unknown appointment event type")
		return nil
	}
	if !c.first(ctx, ev.EventID) {
		return nil
	}

	data := map[string]string{
		"patient_name": ev.PatientFullName(),
		"doctor_name":  ev.DoctorName,
		"date":         FormatDate(ev.ScheduledAt.In(c.location)),
		"reason":       ev.Reason,
		"status":       ev.Status,
	}
	c.send(ctx, ids[0], ev.PatientPhone, data)
	c.send(ctx, ids[1], ev.PatientEmail, data)

	c.logger.Info().
		Str("event_type", string(ev.EventType)).
		Str("appointment_id", ev.AppointmentID.String()).
		Msg("appointment notifications handled")
	return nil
}

// HandlePaymentEvent emails the patient. Billing events carry no phone number.
func (c *Consumer) HandlePaymentEvent(ctx context.Context, d broker.Delivery) error {
	ev, err := events.DecodePaymentEvent(d.Body)
	if err != nil {
		c.poison(d, err)
		return nil
	}

	id, ok := paymentTemplates[ev.EventType]
	if !ok {
		c.logger.Warn().Str("event_type", ev.EventType).Msg("unknown payment event type")
		return nil
	}
	if !c.first(ctx, ev.EventID) {
		return nil
	}

	currency := ev.Currency
	if currency == "" {
		currency = c.currency
	}
	c.send(ctx, id, ev.PatientEmail, map[string]string{
		"patient_name": ev.PatientName,
		"invoice_id":   ev.InvoiceID.String(),
		"amount":       FormatAmount(ev.Amount, currency),
		"status":       ev.Status,
	})

	c.logger.Info().
		Str("event_type", ev.EventType).
		Str("invoice_id", ev.InvoiceID.String()).
		Msg("payment notification handled")
	return nil
}

func (c *Consumer) send(ctx context.Context, templateID, to string, data map[string]string) {
	tpl, err := c.templates.Render(templateID, data)
	if err != nil {
		c.logger.Error().Err(err).Msg("render notification")
		return
	}
	c.dispatcher.Notify(ctx, Message{Kind: tpl.Kind, Destination: to, Subject: tpl.Subject, Body: tpl.Body})
}

// first fails open when the deduper errors.
func (c *Consumer) first(ctx context.Context, eventID uuid.UUID) bool {
	if eventID == uuid.Nil {
		return true
	}
	ok, err := c.dedupe.First(ctx, "notification:event:"+eventID.String())
	if err != nil {
		c.logger.Warn().Err(err).Str("event_id", eventID.String()).Msg("dedupe unavailable")
		return true
	}
	if !ok {
		c.logger.Info().Str("event", "duplicate_event").Str("event_id", eventID.String()).Msg("event already notified")
	}
	return ok
}

func (c *Consumer) poison(d broker.Delivery, err error) {
	c.logger.Error().
		Err(err).
		Str("event", "poison_message").
		Str("message_id", d.ID).
		Str("routing_key", d.RoutingKey).
		Msg("dropping undecodable event")
}
