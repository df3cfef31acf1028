package billing

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

func delivery(t *testing.T, ev events.AppointmentEvent) broker.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	key, _ := ev.EventType.RoutingKey()
	return broker.Delivery{ID: uuid.NewString(), Topic: events.TopicAppointments, RoutingKey: key, Body: body}
}

func TestConsumer_HandleAppointmentEvent(t *testing.T) {
	svc, repo, pub := newTestService(t, "0")
	c := NewConsumer(svc, zerolog.Nop())
	ctx := context.Background()

	created := createdEvent("Cardiologie")
	updated := created
	updated.EventType = events.AppointmentUpdated
	cancelled := created
	cancelled.EventType = events.AppointmentCancelled

	for _, d := range []broker.Delivery{
		delivery(t, created),
		delivery(t, updated),
		delivery(t, created), // duplicate
		delivery(t, cancelled),
		{ID: "bad", RoutingKey: events.KeyAppointmentCreated, Body: []byte("{not json")},
	} {
		if err := c.HandleAppointmentEvent(ctx, d); err != nil {
			t.Fatalf("delivery %s: %v", d.ID, err)
		}
	}

	all, _ := repo.ListInvoices(ctx, InvoiceFilter{})
	if len(all) != 1 {
		t.Fatalf("invoices = %d, want 1", len(all))
	}
	if all[0].AppointmentID != created.AppointmentID || all[0].Status != InvoicePending {
		t.Errorf("invoice = %+v", all[0])
	}
	if n := len(pub.byKey(t, events.KeyInvoiceCreated)); n != 1 {
		t.Errorf("invoice.created = %d, want 1", n)
	}
}

func TestConsumer_InvalidEventIsDropped(t *testing.T) {
	svc, repo, _ := newTestService(t, "0")
	c := NewConsumer(svc, zerolog.Nop())

	ev := createdEvent("Cardiologie")
	ev.PatientEmail = "not-an-email"
	if err := c.HandleAppointmentEvent(context.Background(), delivery(t, ev)); err != nil {
		t.Fatalf("validation failures must not be redelivered: %v", err)
	}
	all, _ := repo.ListInvoices(context.Background(), InvoiceFilter{})
	if len(all) != 0 {
		t.Errorf("invoices = %d, want 0", len(all))
	}
}

func TestConsumer_RedeliveryRepublishesPendingInvoice(t *testing.T) {
	svc, _, pub := newTestService(t, "0")
	c := NewConsumer(svc, zerolog.Nop())
	ctx := context.Background()

	ev := createdEvent("Cardiologie")
	if err := c.HandleAppointmentEvent(ctx, delivery(t, ev)); err != nil {
		t.Fatal(err)
	}

	// the broker hands the same event back after the first run died before acking
	again := delivery(t, ev)
	again.Redelivered = true
	if err := c.HandleAppointmentEvent(ctx, again); err != nil {
		t.Fatal(err)
	}
	created := pub.byKey(t, events.KeyInvoiceCreated)
	if len(created) != 2 || created[0].InvoiceID != created[1].InvoiceID {
		t.Fatalf("invoice.created = %+v, want the same invoice twice", created)
	}

	// once paid, a late redelivery has nothing to announce
	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: created[0].InvoiceID, Amount: dec("1000"), Method: MethodCard}); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleAppointmentEvent(ctx, again); err != nil {
		t.Fatal(err)
	}
	if n := len(pub.byKey(t, events.KeyInvoiceCreated)); n != 2 {
		t.Errorf("invoice.created = %d after paid redelivery, want 2", n)
	}
}

type failingRepo struct {
	*MemoryRepository
	err error
}

func (r failingRepo) InsertInvoiceIfAbsent(context.Context, Invoice) (*Invoice, bool, error) {
	return nil, false, r.err
}

func TestConsumer_StorageErrorIsReturned(t *testing.T) {
	boom := errors.New("connection reset")
	repo := failingRepo{MemoryRepository: NewMemoryRepository(), err: boom}
	svc := NewService(repo, &recordingPublisher{}, Settings{Currency: "MAD"}, zerolog.Nop())
	c := NewConsumer(svc, zerolog.Nop())

	err := c.HandleAppointmentEvent(context.Background(), delivery(t, createdEvent("Cardiologie")))
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want storage error for redelivery", err)
	}
}
