package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []broker.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg broker.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) byKey(t *testing.T, key string) []events.PaymentEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.PaymentEvent
	for _, m := range p.msgs {
		if m.RoutingKey != key {
			continue
		}
		ev, err := events.DecodePaymentEvent(m.Body)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T, taxRate string) (*Service, *MemoryRepository, *recordingPublisher) {
	t.Helper()
	repo := NewMemoryRepository()
	for _, p := range []Pricing{
		{Specialty: "Cardiologie", ConsultationFee: dec("300.00")},
		{Specialty: "Dermatologie", ConsultationFee: dec("199.99")},
	} {
		if err := repo.UpsertPricing(context.Background(), p); err != nil {
			t.Fatal(err)
		}
	}
	pub := &recordingPublisher{}
	svc := NewService(repo, pub, Settings{TaxRate: dec(taxRate), DueDays: 30, Currency: "MAD"}, zerolog.Nop())
	return svc, repo, pub
}

func createdEvent(specialty string) events.AppointmentEvent {
	return events.AppointmentEvent{
		EventID:          uuid.New(),
		EventType:        events.AppointmentCreated,
		AppointmentID:    uuid.New(),
		DoctorID:         1,
		DoctorName:       "Dr. Amine Benali",
		DoctorSpecialty:  specialty,
		PatientLastName:  "Alaoui",
		PatientFirstName: "Yasmine",
		PatientEmail:     "yasmine@example.com",
		ScheduledAt:      time.Now().Add(24 * time.Hour),
		Reason:           "Douleurs thoraciques",
		Status:           "CONFIRMED",
	}
}

func TestCreateInvoiceForAppointment_Cardiologie(t *testing.T) {
	svc, _, pub := newTestService(t, "0")

	inv, created, err := svc.CreateInvoiceForAppointment(context.Background(), createdEvent("Cardiologie"))
	if err != nil || !created {
		t.Fatalf("create = %v, %v", created, err)
	}
	if !inv.Amount.Equal(dec("300")) || !inv.Tax.Equal(decimal.Zero) || !inv.Total.Equal(dec("300")) {
		t.Errorf("amount/tax/total = %s/%s/%s", inv.Amount, inv.Tax, inv.Total)
	}
	if inv.Status != InvoicePending {
		t.Errorf("status = %s, want PENDING", inv.Status)
	}
	if inv.PatientName != "Yasmine Alaoui" || inv.Description != "Consultation - Douleurs thoraciques" {
		t.Errorf("invoice = %+v", inv)
	}
	if d := inv.DueDate.Sub(time.Now()); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Errorf("due date %s not ~30 days out", inv.DueDate)
	}

	evs := pub.byKey(t, events.KeyInvoiceCreated)
	if len(evs) != 1 || evs[0].InvoiceID != inv.ID || !evs[0].Amount.Equal(dec("300")) || evs[0].Currency != "MAD" {
		t.Fatalf("invoice.created events = %+v", evs)
	}
}

func TestCreateInvoice_TotalIsAmountPlusTax(t *testing.T) {
	tests := []struct {
		specialty string
		taxRate   string
		amount    string
		tax       string
	}{
		{"Cardiologie", "0.2", "300", "60"},
		{"Dermatologie", "0.2", "199.99", "40"},
		{"Dermatologie", "0.07", "199.99", "14"},
		{"Neurologie", "0.2", "0", "0"},
		{"", "0.2", "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.specialty+"@"+tt.taxRate, func(t *testing.T) {
			svc, _, _ := newTestService(t, tt.taxRate)
			inv, _, err := svc.CreateInvoiceForAppointment(context.Background(), createdEvent(tt.specialty))
			if err != nil {
				t.Fatal(err)
			}
			if !inv.Amount.Equal(dec(tt.amount)) || !inv.Tax.Equal(dec(tt.tax)) {
				t.Errorf("amount/tax = %s/%s, want %s/%s", inv.Amount, inv.Tax, tt.amount, tt.tax)
			}
			if !inv.Total.Equal(inv.Amount.Add(inv.Tax)) {
				t.Errorf("total %s != amount %s + tax %s", inv.Total, inv.Amount, inv.Tax)
			}
		})
	}
}

func TestCreateInvoice_DuplicateEventIsNoop(t *testing.T) {
	svc, repo, pub := newTestService(t, "0")
	ev := createdEvent("Cardiologie")

	first, created, err := svc.CreateInvoiceForAppointment(context.Background(), ev)
	if err != nil || !created {
		t.Fatalf("first = %v, %v", created, err)
	}
	ev.EventID = uuid.New()
	second, created, err := svc.CreateInvoiceForAppointment(context.Background(), ev)
	if err != nil || created {
		t.Fatalf("second = %v, %v", created, err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned a different invoice")
	}

	all, _ := repo.ListInvoices(context.Background(), InvoiceFilter{})
	if len(all) != 1 {
		t.Errorf("invoices = %d, want 1", len(all))
	}
	if n := len(pub.byKey(t, events.KeyInvoiceCreated)); n != 1 {
		t.Errorf("invoice.created published %d times", n)
	}
}

func TestCreateInvoice_ConcurrentDuplicates(t *testing.T) {
	svc, repo, _ := newTestService(t, "0")
	ev := createdEvent("Cardiologie")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = svc.CreateInvoiceForAppointment(context.Background(), ev)
		}()
	}
	wg.Wait()

	all, _ := repo.ListInvoices(context.Background(), InvoiceFilter{})
	if len(all) != 1 {
		t.Fatalf("invoices = %d, want 1", len(all))
	}
}

func TestRecordPayment_FullPaymentMarksPaid(t *testing.T) {
	svc, _, pub := newTestService(t, "0")
	ctx := context.Background()
	inv, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))

	p, updated, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, Amount: dec("300.00"), Method: MethodCard})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if p.Status != PaymentSuccess {
		t.Errorf("payment status = %s, want SUCCESS default", p.Status)
	}
	if updated.Status != InvoicePaid || updated.PaidAt == nil {
		t.Fatalf("invoice = %s paid_at=%v", updated.Status, updated.PaidAt)
	}

	evs := pub.byKey(t, events.KeyPaymentReceived)
	if len(evs) != 1 {
		t.Fatalf("payment.received events = %d, want 1", len(evs))
	}
	if evs[0].Status != string(InvoicePaid) || !evs[0].Amount.Equal(dec("300")) || !evs[0].InvoiceTotal.Equal(dec("300")) {
		t.Errorf("event = %+v", evs[0])
	}
}

func TestRecordPayment_PartialThenFull(t *testing.T) {
	svc, _, pub := newTestService(t, "0")
	ctx := context.Background()
	inv, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))

	steps := []struct {
		amount string
		status PaymentStatus
		want   InvoiceStatus
	}{
		{"100", PaymentSuccess, InvoicePartiallyPaid},
		{"150", PaymentFailed, InvoicePartiallyPaid},
		{"50", PaymentPending, InvoicePartiallyPaid},
		{"200", PaymentSuccess, InvoicePaid},
		{"10", PaymentSuccess, InvoicePaid},
	}

	var firstPaidAt *time.Time
	for i, st := range steps {
		_, updated, err := svc.RecordPayment(ctx, RecordPaymentInput{
			InvoiceID: inv.ID, Amount: dec(st.amount), Method: MethodCash, Status: st.status,
		})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if updated.Status != st.want {
			t.Fatalf("step %d: status = %s, want %s", i, updated.Status, st.want)
		}
		if updated.Status == InvoicePaid {
			if firstPaidAt == nil {
				firstPaidAt = updated.PaidAt
			} else if !updated.PaidAt.Equal(*firstPaidAt) {
				t.Errorf("paid timestamp moved on step %d", i)
			}
		}
	}

	if n := len(pub.byKey(t, events.KeyPaymentReceived)); n != len(steps) {
		t.Errorf("payment.received = %d, want one per payment", n)
	}
	payments, err := svc.ListPayments(ctx, inv.ID)
	if err != nil || len(payments) != len(steps) {
		t.Errorf("payments = %d, %v", len(payments), err)
	}
}

func TestRecordPayment_ConcurrentPaymentsDoNotLoseUpdates(t *testing.T) {
	svc, _, _ := newTestService(t, "0")
	ctx := context.Background()
	inv, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, Amount: dec("10"), Method: MethodOnline})
		}()
	}
	wg.Wait()

	got, err := svc.GetInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != InvoicePaid {
		t.Errorf("status = %s after 30 x 10 on 300", got.Status)
	}
}

func TestRecordPayment_Rejections(t *testing.T) {
	svc, _, pub := newTestService(t, "0")
	ctx := context.Background()
	inv, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))

	var ve *ValidationError
	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, Amount: dec("0"), Method: MethodCash}); !errors.As(err, &ve) {
		t.Errorf("zero amount err = %v", err)
	}
	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, Amount: dec("10"), Method: "CHEQUE"}); !errors.As(err, &ve) {
		t.Errorf("bad method err = %v", err)
	}
	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: uuid.New(), Amount: dec("10"), Method: MethodCash}); !errors.Is(err, ErrInvoiceNotFound) {
		t.Errorf("missing invoice err = %v", err)
	}

	cancelled := InvoiceCancelled
	if _, err := svc.UpdateInvoice(ctx, inv.ID, UpdateInvoiceInput{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: inv.ID, Amount: dec("10"), Method: MethodCash}); !errors.Is(err, ErrInvoiceCancelled) {
		t.Errorf("cancelled invoice err = %v", err)
	}
	if n := len(pub.byKey(t, events.KeyPaymentReceived)); n != 0 {
		t.Errorf("rejected payments published %d events", n)
	}
}

func TestOutstandingBalance(t *testing.T) {
	svc, _, _ := newTestService(t, "0")
	ctx := context.Background()
	email := "yasmine@example.com"

	a, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))  // 300
	b, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Dermatologie")) // 199.99
	c, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))  // 300, cancelled below

	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.ID, Amount: dec("120"), Method: MethodCash}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: b.ID, Amount: dec("50"), Method: MethodCash, Status: PaymentFailed}); err != nil {
		t.Fatal(err)
	}
	cancelled := InvoiceCancelled
	if _, err := svc.UpdateInvoice(ctx, c.ID, UpdateInvoiceInput{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}

	got, err := svc.OutstandingBalance(ctx, email)
	if err != nil {
		t.Fatal(err)
	}
	if want := dec("379.99"); !got.Equal(want) {
		t.Errorf("outstanding = %s, want %s", got, want)
	}

	for id, rest := range map[uuid.UUID]string{a.ID: "180", b.ID: "199.99"} {
		if _, _, err := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: id, Amount: dec(rest), Method: MethodCard}); err != nil {
			t.Fatal(err)
		}
	}
	got, _ = svc.OutstandingBalance(ctx, email)
	if !got.IsZero() {
		t.Errorf("outstanding after paying everything = %s", got)
	}
	if got, _ := svc.OutstandingBalance(ctx, "nobody@example.com"); !got.IsZero() {
		t.Errorf("unknown patient balance = %s", got)
	}
}

func TestUpdateInvoice(t *testing.T) {
	svc, _, _ := newTestService(t, "0")
	ctx := context.Background()
	inv, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))

	desc := "Consultation de contrôle"
	due := time.Now().Add(10 * 24 * time.Hour)
	updated, err := svc.UpdateInvoice(ctx, inv.ID, UpdateInvoiceInput{Description: &desc, DueDate: &due})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Description != desc || !updated.DueDate.Equal(due.UTC()) || !updated.Total.Equal(inv.Total) {
		t.Errorf("updated = %+v", updated)
	}

	paid := InvoicePaid
	if _, err := svc.UpdateInvoice(ctx, inv.ID, UpdateInvoiceInput{Status: &paid}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("setting PAID directly err = %v", err)
	}
	if _, err := svc.UpdateInvoice(ctx, uuid.New(), UpdateInvoiceInput{Description: &desc}); !errors.Is(err, ErrInvoiceNotFound) {
		t.Errorf("missing invoice err = %v", err)
	}
}

func TestMarkOverdue(t *testing.T) {
	svc, _, pub := newTestService(t, "0")
	ctx := context.Background()

	late, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))
	partial, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))
	settled, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))
	fresh, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))

	past := time.Now().Add(-24 * time.Hour)
	for _, inv := range []*Invoice{late, partial, settled} {
		if _, err := svc.UpdateInvoice(ctx, inv.ID, UpdateInvoiceInput{DueDate: &past}); err != nil {
			t.Fatal(err)
		}
	}
	_, _, _ = svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: partial.ID, Amount: dec("100"), Method: MethodCash})
	_, _, _ = svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: settled.ID, Amount: dec("300"), Method: MethodCash})

	n, err := svc.MarkOverdue(ctx, time.Now())
	if err != nil || n != 2 {
		t.Fatalf("MarkOverdue = %d, %v", n, err)
	}

	for _, tc := range []struct {
		inv  *Invoice
		want InvoiceStatus
	}{
		{late, InvoiceOverdue},
		{partial, InvoiceOverdue},
		{settled, InvoicePaid},
		{fresh, InvoicePending},
	} {
		got, _ := svc.GetInvoice(ctx, tc.inv.ID)
		if got.Status != tc.want {
			t.Errorf("invoice %s status = %s, want %s", tc.inv.ID, got.Status, tc.want)
		}
	}
	if evs := pub.byKey(t, events.KeyPaymentOverdue); len(evs) != 2 {
		t.Errorf("payment.overdue events = %d, want 2", len(evs))
	}

	// partial payment on an overdue invoice counts as partial, full payment settles it
	_, updated, _ := svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: late.ID, Amount: dec("50"), Method: MethodCash})
	if updated.Status != InvoicePartiallyPaid {
		t.Errorf("partial on overdue = %s, want PARTIALLY_PAID", updated.Status)
	}
	_, updated, _ = svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: late.ID, Amount: dec("250"), Method: MethodCash})
	if updated.Status != InvoicePaid {
		t.Errorf("full on overdue = %s", updated.Status)
	}

	if n, _ := svc.MarkOverdue(ctx, time.Now()); n != 0 {
		t.Errorf("second sweep moved %d", n)
	}
}

func TestListInvoices_Filter(t *testing.T) {
	svc, _, _ := newTestService(t, "0")
	ctx := context.Background()

	a, _, _ := svc.CreateInvoiceForAppointment(ctx, createdEvent("Cardiologie"))
	other := createdEvent("Cardiologie")
	other.PatientEmail = "karim@example.com"
	_, _, _ = svc.CreateInvoiceForAppointment(ctx, other)
	_, _, _ = svc.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.ID, Amount: dec("300"), Method: MethodCash})

	byEmail, _ := svc.ListInvoices(ctx, InvoiceFilter{PatientEmail: "karim@example.com"})
	if len(byEmail) != 1 {
		t.Errorf("by email = %d", len(byEmail))
	}
	paid, _ := svc.ListInvoices(ctx, InvoiceFilter{Status: InvoicePaid})
	if len(paid) != 1 || paid[0].ID != a.ID {
		t.Errorf("paid = %+v", paid)
	}
	var ve *ValidationError
	if _, err := svc.ListInvoices(ctx, InvoiceFilter{Status: "LOST"}); !errors.As(err, &ve) {
		t.Errorf("bad status err = %v", err)
	}
}
