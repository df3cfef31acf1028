package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-event-pipeline/internal/appointment"
	"github.com/hackgods/clinic-event-pipeline/internal/billing"
	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/directory"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
	"github.com/hackgods/clinic-event-pipeline/internal/notification"
	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

type stubLookup struct {
	degraded bool
}

func (s stubLookup) LookupDoctor(_ context.Context, id int64) (directory.Lookup, error) {
	switch {
	case id == 404:
		return directory.Lookup{}, directory.ErrDoctorNotFound
	case s.degraded:
		return directory.Lookup{Doctor: directory.Doctor{ID: id}, Degraded: true, Reason: resilience.ReasonCircuitOpen}, nil
	}
	return directory.Lookup{Doctor: directory.Doctor{ID: id, FirstName: "Amine", LastName: "Benali", Specialty: "Cardiologie"}}, nil
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func validAppointment() CreateAppointmentRequest {
	return CreateAppointmentRequest{
		DoctorID:         7,
		PatientLastName:  "Alaoui",
		PatientFirstName: "Yasmine",
		PatientEmail:     "yasmine@example.com",
		PatientPhone:     "+212600000000",
		ScheduledAt:      time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339),
		Reason:           "Douleurs thoraciques",
	}
}

func newAppointmentAPI(t *testing.T, lookup appointment.DoctorLookup) (http.Handler, *broker.Memory) {
	t.Helper()
	mem := broker.NewMemory(events.DefaultTopology(), zerolog.Nop())
	svc := appointment.NewService(appointment.NewMemoryRepository(), lookup, mem, zerolog.Nop())
	return NewAppointmentRouter(AppointmentRouterConfig{Service: svc, Logger: zerolog.Nop()}), mem
}

func TestAppointmentAPI_Lifecycle(t *testing.T) {
	h, _ := newAppointmentAPI(t, stubLookup{})

	rec := doJSON(t, h, http.MethodPost, "/appointments", validAppointment())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	created := decode[AppointmentResponse](t, rec)
	if created.Status != "CONFIRMED" || created.DoctorName != "Dr. Amine Benali" || created.DoctorSpecialty != "Cardiologie" {
		t.Errorf("created = %+v", created)
	}

	rec = doJSON(t, h, http.MethodGet, "/appointments/"+created.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	reason := "Contrôle annuel"
	rec = doJSON(t, h, http.MethodPut, "/appointments/"+created.ID.String(), UpdateAppointmentRequest{Reason: &reason})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d body=%s", rec.Code, rec.Body)
	}
	if got := decode[AppointmentResponse](t, rec); got.Reason != reason || got.Status != "CONFIRMED" {
		t.Errorf("updated = %+v", got)
	}

	cancelled := "CANCELLED"
	rec = doJSON(t, h, http.MethodPut, "/appointments/"+created.ID.String(), UpdateAppointmentRequest{Status: &cancelled})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("cancel through PUT = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/appointments/doctor/7", nil)
	if list := decode[[]AppointmentResponse](t, rec); len(list) != 1 {
		t.Errorf("by doctor = %d", len(list))
	}

	rec = doJSON(t, h, http.MethodDelete, "/appointments/"+created.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/appointments/"+created.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/appointments", nil)
	if list := decode[[]AppointmentResponse](t, rec); len(list) != 0 {
		t.Errorf("list after delete = %d", len(list))
	}
}

func TestAppointmentAPI_Errors(t *testing.T) {
	h, _ := newAppointmentAPI(t, stubLookup{})

	unknownDoctor := validAppointment()
	unknownDoctor.DoctorID = 404
	past := validAppointment()
	past.ScheduledAt = "2001-01-01T10:00:00Z"
	badTime := validAppointment()
	badTime.ScheduledAt = "tomorrow"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown doctor", http.MethodPost, "/appointments", unknownDoctor, http.StatusBadRequest, "doctor_not_found"},
		{"past date", http.MethodPost, "/appointments", past, http.StatusBadRequest, "validation_error"},
		{"bad time", http.MethodPost, "/appointments", badTime, http.StatusBadRequest, "validation_error"},
		{"empty body", http.MethodPost, "/appointments", nil, http.StatusBadRequest, "invalid_request_body"},
		{"bad id", http.MethodGet, "/appointments/not-a-uuid", nil, http.StatusBadRequest, "invalid_appointment_id"},
		{"missing", http.MethodGet, "/appointments/" + uuid.NewString(), nil, http.StatusNotFound, "appointment_not_found"},
		{"missing delete", http.MethodDelete, "/appointments/" + uuid.NewString(), nil, http.StatusNotFound, "appointment_not_found"},
		{"bad doctor id", http.MethodGet, "/appointments/doctor/abc", nil, http.StatusBadRequest, "invalid_doctor_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if got := decode[ErrorResponse](t, rec); got.Error != tt.code {
				t.Errorf("error = %q, want %q", got.Error, tt.code)
			}
		})
	}
}

func TestAppointmentAPI_DegradedDirectoryStillBooks(t *testing.T) {
	h, _ := newAppointmentAPI(t, stubLookup{degraded: true})

	rec := doJSON(t, h, http.MethodPost, "/appointments", validAppointment())
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if got := decode[AppointmentResponse](t, rec); got.Status != "PENDING" {
		t.Errorf("status = %s, want PENDING", got.Status)
	}
}

func newBillingAPI(t *testing.T) (http.Handler, *billing.Service) {
	t.Helper()
	repo := billing.NewMemoryRepository()
	if err := repo.UpsertPricing(context.Background(), billing.Pricing{Specialty: "Cardiologie", ConsultationFee: decimal.NewFromInt(300)}); err != nil {
		t.Fatal(err)
	}
	pub := broker.NewMemory(events.DefaultTopology(), zerolog.Nop())
	svc := billing.NewService(repo, pub, billing.Settings{Currency: "MAD"}, zerolog.Nop())
	return NewBillingRouter(BillingRouterConfig{Service: svc, Currency: "MAD", Logger: zerolog.Nop()}), svc
}

type hangingAppointments struct {
	*appointment.Service
}

func (hangingAppointments) CreateAppointment(ctx context.Context, _ appointment.CreateInput) (*appointment.Appointment, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("lookup doctor: %w", ctx.Err())
}

func TestAppointmentAPI_CreateHasDeadline(t *testing.T) {
	h := NewAppointmentRouter(AppointmentRouterConfig{
		Service:       hangingAppointments{},
		CreateTimeout: 30 * time.Millisecond,
		Logger:        zerolog.Nop(),
	})

	start := time.Now()
	rec := doJSON(t, h, http.MethodPost, "/appointments", validAppointment())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("create ran for %s", elapsed)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if got := decode[ErrorResponse](t, rec); got.Error != "request_timeout" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestBillingAPI_InvoiceAndPayments(t *testing.T) {
	h, _ := newBillingAPI(t)

	req := CreateInvoiceRequest{
		AppointmentID: uuid.NewString(),
		PatientEmail:  "yasmine@example.com",
		PatientName:   "Yasmine Alaoui",
		Specialty:     "Cardiologie",
		Description:   "Consultation",
	}
	rec := doJSON(t, h, http.MethodPost, "/invoices", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d body=%s", rec.Code, rec.Body)
	}
	inv := decode[InvoiceResponse](t, rec)
	if inv.Amount != "300.00" || inv.Tax != "0.00" || inv.Total != "300.00" || inv.Status != "PENDING" {
		t.Errorf("invoice = %+v", inv)
	}

	rec = doJSON(t, h, http.MethodPost, "/invoices", req)
	if rec.Code != http.StatusOK {
		t.Errorf("duplicate create = %d, want 200", rec.Code)
	}
	if dup := decode[InvoiceResponse](t, rec); dup.ID != inv.ID {
		t.Error("duplicate returned a different invoice")
	}

	rec = doJSON(t, h, http.MethodPost, "/payments", map[string]any{
		"invoice_id": inv.ID, "amount": 100, "payment_method": "card",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("payment = %d body=%s", rec.Code, rec.Body)
	}
	if p := decode[PaymentResponse](t, rec); p.InvoiceStatus != "PARTIALLY_PAID" || p.Status != "SUCCESS" || p.Amount != "100.00" {
		t.Errorf("payment = %+v", p)
	}

	rec = doJSON(t, h, http.MethodGet, "/outstanding/yasmine@example.com", nil)
	if out := decode[OutstandingResponse](t, rec); out.OutstandingBalance != "200.00" || out.Currency != "MAD" {
		t.Errorf("outstanding = %+v", out)
	}

	rec = doJSON(t, h, http.MethodPost, "/payments", map[string]any{
		"invoice_id": inv.ID, "amount": "200.00", "payment_method": "CASH",
	})
	if p := decode[PaymentResponse](t, rec); p.InvoiceStatus != "PAID" {
		t.Errorf("second payment = %+v", p)
	}

	rec = doJSON(t, h, http.MethodGet, "/invoices/"+inv.ID.String()+"/payments", nil)
	if list := decode[[]PaymentResponse](t, rec); len(list) != 2 {
		t.Errorf("payments = %d", len(list))
	}

	rec = doJSON(t, h, http.MethodGet, "/invoices?status=paid&patient_email=yasmine@example.com", nil)
	if list := decode[[]InvoiceResponse](t, rec); len(list) != 1 || list[0].PaidAt == nil {
		t.Errorf("paid invoices = %+v", list)
	}

	cancel := "CANCELLED"
	rec = doJSON(t, h, http.MethodPatch, "/invoices/"+inv.ID.String(), UpdateInvoiceRequest{Status: &cancel})
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel paid invoice = %d, want 409", rec.Code)
	}
}

func TestBillingAPI_Errors(t *testing.T) {
	h, svc := newBillingAPI(t)

	open, _, err := svc.CreateInvoice(context.Background(), billing.CreateInvoiceInput{
		AppointmentID: uuid.New(), PatientEmail: "a@example.com", Specialty: "Cardiologie",
	})
	if err != nil {
		t.Fatal(err)
	}
	cancelled := billing.InvoiceCancelled
	if _, err := svc.UpdateInvoice(context.Background(), open.ID, billing.UpdateInvoiceInput{Status: &cancelled}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad invoice id", http.MethodGet, "/invoices/nope", nil, http.StatusBadRequest, "invalid_invoice_id"},
		{"missing invoice", http.MethodGet, "/invoices/" + uuid.NewString(), nil, http.StatusNotFound, "invoice_not_found"},
		{"payments of missing invoice", http.MethodGet, "/invoices/" + uuid.NewString() + "/payments", nil, http.StatusNotFound, "invoice_not_found"},
		{"bad status filter", http.MethodGet, "/invoices?status=LOST", nil, http.StatusBadRequest, "validation_error"},
		{"zero payment", http.MethodPost, "/payments", map[string]any{"invoice_id": open.ID, "amount": 0, "payment_method": "CASH"}, http.StatusBadRequest, "validation_error"},
		{"bad method", http.MethodPost, "/payments", map[string]any{"invoice_id": open.ID, "amount": 10, "payment_method": "CHEQUE"}, http.StatusBadRequest, "validation_error"},
		{"payment on missing invoice", http.MethodPost, "/payments", map[string]any{"invoice_id": uuid.New(), "amount": 10, "payment_method": "CASH"}, http.StatusNotFound, "invoice_not_found"},
		{"payment on cancelled invoice", http.MethodPost, "/payments", map[string]any{"invoice_id": open.ID, "amount": 10, "payment_method": "CASH"}, http.StatusConflict, "invoice_cancelled"},
		{"bad appointment id", http.MethodPost, "/invoices", CreateInvoiceRequest{AppointmentID: "x"}, http.StatusBadRequest, "invalid_appointment_id"},
		{"bad email", http.MethodPost, "/invoices", CreateInvoiceRequest{AppointmentID: uuid.NewString(), PatientEmail: "x"}, http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if got := decode[ErrorResponse](t, rec); got.Error != tt.code {
				t.Errorf("error = %q, want %q", got.Error, tt.code)
			}
		})
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []notification.Message
	err  error
}

func (s *recordingSender) Deliver(_ context.Context, msg notification.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Destination == "" {
		return notification.ErrNoDestination
	}
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func TestNotificationAPI_Send(t *testing.T) {
	sender := &recordingSender{}
	h := NewNotificationRouter(NotificationRouterConfig{Sender: sender, Logger: zerolog.Nop()})

	rec := doJSON(t, h, http.MethodPost, "/notifications/send", SendNotificationRequest{Type: "email", Destination: "a@example.com", Subject: "Hi", Message: "Hello"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body)
	}
	if resp := decode[NotificationResponse](t, rec); !resp.Success {
		t.Errorf("resp = %+v", resp)
	}
	if len(sender.msgs) != 1 || sender.msgs[0].Kind != notification.KindEmail {
		t.Errorf("sent = %+v", sender.msgs)
	}

	rec = doJSON(t, h, http.MethodPost, "/notifications/send", SendNotificationRequest{Type: "FAX", Destination: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad type = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/notifications/send", SendNotificationRequest{Type: "SMS"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no destination = %d", rec.Code)
	}

	sender.err = errors.New("gateway down")
	rec = doJSON(t, h, http.MethodPost, "/notifications/send", SendNotificationRequest{Type: "SMS", Destination: "+212600000000", Message: "x"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("vendor failure = %d", rec.Code)
	}
	if resp := decode[NotificationResponse](t, rec); resp.Success {
		t.Error("failure reported as success")
	}
}

func TestHealth(t *testing.T) {
	breakerState := "closed"
	health := NewHealthHandler("test", "v1",
		Check{Name: "postgres", Critical: true, Probe: func(context.Context) error { return nil }},
		Check{
			Name:   "doctor_directory",
			Probe: func(context.Context) error {
				if breakerState == "open" {
					return errors.New("open")
				}
				return nil
			},
			Detail: func() string { return breakerState },
		},
	)
	h := NewNotificationRouter(NotificationRouterConfig{Sender: &recordingSender{}, Health: health, Logger: zerolog.Nop()})

	rec := doJSON(t, h, http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("live = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/health/ready", nil)
	ready := decode[ReadinessResponse](t, rec)
	if rec.Code != http.StatusOK || ready.Status != "ok" || ready.Dependencies["doctor_directory"] != "closed" {
		t.Errorf("ready = %d %+v", rec.Code, ready)
	}

	breakerState = "open"
	rec = doJSON(t, h, http.MethodGet, "/health/ready", nil)
	ready = decode[ReadinessResponse](t, rec)
	if rec.Code != http.StatusOK || ready.Status != "degraded" || ready.Dependencies["doctor_directory"] != "open" {
		t.Errorf("ready with open breaker = %d %+v", rec.Code, ready)
	}

	down := NewHealthHandler("test", "v1", Check{Name: "postgres", Critical: true, Probe: func(context.Context) error { return errors.New("refused") }})
	h = NewNotificationRouter(NotificationRouterConfig{Sender: &recordingSender{}, Health: down, Logger: zerolog.Nop()})
	rec = doJSON(t, h, http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with postgres down = %d", rec.Code)
	}
	if ready := decode[ReadinessResponse](t, rec); ready.Dependencies["postgres"] != "down" {
		t.Errorf("deps = %+v", ready.Dependencies)
	}
}
