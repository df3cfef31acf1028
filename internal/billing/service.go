package billing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

var (
	ErrInvoiceCancelled  = errors.New("invoice is cancelled")
	ErrInvalidTransition = errors.New("invalid invoice status transition")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ValidationError is a malformed billing request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type Settings struct {
	TaxRate  decimal.Decimal
	DueDays  int
	Currency string
}

func SettingsFromConfig(cfg config.Config) Settings {
	return Settings{
		TaxRate:  decimal.NewFromFloat(cfg.TaxRate),
		DueDays:  cfg.InvoiceDueDays,
		Currency: cfg.Currency,
	}
}

type Service struct {
	repo      Repository
	publisher broker.Publisher
	settings  Settings
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, publisher broker.Publisher, settings Settings, logger zerolog.Logger) *Service {
	if settings.DueDays <= 0 {
		settings.DueDays = 30
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		settings:  settings,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateInvoiceForAppointment turns a CREATED appointment event into an
// invoice. Delivering the same event twice yields one invoice.
func (s *Service) CreateInvoiceForAppointment(ctx context.Context, ev events.AppointmentEvent) (*Invoice, bool, error) {
	description := "Consultation"
	if r := strings.TrimSpace(ev.Reason); r != "" {
		description += " - " + r
	}
	return s.CreateInvoice(ctx, CreateInvoiceInput{
		AppointmentID: ev.AppointmentID,
		PatientEmail:  ev.PatientEmail,
		PatientName:   ev.PatientFullName(),
		DoctorName:    ev.DoctorName,
		Specialty:     ev.DoctorSpecialty,
		Description:   description,
	})
}

// CreateInvoice prices the consultation from the specialty and stores the
// invoice unless the appointment already has one. created is false when the
// existing invoice is returned; invoice.created is only published on insert.
func (s *Service) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*Invoice, bool, error) {
	if in.AppointmentID == uuid.Nil {
		return nil, false, &ValidationError{Field: "appointment_id", Message: "is required"}
	}
	if !emailPattern.MatchString(in.PatientEmail) {
		return nil, false, &ValidationError{Field: "patient_email", Message: "must be a valid email address"}
	}

	amount, err := s.consultationFee(ctx, in.Specialty)
	if err != nil {
		return nil, false, err
	}
	tax := amount.Mul(s.settings.TaxRate).Round(2)
	now := s.now().UTC()

	inv, created, err := s.repo.InsertInvoiceIfAbsent(ctx, Invoice{
		ID:            uuid.New(),
		AppointmentID: in.AppointmentID,
		PatientEmail:  in.PatientEmail,
		PatientName:   in.PatientName,
		DoctorName:    in.DoctorName,
		Specialty:     in.Specialty,
		Description:   in.Description,
		Amount:        amount,
		Tax:           tax,
		Total:         amount.Add(tax),
		Status:        InvoicePending,
		DueDate:       now.AddDate(0, 0, s.settings.DueDays),
	})
	if err != nil {
		return nil, false, fmt.Errorf("create invoice: %w", err)
	}

	if !created {
		s.logger.Info().
			Str("event", "invoice_duplicate").
			Str("appointment_id", in.AppointmentID.String()).
			Str("invoice_id", inv.ID.String()).
			Msg("invoice already exists for appointment")
		return inv, false, nil
	}

	s.logger.Info().
		Str("invoice_id", inv.ID.String()).
		Str("appointment_id", inv.AppointmentID.String()).
		Str("total", inv.Total.StringFixed(2)).
		Msg("invoice created")
	s.publish(ctx, events.KeyInvoiceCreated, inv, inv.Total)
	return inv, true, nil
}

// RepublishInvoiceCreated publishes invoice.created again for an invoice that
// is still PENDING. Later states have their own events.
func (s *Service) RepublishInvoiceCreated(ctx context.Context, inv *Invoice) {
	if inv.Status != InvoicePending {
		return
	}
	s.logger.Info().
		Str("event", "invoice_republished").
		Str("invoice_id", inv.ID.String()).
		Str("appointment_id", inv.AppointmentID.String()).
		Msg("republishing invoice.created on redelivery")
	s.publish(ctx, events.KeyInvoiceCreated, inv, inv.Total)
}

// consultationFee is zero when the specialty has no pricing entry.
func (s *Service) consultationFee(ctx context.Context, specialty string) (decimal.Decimal, error) {
	if strings.TrimSpace(specialty) == "" {
		return decimal.Zero, nil
	}
	p, err := s.repo.GetPricing(ctx, specialty)
	if err != nil {
		if errors.Is(err, ErrPricingNotFound) {
			s.logger.Warn().Str("specialty", specialty).Msg("no pricing for specialty, invoicing zero")
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("load pricing: %w", err)
	}
	return p.ConsultationFee.Round(2), nil
}

// RecordPayment appends a payment and recomputes the invoice status from the
// full set of successful payments, under the invoice row lock.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (*Payment, *Invoice, error) {
	if !in.Amount.IsPositive() {
		return nil, nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	switch in.Method {
	case MethodCash, MethodCard, MethodBankTransfer, MethodOnline:
	default:
		return nil, nil, &ValidationError{Field: "payment_method", Message: "must be one of CASH, CARD, BANK_TRANSFER, ONLINE"}
	}
	if in.Status == "" {
		in.Status = PaymentSuccess
	}
	switch in.Status {
	case PaymentSuccess, PaymentPending, PaymentFailed:
	default:
		return nil, nil, &ValidationError{Field: "status", Message: "must be one of SUCCESS, PENDING, FAILED"}
	}

	var (
		payment *Payment
		invoice *Invoice
	)
	err := s.repo.WithInvoiceLock(ctx, in.InvoiceID, func(ctx context.Context, inv *Invoice, tx InvoiceTx) error {
		if inv.Status == InvoiceCancelled {
			return ErrInvoiceCancelled
		}

		p, err := tx.InsertPayment(ctx, Payment{
			ID:            uuid.New(),
			InvoiceID:     inv.ID,
			Amount:        in.Amount.Round(2),
			Method:        in.Method,
			Status:        in.Status,
			TransactionID: in.TransactionID,
			Notes:         in.Notes,
		})
		if err != nil {
			return err
		}
		payment = p

		paid, err := tx.SumSuccessfulPayments(ctx, inv.ID)
		if err != nil {
			return err
		}

		next, paidAt := reconcile(*inv, paid, s.now().UTC())
		if next == inv.Status && paidAt == inv.PaidAt {
			invoice = inv
			return nil
		}
		inv.Status, inv.PaidAt = next, paidAt
		invoice, err = tx.SaveInvoice(ctx, *inv)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) || errors.Is(err, ErrInvoiceCancelled) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("record payment: %w", err)
	}

	s.logger.Info().
		Str("invoice_id", invoice.ID.String()).
		Str("payment_id", payment.ID.String()).
		Str("amount", payment.Amount.StringFixed(2)).
		Str("invoice_status", string(invoice.Status)).
		Msg("payment recorded")
	s.publish(ctx, events.KeyPaymentReceived, invoice, payment.Amount)
	return payment, invoice, nil
}

// reconcile derives the invoice status from the sum of successful payments.
// PAID is terminal and keeps its first paid timestamp. Any positive partial
// sum gives PARTIALLY_PAID, including on an OVERDUE invoice; the next overdue
// sweep moves it back if its due date has passed.
func reconcile(inv Invoice, paid decimal.Decimal, now time.Time) (InvoiceStatus, *time.Time) {
	switch {
	case inv.Status == InvoicePaid:
		return InvoicePaid, inv.PaidAt
	case paid.GreaterThanOrEqual(inv.Total):
		return InvoicePaid, &now
	case paid.IsPositive():
		return InvoicePartiallyPaid, inv.PaidAt
	}
	return inv.Status, inv.PaidAt
}

// OutstandingBalance sums total minus successful payments over the
// patient's invoices that are neither PAID nor CANCELLED.
func (s *Service) OutstandingBalance(ctx context.Context, patientEmail string) (decimal.Decimal, error) {
	balances, err := s.repo.ListInvoiceBalances(ctx, patientEmail)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list invoice balances: %w", err)
	}

	total := decimal.Zero
	for _, b := range balances {
		if b.Status.Open() {
			total = total.Add(b.Outstanding())
		}
	}
	return total, nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := s.repo.GetInvoiceByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}
	list, err := s.repo.ListInvoices(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return list, nil
}

func (s *Service) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	if _, err := s.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	list, err := s.repo.ListPayments(ctx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return list, nil
}

// UpdateInvoice edits the description and due date, or cancels an unpaid
// invoice. Amounts and payment derived statuses cannot be set directly.
func (s *Service) UpdateInvoice(ctx context.Context, id uuid.UUID, in UpdateInvoiceInput) (*Invoice, error) {
	var updated *Invoice
	err := s.repo.WithInvoiceLock(ctx, id, func(ctx context.Context, inv *Invoice, tx InvoiceTx) error {
		if in.Description != nil {
			inv.Description = *in.Description
		}
		if in.DueDate != nil {
			inv.DueDate = in.DueDate.UTC()
		}
		if in.Status != nil && *in.Status != inv.Status {
			if *in.Status != InvoiceCancelled || inv.Status == InvoicePaid {
				return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, inv.Status, *in.Status)
			}
			inv.Status = InvoiceCancelled
		}

		var err error
		updated, err = tx.SaveInvoice(ctx, *inv)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvoiceNotFound) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("update invoice: %w", err)
	}
	return updated, nil
}

// MarkOverdue moves unpaid invoices past their due date to OVERDUE and
// publishes payment.overdue for each. Returns how many were moved.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.repo.FindOverdue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find overdue invoices: %w", err)
	}

	moved := 0
	for _, c := range candidates {
		var updated *Invoice
		err := s.repo.WithInvoiceLock(ctx, c.ID, func(ctx context.Context, inv *Invoice, tx InvoiceTx) error {
			// re-check under the lock, a payment may have landed meanwhile
			if (inv.Status != InvoicePending && inv.Status != InvoicePartiallyPaid) || !inv.DueDate.Before(now) {
				return nil
			}
			inv.Status = InvoiceOverdue
			var err error
			updated, err = tx.SaveInvoice(ctx, *inv)
			return err
		})
		if err != nil {
			s.logger.Error().Err(err).Str("invoice_id", c.ID.String()).Msg("failed to mark invoice overdue")
			continue
		}
		if updated == nil {
			continue
		}
		moved++
		s.publish(ctx, events.KeyPaymentOverdue, updated, updated.Total)
	}

	return moved, nil
}

// publish emits a billing event. A broker failure is reported and swallowed:
// the invoice change is already committed.
func (s *Service) publish(ctx context.Context, key string, inv *Invoice, amount decimal.Decimal) {
	ev := events.PaymentEvent{
		EventID:       uuid.New(),
		EventType:     key,
		InvoiceID:     inv.ID,
		AppointmentID: inv.AppointmentID,
		PatientEmail:  inv.PatientEmail,
		PatientName:   inv.PatientName,
		Amount:        amount,
		InvoiceTotal:  inv.Total,
		Status:        string(inv.Status),
		Currency:      s.settings.Currency,
		Timestamp:     s.now().UTC(),
	}

	msg, err := broker.JSON(events.TopicBilling, key, inv.ID.String(), ev)
	if err == nil {
		err = s.publisher.Publish(ctx, msg)
	}
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("event", "publish_failed").
			Str("routing_key", key).
			Str("invoice_id", inv.ID.String()).
			Msg("billing event not published")
	}
}
