package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoicePending       InvoiceStatus = "PENDING"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoicePending, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue, InvoiceCancelled:
		return true
	}
	return false
}

// Open invoices still count towards a patient's outstanding balance.
func (s InvoiceStatus) Open() bool {
	return s != InvoicePaid && s != InvoiceCancelled
}

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentPending PaymentStatus = "PENDING"
	PaymentFailed  PaymentStatus = "FAILED"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "CASH"
	MethodCard         PaymentMethod = "CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodOnline       PaymentMethod = "ONLINE"
)

type Invoice struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	PatientEmail  string
	PatientName   string
	DoctorName    string
	Specialty     string
	Description   string
	Amount        decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal // always Amount + Tax
	Status        InvoiceStatus
	CreatedAt     time.Time
	DueDate       time.Time
	PaidAt        *time.Time
}

type Payment struct {
	ID            uuid.UUID
	InvoiceID     uuid.UUID
	Amount        decimal.Decimal
	Method        PaymentMethod
	Status        PaymentStatus
	TransactionID string
	Notes         string
	PaidAt        time.Time
}

type Pricing struct {
	Specialty       string
	ConsultationFee decimal.Decimal
	Description     string
}

// InvoiceBalance is an invoice with the sum of its successful payments.
type InvoiceBalance struct {
	Invoice
	Paid decimal.Decimal
}

func (b InvoiceBalance) Outstanding() decimal.Decimal {
	return b.Total.Sub(b.Paid)
}

type InvoiceFilter struct {
	PatientEmail string
	Status       InvoiceStatus
}

type CreateInvoiceInput struct {
	AppointmentID uuid.UUID
	PatientEmail  string
	PatientName   string
	DoctorName    string
	Specialty     string
	Description   string
}

type RecordPaymentInput struct {
	InvoiceID     uuid.UUID
	Amount        decimal.Decimal
	Method        PaymentMethod
	Status        PaymentStatus // SUCCESS when empty
	TransactionID string
	Notes         string
}

// UpdateInvoiceInput carries partial changes; nil fields are left untouched.
// Status may only move an unpaid invoice to CANCELLED.
type UpdateInvoiceInput struct {
	Description *string
	DueDate     *time.Time
	Status      *InvoiceStatus
}
