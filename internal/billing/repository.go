package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrPricingNotFound = errors.New("pricing not found")
)

// Repository contains all DB interactions needed by the billing service.
type Repository interface {
	// InsertInvoiceIfAbsent stores inv unless an invoice already exists for
	// its appointment, in which case the existing one is returned with
	// created == false.
	InsertInvoiceIfAbsent(ctx context.Context, inv Invoice) (stored *Invoice, created bool, err error)
	GetInvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error)
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error)

	// ListInvoiceBalances returns every invoice of a patient with its paid sum.
	ListInvoiceBalances(ctx context.Context, patientEmail string) ([]InvoiceBalance, error)

	// FindOverdue returns PENDING and PARTIALLY_PAID invoices due before now.
	FindOverdue(ctx context.Context, now time.Time) ([]Invoice, error)

	GetPricing(ctx context.Context, specialty string) (*Pricing, error)
	UpsertPricing(ctx context.Context, p Pricing) error

	// WithInvoiceLock runs fn in a transaction holding the invoice row lock.
	WithInvoiceLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, inv *Invoice, tx InvoiceTx) error) error
}

// InvoiceTx is the set of writes allowed while an invoice is locked.
type InvoiceTx interface {
	InsertPayment(ctx context.Context, p Payment) (*Payment, error)
	SumSuccessfulPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error)
	SaveInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
}
