package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is the in-process Repository. A single mutex plays the
// part of the row lock.
type MemoryRepository struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]Invoice
	byAppt   map[uuid.UUID]uuid.UUID
	payments map[uuid.UUID][]Payment
	pricing  map[string]Pricing
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		invoices: make(map[uuid.UUID]Invoice),
		byAppt:   make(map[uuid.UUID]uuid.UUID),
		payments: make(map[uuid.UUID][]Payment),
		pricing:  make(map[string]Pricing),
	}
}

func (r *MemoryRepository) InsertInvoiceIfAbsent(_ context.Context, inv Invoice) (*Invoice, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byAppt[inv.AppointmentID]; ok {
		existing := r.invoices[id]
		return &existing, false, nil
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now().UTC()
	r.invoices[inv.ID] = inv
	r.byAppt[inv.AppointmentID] = inv.ID
	return &inv, true, nil
}

func (r *MemoryRepository) GetInvoiceByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (r *MemoryRepository) ListInvoices(_ context.Context, f InvoiceFilter) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Invoice
	for _, inv := range r.invoices {
		if f.PatientEmail != "" && inv.PatientEmail != f.PatientEmail {
			continue
		}
		if f.Status != "" && inv.Status != f.Status {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ListPayments(_ context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Payment(nil), r.payments[invoiceID]...), nil
}

func (r *MemoryRepository) ListInvoiceBalances(_ context.Context, patientEmail string) ([]InvoiceBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []InvoiceBalance
	for _, inv := range r.invoices {
		if inv.PatientEmail == patientEmail {
			out = append(out, InvoiceBalance{Invoice: inv, Paid: r.sumSuccessful(inv.ID)})
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindOverdue(_ context.Context, now time.Time) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Invoice
	for _, inv := range r.invoices {
		if (inv.Status == InvoicePending || inv.Status == InvoicePartiallyPaid) && inv.DueDate.Before(now) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (r *MemoryRepository) GetPricing(_ context.Context, specialty string) (*Pricing, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pricing[specialty]
	if !ok {
		return nil, ErrPricingNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) UpsertPricing(_ context.Context, p Pricing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pricing[p.Specialty] = p
	return nil
}

func (r *MemoryRepository) WithInvoiceLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, inv *Invoice, tx InvoiceTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}

	// stage writes so a failing fn leaves no trace
	tx := &memoryTx{repo: r}
	if err := fn(ctx, &inv, tx); err != nil {
		return err
	}
	r.payments[id] = append(r.payments[id], tx.payments...)
	if tx.saved != nil {
		r.invoices[id] = *tx.saved
	}
	return nil
}

func (r *MemoryRepository) sumSuccessful(invoiceID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range r.payments[invoiceID] {
		if p.Status == PaymentSuccess {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

type memoryTx struct {
	repo     *MemoryRepository
	payments []Payment
	saved    *Invoice
}

func (t *memoryTx) InsertPayment(_ context.Context, p Payment) (*Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.PaidAt = time.Now().UTC()
	t.payments = append(t.payments, p)
	return &p, nil
}

func (t *memoryTx) SumSuccessfulPayments(_ context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	sum := t.repo.sumSuccessful(invoiceID)
	for _, p := range t.payments {
		if p.InvoiceID == invoiceID && p.Status == PaymentSuccess {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (t *memoryTx) SaveInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	t.saved = &inv
	return &inv, nil
}
