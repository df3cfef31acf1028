package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const invoiceColumns = `id, appointment_id, patient_email, patient_name, doctor_name, specialty,
	description, amount, tax, total, status, created_at, due_date, paid_at`

const paymentColumns = `id, invoice_id, amount, method, status, transaction_id, notes, paid_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Helpers

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice

	err := row.Scan(
		&inv.ID,
		&inv.AppointmentID,
		&inv.PatientEmail,
		&inv.PatientName,
		&inv.DoctorName,
		&inv.Specialty,
		&inv.Description,
		&inv.Amount,
		&inv.Tax,
		&inv.Total,
		&inv.Status,
		&inv.CreatedAt,
		&inv.DueDate,
		&inv.PaidAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}

	return &inv, nil
}

func scanInvoices(rows pgx.Rows) ([]Invoice, error) {
	defer rows.Close()

	var result []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment

	err := row.Scan(
		&p.ID,
		&p.InvoiceID,
		&p.Amount,
		&p.Method,
		&p.Status,
		&p.TransactionID,
		&p.Notes,
		&p.PaidAt,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func getInvoice(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Invoice, error) {
	sql := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	return scanInvoice(q.QueryRow(ctx, sql, id))
}

// Interface methods

func (r *PgRepository) InsertInvoiceIfAbsent(ctx context.Context, inv Invoice) (*Invoice, bool, error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), $12, NULL)
		ON CONFLICT (appointment_id) DO NOTHING
		RETURNING `+invoiceColumns,
		inv.ID, inv.AppointmentID, inv.PatientEmail, inv.PatientName, inv.DoctorName, inv.Specialty,
		inv.Description, inv.Amount, inv.Tax, inv.Total, inv.Status, inv.DueDate,
	)

	stored, err := scanInvoice(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, false, fmt.Errorf("insert invoice: %w", err)
	}

	// conflict: the invoice for this appointment already exists
	existing, err := scanInvoice(r.pool.QueryRow(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE appointment_id = $1
	`, inv.AppointmentID))
	if err != nil {
		return nil, false, fmt.Errorf("load existing invoice: %w", err)
	}
	return existing, false, nil
}

func (r *PgRepository) GetInvoiceByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

func (r *PgRepository) ListInvoices(ctx context.Context, f InvoiceFilter) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE ($1 = '' OR patient_email = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
	`, f.PatientEmail, string(f.Status))
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (r *PgRepository) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE invoice_id = $1
		ORDER BY paid_at
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListInvoiceBalances(ctx context.Context, patientEmail string) ([]InvoiceBalance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.appointment_id, i.patient_email, i.patient_name, i.doctor_name, i.specialty,
		       i.description, i.amount, i.tax, i.total, i.status, i.created_at, i.due_date, i.paid_at,
		       COALESCE(SUM(p.amount) FILTER (WHERE p.status = 'SUCCESS'), 0)
		FROM invoices i
		LEFT JOIN payments p ON p.invoice_id = i.id
		WHERE i.patient_email = $1
		GROUP BY i.id
		ORDER BY i.created_at
	`, patientEmail)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []InvoiceBalance
	for rows.Next() {
		var b InvoiceBalance
		err := rows.Scan(
			&b.ID, &b.AppointmentID, &b.PatientEmail, &b.PatientName, &b.DoctorName, &b.Specialty,
			&b.Description, &b.Amount, &b.Tax, &b.Total, &b.Status, &b.CreatedAt, &b.DueDate, &b.PaidAt,
			&b.Paid,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindOverdue(ctx context.Context, now time.Time) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status IN ('PENDING', 'PARTIALLY_PAID')
		  AND due_date < $1
		ORDER BY due_date
	`, now)
	if err != nil {
		return nil, err
	}
	return scanInvoices(rows)
}

func (r *PgRepository) GetPricing(ctx context.Context, specialty string) (*Pricing, error) {
	var p Pricing
	err := r.pool.QueryRow(ctx, `
		SELECT specialty, consultation_fee, description
		FROM pricing
		WHERE specialty = $1
	`, specialty).Scan(&p.Specialty, &p.ConsultationFee, &p.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPricingNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) UpsertPricing(ctx context.Context, p Pricing) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pricing (specialty, consultation_fee, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (specialty) DO UPDATE
		SET consultation_fee = EXCLUDED.consultation_fee,
		    description = EXCLUDED.description
	`, p.Specialty, p.ConsultationFee, p.Description)
	if err != nil {
		return fmt.Errorf("upsert pricing %s: %w", p.Specialty, err)
	}
	return nil
}

func (r *PgRepository) WithInvoiceLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, inv *Invoice, tx InvoiceTx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inv, err := getInvoice(ctx, tx, id, true)
	if err != nil {
		return err
	}

	if err := fn(ctx, inv, pgInvoiceTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgInvoiceTx struct {
	tx pgx.Tx
}

func (t pgInvoiceTx) InsertPayment(ctx context.Context, p Payment) (*Payment, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := t.tx.QueryRow(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING `+paymentColumns,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Status, p.TransactionID, p.Notes,
	)
	stored, err := scanPayment(row)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return stored, nil
}

func (t pgInvoiceTx) SumSuccessfulPayments(ctx context.Context, invoiceID uuid.UUID) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payments
		WHERE invoice_id = $1
		  AND status = 'SUCCESS'
	`, invoiceID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum payments: %w", err)
	}
	return sum, nil
}

func (t pgInvoiceTx) SaveInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE invoices
		SET description = $2,
		    due_date = $3,
		    status = $4,
		    paid_at = $5
		WHERE id = $1
		RETURNING `+invoiceColumns,
		inv.ID, inv.Description, inv.DueDate, inv.Status, inv.PaidAt,
	)
	return scanInvoice(row)
}
