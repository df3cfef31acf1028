package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-event-pipeline/internal/billing"
)

type BillingService interface {
	CreateInvoice(ctx context.Context, in billing.CreateInvoiceInput) (*billing.Invoice, bool, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error)
	UpdateInvoice(ctx context.Context, id uuid.UUID, in billing.UpdateInvoiceInput) (*billing.Invoice, error)
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]billing.Payment, error)
	RecordPayment(ctx context.Context, in billing.RecordPaymentInput) (*billing.Payment, *billing.Invoice, error)
	OutstandingBalance(ctx context.Context, patientEmail string) (decimal.Decimal, error)
}

type CreateInvoiceRequest struct {
	AppointmentID string `json:"appointment_id"`
	PatientEmail  string `json:"patient_email"`
	PatientName   string `json:"patient_name"`
	DoctorName    string `json:"doctor_name"`
	Specialty     string `json:"specialty"`
	Description   string `json:"description"`
}

type UpdateInvoiceRequest struct {
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
	Status      *string `json:"status"`
}

type RecordPaymentRequest struct {
	InvoiceID     string          `json:"invoice_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
	Status        string          `json:"status"`
	TransactionID string          `json:"transaction_id"`
	Notes         string          `json:"notes"`
}

// InvoiceResponse renders money as fixed two decimal strings.
type InvoiceResponse struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	PatientEmail  string     `json:"patient_email"`
	PatientName   string     `json:"patient_name"`
	DoctorName    string     `json:"doctor_name"`
	Specialty     string     `json:"specialty"`
	Description   string     `json:"description"`
	Amount        string     `json:"amount"`
	Tax           string     `json:"tax"`
	Total         string     `json:"total"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	DueDate       time.Time  `json:"due_date"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

type PaymentResponse struct {
	ID            uuid.UUID `json:"id"`
	InvoiceID     uuid.UUID `json:"invoice_id"`
	Amount        string    `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	PaidAt        time.Time `json:"paid_at"`
	InvoiceStatus string    `json:"invoice_status,omitempty"`
}

type OutstandingResponse struct {
	PatientEmail       string `json:"patient_email"`
	OutstandingBalance string `json:"outstanding_balance"`
	Currency           string `json:"currency"`
}

func toInvoiceResponse(inv *billing.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:            inv.ID,
		AppointmentID: inv.AppointmentID,
		PatientEmail:  inv.PatientEmail,
		PatientName:   inv.PatientName,
		DoctorName:    inv.DoctorName,
		Specialty:     inv.Specialty,
		Description:   inv.Description,
		Amount:        inv.Amount.StringFixed(2),
		Tax:           inv.Tax.StringFixed(2),
		Total:         inv.Total.StringFixed(2),
		Status:        string(inv.Status),
		CreatedAt:     inv.CreatedAt,
		DueDate:       inv.DueDate,
		PaidAt:        inv.PaidAt,
	}
}

func toPaymentResponse(p *billing.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		InvoiceID:     p.InvoiceID,
		Amount:        p.Amount.StringFixed(2),
		PaymentMethod: string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		Notes:         p.Notes,
		PaidAt:        p.PaidAt,
	}
}

func listInvoicesHandler(svc BillingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := svc.ListInvoices(r.Context(), billing.InvoiceFilter{
			PatientEmail: strings.TrimSpace(q.Get("patient_email")),
			Status:       billing.InvoiceStatus(strings.ToUpper(q.Get("status"))),
		})
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		resp := make([]InvoiceResponse, 0, len(list))
		for i := range list {
			resp = append(resp, toInvoiceResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createInvoiceHandler(svc BillingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateInvoiceRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		appointmentID, err := uuid.Parse(req.AppointmentID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "appointment_id must be a valid UUID")
			return
		}

		inv, created, err := svc.CreateInvoice(r.Context(), billing.CreateInvoiceInput{
			AppointmentID: appointmentID,
			PatientEmail:  req.PatientEmail,
			PatientName:   req.PatientName,
			DoctorName:    req.DoctorName,
			Specialty:     req.Specialty,
			Description:   req.Description,
		})
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, toInvoiceResponse(inv))
	}
}

func getInvoiceHandler(svc BillingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := invoiceID(w, r)
		if !ok {
			return
		}

		inv, err := svc.GetInvoice(r.Context(), id)
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

func updateInvoiceHandler(svc BillingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := invoiceID(w, r)
		if !ok {
			return
		}

		var req UpdateInvoiceRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		in := billing.UpdateInvoiceInput{Description: req.Description}
		if req.DueDate != nil {
			due, err := parseTime(*req.DueDate)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "due_date: "+err.Error())
				return
			}
			in.DueDate = &due
		}
		if req.Status != nil {
			status := billing.InvoiceStatus(strings.ToUpper(*req.Status))
			in.Status = &status
		}

		inv, err := svc.UpdateInvoice(r.Context(), id, in)
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
	}
}

func listPaymentsHandler(svc BillingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := invoiceID(w, r)
		if !ok {
			return
		}

		list, err := svc.ListPayments(r.Context(), id)
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		resp := make([]PaymentResponse, 0, len(list))
		for i := range list {
			resp = append(resp, toPaymentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func recordPaymentHandler(svc BillingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecordPaymentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		invoiceID, err := uuid.Parse(req.InvoiceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_invoice_id", "invoice_id must be a valid UUID")
			return
		}

		p, inv, err := svc.RecordPayment(r.Context(), billing.RecordPaymentInput{
			InvoiceID:     invoiceID,
			Amount:        req.Amount,
			Method:        billing.PaymentMethod(strings.ToUpper(req.PaymentMethod)),
			Status:        billing.PaymentStatus(strings.ToUpper(req.Status)),
			TransactionID: req.TransactionID,
			Notes:         req.Notes,
		})
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		resp := toPaymentResponse(p)
		resp.InvoiceStatus = string(inv.Status)
		writeJSON(w, http.StatusCreated, resp)
	}
}

func outstandingHandler(svc BillingService, currency string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimSpace(chi.URLParam(r, "email"))
		if email == "" {
			writeError(w, http.StatusBadRequest, "invalid_email", "email is required")
			return
		}

		balance, err := svc.OutstandingBalance(r.Context(), email)
		if err != nil {
			handleBillingError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, OutstandingResponse{
			PatientEmail:       email,
			OutstandingBalance: balance.StringFixed(2),
			Currency:           currency,
		})
	}
}

func invoiceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_invoice_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleBillingError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	var ve *billing.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", ve.Error())
	case errors.Is(err, billing.ErrInvoiceNotFound):
		writeError(w, http.StatusNotFound, "invoice_not_found", err.Error())
	case errors.Is(err, billing.ErrInvoiceCancelled):
		writeError(w, http.StatusConflict, "invoice_cancelled", err.Error())
	case errors.Is(err, billing.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		logger.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("billing request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
