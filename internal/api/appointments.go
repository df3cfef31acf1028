package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/appointment"
)

type AppointmentService interface {
	CreateAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error)
	UpdateAppointment(ctx context.Context, id uuid.UUID, in appointment.UpdateInput) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) error
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, limit, offset int) ([]appointment.Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID int64) ([]appointment.Appointment, error)
}

type CreateAppointmentRequest struct {
	DoctorID         int64  `json:"doctor_id"`
	PatientLastName  string `json:"patient_last_name"`
	PatientFirstName string `json:"patient_first_name"`
	PatientEmail     string `json:"patient_email"`
	PatientPhone     string `json:"patient_phone"`
	ScheduledAt      string `json:"scheduled_at"`
	Reason           string `json:"reason"`
}

type UpdateAppointmentRequest struct {
	PatientLastName  *string `json:"patient_last_name"`
	PatientFirstName *string `json:"patient_first_name"`
	PatientEmail     *string `json:"patient_email"`
	PatientPhone     *string `json:"patient_phone"`
	ScheduledAt      *string `json:"scheduled_at"`
	Reason           *string `json:"reason"`
	Status           *string `json:"status"`
}

type AppointmentResponse struct {
	ID               uuid.UUID `json:"id"`
	DoctorID         int64     `json:"doctor_id"`
	DoctorName       string    `json:"doctor_name,omitempty"`
	DoctorSpecialty  string    `json:"doctor_specialty,omitempty"`
	PatientLastName  string    `json:"patient_last_name"`
	PatientFirstName string    `json:"patient_first_name"`
	PatientEmail     string    `json:"patient_email"`
	PatientPhone     string    `json:"patient_phone"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	Reason           string    `json:"reason"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:               a.ID,
		DoctorID:         a.DoctorID,
		DoctorName:       a.DoctorName,
		DoctorSpecialty:  a.DoctorSpecialty,
		PatientLastName:  a.PatientLastName,
		PatientFirstName: a.PatientFirstName,
		PatientEmail:     a.PatientEmail,
		PatientPhone:     a.PatientPhone,
		ScheduledAt:      a.ScheduledAt,
		Reason:           a.Reason,
		Status:           string(a.Status),
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func toAppointmentResponses(list []appointment.Appointment) []AppointmentResponse {
	resp := make([]AppointmentResponse, 0, len(list))
	for i := range list {
		resp = append(resp, toAppointmentResponse(&list[i]))
	}
	return resp
}

// createAppointmentHandler bounds the whole create, doctor lookup included,
// by timeout when it is positive.
func createAppointmentHandler(svc AppointmentService, timeout time.Duration, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		scheduledAt, err := parseTime(req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "scheduled_at: "+err.Error())
			return
		}

		ctx := r.Context()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		appt, err := svc.CreateAppointment(ctx, appointment.CreateInput{
			DoctorID:         req.DoctorID,
			PatientLastName:  req.PatientLastName,
			PatientFirstName: req.PatientFirstName,
			PatientEmail:     req.PatientEmail,
			PatientPhone:     req.PatientPhone,
			ScheduledAt:      scheduledAt,
			Reason:           req.Reason,
		})
		if err != nil {
			handleAppointmentError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc AppointmentService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		list, err := svc.ListAppointments(r.Context(), limit, offset)
		if err != nil {
			handleAppointmentError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponses(list))
	}
}

func listDoctorAppointmentsHandler(svc AppointmentService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := strconv.ParseInt(chi.URLParam(r, "doctorId"), 10, 64)
		if err != nil || doctorID <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a positive integer")
			return
		}

		list, err := svc.ListAppointmentsByDoctor(r.Context(), doctorID)
		if err != nil {
			handleAppointmentError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponses(list))
	}
}

func getAppointmentHandler(svc AppointmentService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleAppointmentError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func updateAppointmentHandler(svc AppointmentService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		in := appointment.UpdateInput{
			PatientLastName:  req.PatientLastName,
			PatientFirstName: req.PatientFirstName,
			PatientEmail:     req.PatientEmail,
			PatientPhone:     req.PatientPhone,
			Reason:           req.Reason,
		}
		if req.ScheduledAt != nil {
			t, err := parseTime(*req.ScheduledAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "validation_error", "scheduled_at: "+err.Error())
				return
			}
			in.ScheduledAt = &t
		}
		if req.Status != nil {
			status := appointment.AppointmentStatus(*req.Status)
			in.Status = &status
		}

		appt, err := svc.UpdateAppointment(r.Context(), id, in)
		if err != nil {
			handleAppointmentError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc AppointmentService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		if err := svc.CancelAppointment(r.Context(), id); err != nil {
			handleAppointmentError(w, r, logger, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func handleAppointmentError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	var ve *appointment.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_error", ve.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusBadRequest, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("appointment request abandoned")
		writeError(w, http.StatusServiceUnavailable, "request_timeout", "request cancelled or timed out")
	default:
		logger.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("appointment request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
