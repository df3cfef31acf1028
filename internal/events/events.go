// Package events holds the JSON contracts exchanged between services and the
// broker topology they are routed through.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TopicAppointments = "appointments"
	TopicBilling      = "billing"
)

const (
	KeyAppointmentCreated   = "appointment.created"
	KeyAppointmentUpdated   = "appointment.updated"
	KeyAppointmentCancelled = "appointment.cancelled"

	KeyInvoiceCreated  = "invoice.created"
	KeyPaymentReceived = "payment.received"
	KeyPaymentOverdue  = "payment.overdue"
)

type AppointmentEventType string

const (
	AppointmentCreated   AppointmentEventType = "CREATED"
	AppointmentUpdated   AppointmentEventType = "UPDATED"
	AppointmentCancelled AppointmentEventType = "CANCELLED"
)

// RoutingKey maps an appointment event type onto the appointments topic.
func (t AppointmentEventType) RoutingKey() (string, error) {
	switch t {
	case AppointmentCreated:
		return KeyAppointmentCreated, nil
	case AppointmentUpdated:
		return KeyAppointmentUpdated, nil
	case AppointmentCancelled:
		return KeyAppointmentCancelled, nil
	}
	return "", fmt.Errorf("unknown appointment event type %q", t)
}

// AppointmentEvent is an immutable snapshot of an appointment at one state
// transition. Doctor display fields are copied in so consumers never call back.
type AppointmentEvent struct {
	EventID          uuid.UUID            `json:"event_id"`
	EventType        AppointmentEventType `json:"event_type"`
	AppointmentID    uuid.UUID            `json:"appointment_id"`
	DoctorID         int64                `json:"doctor_id"`
	DoctorName       string               `json:"doctor_name,omitempty"`
	DoctorSpecialty  string               `json:"doctor_specialty,omitempty"`
	PatientLastName  string               `json:"patient_last_name"`
	PatientFirstName string               `json:"patient_first_name"`
	PatientEmail     string               `json:"patient_email"`
	PatientPhone     string               `json:"patient_phone"`
	ScheduledAt      time.Time            `json:"scheduled_at"`
	Reason           string               `json:"reason"`
	Status           string               `json:"status"`
	OccurredAt       time.Time            `json:"occurred_at"`
}

// PatientFullName is the display name used on invoices and messages.
func (e AppointmentEvent) PatientFullName() string {
	switch {
	case e.PatientFirstName == "":
		return e.PatientLastName
	case e.PatientLastName == "":
		return e.PatientFirstName
	}
	return e.PatientFirstName + " " + e.PatientLastName
}

// PaymentEvent describes an invoice affecting transition published on the
// billing topic. EventType doubles as the routing key.
type PaymentEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	EventType     string          `json:"event_type"`
	InvoiceID     uuid.UUID       `json:"invoice_id"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	PatientEmail  string          `json:"patient_email"`
	PatientName   string          `json:"patient_name"`
	Amount        decimal.Decimal `json:"amount"`
	InvoiceTotal  decimal.Decimal `json:"invoice_total"`
	Status        string          `json:"status"`
	Currency      string          `json:"currency"`
	Timestamp     time.Time       `json:"timestamp"`
}

func DecodeAppointmentEvent(body []byte) (AppointmentEvent, error) {
	var ev AppointmentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return AppointmentEvent{}, fmt.Errorf("decode appointment event: %w", err)
	}
	if ev.AppointmentID == uuid.Nil {
		return AppointmentEvent{}, fmt.Errorf("decode appointment event: missing appointment_id")
	}
	return ev, nil
}

func DecodePaymentEvent(body []byte) (PaymentEvent, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return PaymentEvent{}, fmt.Errorf("decode payment event: %w", err)
	}
	if ev.InvoiceID == uuid.Nil {
		return PaymentEvent{}, fmt.Errorf("decode payment event: missing invoice_id")
	}
	return ev, nil
}
