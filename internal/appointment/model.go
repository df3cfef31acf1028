package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusCancelled AppointmentStatus = "CANCELLED"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

type Appointment struct {
	ID       uuid.UUID
	DoctorID int64

	// Doctor display fields captured at creation time.
	DoctorName      string
	DoctorSpecialty string

	PatientLastName  string
	PatientFirstName string
	PatientEmail     string
	PatientPhone     string

	ScheduledAt time.Time
	Reason      string
	Status      AppointmentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EventLog is one row of the outbox. PublishedAt stays nil until the broker
// accepted the message. ClaimedUntil is the lease of whoever is publishing it;
// the relay only picks rows whose lease is unset or expired.
type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID uuid.UUID
	Topic         string
	RoutingKey    string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	LastError     *string
	ClaimedUntil  *time.Time
}

type CreateInput struct {
	DoctorID         int64
	PatientLastName  string
	PatientFirstName string
	PatientEmail     string
	PatientPhone     string
	ScheduledAt      time.Time
	Reason           string
}

// UpdateInput carries partial changes; nil fields are left untouched.
type UpdateInput struct {
	PatientLastName  *string
	PatientFirstName *string
	PatientEmail     *string
	PatientPhone     *string
	ScheduledAt      *time.Time
	Reason           *string
	Status           *AppointmentStatus
}
