package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrAppointmentNotFound = errors.New("appointment not found")

// Repository contains all DB interactions needed by the service.
type Repository interface {
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Reads skip cancelled rows still waiting for their event to go out.
	ListAppointments(ctx context.Context, limit, offset int) ([]Appointment, error)
	ListAppointmentsByDoctor(ctx context.Context, doctorID int64) ([]Appointment, error)

	// Outbox
	InsertEvent(ctx context.Context, ev EventLog) (int64, error)
	MarkEventPublished(ctx context.Context, id int64, at time.Time) error
	// MarkEventFailed records the error and drops the claim so the next relay
	// run can pick the row up.
	MarkEventFailed(ctx context.Context, id int64, reason string) error
	// ClaimPendingEvents leases up to limit unpublished, unclaimed rows until
	// now+lease, oldest first. Concurrent callers never get the same row.
	ClaimPendingEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]EventLog, error)
}
