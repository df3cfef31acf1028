package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/broker"
	"github.com/hackgods/clinic-event-pipeline/internal/directory"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

var ErrDoctorNotFound = directory.ErrDoctorNotFound

// outboxLease is how long an outbox row stays reserved for the request or
// relay run publishing it. After that another relay may pick it up.
const outboxLease = 30 * time.Second

// DoctorLookup is the guarded doctor directory call.
type DoctorLookup interface {
	LookupDoctor(ctx context.Context, id int64) (directory.Lookup, error)
}

type Service struct {
	repo      Repository
	doctors   DoctorLookup
	publisher broker.Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, doctors DoctorLookup, publisher broker.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		doctors:   doctors,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateAppointment validates the request, checks the doctor through the
// guarded directory call and stores the appointment. A confirmed doctor gives
// CONFIRMED; an unreachable directory gives PENDING. Both publish CREATED.
func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (*Appointment, error) {
	if err := in.validate(s.now()); err != nil {
		return nil, err
	}

	lookup, err := s.doctors.LookupDoctor(ctx, in.DoctorID)
	if err != nil {
		if errors.Is(err, directory.ErrDoctorNotFound) {
			return nil, fmt.Errorf("doctor %d: %w", in.DoctorID, ErrDoctorNotFound)
		}
		return nil, fmt.Errorf("lookup doctor: %w", err)
	}

	status := StatusConfirmed
	if lookup.Degraded {
		status = StatusPending
		s.logger.Warn().
			Str("event", "appointment_degraded").
			Int64("doctor_id", in.DoctorID).
			Str("reason", string(lookup.Reason)).
			Msg("doctor directory unavailable, storing appointment as pending")
	}

	appt, err := s.repo.CreateAppointment(ctx, Appointment{
		ID:               uuid.New(),
		DoctorID:         in.DoctorID,
		DoctorName:       lookup.Doctor.DisplayName(),
		DoctorSpecialty:  lookup.Doctor.Specialty,
		PatientLastName:  strings.TrimSpace(in.PatientLastName),
		PatientFirstName: strings.TrimSpace(in.PatientFirstName),
		PatientEmail:     strings.TrimSpace(in.PatientEmail),
		PatientPhone:     strings.TrimSpace(in.PatientPhone),
		ScheduledAt:      in.ScheduledAt.UTC(),
		Reason:           in.Reason,
		Status:           status,
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.emit(ctx, appt, events.AppointmentCreated)
	return appt, nil
}

// UpdateAppointment applies the set fields and publishes UPDATED. The doctor
// is not looked up again.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, in UpdateInput) (*Appointment, error) {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := in.apply(appt, s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateAppointment(ctx, *appt)
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	s.emit(ctx, updated, events.AppointmentUpdated)
	return updated, nil
}

// CancelAppointment marks the row CANCELLED, publishes CANCELLED and only
// then deletes it. When the publish fails the row stays behind as a
// tombstone and RelayPending finishes the job.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) error {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return err
	}

	appt.Status = StatusCancelled
	cancelled, err := s.repo.UpdateAppointment(ctx, *appt)
	if err != nil {
		return fmt.Errorf("cancel appointment: %w", err)
	}

	if !s.emit(ctx, cancelled, events.AppointmentCancelled) {
		s.logger.Warn().
			Str("event", "cancellation_deferred").
			Str("appointment_id", id.String()).
			Msg("cancel event not published, keeping tombstone for relay")
		return nil
	}

	if err := s.repo.DeleteAppointment(ctx, id); err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return fmt.Errorf("delete appointment: %w", err)
	}
	return nil
}

// GetAppointment hides tombstones: a cancelled appointment is gone for callers.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if appt.Status == StatusCancelled {
		return nil, ErrAppointmentNotFound
	}
	return appt, nil
}

func (s *Service) ListAppointments(ctx context.Context, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 50 // default
	}
	if limit > 200 {
		limit = 200 // max
	}
	if offset < 0 {
		offset = 0
	}

	list, err := s.repo.ListAppointments(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return list, nil
}

func (s *Service) ListAppointmentsByDoctor(ctx context.Context, doctorID int64) ([]Appointment, error) {
	list, err := s.repo.ListAppointmentsByDoctor(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by doctor: %w", err)
	}
	return list, nil
}

// RelayPending republishes outbox rows the broker never acknowledged, oldest
// first. Rows still leased by an in-flight request or another replica are
// skipped. It stops at the first failure so events of one appointment keep
// their order. Returns the number of events published.
func (s *Service) RelayPending(ctx context.Context, batch int) (int, error) {
	pending, err := s.repo.ClaimPendingEvents(ctx, s.now().UTC(), outboxLease, batch)
	if err != nil {
		return 0, fmt.Errorf("claim pending events: %w", err)
	}

	published := 0
	for _, ev := range pending {
		msg := broker.Message{
			Topic:      ev.Topic,
			RoutingKey: ev.RoutingKey,
			Key:        ev.AppointmentID.String(),
			Body:       ev.Payload,
		}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			if mErr := s.repo.MarkEventFailed(ctx, ev.ID, err.Error()); mErr != nil {
				s.logger.Error().Err(mErr).Int64("event_log_id", ev.ID).Msg("failed to record relay failure")
			}
			return published, fmt.Errorf("relay event %d: %w", ev.ID, err)
		}
		published++

		if err := s.repo.MarkEventPublished(ctx, ev.ID, s.now()); err != nil {
			s.logger.Error().Err(err).Int64("event_log_id", ev.ID).Msg("failed to mark relayed event")
		}

		if ev.EventType == string(events.AppointmentCancelled) {
			if err := s.repo.DeleteAppointment(ctx, ev.AppointmentID); err != nil && !errors.Is(err, ErrAppointmentNotFound) {
				s.logger.Error().Err(err).Str("appointment_id", ev.AppointmentID.String()).Msg("failed to delete cancelled appointment")
			}
		}

		s.logger.Info().
			Str("event", "outbox_relayed").
			Int64("event_log_id", ev.ID).
			Str("routing_key", ev.RoutingKey).
			Msg("relayed pending event")
	}

	return published, nil
}

func snapshot(a *Appointment, t events.AppointmentEventType, at time.Time) events.AppointmentEvent {
	return events.AppointmentEvent{
		EventID:          uuid.New(),
		EventType:        t,
		AppointmentID:    a.ID,
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
		OccurredAt:       at,
	}
}

// emit records the event in the outbox and publishes it. A publish failure
// never fails the business operation; the outbox row stays unpublished.
func (s *Service) emit(ctx context.Context, a *Appointment, t events.AppointmentEventType) bool {
	now := s.now().UTC()
	key, err := t.RoutingKey()
	if err != nil {
		s.logger.Error().Err(err).Msg("cannot route appointment event")
		return false
	}

	msg, err := broker.JSON(events.TopicAppointments, key, a.ID.String(), snapshot(a, t, now))
	if err != nil {
		s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to encode appointment event")
		return false
	}

	claimedUntil := now.Add(outboxLease)
	logID, err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     string(t),
		AppointmentID: a.ID,
		Topic:         msg.Topic,
		RoutingKey:    msg.RoutingKey,
		Payload:       msg.Body,
		CreatedAt:     now,
		ClaimedUntil:  &claimedUntil,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to write outbox entry")
	}

	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Error().
			Err(err).
			Str("event", "publish_failed").
			Str("routing_key", key).
			Str("appointment_id", a.ID.String()).
			Msg("appointment event not published")
		if logID != 0 {
			if mErr := s.repo.MarkEventFailed(ctx, logID, err.Error()); mErr != nil {
				s.logger.Error().Err(mErr).Int64("event_log_id", logID).Msg("failed to record publish failure")
			}
		}
		return false
	}

	if logID != 0 {
		if err := s.repo.MarkEventPublished(ctx, logID, now); err != nil {
			s.logger.Error().Err(err).Int64("event_log_id", logID).Msg("failed to mark event published")
		}
	}
	return true
}
