package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, doctor_id, doctor_name, doctor_specialty,
	patient_last_name, patient_first_name, patient_email, patient_phone,
	scheduled_at, reason, status, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.DoctorName,
		&a.DoctorSpecialty,
		&a.PatientLastName,
		&a.PatientFirstName,
		&a.PatientEmail,
		&a.PatientPhone,
		&a.ScheduledAt,
		&a.Reason,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func scanEvent(row pgx.Row) (*EventLog, error) {
	var ev EventLog

	err := row.Scan(
		&ev.ID,
		&ev.EventType,
		&ev.AppointmentID,
		&ev.Topic,
		&ev.RoutingKey,
		&ev.Payload,
		&ev.CreatedAt,
		&ev.PublishedAt,
		&ev.Attempts,
		&ev.LastError,
		&ev.ClaimedUntil,
	)
	if err != nil {
		return nil, err
	}

	return &ev, nil
}

// Interface methods

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING `+appointmentColumns,
		a.ID, a.DoctorID, a.DoctorName, a.DoctorSpecialty,
		a.PatientLastName, a.PatientFirstName, a.PatientEmail, a.PatientPhone,
		a.ScheduledAt, a.Reason, a.Status,
	)

	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET patient_last_name = $2,
		    patient_first_name = $3,
		    patient_email = $4,
		    patient_phone = $5,
		    scheduled_at = $6,
		    reason = $7,
		    status = $8,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns,
		a.ID, a.PatientLastName, a.PatientFirstName, a.PatientEmail, a.PatientPhone,
		a.ScheduledAt, a.Reason, a.Status,
	)

	return scanAppointment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointments(ctx context.Context, limit, offset int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status <> 'CANCELLED'
		ORDER BY scheduled_at
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) ListAppointmentsByDoctor(ctx context.Context, doctorID int64) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status <> 'CANCELLED'
		ORDER BY scheduled_at
	`, doctorID)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, topic, routing_key, payload, created_at, claimed_until)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()), $7)
		RETURNING id
	`, ev.EventType, ev.AppointmentID, ev.Topic, ev.RoutingKey, ev.Payload, nullableTime(ev.CreatedAt), ev.ClaimedUntil).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert event log: %w", err)
	}

	return id, nil
}

func (r *PgRepository) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE event_logs
		SET published_at = $2,
		    attempts = attempts + 1,
		    last_error = NULL
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark event %d published: %w", id, err)
	}
	return nil
}

func (r *PgRepository) MarkEventFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE event_logs
		SET attempts = attempts + 1,
		    last_error = $2,
		    claimed_until = NULL
		WHERE id = $1
	`, id, reason)
	if err != nil {
		return fmt.Errorf("mark event %d failed: %w", id, err)
	}
	return nil
}

func (r *PgRepository) ClaimPendingEvents(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]EventLog, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE event_logs
		SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM event_logs
			WHERE published_at IS NULL
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, appointment_id, topic, routing_key, payload,
		          created_at, published_at, attempts, last_error, claimed_until
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer rows.Close()

	var result []EventLog
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not keep the subquery order
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
