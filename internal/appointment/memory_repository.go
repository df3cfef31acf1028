package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps appointments and the outbox in process memory.
// It backs the service when no Postgres DSN is configured and in tests.
type MemoryRepository struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]Appointment
	events       []EventLog
	nextEventID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{appointments: make(map[uuid.UUID]Appointment)}
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.CreatedAt = cur.CreatedAt
	a.DoctorID, a.DoctorName, a.DoctorSpecialty = cur.DoctorID, cur.DoctorName, cur.DoctorSpecialty
	a.UpdatedAt = time.Now().UTC()
	r.appointments[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appointments, id)
	return nil
}

func (r *MemoryRepository) list(keep func(Appointment) bool) []Appointment {
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status != StatusCancelled && keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out
}

func (r *MemoryRepository) ListAppointments(_ context.Context, limit, offset int) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.list(func(Appointment) bool { return true })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) ListAppointmentsByDoctor(_ context.Context, doctorID int64) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.list(func(a Appointment) bool { return a.DoctorID == doctorID }), nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEventID++
	ev.ID = r.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	return ev.ID, nil
}

func (r *MemoryRepository) MarkEventPublished(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev := r.event(id); ev != nil {
		ev.PublishedAt = &at
		ev.Attempts++
		ev.LastError = nil
	}
	return nil
}

func (r *MemoryRepository) MarkEventFailed(_ context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev := r.event(id); ev != nil {
		ev.Attempts++
		ev.LastError = &reason
		ev.ClaimedUntil = nil
	}
	return nil
}

func (r *MemoryRepository) ClaimPendingEvents(_ context.Context, now time.Time, lease time.Duration, limit int) ([]EventLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	until := now.Add(lease)
	var out []EventLog
	for i := range r.events {
		ev := &r.events[i]
		if ev.PublishedAt != nil || (ev.ClaimedUntil != nil && ev.ClaimedUntil.After(now)) {
			continue
		}
		ev.ClaimedUntil = &until
		out = append(out, *ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Events returns a copy of the outbox.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) event(id int64) *EventLog {
	for i := range r.events {
		if r.events[i].ID == id {
			return &r.events[i]
		}
	}
	return nil
}
