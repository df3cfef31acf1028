package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

// Lookup is the outcome of a guarded doctor lookup. When Degraded is set the
// directory could not be reached and Doctor only carries the requested id.
type Lookup struct {
	Doctor   Doctor
	Degraded bool
	Reason   resilience.Reason
}

// GuardedLookup puts the directory behind a circuit breaker and retry policy.
type GuardedLookup struct {
	client Client
	guard  *resilience.Guard[Doctor]
	budget time.Duration
}

func NewGuardedLookup(client Client, cfg config.GuardConfig, obs resilience.Observer) *GuardedLookup {
	return &GuardedLookup{
		client: client,
		guard:  resilience.NewGuard[Doctor]("doctor-directory", cfg, obs, ErrDoctorNotFound),
		budget: cfg.Budget(),
	}
}

// LookupDoctor returns ErrDoctorNotFound when the directory answered that the
// doctor does not exist. Any other directory failure is not an error: it
// yields a degraded Lookup. The call never runs longer than the guard's
// budget; only the caller's own cancellation is returned as an error.
func (g *GuardedLookup) LookupDoctor(ctx context.Context, id int64) (Lookup, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.budget > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.budget)
	}
	defer cancel()

	d, err := g.guard.Call(callCtx, func(ctx context.Context) (Doctor, error) {
		return g.client.GetDoctor(ctx, id)
	})
	if err == nil {
		return Lookup{Doctor: d}, nil
	}
	if errors.Is(err, ErrDoctorNotFound) {
		return Lookup{}, err
	}
	if ctx.Err() != nil {
		return Lookup{}, fmt.Errorf("lookup doctor %d: %w", id, ctx.Err())
	}

	reason := resilience.ReasonRetriesExhausted
	var de *resilience.DegradedError
	if errors.As(err, &de) {
		reason = de.Reason
	}
	return Lookup{Doctor: Doctor{ID: id}, Degraded: true, Reason: reason}, nil
}

func (g *GuardedLookup) State() resilience.State {
	return g.guard.State()
}
