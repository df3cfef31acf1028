package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/hackgods/clinic-event-pipeline/internal/config"
)

type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

type Reason string

const (
	ReasonCircuitOpen      Reason = "circuit_open"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonDependencyError  Reason = "dependency_error"
)

var ErrDegraded = errors.New("dependency degraded")

// DegradedError is what a guarded call returns instead of the raw failure
// when the breaker short-circuited or retries ran out.
type DegradedError struct {
	Name   string
	Reason Reason
	Err    error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s degraded (%s): %v", e.Name, e.Reason, e.Err)
}

func (e *DegradedError) Unwrap() error { return e.Err }

func (e *DegradedError) Is(target error) bool { return target == ErrDegraded }

// Guard combines a circuit breaker with a retry policy around one remote call.
// A full retry run is one breaker request, so exhausting retries counts as a
// single failure. Expected errors such as not-found pass through and count
// as successes: the dependency answered. Any other error is a failure and is
// reported as degraded. An error caused by the caller's own context passes
// through and does not count against the dependency.
type Guard[T any] struct {
	name     string
	policy   Policy
	cb       *gobreaker.CircuitBreaker[T]
	observer Observer
	expected []error
}

func NewGuard[T any](name string, cfg config.GuardConfig, obs Observer, expected ...error) *Guard[T] {
	if obs == nil {
		obs = NopObserver{}
	}
	g := &Guard[T]{
		name:     name,
		policy:   NewPolicy(cfg.Retry),
		observer: obs,
		expected: expected,
	}
	g.policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		obs.AttemptFailed(name, attempt, err, wait)
	}

	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	g.cb = gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Interval:    cfg.Window,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.ConsecutiveFailures >= threshold {
				return true
			}
			if cfg.FailureRatio <= 0 || cfg.MinRequests == 0 || c.Requests < cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
		},
		// runs under the breaker's lock; the observer must not call back into it
		OnStateChange: func(name string, from, to gobreaker.State) {
			obs.StateChanged(name, toState(from), toState(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil || g.isExpected(err) {
				return true
			}
			var ex *ExhaustedError
			if errors.As(err, &ex) {
				return false
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return g
}

func (g *Guard[T]) Name() string { return g.name }

func (g *Guard[T]) State() State { return toState(g.cb.State()) }

func (g *Guard[T]) Counts() gobreaker.Counts { return g.cb.Counts() }

// Call runs op through the breaker and the retry policy.
func (g *Guard[T]) Call(ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	v, err := g.cb.Execute(func() (T, error) {
		return Retry(ctx, g.policy, g.name, op)
	})
	if err == nil {
		return v, nil
	}

	var zero T
	var ex *ExhaustedError
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.observer.Fallback(g.name, ReasonCircuitOpen, err)
		return zero, &DegradedError{Name: g.name, Reason: ReasonCircuitOpen, Err: err}
	case errors.As(err, &ex):
		g.observer.Fallback(g.name, ReasonRetriesExhausted, err)
		return zero, &DegradedError{Name: g.name, Reason: ReasonRetriesExhausted, Err: err}
	case g.isExpected(err), ctx.Err() != nil:
		return zero, err
	}
	g.observer.Fallback(g.name, ReasonDependencyError, err)
	return zero, &DegradedError{Name: g.name, Reason: ReasonDependencyError, Err: err}
}

func (g *Guard[T]) isExpected(err error) bool {
	for _, e := range g.expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
