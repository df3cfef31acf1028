package resilience

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Observer receives the operational events of a guarded call.
type Observer interface {
	StateChanged(name string, from, to State)
	Fallback(name string, reason Reason, err error)
	AttemptFailed(name string, attempt int, err error, wait time.Duration)
}

type NopObserver struct{}

func (NopObserver) StateChanged(string, State, State) {}
func (NopObserver) Fallback(string, Reason, error) {}
func (NopObserver) AttemptFailed(string, int, error, time.Duration) {}

// LogObserver writes every event as a structured log line and keeps
// counters for the readiness endpoint.
type LogObserver struct {
	logger zerolog.Logger

	transitions atomic.Int64
	fallbacks   atomic.Int64
}

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) StateChanged(name string, from, to State) {
	o.transitions.Add(1)
	ev := o.logger.Info()
	if to == StateOpen {
		ev = o.logger.Warn()
	}
	ev.Str("event", "breaker_state_change").
		Str("breaker", name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("circuit breaker state changed")
}

func (o *LogObserver) Fallback(name string, reason Reason, err error) {
	o.fallbacks.Add(1)
	o.logger.Warn().
		Err(err).
		Str("event", "breaker_fallback").
		Str("breaker", name).
		Str("reason", string(reason)).
		Msg("guarded call degraded")
}

func (o *LogObserver) AttemptFailed(name string, attempt int, err error, wait time.Duration) {
	o.logger.Debug().
		Err(err).
		Str("event", "retry_attempt_failed").
		Str("breaker", name).
		Int("attempt", attempt).
		Dur("next_wait", wait).
		Msg("attempt failed, retrying")
}

func (o *LogObserver) Transitions() int64 { return o.transitions.Load() }
func (o *LogObserver) Fallbacks() int64 { return o.fallbacks.Load() }
