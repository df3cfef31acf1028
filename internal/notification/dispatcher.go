package notification

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/resilience"
)

var ErrNoDestination = errors.New("notification has no destination")

// Dispatcher sends messages through a Transport under a retry policy. There
// is no breaker: each message is independent and a failure only costs that
// message.
type Dispatcher struct {
	transport Transport
	policy    resilience.Policy
	logger    zerolog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

func NewDispatcher(transport Transport, policy resilience.Policy, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{transport: transport, logger: logger}
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Str("event", "retry_attempt_failed").
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("notification attempt failed")
	}
	d.policy = policy
	return d
}

// Deliver sends msg and returns the final error once retries are spent.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Destination) == "" {
		return ErrNoDestination
	}
	if _, err := ParseKind(string(msg.Kind)); err != nil {
		return err
	}

	err := d.policy.Do(ctx, "notify-"+strings.ToLower(string(msg.Kind)), func(ctx context.Context) error {
		return d.transport.Send(ctx, msg)
	})
	if err != nil {
		d.failed.Add(1)
		return err
	}
	d.sent.Add(1)
	return nil
}

// Notify is Deliver for event driven sends: failures are logged and counted,
// never returned.
func (d *Dispatcher) Notify(ctx context.Context, msg Message) {
	err := d.Deliver(ctx, msg)
	if err == nil {
		return
	}
	if errors.Is(err, ErrNoDestination) {
		d.logger.Warn().Str("kind", string(msg.Kind)).Str("subject", msg.Subject).Msg("skipping notification without destination")
		return
	}
	d.logger.Error().
		Err(err).
		Str("event", "notification_failed").
		Str("kind", string(msg.Kind)).
		Str("to", msg.Destination).
		Int64("failed_total", d.failed.Load()).
		Msg("notification not delivered")
}

func (d *Dispatcher) Sent() int64   { return d.sent.Load() }
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }
