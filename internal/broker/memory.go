package broker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

const memoryQueueSize = 1024

type memoryEntry struct {
	delivery Delivery
	attempts int
}

// Memory is an in-process broker. Queues are declared from the topology up
// front so messages published before a consumer subscribes are kept.
type Memory struct {
	topo   events.Topology
	logger zerolog.Logger

	// MaxDeliveries bounds redelivery of a message whose handler keeps failing.
	MaxDeliveries int
	// RedeliveryDelay is waited before a failed message is queued again.
	RedeliveryDelay time.Duration

	mu     sync.RWMutex
	queues map[string]chan memoryEntry
	closed bool
	seq    atomic.Uint64
}

func NewMemory(topo events.Topology, logger zerolog.Logger) *Memory {
	m := &Memory{
		topo:            topo,
		logger:          logger,
		MaxDeliveries:   5,
		RedeliveryDelay: 10 * time.Millisecond,
		queues:          make(map[string]chan memoryEntry),
	}
	for _, b := range topo.Bindings {
		m.queues[b.Queue] = make(chan memoryEntry, memoryQueueSize)
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	id := strconv.FormatUint(m.seq.Add(1), 10)
	for _, b := range m.topo.Bindings {
		if !b.Matches(msg.Topic, msg.RoutingKey) {
			continue
		}
		entry := memoryEntry{delivery: Delivery{
			ID:         id,
			Topic:      msg.Topic,
			RoutingKey: msg.RoutingKey,
			Body:       append([]byte(nil), msg.Body...),
		}}
		select {
		case m.queues[b.Queue] <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, queue string, h Handler) error {
	m.mu.RLock()
	ch, ok := m.queues[queue]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownQueue
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-ch:
			entry.attempts++
			if err := h(ctx, entry.delivery); err != nil {
				m.redeliver(ctx, queue, ch, entry, err)
			}
		}
	}
}

func (m *Memory) redeliver(ctx context.Context, queue string, ch chan memoryEntry, entry memoryEntry, cause error) {
	if entry.attempts >= m.MaxDeliveries {
		m.logger.Error().
			Err(cause).
			Str("event", "message_dropped").
			Str("queue", queue).
			Str("routing_key", entry.delivery.RoutingKey).
			Int("attempts", entry.attempts).
			Msg("handler kept failing, dropping message")
		return
	}
	entry.delivery.Redelivered = true
	go func() {
		select {
		case <-time.After(m.RedeliveryDelay):
		case <-ctx.Done():
			return
		}
		select {
		case ch <- entry:
		case <-ctx.Done():
		}
	}()
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
