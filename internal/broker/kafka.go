package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

const routingKeyHeader = "routing-key"

// Kafka maps each topic onto a Kafka topic and each queue onto a consumer
// group. Offsets are committed only after the handler succeeded or the
// message was given up on, so a crash replays uncommitted messages.
type Kafka struct {
	brokers   []string
	topo      events.Topology
	logger    zerolog.Logger
	writer    *kafka.Writer
	newReader func(kafka.ReaderConfig) groupReader

	RetryDelay    time.Duration
	MaxDeliveries int

	mu      sync.Mutex
	readers []groupReader
}

// groupReader is the part of *kafka.Reader the consume loop uses.
type groupReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafka(brokers []string, topo events.Topology, logger zerolog.Logger) *Kafka {
	return &Kafka{
		brokers: brokers,
		topo:    topo,
		logger:  logger,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		newReader: func(cfg kafka.ReaderConfig) groupReader {
			return kafka.NewReader(cfg)
		},
		RetryDelay:    time.Second,
		MaxDeliveries: 10,
	}
}

func kafkaMessage(msg Message) kafka.Message {
	return kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: []kafka.Header{{Key: routingKeyHeader, Value: []byte(msg.RoutingKey)}},
	}
}

func routingKeyOf(headers []kafka.Header) string {
	for _, h := range headers {
		if h.Key == routingKeyHeader {
			return string(h.Value)
		}
	}
	return ""
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	if err := k.writer.WriteMessages(ctx, kafkaMessage(msg)); err != nil {
		return fmt.Errorf("kafka write %s: %w", msg.RoutingKey, err)
	}
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, queue string, h Handler) error {
	binding, ok := k.topo.Binding(queue)
	if !ok {
		return ErrUnknownQueue
	}

	reader := k.newReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  queue,
		Topic:    binding.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	k.mu.Lock()
	k.readers = append(k.readers, reader)
	k.mu.Unlock()

	return k.consume(ctx, queue, binding, reader, h)
}

func (k *Kafka) consume(ctx context.Context, queue string, binding events.Binding, reader groupReader, h Handler) error {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			k.logger.Warn().Err(err).Str("queue", queue).Msg("kafka fetch failed")
			sleepCtx(ctx, k.RetryDelay)
			continue
		}

		routingKey := routingKeyOf(m.Headers)
		if binding.Matches(binding.Topic, routingKey) && !k.deliver(ctx, queue, binding.Topic, routingKey, m, h) {
			k.logger.Info().
				Str("queue", queue).
				Int64("offset", m.Offset).
				Msg("shutting down mid-delivery, offset left uncommitted")
			return ctx.Err()
		}

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			k.logger.Warn().Err(err).Str("queue", queue).Int64("offset", m.Offset).Msg("kafka commit failed")
		}
	}
}

// deliver retries in place; moving past a failing offset would commit it.
// It returns false when ctx ended before the handler succeeded or gave up,
// in which case the offset must not be committed.
func (k *Kafka) deliver(ctx context.Context, queue, topic, routingKey string, m kafka.Message, h Handler) bool {
	d := Delivery{
		ID:         fmt.Sprintf("%d-%d", m.Partition, m.Offset),
		Topic:      topic,
		RoutingKey: routingKey,
		Body:       m.Value,
	}
	for attempt := 1; ; attempt++ {
		err := h(ctx, d)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if attempt >= k.MaxDeliveries {
			k.logger.Error().
				Err(err).
				Str("event", "message_dropped").
				Str("queue", queue).
				Str("message_id", d.ID).
				Str("routing_key", routingKey).
				Int("attempts", attempt).
				Msg("handler kept failing, committing past the message")
			return true
		}
		d.Redelivered = true
		sleepCtx(ctx, k.RetryDelay)
		if ctx.Err() != nil {
			return false
		}
	}
}

func (k *Kafka) Ping(ctx context.Context) error {
	if len(k.brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", k.brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	return conn.Close()
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	readers := k.readers
	k.readers = nil
	k.mu.Unlock()

	errs := []error{k.writer.Close()}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
