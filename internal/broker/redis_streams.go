package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

// RedisStreams keeps one stream per topic and one consumer group per queue.
// Entries whose routing key does not match the queue binding are acked and
// skipped, which gives topic-exchange semantics on top of plain streams.
//
// Entries left pending by a consumer that died are taken over with XAUTOCLAIM
// once they have been idle for ClaimIdle; the check runs every ClaimEvery.
type RedisStreams struct {
	client   *redis.Client
	topo     events.Topology
	consumer string
	logger   zerolog.Logger

	Block         time.Duration
	BatchSize     int64
	MaxLen        int64
	RetryDelay    time.Duration
	MaxDeliveries int
	ClaimIdle     time.Duration
	ClaimEvery    time.Duration
}

func NewRedisStreams(client *redis.Client, topo events.Topology, consumer string, logger zerolog.Logger) *RedisStreams {
	return &RedisStreams{
		client:        client,
		topo:          topo,
		consumer:      consumer,
		logger:        logger,
		Block:         2 * time.Second,
		BatchSize:     16,
		MaxLen:        100_000,
		RetryDelay:    time.Second,
		MaxDeliveries: 10,
		ClaimIdle:     time.Minute,
		ClaimEvery:    30 * time.Second,
	}
}

func streamKey(topic string) string {
	return "events:" + topic
}

func (r *RedisStreams) Publish(ctx context.Context, msg Message) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(msg.Topic),
		MaxLen: r.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"routing_key": msg.RoutingKey,
			"key":         msg.Key,
			"body":        string(msg.Body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", msg.RoutingKey, err)
	}
	return nil
}

func (r *RedisStreams) Subscribe(ctx context.Context, queue string, h Handler) error {
	binding, ok := r.topo.Binding(queue)
	if !ok {
		return ErrUnknownQueue
	}
	stream := streamKey(binding.Topic)

	if err := r.client.XGroupCreateMkStream(ctx, stream, queue, "0").Err(); err != nil &&
		!strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", queue, err)
	}

	failures := make(map[string]int)
	// "0" re-reads entries delivered to this consumer but never acked,
	// ">" reads new entries.
	start := "0"
	var lastClaim time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.ClaimIdle > 0 && time.Since(lastClaim) >= r.ClaimEvery {
			lastClaim = time.Now()
			if r.reclaim(ctx, stream, queue) > 0 {
				start = "0"
			}
		}

		res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    queue,
			Consumer: r.consumer,
			Streams:  []string{stream, start},
			Count:    r.BatchSize,
			Block:    r.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			start = ">"
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn().Err(err).Str("queue", queue).Msg("xreadgroup failed")
			sleepCtx(ctx, r.RetryDelay)
			continue
		}

		read, failed := 0, false
		for _, s := range res {
			for _, m := range s.Messages {
				read++
				if err := r.handle(ctx, stream, queue, binding, m, start == "0", h, failures); err != nil {
					failed = true
				}
			}
		}

		switch {
		case failed:
			sleepCtx(ctx, r.RetryDelay)
			start = "0"
		case start == "0" && read == 0:
			start = ">"
		}
	}
}

func (r *RedisStreams) handle(ctx context.Context, stream, queue string, b events.Binding, m redis.XMessage, pending bool, h Handler, failures map[string]int) error {
	routingKey, _ := m.Values["routing_key"].(string)
	body, _ := m.Values["body"].(string)

	if !b.Matches(b.Topic, routingKey) {
		return r.ack(ctx, stream, queue, m.ID)
	}

	err := h(ctx, Delivery{
		ID:          m.ID,
		Topic:       b.Topic,
		RoutingKey:  routingKey,
		Body:        []byte(body),
		Redelivered: pending || failures[m.ID] > 0,
	})
	if err != nil {
		failures[m.ID]++
		if failures[m.ID] < r.MaxDeliveries {
			return err
		}
		r.logger.Error().
			Err(err).
			Str("event", "message_dropped").
			Str("queue", queue).
			Str("message_id", m.ID).
			Str("routing_key", routingKey).
			Int("attempts", failures[m.ID]).
			Msg("handler kept failing, acking to unblock the queue")
	}

	delete(failures, m.ID)
	return r.ack(ctx, stream, queue, m.ID)
}

// reclaim moves entries idle for longer than ClaimIdle into this consumer's
// pending list, where the "0" read picks them up as redeliveries.
func (r *RedisStreams) reclaim(ctx context.Context, stream, queue string) int {
	claimed := 0
	cursor := "0-0"
	for {
		ids, next, err := r.client.XAutoClaimJustID(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    queue,
			Consumer: r.consumer,
			MinIdle:  r.ClaimIdle,
			Start:    cursor,
			Count:    r.BatchSize,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("queue", queue).Msg("xautoclaim failed")
			}
			return claimed
		}
		claimed += len(ids)
		if next == "0-0" || next == "" || len(ids) == 0 {
			break
		}
		cursor = next
	}

	if claimed > 0 {
		r.logger.Info().
			Str("event", "pending_reclaimed").
			Str("queue", queue).
			Str("consumer", r.consumer).
			Int("count", claimed).
			Msg("took over entries from idle consumers")
	}
	return claimed
}

func (r *RedisStreams) ack(ctx context.Context, stream, queue, id string) error {
	if err := r.client.XAck(ctx, stream, queue, id).Err(); err != nil {
		r.logger.Warn().Err(err).Str("queue", queue).Str("message_id", id).Msg("xack failed")
		return err
	}
	return nil
}

func (r *RedisStreams) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the redis client is owned by the caller.
func (r *RedisStreams) Close() error {
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
