package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

func newTestStreams(t *testing.T) (*RedisStreams, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rs := NewRedisStreams(rdb, events.DefaultTopology(), "test-consumer", zerolog.Nop())
	rs.Block = 50 * time.Millisecond
	rs.RetryDelay = 10 * time.Millisecond
	return rs, rdb
}

func TestRedisStreams_PublishAppendsToTopicStream(t *testing.T) {
	rs, rdb := newTestStreams(t)
	ctx := context.Background()

	err := rs.Publish(ctx, Message{
		Topic:      events.TopicAppointments,
		RoutingKey: events.KeyAppointmentCreated,
		Key:        "a1",
		Body:       []byte(`{"x":1}`),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := rdb.XRange(ctx, "events:appointments", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Values["routing_key"] != events.KeyAppointmentCreated {
		t.Errorf("routing_key = %v", entries[0].Values["routing_key"])
	}
}

func TestRedisStreams_SubscribeFiltersByBinding(t *testing.T) {
	rs, _ := newTestStreams(t)
	ctx := context.Background()

	for _, key := range []string{events.KeyAppointmentUpdated, events.KeyAppointmentCreated} {
		if err := rs.Publish(ctx, Message{Topic: events.TopicAppointments, RoutingKey: key, Body: []byte(`{}`)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := collect(t, rs, events.QueueAppointmentBilling, 1, nil)
	if got[0].RoutingKey != events.KeyAppointmentCreated {
		t.Errorf("billing queue got %s", got[0].RoutingKey)
	}
}

func TestRedisStreams_RetriesFailedEntry(t *testing.T) {
	rs, _ := newTestStreams(t)
	ctx := context.Background()

	if err := rs.Publish(ctx, Message{Topic: events.TopicBilling, RoutingKey: events.KeyInvoiceCreated, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := collect(t, rs, events.QueueBillingNotifications, 1, func(d Delivery, n int) error {
		if n == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	if !got[0].Redelivered {
		t.Error("expected second delivery to be flagged as redelivered")
	}
}

func TestRedisStreams_ReclaimsEntryOfDeadConsumer(t *testing.T) {
	rs, rdb := newTestStreams(t)
	ctx := context.Background()

	if err := rs.Publish(ctx, Message{Topic: events.TopicAppointments, RoutingKey: events.KeyAppointmentCreated, Body: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// pod-a reads the entry and goes away without acking it
	stream := streamKey(events.TopicAppointments)
	if err := rdb.XGroupCreateMkStream(ctx, stream, events.QueueAppointmentBilling, "0").Err(); err != nil {
		t.Fatalf("create group: %v", err)
	}
	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    events.QueueAppointmentBilling,
		Consumer: "pod-a",
		Streams:  []string{stream, ">"},
		Count:    10,
	}).Result()
	if err != nil || len(res) != 1 || len(res[0].Messages) != 1 {
		t.Fatalf("pod-a read = %+v, %v", res, err)
	}

	podB := NewRedisStreams(rdb, events.DefaultTopology(), "pod-b", zerolog.Nop())
	podB.Block = 20 * time.Millisecond
	podB.RetryDelay = 10 * time.Millisecond
	podB.ClaimIdle = 30 * time.Millisecond
	podB.ClaimEvery = 10 * time.Millisecond

	got := collect(t, podB, events.QueueAppointmentBilling, 1, nil)
	if got[0].ID != res[0].Messages[0].ID || !got[0].Redelivered {
		t.Errorf("pod-b got %+v", got[0])
	}
}
