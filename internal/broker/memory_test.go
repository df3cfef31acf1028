package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

func collect(t *testing.T, b Subscriber, queue string, want int, fail func(d Delivery, n int) error) []Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		got  []Delivery
		seen = map[string]int{}
	)
	go func() {
		_ = b.Subscribe(ctx, queue, func(_ context.Context, d Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			seen[d.ID]++
			if fail != nil {
				if err := fail(d, seen[d.ID]); err != nil {
					return err
				}
			}
			got = append(got, d)
			if len(got) == want {
				cancel()
			}
			return nil
		})
	}()
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Fatalf("timed out waiting for %d deliveries on %s", want, queue)
	}
	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestMemory_FanOutByBinding(t *testing.T) {
	m := NewMemory(events.DefaultTopology(), zerolog.Nop())
	ctx := context.Background()

	for _, key := range []string{events.KeyAppointmentCreated, events.KeyAppointmentCancelled} {
		if err := m.Publish(ctx, Message{Topic: events.TopicAppointments, RoutingKey: key, Body: []byte(`{}`)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	billing := collect(t, m, events.QueueAppointmentBilling, 1, nil)
	if billing[0].RoutingKey != events.KeyAppointmentCreated {
		t.Errorf("billing got %s", billing[0].RoutingKey)
	}

	notif := collect(t, m, events.QueueAppointmentNotifications, 2, nil)
	if notif[1].RoutingKey != events.KeyAppointmentCancelled {
		t.Errorf("notifications got %s", notif[1].RoutingKey)
	}
}

func TestMemory_RedeliversOnHandlerError(t *testing.T) {
	m := NewMemory(events.DefaultTopology(), zerolog.Nop())
	m.RedeliveryDelay = time.Millisecond

	err := m.Publish(context.Background(), Message{Topic: events.TopicBilling, RoutingKey: events.KeyPaymentReceived, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := collect(t, m, events.QueueBillingNotifications, 1, func(d Delivery, n int) error {
		if n < 3 {
			return errors.New("transport down")
		}
		return nil
	})
	if !got[0].Redelivered {
		t.Error("expected redelivered flag on third attempt")
	}
}

func TestMemory_UnknownQueue(t *testing.T) {
	m := NewMemory(events.DefaultTopology(), zerolog.Nop())
	if err := m.Subscribe(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("err = %v, want ErrUnknownQueue", err)
	}
}

func TestMemory_PublishAfterClose(t *testing.T) {
	m := NewMemory(events.DefaultTopology(), zerolog.Nop())
	_ = m.Close()
	err := m.Publish(context.Background(), Message{Topic: events.TopicBilling, RoutingKey: events.KeyInvoiceCreated})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if err := m.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("ping err = %v", err)
	}
}

func TestJSON(t *testing.T) {
	msg, err := JSON(events.TopicBilling, events.KeyInvoiceCreated, "k1", map[string]string{"a": "b"})
	if err != nil {
		t.Fatal(err)
	}
	if string(msg.Body) != `{"a":"b"}` || msg.Key != "k1" {
		t.Errorf("msg = %+v", msg)
	}
}
