// Package broker is the publish/subscribe capability every service talks to.
// Drivers give at-least-once delivery: a handler error leaves the message
// unacknowledged and it will be delivered again.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/config"
	"github.com/hackgods/clinic-event-pipeline/internal/events"
)

var (
	ErrUnknownQueue = errors.New("queue is not declared in the topology")
	ErrClosed       = errors.New("broker closed")
)

// Message is what a publisher hands to the broker.
type Message struct {
	Topic      string
	RoutingKey string
	Key        string // partitioning key, usually the aggregate id
	Body       []byte
}

// Delivery is a message as seen by a consumer.
type Delivery struct {
	ID          string
	Topic       string
	RoutingKey  string
	Body        []byte
	Redelivered bool
}

type Handler func(ctx context.Context, d Delivery) error

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Subscriber interface {
	// Subscribe consumes the queue until ctx is cancelled.
	Subscribe(ctx context.Context, queue string, h Handler) error
}

type Broker interface {
	Publisher
	Subscriber
	Ping(ctx context.Context) error
	Close() error
}

// JSON builds a Message with a JSON encoded body.
func JSON(topic, routingKey, key string, payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}
	return Message{Topic: topic, RoutingKey: routingKey, Key: key, Body: body}, nil
}

// New picks the driver named in cfg.BrokerDriver. rdb is only used by the
// redis driver and may be nil otherwise.
func New(cfg config.Config, topo events.Topology, rdb *redis.Client, consumer string, logger zerolog.Logger) (Broker, error) {
	switch cfg.BrokerDriver {
	case "memory":
		return NewMemory(topo, logger), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis broker requires a redis client")
		}
		return NewRedisStreams(rdb, topo, consumer, logger), nil
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, topo, logger), nil
	}
	return nil, fmt.Errorf("unsupported broker driver %q", cfg.BrokerDriver)
}
