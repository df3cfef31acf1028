package events

import "strings"

const (
	QueueAppointmentBilling       = "appointment.billing.queue"
	QueueAppointmentNotifications = "appointment.notifications.queue"
	QueueBillingNotifications     = "billing.notifications.queue"
)

// Binding attaches a durable queue to a topic for the routing keys matching
// any of its patterns.
type Binding struct {
	Queue    string
	Topic    string
	Patterns []string
}

// Matches reports whether a message published on topic with routingKey is
// routed to this binding's queue.
func (b Binding) Matches(topic, routingKey string) bool {
	if b.Topic != topic {
		return false
	}
	for _, p := range b.Patterns {
		if MatchRoutingKey(p, routingKey) {
			return true
		}
	}
	return false
}

// Topology is the static broker layout declared by every process at startup.
type Topology struct {
	Topics   []string
	Bindings []Binding
}

func (t Topology) Binding(queue string) (Binding, bool) {
	for _, b := range t.Bindings {
		if b.Queue == queue {
			return b, true
		}
	}
	return Binding{}, false
}

// DefaultTopology wires billing and notification consumers to the
// appointment and billing topics.
func DefaultTopology() Topology {
	return Topology{
		Topics: []string{TopicAppointments, TopicBilling},
		Bindings: []Binding{
			{Queue: QueueAppointmentBilling, Topic: TopicAppointments, Patterns: []string{KeyAppointmentCreated}},
			{Queue: QueueAppointmentNotifications, Topic: TopicAppointments, Patterns: []string{"appointment.*"}},
			{Queue: QueueBillingNotifications, Topic: TopicBilling, Patterns: []string{"invoice.*", "payment.*"}},
		},
	}
}

// MatchRoutingKey matches dot separated keys the way a topic exchange does:
// "*" is exactly one word and "#" is zero or more words.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "#" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		}
		if len(key) == 0 {
			return false
		}
		if head != "*" && head != key[0] {
			return false
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
