// Package eventbus carries queue notifications to an external broker.
//
// Adapters exist for Kafka, RabbitMQ and SQS. The queue itself never reads
// from a broker; consumers are used by operator tooling that tails the
// dead-letter topics.
package eventbus

import (
	"context"
	"time"
)

// Producer publishes messages to a topic.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
	// PublishBatch fails as a whole if any message fails.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error
	Close() error
}

// Consumer delivers messages of a topic to a handler until unsubscribed.
type Consumer interface {
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// EventBus is implemented by every broker adapter.
type EventBus interface {
	Producer
	Consumer

	// HealthCheck verifies connectivity to the broker.
	HealthCheck(ctx context.Context) error
}

// Message is one broker message.
type Message struct {
	ID string
	// Key selects the Kafka partition; all notifications of a tenant share one.
	Key         string
	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}

// MessageHandler processes one consumed message. Returning an error leaves
// the message unacknowledged so the broker redelivers it.
type MessageHandler func(ctx context.Context, msg *Message) error
