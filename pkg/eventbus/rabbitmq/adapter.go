// Package rabbitmq implements eventbus.EventBus on a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	defaultExchange         = "leasequeue.deadletter"
	defaultExchangeType     = "topic"
	defaultOperationTimeout = 30 * time.Second
)

// Config holds RabbitMQ adapter configuration. Topics are routing keys on
// Exchange.
type Config struct {
	URL              string
	Exchange         string
	ExchangeType     string
	// QueueName names the durable queue bound by Subscribe; empty means the
	// topic itself.
	QueueName        string
	OperationTimeout time.Duration
	ConsumerTag      string
}

// Adapter publishes on a dedicated channel and opens one channel per subscription.
type Adapter struct {
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	log    logger.Logger
	config Config
	subs   map[string]*subscription
	mu     sync.RWMutex
	closed bool
}

type subscription struct {
	channel *amqp.Channel
	queue   string
	cancel  context.CancelFunc
}

// NewAdapter dials the broker and declares the exchange.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq URL is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = defaultExchange
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = defaultExchangeType
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := pubCh.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	a := &Adapter{
		conn:   conn,
		pubCh:  pubCh,
		log:    log,
		config: cfg,
		subs:   map[string]*subscription{},
	}
	log.Info("rabbitmq adapter initialized", "exchange", cfg.Exchange)
	return a, nil
}

func (a *Adapter) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()
	if closed {
		return errors.New("rabbitmq adapter is closed")
	}
	if message == nil {
		return errors.New("message is required")
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()

	publishing := amqp.Publishing{
		MessageId:    message.ID,
		ContentType:  message.ContentType,
		Body:         message.Value,
		Timestamp:    message.Timestamp,
		Headers:      toAMQPHeaders(message.Headers),
		DeliveryMode: amqp.Persistent,
	}
	if message.Key != "" {
		if publishing.Headers == nil {
			publishing.Headers = amqp.Table{}
		}
		publishing.Headers["message_key"] = message.Key
	}
	if err := a.pubCh.PublishWithContext(ctx, a.config.Exchange, topic, false, false, publishing); err != nil {
		return fmt.Errorf("publish to rabbitmq %s: %w", topic, err)
	}
	return nil
}

// PublishBatch publishes in order and stops at the first failure.
func (a *Adapter) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	for _, msg := range messages {
		if err := a.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe binds a durable queue to topic and consumes it with manual
// acknowledgements.
func (a *Adapter) Subscribe(ctx context.Context, topic string, handler eventbus.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("rabbitmq adapter is closed")
	}
	if _, exists := a.subs[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	queueName := a.config.QueueName
	if queueName == "" {
		queueName = topic
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(q.Name, topic, a.config.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	deliveries, err := ch.Consume(q.Name, a.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("start consumer on %s: %w", q.Name, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	a.subs[topic] = &subscription{channel: ch, queue: q.Name, cancel: cancel}
	go a.consume(subCtx, topic, deliveries, handler)

	a.log.Info("subscribed to rabbitmq topic", "topic", topic, "queue", q.Name)
	return nil
}

func (a *Adapter) consume(ctx context.Context, topic string, deliveries <-chan amqp.Delivery, handler eventbus.MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			headers := fromAMQPHeaders(d.Headers)
			key := headers["message_key"]
			delete(headers, "message_key")
			msg := &eventbus.Message{
				ID:          d.MessageId,
				Key:         key,
				Value:       d.Body,
				Headers:     headers,
				ContentType: d.ContentType,
				Timestamp:   d.Timestamp,
			}
			if err := handler(ctx, msg); err != nil {
				a.log.Warn("rabbitmq handler failed", "topic", topic, "message_id", d.MessageId, "error", err)
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (a *Adapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	sub, ok := a.subs[topic]
	if !ok {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	delete(a.subs, topic)
	sub.cancel()
	if err := sub.channel.Close(); err != nil {
		return fmt.Errorf("close subscription channel: %w", err)
	}
	return nil
}

// HealthCheck opens and closes a channel on the live connection.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	a.mu.RLock()
	closed := a.closed
	conn := a.conn
	a.mu.RUnlock()
	if closed {
		return errors.New("rabbitmq adapter is closed")
	}
	if conn == nil || conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}
	return ch.Close()
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for topic, sub := range a.subs {
		sub.cancel()
		if err := sub.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", topic, err))
		}
	}
	a.subs = map[string]*subscription{}
	if a.pubCh != nil {
		if err := a.pubCh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publish channel: %w", err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func toAMQPHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	return t
}

func fromAMQPHeaders(headers amqp.Table) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
