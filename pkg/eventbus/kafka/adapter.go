// Package kafka implements eventbus.EventBus on segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	defaultOperationTimeout = 30 * time.Second
	defaultMaxRetries       = 3
	defaultGroupID          = "leasequeue-deadletter"
)

// Config holds the Kafka adapter configuration.
type Config struct {
	Brokers          []string
	OperationTimeout time.Duration
	// MaxRetries bounds the writer's own delivery attempts per batch.
	MaxRetries int
	GroupID    string
}

// Adapter publishes with one shared writer and consumes with one reader per topic.
type Adapter struct {
	writer  *kafka.Writer
	readers map[string]*kafka.Reader
	log     logger.Logger
	config  Config
	mu      sync.RWMutex
	closed  bool
}

// NewAdapter validates cfg and prepares the writer. No connection is made
// until the first publish.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker address is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultOperationTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.GroupID == "" {
		cfg.GroupID = defaultGroupID
	}

	writer := &kafka.Writer{
		Addr: kafka.TCP(cfg.Brokers...),
		// Keyed by tenant so one tenant's notifications stay ordered.
		Balancer:               &kafka.Hash{},
		MaxAttempts:            cfg.MaxRetries,
		WriteTimeout:           cfg.OperationTimeout,
		ReadTimeout:            cfg.OperationTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	log.Info("kafka adapter initialized", "brokers", cfg.Brokers, "group_id", cfg.GroupID)
	return &Adapter{
		writer:  writer,
		readers: map[string]*kafka.Reader{},
		log:     log,
		config:  cfg,
	}, nil
}

func (a *Adapter) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return errors.New("message is required")
	}
	return a.PublishBatch(ctx, topic, []*eventbus.Message{message})
}

func (a *Adapter) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()

	out := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		out = append(out, toKafkaMessage(topic, msg))
	}
	if err := a.writer.WriteMessages(ctx, out...); err != nil {
		a.log.Error("kafka publish failed", "topic", topic, "batch_size", len(out), "error", err)
		return fmt.Errorf("publish to kafka topic %s: %w", topic, err)
	}
	a.log.Debug("kafka messages published", "topic", topic, "batch_size", len(out))
	return nil
}

// Subscribe starts a consumer group reader for topic. Offsets are committed
// only after handler succeeds.
func (a *Adapter) Subscribe(ctx context.Context, topic string, handler eventbus.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("kafka adapter is closed")
	}
	if _, exists := a.readers[topic]; exists {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        a.config.Brokers,
		Topic:          topic,
		GroupID:        a.config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        500 * time.Millisecond,
	})
	a.readers[topic] = reader
	go a.consume(ctx, topic, reader, handler)

	a.log.Info("subscribed to kafka topic", "topic", topic, "group_id", a.config.GroupID)
	return nil
}

func (a *Adapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	reader, exists := a.readers[topic]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	delete(a.readers, topic)
	if err := reader.Close(); err != nil {
		return fmt.Errorf("close kafka reader for %s: %w", topic, err)
	}
	return nil
}

// HealthCheck dials the first broker and fetches cluster metadata.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("connect to kafka broker: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("fetch kafka broker metadata: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if err := a.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
	}
	for topic, reader := range a.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka reader for %s: %w", topic, err))
		}
	}
	a.readers = map[string]*kafka.Reader{}
	a.log.Info("kafka adapter closed")
	return errors.Join(errs...)
}

func (a *Adapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("kafka adapter is closed")
	}
	return nil
}

func (a *Adapter) consume(ctx context.Context, topic string, reader *kafka.Reader, handler eventbus.MessageHandler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			a.log.Error("kafka fetch failed", "topic", topic, "error", err)
			continue
		}

		if err := handler(ctx, fromKafkaMessage(msg)); err != nil {
			a.log.Warn("kafka handler failed", "topic", topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			a.log.Error("kafka commit failed", "topic", topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}

func toKafkaMessage(topic string, msg *eventbus.Message) kafka.Message {
	headers := convertHeaders(msg.Headers)
	if msg.ID != "" {
		headers = append(headers, kafka.Header{Key: "message_id", Value: []byte(msg.ID)})
	}
	if msg.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content_type", Value: []byte(msg.ContentType)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    msg.Timestamp,
	}
}

func fromKafkaMessage(msg kafka.Message) *eventbus.Message {
	headers := convertKafkaHeaders(msg.Headers)
	out := &eventbus.Message{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Timestamp: msg.Time,
	}
	if headers != nil {
		out.ID = headers["message_id"]
		out.ContentType = headers["content_type"]
		delete(headers, "message_id")
		delete(headers, "content_type")
	}
	return out
}

func convertHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for key, value := range headers {
		out = append(out, kafka.Header{Key: key, Value: []byte(value)})
	}
	return out
}

func convertKafkaHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, header := range headers {
		out[header.Key] = string(header.Value)
	}
	return out
}
