// Package deadletter publishes queue signals to an external broker.
//
// A Publisher is a queue.Sink. Every dead-lettered record becomes a
// Notification on "<prefix>.<kind>"; store outages go to
// "<prefix>.store_unavailable", rate limited per operation. Publishing never
// fails the queue operation that emitted the signal.
package deadletter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/observability/tracing"
	"github.com/nimburion/leasequeue/pkg/queue"
	"github.com/nimburion/leasequeue/pkg/resilience"
)

const (
	DefaultTopicPrefix      = "leasequeue.deadletter"
	DefaultOperationTimeout = 10 * time.Second

	storeUnavailableTopic = "store_unavailable"
)

// Config configures a Publisher.
type Config struct {
	TopicPrefix      string
	OperationTimeout time.Duration
	// System labels tracing spans, for example "kafka".
	System string
	// StoreAlertEvery is the minimum spacing of store outage notifications
	// per operation. Zero means one per second.
	StoreAlertEvery time.Duration
	// BreakerFailures consecutive publish failures stop publishing for
	// BreakerCooldown so a broker outage does not slow down the queue.
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (c *Config) normalize() {
	c.TopicPrefix = strings.TrimRight(strings.TrimSpace(c.TopicPrefix), ".")
	if c.TopicPrefix == "" {
		c.TopicPrefix = DefaultTopicPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = DefaultOperationTimeout
	}
	if c.StoreAlertEvery <= 0 {
		c.StoreAlertEvery = time.Second
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
}

// Publisher implements queue.Sink on an eventbus.Producer.
type Publisher struct {
	producer   eventbus.Producer
	serializer eventbus.Serializer
	breaker    *resilience.CircuitBreaker
	log        logger.Logger
	config     Config
	now        func() time.Time

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

var _ queue.Sink = (*Publisher)(nil)

// NewPublisher wraps producer. The producer stays owned by the caller.
func NewPublisher(producer eventbus.Producer, log logger.Logger, cfg Config) (*Publisher, error) {
	if producer == nil {
		return nil, errors.New("producer is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Publisher{
		producer:   producer,
		serializer: eventbus.NewJSONSerializer(),
		breaker:    resilience.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		log:        log,
		config:     cfg,
		now:        time.Now,
		limiters:   map[string]*rate.Limiter{},
	}, nil
}

// Topic returns the topic notifications for kind are published to.
func (p *Publisher) Topic(kind queue.Kind) string {
	return Topic(p.config.TopicPrefix, kind)
}

// Topic joins a prefix and a kind into a dead-letter topic name.
func Topic(prefix string, kind queue.Kind) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return prefix + "." + string(kind)
}

// StoreUnavailableTopic returns the topic store outages are published to.
func (p *Publisher) StoreUnavailableTopic() string {
	return p.config.TopicPrefix + "." + storeUnavailableTopic
}

func (p *Publisher) DeadLettered(ctx context.Context, rec *queue.Record) {
	if p == nil || rec == nil {
		return
	}
	n := deadLetterNotification(rec, p.now().UTC())
	p.publish(ctx, p.Topic(rec.Kind), n)
}

func (p *Publisher) StoreUnavailable(ctx context.Context, op string, key queue.Key, err error) {
	if p == nil || !p.allowStoreAlert(op) {
		return
	}
	n := storeUnavailableNotification(op, key, err, p.now().UTC())
	p.publish(ctx, p.StoreUnavailableTopic(), n)
}

func (p *Publisher) publish(ctx context.Context, topic string, n Notification) {
	log := p.log.WithContext(ctx).With("topic", topic, "tenant_id", n.TenantID, "kind", string(n.Kind), "record_id", n.RecordID)

	body, err := p.serializer.Serialize(n)
	if err != nil {
		recordPublish(n.Event, "encode_error")
		log.Error("dead-letter notification encode failed", "error", err)
		return
	}

	msg := &eventbus.Message{
		ID:          uuid.NewString(),
		Key:         n.TenantID,
		Value:       body,
		ContentType: p.serializer.ContentType(),
		Timestamp:   n.OccurredAt,
		Headers: map[string]string{
			"event":     n.Event,
			"tenant_id": n.TenantID,
			"kind":      string(n.Kind),
		},
	}

	// The signal outlives the request that produced it.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.OperationTimeout)
	defer cancel()
	pubCtx, span := tracing.StartMessagingSpan(pubCtx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem(p.config.System),
		tracing.WithMessagingDestination(topic),
		tracing.WithMessagingMessageID(msg.ID),
		tracing.WithMessagingPayloadSize(len(body)),
	)
	defer span.End()
	otel.GetTextMapPropagator().Inject(pubCtx, propagation.MapCarrier(msg.Headers))

	err = p.breaker.Execute(func() error {
		return p.producer.Publish(pubCtx, topic, msg)
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitBreakerOpen):
		recordPublish(n.Event, "dropped")
		tracing.RecordError(span, err)
		log.Warn("dead-letter notification dropped, broker circuit open")
	case err != nil:
		recordPublish(n.Event, "error")
		tracing.RecordError(span, err)
		log.Error("dead-letter notification publish failed", "error", err)
	default:
		recordPublish(n.Event, "published")
		tracing.RecordSuccess(span)
		log.Debug("dead-letter notification published", "message_id", msg.ID)
	}
}

func (p *Publisher) allowStoreAlert(op string) bool {
	p.limitersMu.Lock()
	defer p.limitersMu.Unlock()
	limiter, ok := p.limiters[op]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.config.StoreAlertEvery), 1)
		p.limiters[op] = limiter
	}
	if !limiter.Allow() {
		recordPublish(EventStoreUnavailable, "throttled")
		return false
	}
	return true
}
