package deadletter

import (
	"fmt"
	"strings"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/eventbus/kafka"
	"github.com/nimburion/leasequeue/pkg/eventbus/rabbitmq"
	"github.com/nimburion/leasequeue/pkg/eventbus/sqs"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

// NewEventBus connects the broker selected by cfg.Type.
func NewEventBus(cfg config.DeadLetterConfig, log logger.Logger) (eventbus.EventBus, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.DeadLetterTypeKafka:
		return kafka.NewAdapter(kafka.Config{
			Brokers:          cfg.Brokers,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.DeadLetterTypeRabbitMQ:
		return rabbitmq.NewAdapter(rabbitmq.Config{
			URL:              cfg.URL,
			Exchange:         cfg.Exchange,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	case config.DeadLetterTypeSQS:
		return sqs.NewAdapter(sqs.Config{
			Region:           cfg.Region,
			QueueURL:         cfg.QueueURL,
			Endpoint:         cfg.Endpoint,
			AccessKeyID:      cfg.AccessKeyID,
			SecretAccessKey:  cfg.SecretAccessKey,
			SessionToken:     cfg.SessionToken,
			OperationTimeout: cfg.OperationTimeout,
		}, log)
	default:
		return nil, fmt.Errorf("unsupported deadletter.type %q (supported: kafka, rabbitmq, sqs)", cfg.Type)
	}
}

// NewFromConfig connects the broker and wraps it in a Publisher. Close the
// returned bus on shutdown.
func NewFromConfig(cfg config.DeadLetterConfig, log logger.Logger) (*Publisher, eventbus.EventBus, error) {
	bus, err := NewEventBus(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	publisher, err := NewPublisher(bus, log, Config{
		TopicPrefix:      cfg.TopicPrefix,
		OperationTimeout: cfg.OperationTimeout,
		System:           strings.ToLower(strings.TrimSpace(cfg.Type)),
	})
	if err != nil {
		_ = bus.Close()
		return nil, nil, err
	}
	return publisher, bus, nil
}
