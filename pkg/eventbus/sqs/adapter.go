// Package sqs implements eventbus.EventBus on Amazon SQS.
//
// SQS has no topics. A topic that is a queue URL addresses that queue; any
// other topic is carried as the "topic" attribute on the default queue.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

const (
	topicAttribute       = "topic"
	contentTypeAttribute = "content_type"
	keyAttribute         = "message_key"
	maxBatchEntries      = 10
)

// Config holds SQS adapter configuration.
type Config struct {
	Region            string
	QueueURL          string
	Endpoint          string
	AccessKeyID       string
	SecretAccessKey   string
	SessionToken      string
	OperationTimeout  time.Duration
	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Adapter is an SQS-backed event bus.
type Adapter struct {
	client *sqs.Client
	log    logger.Logger
	config Config
	mu     sync.RWMutex
	subs   map[string]context.CancelFunc
	closed bool
}

// NewAdapter builds the SQS client and checks the default queue is reachable.
// Endpoint points the client at LocalStack or another SQS-compatible service.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.Region == "" {
		return nil, errors.New("aws region is required")
	}
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue URL is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 10
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = maxBatchEntries
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	adapter := &Adapter{
		client: sqs.NewFromConfig(awsCfg, opts...),
		log:    log,
		config: cfg,
		subs:   map[string]context.CancelFunc{},
	}
	if err := adapter.HealthCheck(context.Background()); err != nil {
		return nil, err
	}
	log.Info("sqs adapter initialized", "queue_url", cfg.QueueURL, "region", cfg.Region)
	return adapter, nil
}

func (a *Adapter) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	if message == nil {
		return errors.New("message is required")
	}

	opCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
	defer cancel()
	_, err := a.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(a.resolveQueueURL(topic)),
		MessageBody:       aws.String(string(message.Value)),
		MessageAttributes: toSQSAttributes(messageAttributes(topic, message)),
	})
	if err != nil {
		return fmt.Errorf("publish sqs message: %w", err)
	}
	return nil
}

// PublishBatch sends messages in chunks of ten, the SQS batch limit. Entries
// rejected inside an accepted batch are reported as an error.
func (a *Adapter) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	queueURL := a.resolveQueueURL(topic)
	for start := 0; start < len(messages); start += maxBatchEntries {
		end := min(start+maxBatchEntries, len(messages))
		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for idx, m := range messages[start:end] {
			if m == nil {
				continue
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(start + idx)),
				MessageBody:       aws.String(string(m.Value)),
				MessageAttributes: toSQSAttributes(messageAttributes(topic, m)),
			})
		}

		opCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout)
		out, err := a.client.SendMessageBatch(opCtx, &sqs.SendMessageBatchInput{QueueUrl: aws.String(queueURL), Entries: entries})
		cancel()
		if err != nil {
			return fmt.Errorf("publish sqs batch: %w", err)
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("publish sqs batch: %d entries rejected, first: %s", len(out.Failed), aws.ToString(out.Failed[0].Message))
		}
	}
	return nil
}

// Subscribe long-polls the queue addressed by topic. Messages are deleted
// only after handler succeeds; failures become visible again after the
// visibility timeout.
func (a *Adapter) Subscribe(ctx context.Context, topic string, handler eventbus.MessageHandler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("sqs adapter is closed")
	}
	if _, ok := a.subs[topic]; ok {
		return fmt.Errorf("already subscribed to topic: %s", topic)
	}

	subCtx, cancel := context.WithCancel(ctx)
	a.subs[topic] = cancel
	go a.poll(subCtx, topic, handler)
	return nil
}

func (a *Adapter) poll(ctx context.Context, topic string, handler eventbus.MessageHandler) {
	queueURL := a.resolveQueueURL(topic)
	filter := ""
	if !isQueueURL(topic) {
		filter = topic
	}
	for ctx.Err() == nil {
		recvCtx, cancel := context.WithTimeout(ctx, a.config.OperationTimeout+time.Duration(a.config.WaitTimeSeconds)*time.Second)
		out, err := a.client.ReceiveMessage(recvCtx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(queueURL),
			MaxNumberOfMessages:   a.config.MaxMessages,
			WaitTimeSeconds:       a.config.WaitTimeSeconds,
			VisibilityTimeout:     a.config.VisibilityTimeout,
			MessageAttributeNames: []string{"All"},
		})
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Error("sqs receive failed", "queue_url", queueURL, "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}

		for _, m := range out.Messages {
			msg := fromSQSMessage(m)
			if filter != "" && msg.Headers[topicAttribute] != filter {
				// Left for the subscriber of its own topic.
				continue
			}
			if err := handler(ctx, msg); err != nil {
				a.log.Warn("sqs handler failed", "message_id", msg.ID, "error", err)
				continue
			}
			if m.ReceiptHandle != nil {
				if _, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{QueueUrl: aws.String(queueURL), ReceiptHandle: m.ReceiptHandle}); err != nil {
					a.log.Warn("sqs delete failed", "message_id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (a *Adapter) Unsubscribe(topic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.subs[topic]
	if !ok {
		return fmt.Errorf("not subscribed to topic: %s", topic)
	}
	cancel()
	delete(a.subs, topic)
	return nil
}

// HealthCheck reads the default queue's ARN.
func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := a.ensureOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := a.client.GetQueueAttributes(hcCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(a.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
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
	for _, cancel := range a.subs {
		cancel()
	}
	a.subs = map[string]context.CancelFunc{}
	return nil
}

func (a *Adapter) ensureOpen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("sqs adapter is closed")
	}
	return nil
}

func (a *Adapter) resolveQueueURL(topic string) string {
	if isQueueURL(topic) {
		return topic
	}
	return a.config.QueueURL
}

func isQueueURL(topic string) bool {
	return strings.HasPrefix(topic, "https://") || strings.HasPrefix(topic, "http://")
}

func messageAttributes(topic string, message *eventbus.Message) map[string]string {
	attrs := make(map[string]string, len(message.Headers)+3)
	for k, v := range message.Headers {
		attrs[k] = v
	}
	if topic != "" && !isQueueURL(topic) {
		attrs[topicAttribute] = topic
	}
	if message.ContentType != "" {
		attrs[contentTypeAttribute] = message.ContentType
	}
	if message.Key != "" {
		attrs[keyAttribute] = message.Key
	}
	return attrs
}

func fromSQSMessage(m types.Message) *eventbus.Message {
	headers := fromSQSAttributes(m.MessageAttributes)
	msg := &eventbus.Message{
		ID:      aws.ToString(m.MessageId),
		Value:   []byte(aws.ToString(m.Body)),
		Headers: headers,
	}
	if headers != nil {
		msg.ContentType = headers[contentTypeAttribute]
		msg.Key = headers[keyAttribute]
		delete(headers, contentTypeAttribute)
		delete(headers, keyAttribute)
	}
	return msg
}

func toSQSAttributes(headers map[string]string) map[string]types.MessageAttributeValue {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(headers))
	for k, v := range headers {
		out[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}

func fromSQSAttributes(headers map[string]types.MessageAttributeValue) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = aws.ToString(v.StringValue)
	}
	return out
}
