package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/leasequeue/pkg/eventbus"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
)

type mockLogger struct{}

func (m *mockLogger) Debug(string, ...any)                      {}
func (m *mockLogger) Info(string, ...any)                       {}
func (m *mockLogger) Warn(string, ...any)                       {}
func (m *mockLogger) Error(string, ...any)                      {}
func (m *mockLogger) With(...any) logger.Logger                 { return m }
func (m *mockLogger) WithContext(context.Context) logger.Logger { return m }

func TestNewAdapter_Validation(t *testing.T) {
	if _, err := NewAdapter(Config{}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty region and queue URL")
	}
	if _, err := NewAdapter(Config{Region: "eu-west-1"}, &mockLogger{}); err == nil {
		t.Fatal("expected error for empty queue URL")
	}
	if _, err := NewAdapter(Config{Region: "eu-west-1", QueueURL: "https://sqs/q"}, nil); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestClosedAdapterOperations(t *testing.T) {
	a := &Adapter{closed: true, subs: map[string]context.CancelFunc{}, log: &mockLogger{}}
	msg := &eventbus.Message{ID: "1", Value: []byte("v"), Timestamp: time.Now()}

	if err := a.Publish(context.Background(), "", msg); err == nil {
		t.Fatal("publish must fail when closed")
	}
	if err := a.PublishBatch(context.Background(), "", []*eventbus.Message{msg}); err == nil {
		t.Fatal("publish batch must fail when closed")
	}
	if err := a.Subscribe(context.Background(), "x", func(context.Context, *eventbus.Message) error { return nil }); err == nil {
		t.Fatal("subscribe must fail when closed")
	}
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Fatal("health check must fail when closed")
	}
}

func TestResolveQueueURL(t *testing.T) {
	a := &Adapter{config: Config{QueueURL: "https://sqs.eu-west-1.amazonaws.com/1/default"}}
	if got := a.resolveQueueURL("https://sqs.eu-west-1.amazonaws.com/1/other"); got != "https://sqs.eu-west-1.amazonaws.com/1/other" {
		t.Fatalf("expected override queue, got %s", got)
	}
	if got := a.resolveQueueURL("leasequeue.deadletter.order_event"); got != a.config.QueueURL {
		t.Fatalf("expected default queue for logical topic, got %s", got)
	}
	if got := a.resolveQueueURL(""); got != a.config.QueueURL {
		t.Fatalf("expected default queue, got %s", got)
	}
}

func TestMessageAttributesCarryTopicKeyAndContentType(t *testing.T) {
	msg := &eventbus.Message{
		ID:          "m-1",
		Key:         "acme",
		Value:       []byte("{}"),
		Headers:     map[string]string{"kind": "order_event"},
		ContentType: "application/json",
	}
	attrs := messageAttributes("leasequeue.deadletter.order_event", msg)
	if attrs[topicAttribute] != "leasequeue.deadletter.order_event" || attrs[keyAttribute] != "acme" || attrs[contentTypeAttribute] != "application/json" {
		t.Fatalf("unexpected attributes: %v", attrs)
	}

	decoded := fromSQSMessage(types.Message{
		MessageId:         aws.String("sqs-1"),
		Body:              aws.String("{}"),
		MessageAttributes: toSQSAttributes(attrs),
	})
	if decoded.ID != "sqs-1" || decoded.Key != "acme" || decoded.ContentType != "application/json" {
		t.Fatalf("unexpected decoded message: %+v", decoded)
	}
	if decoded.Headers["kind"] != "order_event" || decoded.Headers[topicAttribute] == "" {
		t.Fatalf("unexpected decoded headers: %v", decoded.Headers)
	}
	if _, leaked := decoded.Headers[keyAttribute]; leaked {
		t.Fatal("key attribute should be lifted out of headers")
	}
}

func TestProperty_MessageAttributesRoundTrip(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("headers roundtrip through SQS attribute conversion", prop.ForAll(
		func(k, v string) bool {
			if k == "" {
				k = "k"
			}
			out := fromSQSAttributes(toSQSAttributes(map[string]string{k: v}))
			return out[k] == v
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
