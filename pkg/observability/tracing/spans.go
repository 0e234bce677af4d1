package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	StoreTracerName     = "leasequeue/store"
	MessagingTracerName = "leasequeue/messaging"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants
const (
	SpanOperationDBQuery  SpanOperation = "db.query"
	SpanOperationDBInsert SpanOperation = "db.insert"
	SpanOperationDBUpdate SpanOperation = "db.update"

	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	SpanOperationMsgConsume SpanOperation = "messaging.consume"
	SpanOperationMsgProcess SpanOperation = "messaging.process"
)

// StartDatabaseSpan starts a client span for one record store call.
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	spanOpts := &databaseSpanOptions{
		attributes: []attribute.KeyValue{attribute.String("db.operation", string(operation))},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("DB %s", operation)
	if spanOpts.table != "" {
		spanName = fmt.Sprintf("DB %s %s", operation, spanOpts.table)
	}
	ctx, span := otel.Tracer(StoreTracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// DatabaseSpanOption configures a database span.
type DatabaseSpanOption func(*databaseSpanOptions)

type databaseSpanOptions struct {
	table      string
	attributes []attribute.KeyValue
}

// WithDBTable sets the table, collection or key namespace the call touches.
func WithDBTable(table string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.table = table
		opts.attributes = append(opts.attributes, attribute.String("db.table", table))
	}
}

// WithDBSystem sets the database system (e.g., "postgresql", "mysql").
func WithDBSystem(system string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.system", system))
	}
}

// WithDBStatement sets the database query statement.
func WithDBStatement(statement string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.statement", statement))
	}
}

// WithDBName sets the database name.
func WithDBName(name string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("db.name", name))
	}
}

// WithDBTenant tags the span with the tenant whose records are touched.
func WithDBTenant(tenantID string) DatabaseSpanOption {
	return func(opts *databaseSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("leasequeue.tenant_id", tenantID))
	}
}

// StartMessagingSpan starts a producer span for publishes and a consumer
// span for consume/process.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	spanOpts := &messagingSpanOptions{
		attributes: []attribute.KeyValue{attribute.String("messaging.operation", string(operation))},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("MSG %s", operation)
	if spanOpts.destination != "" {
		spanName = fmt.Sprintf("MSG %s %s", operation, spanOpts.destination)
	}

	spanKind := trace.SpanKindClient
	switch operation {
	case SpanOperationMsgConsume, SpanOperationMsgProcess:
		spanKind = trace.SpanKindConsumer
	case SpanOperationMsgPublish:
		spanKind = trace.SpanKindProducer
	}

	ctx, span := otel.Tracer(MessagingTracerName).Start(ctx, spanName, trace.WithSpanKind(spanKind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*messagingSpanOptions)

type messagingSpanOptions struct {
	destination string
	attributes  []attribute.KeyValue
}

// WithMessagingSystem sets the messaging system (e.g., "kafka", "rabbitmq").
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the topic, exchange or queue.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.destination = destination
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination", destination))
	}
}

// WithMessagingMessageID sets the message ID.
func WithMessagingMessageID(messageID string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("messaging.message_id", messageID))
	}
}

// WithMessagingPayloadSize sets the message payload size in bytes.
func WithMessagingPayloadSize(size int) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("messaging.payload_size_bytes", size))
	}
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
