package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attributes(span sdktrace.ReadOnlySpan) map[string]any {
	out := map[string]any{}
	for _, attr := range span.Attributes() {
		out[string(attr.Key)] = attr.Value.AsInterface()
	}
	return out
}

func TestStartDatabaseSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartDatabaseSpan(context.Background(), SpanOperationDBUpdate,
		WithDBTable("order_events"),
		WithDBSystem("postgresql"),
		WithDBName("leasequeue"),
		WithDBStatement("UPDATE order_events SET state=$1"),
		WithDBTenant("acme"),
	)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "DB db.update order_events" || got.SpanKind() != trace.SpanKindClient {
		t.Fatalf("unexpected span %q kind %v", got.Name(), got.SpanKind())
	}
	if got.InstrumentationScope().Name != StoreTracerName {
		t.Fatalf("unexpected scope %q", got.InstrumentationScope().Name)
	}
	want := map[string]any{
		"db.operation":         "db.update",
		"db.table":             "order_events",
		"db.system":            "postgresql",
		"db.name":              "leasequeue",
		"db.statement":         "UPDATE order_events SET state=$1",
		"leasequeue.tenant_id": "acme",
	}
	attrs := attributes(got)
	for key, value := range want {
		if attrs[key] != value {
			t.Fatalf("attribute %s: expected %v, got %v", key, value, attrs[key])
		}
	}
}

func TestStartDatabaseSpan_NameWithoutTable(t *testing.T) {
	recorder := setupTestTracer(t)
	_, span := StartDatabaseSpan(context.Background(), SpanOperationDBQuery)
	span.End()
	if name := recorder.Ended()[0].Name(); name != "DB db.query" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestStartMessagingSpan_KindFollowsOperation(t *testing.T) {
	recorder := setupTestTracer(t)
	cases := map[SpanOperation]trace.SpanKind{
		SpanOperationMsgPublish: trace.SpanKindProducer,
		SpanOperationMsgConsume: trace.SpanKindConsumer,
		SpanOperationMsgProcess: trace.SpanKindConsumer,
	}
	for op, kind := range cases {
		recorder.Reset()
		_, span := StartMessagingSpan(context.Background(), op,
			WithMessagingSystem("kafka"),
			WithMessagingDestination("leasequeue.deadletter.order_event"),
			WithMessagingMessageID("m-1"),
			WithMessagingPayloadSize(128),
		)
		span.End()

		got := recorder.Ended()[0]
		if got.SpanKind() != kind {
			t.Fatalf("%s: expected kind %v, got %v", op, kind, got.SpanKind())
		}
		if got.Name() != "MSG "+string(op)+" leasequeue.deadletter.order_event" {
			t.Fatalf("unexpected name %q", got.Name())
		}
		attrs := attributes(got)
		if attrs["messaging.system"] != "kafka" || attrs["messaging.message_id"] != "m-1" || attrs["messaging.payload_size_bytes"] != int64(128) {
			t.Fatalf("unexpected attributes %v", attrs)
		}
	}
}

func TestRecordErrorAndSuccess(t *testing.T) {
	recorder := setupTestTracer(t)
	tracer := otel.Tracer("test")

	_, failed := tracer.Start(context.Background(), "failed")
	RecordError(failed, errors.New("store unavailable"))
	failed.End()

	_, untouched := tracer.Start(context.Background(), "nil-error")
	RecordError(untouched, nil)
	untouched.End()

	_, ok := tracer.Start(context.Background(), "ok")
	RecordSuccess(ok)
	ok.End()

	spans := recorder.Ended()
	if spans[0].Status().Code != codes.Error || spans[0].Status().Description != "store unavailable" || len(spans[0].Events()) != 1 {
		t.Fatalf("unexpected failed span: %+v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Unset {
		t.Fatalf("nil error must not change status, got %v", spans[1].Status())
	}
	if spans[2].Status().Code != codes.Ok {
		t.Fatalf("expected ok status, got %v", spans[2].Status())
	}
}
