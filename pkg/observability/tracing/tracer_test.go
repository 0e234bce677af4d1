package tracing

import (
	"context"
	"testing"
	"time"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	ctx := context.Background()
	provider, err := NewTracerProvider(ctx, TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got: %v", err)
	}

	_, span := provider.Tracer("test").Start(ctx, "span")
	span.End()

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := provider.ForceFlush(flushCtx); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	if err := provider.Shutdown(flushCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewTracerProvider_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		config      TracerConfig
		expectedErr string
	}{
		{"missing service name", TracerConfig{Enabled: true, Endpoint: "localhost:4317"}, "service name is required"},
		{"missing endpoint", TracerConfig{Enabled: true, ServiceName: "leasequeue"}, "OTLP endpoint is required"},
		{"negative sample rate", TracerConfig{Enabled: true, ServiceName: "leasequeue", Endpoint: "localhost:4317", SampleRate: -0.1}, "sample rate must be between 0 and 1"},
		{"sample rate above one", TracerConfig{Enabled: true, ServiceName: "leasequeue", Endpoint: "localhost:4317", SampleRate: 1.5}, "sample rate must be between 0 and 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracerProvider(context.Background(), tt.config)
			if err == nil || err.Error() != tt.expectedErr {
				t.Fatalf("expected %q, got %v", tt.expectedErr, err)
			}
		})
	}
}

func TestTracerProvider_NilIsSafe(t *testing.T) {
	var provider *TracerProvider
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown on nil: %v", err)
	}
	if err := provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("flush on nil: %v", err)
	}
}
