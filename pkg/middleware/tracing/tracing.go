// Package tracing opens an OpenTelemetry server span per management API request.
package tracing

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/leasequeue/pkg/middleware/requestid"
	"github.com/nimburion/leasequeue/pkg/server/router"
)

// Config holds configuration for the tracing middleware.
type Config struct {
	// TracerName defaults to "leasequeue/http".
	TracerName string
	// ExcludedPathPrefixes disables tracing for matching paths.
	ExcludedPathPrefixes []string
}

// DefaultConfig skips probes and scrapes.
func DefaultConfig() Config {
	return Config{ExcludedPathPrefixes: []string{"/health", "/ready", "/metrics"}}
}

// Tracing extracts the caller's trace context, starts a server span named
// after the matched route and marks it failed on handler errors or 5xx.
func Tracing(cfg Config) router.MiddlewareFunc {
	if cfg.TracerName == "" {
		cfg.TracerName = "leasequeue/http"
	}

	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			req := c.Request()
			for _, prefix := range cfg.ExcludedPathPrefixes {
				if prefix != "" && strings.HasPrefix(req.URL.Path, prefix) {
					return next(c)
				}
			}

			// Resolved per request so a provider installed after routing is honoured.
			tracer := otel.Tracer(cfg.TracerName)
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := tracer.Start(ctx, fmt.Sprintf("HTTP %s %s", req.Method, c.Route()), trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", req.Method),
				attribute.String("http.route", c.Route()),
				attribute.String("http.target", req.URL.Path),
			)
			if tenantID := c.Param("tenant"); tenantID != "" {
				span.SetAttributes(attribute.String("leasequeue.tenant_id", tenantID))
			}
			if requestID := requestid.GetRequestID(req.Context()); requestID != "" {
				span.SetAttributes(attribute.String("request.id", requestID))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			status := c.Response().Status()
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return nil
		}
	}
}
