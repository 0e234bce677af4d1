package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/leasequeue/pkg/config"
	"github.com/nimburion/leasequeue/pkg/health"
	obsmetrics "github.com/nimburion/leasequeue/pkg/observability/metrics"
	"github.com/nimburion/leasequeue/pkg/server/router"
	"github.com/nimburion/leasequeue/pkg/server/router/gorilla"
)

type checkFunc func(context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func newManagement(t *testing.T, checks ...health.Checker) (*ManagementServer, *gorilla.Router) {
	t.Helper()
	registry := health.NewRegistry()
	for _, check := range checks {
		registry.Register(check)
	}
	r := gorilla.NewRouter()
	s := NewManagementServer(config.ManagementConfig{Port: 0}, r, serverTestLogger{}, registry, obsmetrics.NewRegistry())
	return s, r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestManagement_Health(t *testing.T) {
	_, r := newManagement(t, health.NewAdapterChecker("store", checkFunc(func(context.Context) error {
		return errors.New("down")
	}), 0))
	rec := get(r, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Fatalf("liveness must ignore dependencies, got %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header from middleware stack")
	}
}

func TestManagement_Ready(t *testing.T) {
	ok := checkFunc(func(context.Context) error { return nil })
	failing := checkFunc(func(context.Context) error { return errors.New("paused") })

	tests := []struct {
		name   string
		checks []health.Checker
		code   int
		status health.Status
	}{
		{"healthy", []health.Checker{health.NewAdapterChecker("store", ok, 0)}, http.StatusOK, health.StatusHealthy},
		{"degraded stays ready", []health.Checker{
			health.NewAdapterChecker("store", ok, 0),
			health.NewDegradingChecker("worker", failing, 0),
		}, http.StatusOK, health.StatusDegraded},
		{"unhealthy", []health.Checker{health.NewAdapterChecker("store", failing, 0)}, http.StatusServiceUnavailable, health.StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, r := newManagement(t, tt.checks...)
			rec := get(r, "/ready")
			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			var body health.AggregatedResult
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.status {
				t.Fatalf("expected %s, got %s", tt.status, body.Status)
			}
		})
	}
}

func TestManagement_Metrics(t *testing.T) {
	_, r := newManagement(t)
	_ = get(r, "/health")
	rec := get(r, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `leasequeue_http_requests_total{method="GET",route="/health",status="200"}`) {
		t.Fatalf("expected request counter for /health in scrape")
	}
}

func TestManagement_RecoversPanics(t *testing.T) {
	s, r := newManagement(t)
	s.Router().GET("/panic", func(router.Context) error { panic("boom") })

	rec := get(r, "/panic")
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("expected recovered 500, got %d %s", rec.Code, rec.Body.String())
	}
}
