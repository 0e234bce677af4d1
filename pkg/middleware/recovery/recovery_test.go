package recovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nimburion/leasequeue/pkg/middleware/requestid"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/server/router"
	"github.com/nimburion/leasequeue/pkg/server/router/gorilla"
)

type recoveryTestLogger struct {
	mu     sync.Mutex
	errors []string
	fields [][]any
}

func (l *recoveryTestLogger) Debug(string, ...any) {}
func (l *recoveryTestLogger) Info(string, ...any)  {}
func (l *recoveryTestLogger) Warn(string, ...any)  {}
func (l *recoveryTestLogger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
	l.fields = append(l.fields, args)
}
func (l *recoveryTestLogger) With(...any) logger.Logger                 { return l }
func (l *recoveryTestLogger) WithContext(context.Context) logger.Logger { return l }

func TestRecovery_AnswersJSON500(t *testing.T) {
	log := &recoveryTestLogger{}
	r := gorilla.NewRouter()
	r.Use(requestid.RequestID(), Recovery(log))
	r.GET("/boom", func(router.Context) error { panic("store exploded") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(requestid.RequestIDHeader, "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "internal_server_error" || body["request_id"] != "req-1" {
		t.Fatalf("unexpected body: %v", body)
	}
	if len(log.errors) != 1 || log.errors[0] != "panic recovered" {
		t.Fatalf("expected one panic log, got %v", log.errors)
	}
}

func TestRecovery_KeepsWrittenResponse(t *testing.T) {
	r := gorilla.NewRouter()
	r.Use(Recovery(&recoveryTestLogger{}))
	r.GET("/late", func(c router.Context) error {
		_ = c.String(http.StatusAccepted, "partial")
		panic("after write")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/late", nil))
	if rec.Code != http.StatusAccepted || rec.Body.String() != "partial" {
		t.Fatalf("expected original response, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	log := &recoveryTestLogger{}
	r := gorilla.NewRouter()
	r.Use(Recovery(log))
	r.GET("/ok", func(c router.Context) error { return c.String(http.StatusOK, "fine") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusOK || len(log.errors) != 0 {
		t.Fatalf("unexpected recovery activity: %d %v", rec.Code, log.errors)
	}
}
