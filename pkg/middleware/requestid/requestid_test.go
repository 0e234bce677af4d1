package requestid

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/nimburion/leasequeue/pkg/server/router"
	"github.com/nimburion/leasequeue/pkg/server/router/gorilla"
)

func serve(t *testing.T, header string) (*httptest.ResponseRecorder, string, any) {
	t.Helper()
	r := gorilla.NewRouter()
	r.Use(RequestID())
	var fromCtx string
	var stored any
	r.GET("/v1/ping", func(c router.Context) error {
		fromCtx = GetRequestID(c.Request().Context())
		stored = c.Get(ContextKey)
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	if header != "" {
		req.Header.Set(RequestIDHeader, header)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, fromCtx, stored
}

func TestRequestID_GeneratesUUID(t *testing.T) {
	rec, fromCtx, stored := serve(t, "")
	id := rec.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected generated UUID, got %q", id)
	}
	if fromCtx != id || stored != id {
		t.Fatalf("context and store must carry %q, got %q / %v", id, fromCtx, stored)
	}
}

func TestRequestID_PreservesWellFormedHeader(t *testing.T) {
	rec, fromCtx, _ := serve(t, "upstream-42")
	if rec.Header().Get(RequestIDHeader) != "upstream-42" || fromCtx != "upstream-42" {
		t.Fatalf("expected upstream id to be kept, got %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesUnsafeHeader(t *testing.T) {
	for _, header := range []string{"has space", strings.Repeat("x", maxRequestIDLength+1), "tab\there"} {
		rec, _, _ := serve(t, header)
		if got := rec.Header().Get(RequestIDHeader); got == header {
			t.Fatalf("expected %q to be replaced", header)
		}
	}
}
