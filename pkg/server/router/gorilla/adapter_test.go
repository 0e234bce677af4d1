package gorilla

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/leasequeue/pkg/server/router"
)

func TestRouter_PathParamsAndQuery(t *testing.T) {
	r := NewRouter()
	r.GET("/v1/tenants/:tenant/records/:id", func(c router.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"tenant": c.Param("tenant"),
			"id":     c.Param("id"),
			"kind":   c.Query("kind"),
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tenants/acme/records/o-1?kind=order", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"tenant":"acme"`, `"id":"o-1"`, `"kind":"order"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}
}

func TestRouter_RouteReportsGroupedPattern(t *testing.T) {
	r := NewRouter()
	var route string
	r.Group("/v1").GET("/records/:id", func(c router.Context) error {
		route = c.Route()
		return c.String(http.StatusOK, "ok")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/records/o-7", nil))
	if route != "/v1/records/:id" {
		t.Fatalf("expected grouped pattern, got %q", route)
	}
}

func TestRouter_MiddlewareOrder(t *testing.T) {
	r := NewRouter()
	var order []string
	mw := func(name string) router.MiddlewareFunc {
		return func(next router.HandlerFunc) router.HandlerFunc {
			return func(c router.Context) error {
				order = append(order, name)
				return next(c)
			}
		}
	}
	r.Use(mw("global"))
	group := r.Group("/v1", mw("group"))
	group.GET("/ping", func(c router.Context) error {
		order = append(order, "handler")
		return c.String(http.StatusOK, "pong")
	}, mw("route"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	if got := strings.Join(order, ","); got != "global,group,route,handler" {
		t.Fatalf("unexpected middleware order: %s", got)
	}
}

func TestRouter_HandlerErrorBecomes500(t *testing.T) {
	r := NewRouter()
	r.GET("/boom", func(router.Context) error { return errors.New("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	r := NewRouter()
	r.GET("/only-get", func(c router.Context) error { return c.String(http.StatusOK, "ok") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/only-get", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestContext_Bind(t *testing.T) {
	r := NewRouter()
	r.POST("/bind", func(c router.Context) error {
		var in struct {
			RecordID string `json:"record_id"`
		}
		if err := c.Bind(&in); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, in)
	})

	cases := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{name: "valid", contentType: "application/json", body: `{"record_id":"o-1"}`, want: http.StatusOK},
		{name: "unknown field", contentType: "application/json", body: `{"nope":1}`, want: http.StatusBadRequest},
		{name: "wrong content type", contentType: "text/plain", body: `{"record_id":"o-1"}`, want: http.StatusBadRequest},
		{name: "empty body", contentType: "application/json", body: "", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var body *strings.Reader
			req := httptest.NewRequest(http.MethodPost, "/bind", nil)
			if tc.body != "" {
				body = strings.NewReader(tc.body)
				req = httptest.NewRequest(http.MethodPost, "/bind", body)
			}
			req.Header.Set("Content-Type", tc.contentType)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestResponseWriter_TracksStatus(t *testing.T) {
	w := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if w.Written() || w.Status() != http.StatusOK {
		t.Fatal("fresh writer should be unwritten with implicit 200")
	}
	w.WriteHeader(http.StatusAccepted)
	w.WriteHeader(http.StatusTeapot)
	if !w.Written() || w.Status() != http.StatusAccepted {
		t.Fatalf("expected first status to stick, got %d", w.Status())
	}
}
