// Package gorilla implements router.Router on gorilla/mux.
package gorilla

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/nimburion/leasequeue/pkg/server/router"
)

// MaxBodyBytes bounds request bodies decoded by Bind.
const MaxBodyBytes = 4 << 20

// Router implements router.Router using gorilla/mux. Groups share the
// parent's mux and lock.
type Router struct {
	mux        *mux.Router
	middleware []router.MiddlewareFunc
	mu         *sync.RWMutex
}

var _ router.Router = (*Router)(nil)

// NewRouter creates an empty router. Unknown methods on known paths get a 405.
func NewRouter() *Router {
	m := mux.NewRouter()
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = io.WriteString(w, `{"error":"method_not_allowed"}`+"\n")
	})
	return &Router{mux: m, mu: &sync.RWMutex{}}
}

func (r *Router) GET(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodGet, path, handler, middleware)
}

func (r *Router) POST(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodPost, path, handler, middleware)
}

func (r *Router) PUT(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodPut, path, handler, middleware)
}

func (r *Router) DELETE(path string, handler router.HandlerFunc, middleware ...router.MiddlewareFunc) {
	r.handle(http.MethodDelete, path, handler, middleware)
}

func (r *Router) Group(prefix string, middleware ...router.MiddlewareFunc) router.Router {
	r.mu.RLock()
	combined := append([]router.MiddlewareFunc{}, r.middleware...)
	r.mu.RUnlock()

	return &Router{
		mux:        r.mux.PathPrefix(prefix).Subrouter(),
		middleware: append(combined, middleware...),
		mu:         r.mu,
	}
}

func (r *Router) Use(middleware ...router.MiddlewareFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handle(method, path string, h router.HandlerFunc, routeMiddleware []router.MiddlewareFunc) {
	r.mu.RLock()
	global := append([]router.MiddlewareFunc{}, r.middleware...)
	r.mu.RUnlock()

	handler := h
	for i := len(routeMiddleware) - 1; i >= 0; i-- {
		handler = routeMiddleware[i](handler)
	}
	for i := len(global) - 1; i >= 0; i-- {
		handler = global[i](handler)
	}

	r.mux.HandleFunc(toMuxPath(path), func(w http.ResponseWriter, req *http.Request) {
		ctx := newContext(w, req, routeTemplate(req, path))
		if err := handler(ctx); err != nil && !ctx.Response().Written() {
			_ = ctx.JSON(http.StatusInternalServerError, map[string]string{"error": "internal_error", "message": err.Error()})
		}
	}).Methods(method)
}

// toMuxPath rewrites :name segments into mux's {name} form.
func toMuxPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, ":") {
			parts[i] = "{" + p[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

// routeTemplate prefers mux's full template so grouped routes report their prefix.
func routeTemplate(req *http.Request, fallback string) string {
	if route := mux.CurrentRoute(req); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return fromMuxPath(tpl)
		}
	}
	return fallback
}

func fromMuxPath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "{") && strings.HasSuffix(p, "}") {
			parts[i] = ":" + p[1:len(p)-1]
		}
	}
	return strings.Join(parts, "/")
}

type muxContext struct {
	route    string
	request  *http.Request
	response router.ResponseWriter
	store    map[string]any
	mu       sync.RWMutex
}

func newContext(w http.ResponseWriter, r *http.Request, route string) *muxContext {
	return &muxContext{
		route:    route,
		request:  r,
		response: &responseWriter{ResponseWriter: w},
		store:    map[string]any{},
	}
}

func (c *muxContext) Request() *http.Request              { return c.request }
func (c *muxContext) SetRequest(r *http.Request)          { c.request = r }
func (c *muxContext) Response() router.ResponseWriter     { return c.response }
func (c *muxContext) SetResponse(w router.ResponseWriter) { c.response = w }

func (c *muxContext) Route() string { return c.route }

func (c *muxContext) Param(name string) string {
	return mux.Vars(c.request)[name]
}

func (c *muxContext) Query(name string) string {
	return c.request.URL.Query().Get(name)
}

func (c *muxContext) Bind(v any) error {
	if c.request.Body == nil || c.request.Body == http.NoBody {
		return errors.New("request body is empty")
	}
	defer c.request.Body.Close()

	contentType := c.request.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		return fmt.Errorf("unsupported content type: %s", contentType)
	}
	decoder := json.NewDecoder(http.MaxBytesReader(c.response, c.request.Body, MaxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func (c *muxContext) JSON(code int, v any) error {
	c.response.Header().Set("Content-Type", "application/json")
	c.response.WriteHeader(code)
	return json.NewEncoder(c.response).Encode(v)
}

func (c *muxContext) String(code int, s string) error {
	c.response.Header().Set("Content-Type", "text/plain; charset=utf-8")
	c.response.WriteHeader(code)
	_, err := io.WriteString(c.response, s)
	return err
}

func (c *muxContext) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store[key]
}

func (c *muxContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
}

type responseWriter struct {
	http.ResponseWriter
	status  int
	written bool
	mu      sync.RWMutex
}

func (w *responseWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written {
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.Written() {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Status() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *responseWriter) Written() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.written
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
