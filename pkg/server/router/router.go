// Package router is the routing contract the management server is written
// against. The gorilla subpackage implements it on gorilla/mux.
package router

import "net/http"

// Router registers handlers and serves them.
type Router interface {
	GET(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	POST(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	PUT(path string, handler HandlerFunc, middleware ...MiddlewareFunc)
	DELETE(path string, handler HandlerFunc, middleware ...MiddlewareFunc)

	// Group creates a route group with a common prefix and middleware.
	Group(prefix string, middleware ...MiddlewareFunc) Router

	// Use applies middleware to routes registered afterwards.
	Use(middleware ...MiddlewareFunc)

	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// HandlerFunc handles one request. A returned error that the handler did not
// already answer becomes a 500.
type HandlerFunc func(Context) error

// MiddlewareFunc wraps a HandlerFunc.
type MiddlewareFunc func(HandlerFunc) HandlerFunc

// Context gives handlers router-agnostic access to the exchange.
type Context interface {
	Request() *http.Request
	SetRequest(r *http.Request)
	Response() ResponseWriter
	SetResponse(w ResponseWriter)

	// Route returns the pattern the request matched, e.g. /records/:id.
	Route() string
	// Param returns a path parameter, e.g. id in /records/:id.
	Param(name string) string
	Query(name string) string

	// Bind decodes a JSON request body into v.
	Bind(v any) error
	JSON(code int, v any) error
	String(code int, s string) error

	Get(key string) any
	Set(key string, value any)
}

// ResponseWriter tracks the status written to the client.
type ResponseWriter interface {
	http.ResponseWriter
	Status() int
	Written() bool
}
