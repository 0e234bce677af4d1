// Package requestid assigns every management API request an identifier.
package requestid

import (
	"context"

	"github.com/google/uuid"

	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/server/router"
)

// RequestIDHeader is the HTTP header name for request ID.
const RequestIDHeader = "X-Request-ID"

// ContextKey is the router.Context key the ID is stored under.
const ContextKey = "request_id"

const maxRequestIDLength = 128

// RequestID reuses a well-formed X-Request-ID header or generates a UUID,
// echoes it on the response and stores it on the request context so
// logger.WithContext picks it up.
func RequestID() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			requestID := c.Request().Header.Get(RequestIDHeader)
			if !valid(requestID) {
				requestID = uuid.NewString()
			}

			c.Set(ContextKey, requestID)
			c.Response().Header().Set(RequestIDHeader, requestID)
			c.SetRequest(c.Request().WithContext(logger.ContextWithRequestID(c.Request().Context(), requestID)))
			return next(c)
		}
	}
}

// GetRequestID returns the request ID stored by the middleware.
func GetRequestID(ctx context.Context) string {
	return logger.RequestIDFromContext(ctx)
}

// valid rejects IDs that would be unsafe to echo into headers or logs.
func valid(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}
