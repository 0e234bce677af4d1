// Package recovery turns handler panics into 500 responses.
package recovery

import (
	"net/http"
	"runtime/debug"

	"github.com/nimburion/leasequeue/pkg/middleware/requestid"
	"github.com/nimburion/leasequeue/pkg/observability/logger"
	"github.com/nimburion/leasequeue/pkg/server/router"
)

// Recovery logs the panic with its stack and answers 500 unless the handler
// already wrote a response.
func Recovery(log logger.Logger) router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				ctx := c.Request().Context()
				log.WithContext(ctx).Error("panic recovered",
					"panic", r,
					"route", c.Route(),
					"stack", string(debug.Stack()),
				)
				if c.Response().Written() {
					return
				}
				err = c.JSON(http.StatusInternalServerError, map[string]any{
					"error":      "internal_server_error",
					"message":    "an unexpected error occurred",
					"request_id": requestid.GetRequestID(ctx),
				})
			}()
			return next(c)
		}
	}
}
