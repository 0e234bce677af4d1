// Package metrics records Prometheus request metrics for the management API.
package metrics

import (
	"time"

	"github.com/nimburion/leasequeue/pkg/observability/metrics"
	"github.com/nimburion/leasequeue/pkg/server/router"
)

// Metrics observes duration, count and in-flight requests labelled by the
// matched route.
func Metrics() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			metrics.IncrementInFlight()
			defer metrics.DecrementInFlight()

			start := time.Now()
			err := next(c)

			status := c.Response().Status()
			if err != nil && !c.Response().Written() {
				status = 500
			}
			metrics.RecordHTTPMetrics(c.Request().Method, c.Route(), status, time.Since(start))
			return err
		}
	}
}
