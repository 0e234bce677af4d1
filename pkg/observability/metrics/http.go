package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leasequeue_http_request_duration_seconds",
			Help:    "Management API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_http_requests_total",
			Help: "Total number of management API requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leasequeue_http_requests_in_flight",
			Help: "Management API requests currently being served",
		},
	)
)

// RecordHTTPMetrics records one completed request. route must be the matched
// pattern, not the raw path, to keep label cardinality bounded.
func RecordHTTPMetrics(method, route string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	httpRequestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
	httpRequestsTotal.WithLabelValues(method, route, statusStr).Inc()
}

// IncrementInFlight increments the in-flight requests gauge.
func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests gauge.
func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

// HTTPCollectors returns the management API request collectors.
func HTTPCollectors() []prometheus.Collector {
	return []prometheus.Collector{httpRequestDuration, httpRequestsTotal, httpRequestsInFlight}
}
