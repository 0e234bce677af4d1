package deadletter

import "github.com/prometheus/client_golang/prometheus"

var publishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leasequeue_deadletter_notifications_total",
		Help: "Total number of dead-letter notifications, by event and status",
	},
	[]string{"event", "status"},
)

// Collectors returns the publisher metrics for registration on a registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{publishTotal}
}

func recordPublish(event, status string) {
	publishTotal.WithLabelValues(event, status).Inc()
}
