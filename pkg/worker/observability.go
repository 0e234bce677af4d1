package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/leasequeue/pkg/queue"
)

var (
	processedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_worker_processed_total",
			Help: "Total number of leased records handled by workers, by outcome",
		},
		[]string{"kind", "outcome"},
	)

	inFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leasequeue_worker_inflight",
			Help: "Current number of records being processed by workers",
		},
		[]string{"kind"},
	)
)

// Collectors returns the worker metrics for registration on a registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{processedTotal, inFlight}
}

func recordProcessed(kind queue.Kind, outcome string) {
	processedTotal.WithLabelValues(string(kind), outcome).Inc()
}

func incrementInFlight(kind queue.Kind) {
	inFlight.WithLabelValues(string(kind)).Inc()
}

func decrementInFlight(kind queue.Kind) {
	inFlight.WithLabelValues(string(kind)).Dec()
}
