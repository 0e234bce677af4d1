package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/leasequeue/pkg/queue"
)

var sweepRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "leasequeue_sweeper_runs_total",
		Help: "Total number of per-target sweep passes, by status",
	},
	[]string{"kind", "status"},
)

// Collectors returns the sweeper metrics for registration on a registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{sweepRunsTotal}
}

func recordSweepRun(kind queue.Kind, status string) {
	sweepRunsTotal.WithLabelValues(string(kind), status).Inc()
}
