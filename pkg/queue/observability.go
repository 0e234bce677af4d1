package queue

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	enqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_enqueued_total",
			Help: "Total number of records enqueued",
		},
		[]string{"store", "kind"},
	)

	claimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_claimed_total",
			Help: "Total number of records leased by claim_batch",
		},
		[]string{"store", "kind"},
	)

	claimConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_claim_conflicts_total",
			Help: "Total number of claim attempts lost to a concurrent writer",
		},
		[]string{"store", "kind"},
	)

	resolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_resolved_total",
			Help: "Total number of leased records resolved, by outcome",
		},
		[]string{"store", "kind", "outcome"},
	)

	sweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_swept_total",
			Help: "Total number of expired leases handled by the sweeper, by outcome",
		},
		[]string{"store", "kind", "outcome"},
	)

	storeUnavailableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasequeue_store_unavailable_total",
			Help: "Total number of operations failed by an unavailable store",
		},
		[]string{"store", "kind", "operation"},
	)
)

// Collectors returns the queue metrics for registration on a registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		enqueuedTotal,
		claimedTotal,
		claimConflictsTotal,
		resolvedTotal,
		sweptTotal,
		storeUnavailableTotal,
	}
}

func recordEnqueued(store string, kind Kind) {
	enqueuedTotal.WithLabelValues(normalizeMetricLabel(store, "unknown"), normalizeMetricLabel(string(kind), "unknown")).Inc()
}

func recordClaimed(store string, kind Kind, n int) {
	if n <= 0 {
		return
	}
	claimedTotal.WithLabelValues(normalizeMetricLabel(store, "unknown"), normalizeMetricLabel(string(kind), "unknown")).Add(float64(n))
}

func recordClaimConflict(store string, kind Kind) {
	claimConflictsTotal.WithLabelValues(normalizeMetricLabel(store, "unknown"), normalizeMetricLabel(string(kind), "unknown")).Inc()
}

func recordResolved(store string, kind Kind, outcome string) {
	resolvedTotal.WithLabelValues(
		normalizeMetricLabel(store, "unknown"),
		normalizeMetricLabel(string(kind), "unknown"),
		normalizeMetricLabel(outcome, "unknown"),
	).Inc()
}

func recordSwept(store string, kind Kind, outcome string) {
	sweptTotal.WithLabelValues(
		normalizeMetricLabel(store, "unknown"),
		normalizeMetricLabel(string(kind), "unknown"),
		normalizeMetricLabel(outcome, "unknown"),
	).Inc()
}

func recordStoreUnavailable(store string, kind Kind, op string) {
	storeUnavailableTotal.WithLabelValues(
		normalizeMetricLabel(store, "unknown"),
		normalizeMetricLabel(string(kind), "unknown"),
		normalizeMetricLabel(op, "unknown"),
	).Inc()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
