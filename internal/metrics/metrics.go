// Package metrics registers the settlement engine's Prometheus collectors
// on the default registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var SettlementOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "settlement",
	Name:      "operations_total",
	Help:      "Settlement operations by operation and outcome kind.",
}, []string{"operation", "outcome"})

var SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "posledger",
	Subsystem: "settlement",
	Name:      "operation_duration_seconds",
	Help:      "Wall time of settlement units of work.",
	Buckets:   prometheus.DefBuckets,
}, []string{"operation"})

var SettledCents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "settlement",
	Name:      "amount_cents_total",
	Help:      "Money settled, in cents, by direction (sale, refund, void).",
}, []string{"direction"})

var PointsIssued = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "loyalty",
	Name:      "points_issued_total",
	Help:      "Loyalty points credited on checkout.",
})

var PointsReversed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "loyalty",
	Name:      "points_reversed_total",
	Help:      "Loyalty points clawed back, by cause.",
}, []string{"cause"})

var TierChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "loyalty",
	Name:      "tier_changes_total",
	Help:      "Customer tier transitions by direction.",
}, []string{"direction"})

var StockMovements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "stock",
	Name:      "movements_total",
	Help:      "Stock ledger entries appended, by kind.",
}, []string{"kind"})

var StockAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "posledger",
	Subsystem: "stock",
	Name:      "alerts_total",
	Help:      "Low-stock alert evaluations by result (raised, suppressed, error).",
}, []string{"result"})

// ObserveOperation records one settlement call. kind is "ok" on success.
func ObserveOperation(operation string, kind string, started time.Time) {
	SettlementOperations.WithLabelValues(operation, kind).Inc()
	SettlementDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
