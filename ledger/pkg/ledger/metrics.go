package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_ledger_operations_total",
			Help: "Total number of ledger operations by outcome",
		},
		[]string{"operation", "status"}, // "ok", "duplicate", "rejected", "error"
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "incentives_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"operation"},
	)

	RewardsClaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentives_ledger_reward_records_claimed_total",
			Help: "Total number of reward records marked claimed",
		},
	)

	RewardsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentives_ledger_reward_records_rejected_total",
			Help: "Total number of reward records marked rejected",
		},
	)
)

func recordOperation(op string, start time.Time, r *Receipt, err error) {
	status := "ok"
	switch {
	case err != nil && IsRejection(err):
		status = "rejected"
	case err != nil:
		status = "error"
	case r != nil && r.Duplicate:
		status = "duplicate"
	}
	OperationsTotal.WithLabelValues(op, status).Inc()
	OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
