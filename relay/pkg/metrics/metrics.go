package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "incentives_relay_build_info",
			Help: "Build information of the distribution relay",
		},
		[]string{"version", "commit", "date"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_relay_messages_total",
			Help: "Total number of queue messages handled, by outcome",
		},
		[]string{"result"}, // result: "acked", "dead_lettered", "retry"
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_relay_dead_letters_total",
			Help: "Total number of messages moved to the dead letter stream",
		},
		[]string{"code"}, // code: "malformed", "hash_mismatch", "stale", "invalid_signature", "rejected"
	)

	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incentives_relay_entries_total",
			Help: "Total number of distribution entries submitted to the ledger",
		},
		[]string{"status"}, // status: "success", "duplicate", "rejected", "error"
	)

	MessageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "incentives_relay_message_duration_seconds",
			Help:    "Duration of handling one queue message in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	ReceiveErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentives_relay_receive_errors_total",
			Help: "Total number of failed reads from the broker",
		},
	)

	RedrivenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "incentives_relay_redriven_total",
			Help: "Total number of dead letters resealed and published again",
		},
	)
)

func RecordMessage(result string, duration time.Duration) {
	MessagesTotal.WithLabelValues(result).Inc()
	MessageDuration.Observe(duration.Seconds())
}

func RecordDeadLetter(code string) {
	DeadLettersTotal.WithLabelValues(code).Inc()
}

func RecordEntry(status string) {
	EntriesTotal.WithLabelValues(status).Inc()
}
