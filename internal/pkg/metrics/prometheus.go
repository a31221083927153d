package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_redemptions_total",
		Help: "Redemption attempts by outcome",
	}, []string{"channel", "result"})

	RedemptionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voucher_redemption_duration_seconds",
		Help:    "End-to-end redemption processing time",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	FraudFlagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_fraud_flags_total",
		Help: "Fraud flags raised by type",
	}, []string{"flag"})

	FraudScoringFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_fraud_scoring_failures_total",
		Help: "Fraud scoring runs that degraded to no flags",
	}, []string{"reason"})

	RetryEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_retry_enqueued_total",
		Help: "Side effects parked on the retry queue",
	}, []string{"op"})

	RetryProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_retry_processed_total",
		Help: "Retry queue items processed by outcome",
	}, []string{"op", "outcome"})

	RetryDeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voucher_retry_dead_letters_total",
		Help: "Retry queue items that exhausted their attempts",
	}, []string{"op"})
)

func ObserveRedemption(channel, result string, duration time.Duration) {
	channel = label(channel)
	RedemptionsTotal.WithLabelValues(channel, label(result)).Inc()
	RedemptionDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func IncFraudFlag(flag string) {
	FraudFlagsTotal.WithLabelValues(label(flag)).Inc()
}

func IncFraudScoringFailure(reason string) {
	FraudScoringFailures.WithLabelValues(label(reason)).Inc()
}

func IncRetryEnqueued(op string) {
	RetryEnqueuedTotal.WithLabelValues(label(op)).Inc()
}

func IncRetryProcessed(op, outcome string) {
	RetryProcessedTotal.WithLabelValues(label(op), label(outcome)).Inc()
}

func IncRetryDeadLetter(op string) {
	RetryDeadLettersTotal.WithLabelValues(label(op)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
