// Package metrics exposes the Prometheus instrumentation for the
// aggregation engine, mirroring weed/filer/filerstore.go's
// stats.FilerStoreCounter / stats.FilerStoreHistogram pattern: one counter
// vector keyed by action/result, and histogram vectors for codec latency,
// peer RPC latency and stripe duration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StripeActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ecagg",
		Subsystem: "aggregate",
		Name:      "stripe_actions_total",
		Help:      "Count of stripes processed, by classifier action and outcome.",
	}, []string{"action", "outcome"})

	StripeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecagg",
		Subsystem: "aggregate",
		Name:      "stripe_duration_seconds",
		Help:      "Latency of processing one stripe, by classifier action.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})

	CodecDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecagg",
		Subsystem: "codec",
		Name:      "op_duration_seconds",
		Help:      "Latency of one GF-coding operation, by op name.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	PeerRPCDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ecagg",
		Subsystem: "peer_rpc",
		Name:      "call_duration_seconds",
		Help:      "Latency of one peer parity RPC, by method and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
)

func init() {
	prometheus.MustRegister(StripeActions, StripeDuration, CodecDuration, PeerRPCDuration)
}

// ObserveStripe records one stripe's classifier action, outcome, and
// processing latency.
func ObserveStripe(action, outcome string, start time.Time) {
	StripeActions.WithLabelValues(action, outcome).Inc()
	StripeDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// ObserveCodec records one codec operation's latency.
func ObserveCodec(op string, start time.Time) {
	CodecDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObservePeerRPC records one peer RPC's latency and outcome.
func ObservePeerRPC(method, status string, start time.Time) {
	PeerRPCDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
}
