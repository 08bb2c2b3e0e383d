package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "peerguard"

// Metrics are the admission counters exported on /metrics.
type Metrics struct {
	Pending       prometheus.Gauge
	Blocks        prometheus.Counter
	BlockFailures prometheus.Counter
	NewSources    prometheus.Counter
	FlowErrors    prometheus.Counter
	Cycles        prometheus.Counter
}

// NewMetrics registers the collectors with reg. Passing a fresh
// prometheus.NewRegistry() keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_sources",
			Help:      "Sources currently inside their grace period.",
		}),
		Blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_total",
			Help:      "Sources blocked after exceeding the threshold.",
		}),
		BlockFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_failures_total",
			Help:      "Block attempts the enforcement backend rejected.",
		}),
		NewSources: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_sources_total",
			Help:      "Untrusted sources seen for the first time (protect) or collected (learn).",
		}),
		FlowErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_errors_total",
			Help:      "Poll cycles where the flow source failed.",
		}),
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed poll cycles.",
		}),
	}
}

func discardMetrics() *Metrics { return NewMetrics(prometheus.NewRegistry()) }
