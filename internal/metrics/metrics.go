// Package metrics holds the Prometheus metrics of every pipeline stage.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "sandwich"

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Ingestion
	PendingSeen    prometheus.Counter
	PendingDropped *prometheus.CounterVec
	Blocks         prometheus.Counter
	Reorgs         prometheus.Counter
	Resubscribes   *prometheus.CounterVec
	Head           prometheus.Gauge

	// Detection
	Classified  *prometheus.CounterVec
	Resolved    *prometheus.CounterVec
	QueueLength prometheus.Gauge

	// Search
	Plans          *prometheus.CounterVec
	SearchDuration prometheus.Histogram
	SearchProfit   prometheus.Histogram

	// Submission
	Bundles        *prometheus.CounterVec
	RelayLatency   *prometheus.HistogramVec
	RealizedProfit prometheus.Counter
	Losses         prometheus.Counter
	BreakerOpen    prometheus.Gauge
	NonceNext      prometheus.Gauge
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PendingSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "pending_seen_total",
			Help:      "Pending transactions delivered to the pipeline",
		}),
		PendingDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "pending_dropped_total",
			Help:      "Pending transactions dropped by reason",
		}, []string{"reason"}),
		Blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "blocks_total",
			Help:      "Blocks delivered to the pipeline",
		}),
		Reorgs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reorgs_total",
			Help:      "Blocks replacing an already delivered height",
		}),
		Resubscribes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "resubscribes_total",
			Help:      "Subscription restarts by source",
		}, []string{"source"}),
		Head: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "head_block",
			Help:      "Current chain head",
		}),

		Classified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "classified_total",
			Help:      "Transactions classified as swaps by tier",
		}, []string{"tier"}),
		Resolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "resolved_total",
			Help:      "Trace resolutions of unresolved swaps by result",
		}, []string{"result"}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "queue_length",
			Help:      "Candidates waiting for a worker",
		}),

		Plans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "plans_total",
			Help:      "Search outcomes by result",
		}, []string{"result"}),
		SearchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "search_duration_seconds",
			Help:      "Time spent per search",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		}),
		SearchProfit: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "optimizer",
			Name:      "plan_profit_eth",
			Help:      "Expected net profit of accepted plans",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),

		Bundles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "bundles_total",
			Help:      "Bundle state transitions",
		}, []string{"state"}),
		RelayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "request_duration_seconds",
			Help:      "Relay JSON-RPC latency by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RealizedProfit: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "realized_profit_eth_total",
			Help:      "Profit realized by included bundles",
		}),
		Losses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "losses_eth_total",
			Help:      "Gas lost to bundles reverted on chain",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker blocks submissions",
		}),
		NonceNext: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "submission",
			Name:      "nonce_next",
			Help:      "Next nonce the tracker will hand out",
		}),
	}
}

// Nop returns metrics registered nowhere, for tests and tools.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Ether converts wei to a float for gauges and counters.
func Ether(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	return decimal.NewFromBigInt(wei, -18).InexactFloat64()
}
