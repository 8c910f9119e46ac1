package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersReceived counts orders accepted at admission by type and side.
var OrdersReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_orders_received_total",
		Help: "Total number of orders accepted by the admission layer",
	},
	[]string{"type", "side"},
)

// OrdersRejected counts orders rejected at admission or during matching.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Total number of rejected orders by reason",
	},
	[]string{"reason"},
)

// OrdersMatched counts completed matching passes by taker side.
var OrdersMatched = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_orders_matched_total",
		Help: "Total number of matching passes run by the engine",
	},
	[]string{"side"},
)

// TradesExecuted counts produced trades per instrument.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of executed trades",
	},
	[]string{"instrument"},
)

// MatchingLatency records the latency distribution of matching passes,
// including the durable commit.
var MatchingLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "exchange_matching_latency_seconds",
		Help:    "Latency in seconds of a full matching pass",
		Buckets: prometheus.DefBuckets,
	},
)

// BookDepth tracks aggregate open quantity resting per side.
var BookDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "exchange_orderbook_depth",
		Help: "Aggregate open quantity resting in the book",
	},
	[]string{"side", "instrument"},
)

// IdempotencyRecordsPurged counts expired idempotency records removed by
// the out-of-band janitor.
var IdempotencyRecordsPurged = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "exchange_idempotency_records_purged_total",
		Help: "Total number of expired idempotency records deleted",
	},
)

func init() {
	prometheus.MustRegister(OrdersReceived, OrdersRejected, OrdersMatched, TradesExecuted)
	prometheus.MustRegister(MatchingLatency, BookDepth, IdempotencyRecordsPurged)
}
