// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every engine metric. Construct one per process and
// register it on an explicit registry; there is no package-level state.
type Collector struct {
	registry *prometheus.Registry

	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled prometheus.Counter

	TradesTotal prometheus.Counter
	VolumeTotal prometheus.Counter

	WALEventNumber  prometheus.Gauge
	WALEventsLogged prometheus.Counter
	WALFlushes      prometheus.Counter
	WALFlushErrors  prometheus.Counter

	EventsDropped  prometheus.Gauge
	QueueDepth     prometheus.Gauge
	ProcessingTime prometheus.Histogram
	BookDepth      *prometheus.GaugeVec
	BalancesHeld   prometheus.Gauge
}

// NewCollector builds and registers all metrics on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		OrdersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_orders_submitted_total",
			Help: "Orders accepted into the intake queue, by side.",
		}, []string{"side"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clob_orders_rejected_total",
			Help: "Rejected orders by reason code.",
		}, []string{"reason"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_orders_cancelled_total",
			Help: "Successfully cancelled orders.",
		}),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_trades_total",
			Help: "Executed trades.",
		}),
		VolumeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_trade_volume_total",
			Help: "Total shares traded.",
		}),
		WALEventNumber: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clob_wal_event_number",
			Help: "Last event number assigned by the write-ahead log.",
		}),
		WALEventsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_wal_events_logged_total",
			Help: "Events written to disk by WAL flushes.",
		}),
		WALFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_wal_flushes_total",
			Help: "Successful WAL flushes.",
		}),
		WALFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clob_wal_flush_errors_total",
			Help: "WAL flushes that failed.",
		}),
		EventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clob_subscriber_events_dropped",
			Help: "Domain events dropped due to slow subscribers.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clob_sequencer_queue_depth",
			Help: "Orders waiting to be sequenced.",
		}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clob_order_processing_seconds",
			Help:    "Time from dequeue to match completion.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		BookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clob_book_resting_quantity",
			Help: "Resting quantity per book side.",
		}, []string{"market", "outcome", "side"}),
		BalancesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clob_balances_held",
			Help: "Total currency held across all user balances.",
		}),
	}

	reg.MustRegister(
		c.OrdersSubmitted, c.OrdersRejected, c.OrdersCancelled,
		c.TradesTotal, c.VolumeTotal,
		c.WALEventNumber, c.WALEventsLogged, c.WALFlushes, c.WALFlushErrors,
		c.EventsDropped, c.QueueDepth, c.ProcessingTime,
		c.BookDepth, c.BalancesHeld,
	)
	return c
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
