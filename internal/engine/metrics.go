package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrumentation. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	ordersTotal   *prometheus.CounterVec
	cancelsTotal  *prometheus.CounterVec
	tradesTotal   *prometheus.CounterVec
	matchDuration *prometheus.HistogramVec
	bookDepth     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ordersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders processed, partitioned by symbol, side, type, and result.",
		}, []string{"symbol", "side", "type", "result"}),
		cancelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cancels_total",
			Help: "Orders cancelled, partitioned by symbol.",
		}, []string{"symbol"}),
		tradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_total",
			Help: "Trades executed, partitioned by symbol.",
		}, []string{"symbol"}),
		matchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_match_duration_seconds",
			Help:    "Time spent placing and matching one order.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_book_depth_levels",
			Help: "Aggregated price levels per book side at last depth read.",
		}, []string{"symbol", "side"}),
	}
	if reg != nil {
		reg.MustRegister(m.ordersTotal, m.cancelsTotal, m.tradesTotal, m.matchDuration, m.bookDepth)
	}
	return m
}

func (m *Metrics) ObserveOrder(symbol, side, typ, result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.ordersTotal.WithLabelValues(symbol, side, typ, result).Inc()
	m.matchDuration.WithLabelValues(symbol).Observe(dur.Seconds())
}

func (m *Metrics) ObserveCancel(symbol string) {
	if m == nil {
		return
	}
	m.cancelsTotal.WithLabelValues(symbol).Inc()
}

func (m *Metrics) ObserveTrades(symbol string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.tradesTotal.WithLabelValues(symbol).Add(float64(n))
}

func (m *Metrics) SetBookDepth(symbol, side string, levels int) {
	if m == nil {
		return
	}
	m.bookDepth.WithLabelValues(symbol, side).Set(float64(levels))
}
