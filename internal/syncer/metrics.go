package syncer

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the sync pipeline. A nil *Metrics records nothing.
type Metrics struct {
	recordsTotal *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_records_total",
			Help: "Change records processed, partitioned by entity and result.",
		}, []string{"entity", "result"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sync_queue_depth",
			Help: "Change records waiting per entity queue.",
		}, []string{"entity"}),
	}
	if reg != nil {
		reg.MustRegister(m.recordsTotal, m.queueDepth)
	}
	return m
}

func (m *Metrics) ObserveRecord(entity, result string) {
	if m == nil {
		return
	}
	m.recordsTotal.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) SetQueueDepth(entity string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(entity).Set(float64(depth))
}
