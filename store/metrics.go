package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors fed by the save pipeline.
// A nil *Metrics records nothing.
type Metrics struct {
	rows     *prometheus.CounterVec
	batches  *prometheus.CounterVec
	retries  *prometheus.CounterVec
	resets   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espalier",
			Name:      "rows_total",
			Help:      "Rows processed by save, by operation and result.",
		}, []string{"operation", "result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espalier",
			Name:      "batches_total",
			Help:      "Batches executed by save, by operation and strategy.",
		}, []string{"operation", "strategy"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espalier",
			Name:      "retries_total",
			Help:      "Transient failures retried, by table.",
		}, []string{"table"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "espalier",
			Name:      "backend_resets_total",
			Help:      "Backend connection resets after transient failures, by table.",
		}, []string{"table"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "espalier",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of a batch execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "strategy"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.rows, m.batches, m.retries, m.resets, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeBatch(b *Batch, took time.Duration, outcomes []Outcome) {
	if m == nil {
		return
	}
	op, strategy := b.Operation.String(), b.Strategy.String()
	m.batches.WithLabelValues(op, strategy).Inc()
	m.duration.WithLabelValues(op, strategy).Observe(took.Seconds())
	for _, o := range outcomes {
		result := "ok"
		switch {
		case o.Skipped():
			result = "skipped"
		case !o.OK():
			result = "failed"
		}
		m.rows.WithLabelValues(op, result).Inc()
	}
}

func (m *Metrics) retried(table string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(table).Inc()
}

func (m *Metrics) reset(table string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(table).Inc()
}
