// Package metrics exposes prometheus collectors for the serializer, lazy
// relation lists and the delayed-write queue. A nil *Metrics is valid and
// records nothing, so components take one optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors.
type Metrics struct {
	Conversions        *prometheus.CounterVec
	ConversionDuration *prometheus.HistogramVec
	RelationFetches    *prometheus.CounterVec
	QueueActions       *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Conversions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entwire_conversions_total",
			Help: "Entity conversions by schema, operation and result",
		}, []string{"schema", "op", "result"}),
		ConversionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "entwire_conversion_duration_seconds",
			Help:    "Time to convert one entity graph",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		}, []string{"op"}),
		RelationFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entwire_relation_fetches_total",
			Help: "Backend reads issued by lazy relation lists",
		}, []string{"kind"}),
		QueueActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "entwire_queue_actions_total",
			Help: "Delayed writes executed by result",
		}, []string{"result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "entwire_queue_depth",
			Help: "Delayed writes waiting for a flush",
		}),
	}
}

// Conversion records one serialize or deserialize call.
func (m *Metrics) Conversion(schema, op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Conversions.WithLabelValues(schema, op, result).Inc()
	m.ConversionDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RelationFetch records a backend read of the given kind: "all", "range"
// or "count".
func (m *Metrics) RelationFetch(kind string) {
	if m == nil {
		return
	}
	m.RelationFetches.WithLabelValues(kind).Inc()
}

// QueueAction records the outcome of one delayed write.
func (m *Metrics) QueueAction(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.QueueActions.WithLabelValues(result).Inc()
}

// SetQueueDepth records the number of buffered writes.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
