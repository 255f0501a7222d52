package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"modelhist/internal/history"
)

// HistoryMetrics holds the stream metrics and records stream events.
// It implements history.Observer.
type HistoryMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	AffectedStates    *prometheus.HistogramVec
	CurrentState      *prometheus.GaugeVec
	States            *prometheus.GaugeVec
	SizeBytes         *prometheus.GaugeVec
	ArchivedTotal     *prometheus.CounterVec
}

// NewHistoryMetrics creates and registers the stream metrics.
func NewHistoryMetrics(r *Registry) *HistoryMetrics {
	ns := r.Namespace()
	m := &HistoryMetrics{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stream_operations_total",
			Help:      "Completed stream operations by stream and kind",
		}, []string{"stream", "kind"}),

		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stream_operation_duration_seconds",
			Help:      "Stream operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}, []string{"kind"}),

		AffectedStates: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "stream_operation_count",
			Help:      "Records, states or streams touched per operation",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"kind"}),

		CurrentState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stream_current_state",
			Help:      "State the stream is in after its last operation",
		}, []string{"stream"}),

		States: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stream_states",
			Help:      "Delta states retained by the stream",
		}, []string{"stream"}),

		SizeBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "stream_size_bytes",
			Help:      "Approximate memory retained by the stream history",
		}, []string{"stream"}),

		ArchivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "stream_snapshots_total",
			Help:      "Stream images archived, by result",
		}, []string{"result"}),
	}

	r.reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.AffectedStates,
		m.CurrentState,
		m.States,
		m.SizeBytes,
		m.ArchivedTotal,
	)
	return m
}

// Observe implements history.Observer.
func (m *HistoryMetrics) Observe(e history.Event) {
	kind := e.Kind.String()
	m.OperationsTotal.WithLabelValues(e.Stream, kind).Inc()
	if e.Duration > 0 {
		m.OperationDuration.WithLabelValues(kind).Observe(e.Duration.Seconds())
	}
	m.AffectedStates.WithLabelValues(kind).Observe(float64(e.Count))
	m.CurrentState.WithLabelValues(e.Stream).Set(float64(e.To))
}

// Sample records the state count and retained size of s. Call it from
// the goroutine that owns the stream.
func (m *HistoryMetrics) Sample(s *history.Stream, includeBackups bool) {
	name := s.Name()
	m.States.WithLabelValues(name).Set(float64(len(s.States())))
	m.SizeBytes.WithLabelValues(name).Set(float64(s.Size(includeBackups)))
	m.CurrentState.WithLabelValues(name).Set(float64(s.State()))
}

// RecordArchive counts an archive attempt.
func (m *HistoryMetrics) RecordArchive(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ArchivedTotal.WithLabelValues(result).Inc()
}

// Forget drops the per-stream series of a removed stream.
func (m *HistoryMetrics) Forget(stream string) {
	m.OperationsTotal.DeletePartialMatch(prometheus.Labels{"stream": stream})
	m.CurrentState.DeleteLabelValues(stream)
	m.States.DeleteLabelValues(stream)
	m.SizeBytes.DeleteLabelValues(stream)
}
