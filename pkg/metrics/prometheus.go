package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	recordsIngested *prometheus.CounterVec
	batchesClosed   *prometheus.CounterVec
	batchSize       *prometheus.HistogramVec
	signalsTotal    *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	cacheOps        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		recordsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartflow_records_ingested_total",
				Help: "Total number of flow records accepted for batching",
			},
			[]string{"source", "market"},
		),
		batchesClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartflow_batches_closed_total",
				Help: "Total number of closed batches by close reason",
			},
			[]string{"reason"},
		),
		batchSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartflow_batch_size_records",
				Help:    "Closed batch sizes in records",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"reason"},
		),
		signalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartflow_signals_total",
				Help: "Total number of published signals by detection method",
			},
			[]string{"method"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		cacheOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartflow_cache_operations_total",
				Help: "Cache lookups by level and outcome",
			},
			[]string{"level", "outcome"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "smartflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordRecordIngested counts one accepted flow record.
func (r *Recorder) RecordRecordIngested(source, market string) {
	r.recordsIngested.WithLabelValues(source, market).Inc()
}

// RecordBatchClosed counts a closed batch and observes its size.
func (r *Recorder) RecordBatchClosed(reason string, size int) {
	r.batchesClosed.WithLabelValues(reason).Inc()
	r.batchSize.WithLabelValues(reason).Observe(float64(size))
}

// RecordSignal counts one published signal.
func (r *Recorder) RecordSignal(method string) {
	r.signalsTotal.WithLabelValues(method).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordCache counts a cache lookup outcome.
func (r *Recorder) RecordCache(level, outcome string) {
	r.cacheOps.WithLabelValues(level, outcome).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
