package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Evaluation results used as the "result" label
const (
	ResultProven    = "proven"
	ResultNotProven = "not_proven"
	ResultMalformed = "malformed"
)

// EvaluationResult maps a claim outcome onto a result label
func EvaluationResult(claimProven bool) string {
	if claimProven {
		return ResultProven
	}
	return ResultNotProven
}

// Metrics collects counters for verifications, receipts and HTTP traffic
type Metrics struct {
	registry *prometheus.Registry

	// Verification
	evaluationsTotal   *prometheus.CounterVec
	checkFailuresTotal *prometheus.CounterVec
	evaluationDuration prometheus.Histogram

	// Receipts
	receiptsTotal *prometheus.CounterVec

	// Extractor
	extractorRunsTotal *prometheus.CounterVec
	extractorDuration  prometheus.Histogram

	// Batch
	batchFilesTotal *prometheus.CounterVec

	// Retention
	prunedTotal prometheus.Counter

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// System
	goroutines prometheus.Gauge
}

// NewMetrics creates a metrics instance with all collectors registered on
// registry, plus the standard Go and process collectors.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,

		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailclaim_evaluations_total",
				Help: "Total number of record evaluations by result",
			},
			[]string{"result"},
		),
		checkFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailclaim_check_failures_total",
				Help: "Total number of failed individual checks by check name",
			},
			[]string{"check"},
		),
		evaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailclaim_evaluation_duration_seconds",
				Help:    "Duration of record evaluations",
				Buckets: prometheus.DefBuckets,
			},
		),
		receiptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailclaim_receipts_total",
				Help: "Total number of receipt operations by operation and result",
			},
			[]string{"op", "result"},
		),
		extractorRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailclaim_extractor_runs_total",
				Help: "Total number of extractor invocations by status",
			},
			[]string{"status"},
		),
		extractorDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailclaim_extractor_duration_seconds",
				Help:    "Duration of extractor invocations",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		batchFilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailclaim_batch_files_total",
				Help: "Total number of batch record files by status",
			},
			[]string{"status"},
		),
		prunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailclaim_verifications_pruned_total",
				Help: "Total number of ledger rows removed by retention",
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of inbound HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of inbound HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
		goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailclaim_goroutines",
				Help: "Number of goroutines",
			},
		),
	}

	// Register all collectors
	collectorList := []prometheus.Collector{
		m.evaluationsTotal,
		m.checkFailuresTotal,
		m.evaluationDuration,
		m.receiptsTotal,
		m.extractorRunsTotal,
		m.extractorDuration,
		m.batchFilesTotal,
		m.prunedTotal,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.goroutines,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, collector := range collectorList {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// GetRegistry returns the underlying registry
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// ObserveEvaluation records one evaluation. failed lists the names of
// checks that came back false.
func (m *Metrics) ObserveEvaluation(result string, failed []string, seconds float64) {
	if m == nil {
		return
	}
	m.evaluationsTotal.WithLabelValues(result).Inc()
	for _, check := range failed {
		m.checkFailuresTotal.WithLabelValues(check).Inc()
	}
	m.evaluationDuration.Observe(seconds)
}

// IncReceipts counts a receipt operation ("prove" or "verify")
func (m *Metrics) IncReceipts(op, result string) {
	if m == nil {
		return
	}
	m.receiptsTotal.WithLabelValues(op, result).Inc()
}

// ObserveExtractor records one extractor run
func (m *Metrics) ObserveExtractor(status string, seconds float64) {
	if m == nil {
		return
	}
	m.extractorRunsTotal.WithLabelValues(status).Inc()
	m.extractorDuration.Observe(seconds)
}

// IncBatchFiles counts a batch file outcome
func (m *Metrics) IncBatchFiles(status string) {
	if m == nil {
		return
	}
	m.batchFilesTotal.WithLabelValues(status).Inc()
}

// AddPruned counts rows removed by retention
func (m *Metrics) AddPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedTotal.Add(float64(n))
}

// IncHTTPRequestsTotal increments the inbound request counter
func (m *Metrics) IncHTTPRequestsTotal(path, method, status string) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(path, method, status).Inc()
}

// ObserveHTTPRequestDuration observes inbound request duration
func (m *Metrics) ObserveHTTPRequestDuration(path, method string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequestDuration.WithLabelValues(path, method).Observe(seconds)
}

// UpdateSystemMetrics refreshes runtime gauges
func (m *Metrics) UpdateSystemMetrics() {
	if m == nil {
		return
	}
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}
