package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing, so components can be built without metrics in tests.
type Metrics struct {
	ingestRequests    *prometheus.CounterVec
	normalizeOutcomes *prometheus.CounterVec
	rollupRuns        *prometheus.CounterVec
	rollupDuration    prometheus.Histogram
	queueDeliveries   *prometheus.CounterVec
	failures          *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oli",
			Name:      "ingest_requests_total",
			Help:      "Ingestion requests by result",
		}, []string{"result"}),
		normalizeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oli",
			Name:      "normalize_outcomes_total",
			Help:      "Normalization results by kind and terminal stage",
		}, []string{"kind", "outcome"}),
		rollupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oli",
			Name:      "ledger_runs_total",
			Help:      "Derived ledger runs by status",
		}, []string{"status"}),
		rollupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "oli",
			Name:      "ledger_rollup_duration_seconds",
			Help:      "Time spent computing and committing one rollup",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oli",
			Name:      "queue_deliveries_total",
			Help:      "Message deliveries by topic and outcome",
		}, []string{"topic", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oli",
			Name:      "pipeline_failures_total",
			Help:      "Failure entries recorded by code",
		}, []string{"code"}),
	}
	reg.MustRegister(
		m.ingestRequests, m.normalizeOutcomes, m.rollupRuns,
		m.rollupDuration, m.queueDeliveries, m.failures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Ingest(result string) {
	if m == nil {
		return
	}
	m.ingestRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Normalized(kind, outcome string) {
	if m == nil {
		return
	}
	m.normalizeOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Rollup(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.rollupRuns.WithLabelValues(status).Inc()
	m.rollupDuration.Observe(took.Seconds())
}

func (m *Metrics) Delivery(topic, outcome string) {
	if m == nil {
		return
	}
	m.queueDeliveries.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) Failure(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}
