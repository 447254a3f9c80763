package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 对账引擎的 Prometheus 指标，注册在私有 registry 上
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived        *prometheus.CounterVec
	IdempotencyDuplicates *prometheus.CounterVec
	GateFailures          *prometheus.CounterVec
	UnresolvedRecorded    *prometheus.CounterVec
	EntitlementChanges    *prometheus.CounterVec
	AggregationDuration   prometheus.Histogram
	ExternalLookup        *prometheus.HistogramVec
}

// NewMetrics 创建并注册全部指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capper_events_received_total",
			Help: "Webhook events received, by event type and pipeline outcome.",
		}, []string{"type", "outcome"}),
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capper_idempotency_duplicates_total",
			Help: "Duplicate deliveries detected, by tier (lru, db, claim, external_ref).",
		}, []string{"tier"}),
		GateFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capper_validity_gate_failures_total",
			Help: "Account validity gate failures, by reason.",
		}, []string{"reason"}),
		UnresolvedRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capper_unresolved_events_total",
			Help: "Events recorded as unresolved, by reason.",
		}, []string{"reason"}),
		EntitlementChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "capper_entitlement_changes_total",
			Help: "Entitlement ledger mutations, by operation and result.",
		}, []string{"operation", "result"}),
		AggregationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "capper_aggregation_duration_seconds",
			Help:    "Time to recompute one capper's performance snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		ExternalLookup: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capper_external_lookup_duration_seconds",
			Help:    "Payment processor lookup latency, by resource.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"resource"}),
	}
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
