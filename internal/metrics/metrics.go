package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	registry *prometheus.Registry

	RequestsReceived     *prometheus.CounterVec
	InvocationsTotal     *prometheus.CounterVec
	RecordsTotal         *prometheus.CounterVec
	PIIRedactionsTotal   *prometheus.CounterVec
	StageLatency         *prometheus.HistogramVec
	StreamCreateTotal    *prometheus.CounterVec
	DestinationRequests  *prometheus.CounterVec
	DestinationLatency   *prometheus.HistogramVec
	VerbatimMessageTotal prometheus.Counter
}

type Options struct {
	// Additional labels necessary
}

// New creates a metrics handler backed by its own registry, so several handlers can
// coexist in one process (tests build one per case).
func New(name string) (*Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)
	constLabels := prometheus.Labels{"app": name}

	return &Handler{
		registry: reg,
		RequestsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_received",
			ConstLabels: constLabels,
			Help:        "The total number of http requests received",
		}, []string{"path", "status"}),
		InvocationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "redact_invocations_total",
			ConstLabels: constLabels,
			Help:        "The total number of pipeline invocations by outcome and terminal stage",
		}, []string{"outcome", "stage"}),
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "redact_records_total",
			ConstLabels: constLabels,
			Help:        "The total number of log records by pipeline state",
		}, []string{"state"}),
		PIIRedactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "pii_redactions_total",
			ConstLabels: constLabels,
			Help:        "The total number of messages changed by each redaction rule",
		}, []string{"category", "rule"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "redact_stage_latency_seconds",
			ConstLabels: constLabels,
			Help:        "The latency of each pipeline stage",
			Buckets:     prometheus.DefBuckets,
		}, []string{"stage", "success"}),
		StreamCreateTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "destination_stream_create_total",
			ConstLabels: constLabels,
			Help:        "The total number of destination stream create attempts by outcome",
		}, []string{"outcome"}),
		DestinationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "destination_requests_total",
			ConstLabels: constLabels,
			Help:        "The total number of requests sent to the destination backend",
		}, []string{"backend", "status"}),
		DestinationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "destination_request_latency_seconds",
			ConstLabels: constLabels,
			Help:        "The latency of destination backend requests",
			Buckets:     prometheus.DefBuckets,
		}, []string{"backend"}),
		VerbatimMessageTotal: factory.NewCounter(prometheus.CounterOpts{
			Name:        "redact_verbatim_messages_total",
			ConstLabels: constLabels,
			Help:        "Messages forwarded without pretty-printing because they were not JSON",
		}),
	}, nil
}

// IncRequestsReceived increments the http request counter
func (h *Handler) IncRequestsReceived(path string, status int) {
	h.RequestsReceived.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

// IncInvocationsTotal increments the invocation counter
func (h *Handler) IncInvocationsTotal(outcome, stage string) {
	h.InvocationsTotal.WithLabelValues(outcome, stage).Inc()
}

// AddRecordsTotal adds n records to the given state
func (h *Handler) AddRecordsTotal(state string, n int) {
	h.RecordsTotal.WithLabelValues(state).Add(float64(n))
}

// IncPIIRedactionsTotal increments the redaction counter for one rule
func (h *Handler) IncPIIRedactionsTotal(category, rule string) {
	h.PIIRedactionsTotal.WithLabelValues(category, rule).Inc()
}

// ObserveStageLatency records the latency of a pipeline stage
func (h *Handler) ObserveStageLatency(stage string, duration time.Duration, success bool) {
	h.StageLatency.WithLabelValues(stage, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// IncStreamCreateTotal increments the stream create counter
func (h *Handler) IncStreamCreateTotal(outcome string) {
	h.StreamCreateTotal.WithLabelValues(outcome).Inc()
}

// ObserveDestinationRequest records one backend request and its latency
func (h *Handler) ObserveDestinationRequest(backend, status string, duration time.Duration) {
	h.DestinationRequests.WithLabelValues(backend, status).Inc()
	h.DestinationLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// IncVerbatimMessageTotal counts a message forwarded as-is
func (h *Handler) IncVerbatimMessageTotal() {
	h.VerbatimMessageTotal.Inc()
}

// Gatherer exposes the handler's registry
func (h *Handler) Gatherer() prometheus.Gatherer {
	return h.registry
}

// HTTPHandler serves the handler's registry in the Prometheus text format
func (h *Handler) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})
}
