package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	rejectInvalid       = "invalid_request"
	rejectSourceMissing = "source_missing"
	rejectEnqueue       = "enqueue_failed"
)

// metrics covers the API surface of the run lifecycle: which routes are hit,
// which runs get accepted and why the rest are turned away.
type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	runsCreated       *prometheus.CounterVec
	runsRejected      *prometheus.CounterVec
	runVariants       *prometheus.HistogramVec
	uploadsPresigned  prometheus.Counter
	queueEnqueued     *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_api_requests_total",
			Help: "HTTP requests handled by the API, by route pattern.",
		}, []string{"route", "method", "code"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgopt_api_request_duration_seconds",
			Help:    "API request latency in seconds, by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
		rateLimitRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_api_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter.",
		}, []string{"route"}),
		runsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_api_runs_created_total",
			Help: "Runs accepted and queued, by source type.",
		}, []string{"source_type"}),
		runsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_api_runs_rejected_total",
			Help: "Run requests turned away, by reason.",
		}, []string{"reason"}),
		runVariants: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgopt_api_run_variants",
			Help:    "Variants requested per accepted run.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}, []string{"source_type"}),
		uploadsPresigned: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgopt_api_uploads_presigned_total",
			Help: "Presigned source upload URLs handed out.",
		}),
		queueEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_queue_runs_enqueued_total",
			Help: "Optimize runs handed to the worker queue.",
		}, []string{"queue"}),
	}
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument records count and latency for one mux pattern such as
// "GET /v1/runs/{id}". The route label is the path part of the pattern, so
// run ids never reach a label.
func (m *metrics) instrument(pattern string, next http.Handler) http.Handler {
	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}
	labels := prometheus.Labels{"route": route}

	return promhttp.InstrumentHandlerDuration(
		m.requestDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requestTotal.MustCurryWith(labels), next),
	)
}

func (m *metrics) runAccepted(sourceType string, variants int) {
	m.runsCreated.WithLabelValues(sourceType).Inc()
	m.runVariants.WithLabelValues(sourceType).Observe(float64(variants))
}

func (m *metrics) runRejected(reason string) {
	m.runsRejected.WithLabelValues(reason).Inc()
}
