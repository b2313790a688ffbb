package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	runsTotal            *prometheus.CounterVec
	runDuration          *prometheus.HistogramVec
	activeRuns           prometheus.Gauge
	variantsTotal        *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
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
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_worker_runs_total",
			Help: "Optimize runs handled by the worker, by source type and final status.",
		}, []string{"source_type", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imgopt_worker_run_duration_seconds",
			Help:    "Wall time of each optimize run.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imgopt_worker_active_runs",
			Help: "Optimize runs currently holding a processing slot.",
		}),
		variantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imgopt_worker_variants_total",
			Help: "Variants written by the worker, by variant name.",
		}, []string{"variant"}),
		pixelsProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgopt_usage_pixels_processed_total",
			Help: "Output pixels produced across successful runs.",
		}),
		bytesSavedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgopt_usage_bytes_saved_total",
			Help: "Bytes saved relative to the source across successful runs.",
		}),
		computeTimeMSTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "imgopt_usage_compute_time_ms_total",
			Help: "Compute time in milliseconds across successful runs.",
		}),
	}
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
