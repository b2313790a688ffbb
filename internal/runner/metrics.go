package runner

import (
	"fmt"
	"time"

	"github.com/dunamismax/imgopt/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
)

// writeTextfile exports the outcome of one run in the node_exporter textfile
// format. The registry is rebuilt per run so the file only holds the latest one.
func writeTextfile(path string, result pipeline.Result, runErr error, startedAt time.Time, elapsed time.Duration) error {
	registry := prometheus.NewRegistry()

	lastRun := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgopt_runner_last_run_timestamp_seconds",
		Help: "Unix time the last optimize run started.",
	})
	success := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgopt_runner_last_run_success",
		Help: "1 when every variant of the last run was written.",
	})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgopt_runner_last_run_duration_seconds",
		Help: "Wall time of the last optimize run.",
	})
	sourceBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imgopt_runner_source_bytes",
		Help: "Size of the source image read by the last run.",
	})
	variantBytes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imgopt_runner_variant_bytes",
		Help: "Encoded size of each variant written by the last run.",
	}, []string{"variant"})
	registry.MustRegister(lastRun, success, duration, sourceBytes, variantBytes)

	lastRun.Set(float64(startedAt.Unix()))
	duration.Set(elapsed.Seconds())
	sourceBytes.Set(float64(result.SourceBytes))
	if runErr == nil {
		success.Set(1)
	}
	for _, out := range result.Outputs {
		variantBytes.WithLabelValues(out.Variant).Set(float64(out.Bytes))
	}

	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
