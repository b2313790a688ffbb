package telemetry

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{Exporter: " None "}, zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSetupTracingRejectsBadConfig(t *testing.T) {
	cases := map[string]TraceConfig{
		"unknown exporter":   {Exporter: "jaeger"},
		"otlp sans endpoint": {Exporter: ExporterOTLP},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := SetupTracing(context.Background(), cfg, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
