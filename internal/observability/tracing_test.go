package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
)

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("HANDOVER_TRACING_ENABLED", "")
	t.Setenv("HANDOVER_TRACING_EXPORTER", "")
	t.Setenv("HANDOVER_TRACING_SERVICE_NAME", "")
	t.Setenv("HANDOVER_TRACING_SAMPLE_RATIO", "7")

	cfg := TracingConfigFromEnv()
	if cfg.Enabled {
		t.Fatalf("Enabled = true, want false")
	}
	if cfg.Exporter != "stdout" || cfg.ServiceName != "handover-sim" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SampleRatio != 1.0 {
		t.Fatalf("SampleRatio = %v, want 1.0 for out-of-range input", cfg.SampleRatio)
	}
}

func TestInitTracingDisabledReturnsNoopShutdown(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, logging.Noop())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestStdoutExporterWritesHandoverSpans(t *testing.T) {
	var out bytes.Buffer
	tp, err := newTracerProvider(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "handover-test",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Output:      &out,
	})
	if err != nil {
		t.Fatalf("newTracerProvider: %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "mobility.handover")
	span.End()
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(out.String(), "mobility.handover") || !strings.Contains(out.String(), "handover-test") {
		t.Fatalf("exported output missing span or service name:\n%s", out.String())
	}
}
