package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
)

func TestRunPrintsReport(t *testing.T) {
	for _, path := range []string{"../../scenarios/dual-connectivity.yaml", "../../scenarios/d2d.yaml"} {
		t.Run(path, func(t *testing.T) {
			var out bytes.Buffer
			cfg := Config{ScenarioPath: path}
			if err := run(context.Background(), cfg, logging.Noop(), &out); err != nil {
				t.Fatalf("run: %v", err)
			}
			report := out.String()
			if !strings.Contains(report, "handovers:") {
				t.Fatalf("report missing handover summary:\n%s", report)
			}
			if !strings.Contains(report, "lost=0 dup=0") {
				t.Fatalf("report shows loss or duplication:\n%s", report)
			}
		})
	}
}

func TestRunRejectsMissingScenario(t *testing.T) {
	err := run(context.Background(), Config{ScenarioPath: "does-not-exist.yaml"}, logging.Noop(), &bytes.Buffer{})
	if err == nil {
		t.Fatalf("expected error for missing scenario")
	}
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	cfg := Config{ScenarioPath: "../../scenarios/d2d.yaml", RealTime: true, Tick: time.Millisecond, Duration: time.Hour}
	if err := run(ctx, cfg, logging.Noop(), &out); err != nil {
		t.Fatalf("interrupted run should not fail: %v", err)
	}
	if !strings.Contains(out.String(), "stack ue-1/primary") {
		t.Fatalf("report not printed:\n%s", out.String())
	}
}

func TestRunWithControlEndpoint(t *testing.T) {
	var out bytes.Buffer
	cfg := Config{ScenarioPath: "../../scenarios/d2d.yaml", ControlAddress: "127.0.0.1:0"}
	if err := run(context.Background(), cfg, logging.Noop(), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
}
