package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/handover-simulator/model"
)

func TestHandoverCollectorRecordsLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}

	key := model.StackKey{UE: 1, Stack: model.StackPrimary}
	collector.HandoverTriggered(key, 1, 2)
	if got := testutil.ToFloat64(collector.InFlight); got != 1 {
		t.Fatalf("handover_in_flight = %v, want 1", got)
	}

	collector.HandoverCompleted(key, 1, 2, 20*time.Millisecond)
	collector.ServingCellChanged(key, 2)

	if got := testutil.ToFloat64(collector.Triggered.WithLabelValues("primary", "handover")); got != 1 {
		t.Fatalf("handover_triggered_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Completed.WithLabelValues("primary", "handover")); got != 1 {
		t.Fatalf("handover_completed_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.InFlight); got != 0 {
		t.Fatalf("handover_in_flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.CellChange.WithLabelValues("primary", "false")); got != 1 {
		t.Fatalf("serving_cell_changed_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "handover_latency_seconds", map[string]string{"stack": "primary"}); count != 1 {
		t.Fatalf("handover_latency_seconds sample_count = %d, want 1", count)
	}
}

func TestHandoverCollectorDeferAndCancel(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}

	key := model.StackKey{UE: 4, Stack: model.StackSecondary}
	collector.HandoverDeferred(key, 9, time.Millisecond)
	collector.HandoverCancelled(key, 9, "target_diverged")

	if got := testutil.ToFloat64(collector.Deferred.WithLabelValues("secondary")); got != 1 {
		t.Fatalf("handover_deferred_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Cancelled.WithLabelValues("secondary", "target_diverged")); got != 1 {
		t.Fatalf("handover_cancelled_total = %v, want 1", got)
	}
}

func TestHandoverKind(t *testing.T) {
	tests := []struct {
		from, to model.NodeID
		want     string
	}{
		{model.NoNode, 3, "attach"},
		{3, model.NoNode, "detach"},
		{3, 4, "handover"},
	}
	for _, tt := range tests {
		if got := HandoverKind(tt.from, tt.to); got != tt.want {
			t.Fatalf("HandoverKind(%v, %v) = %q, want %q", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCollectorsReuseExistingRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewForwardingCollector(reg)
	if err != nil {
		t.Fatalf("NewForwardingCollector: %v", err)
	}
	second, err := NewForwardingCollector(reg)
	if err != nil {
		t.Fatalf("second NewForwardingCollector: %v", err)
	}

	first.PacketHeld()
	second.PacketHeld()
	if got := testutil.ToFloat64(first.Held); got != 2 {
		t.Fatalf("forwarding_packets_held_total = %v, want 2 (shared collector)", got)
	}
}

func TestForwardingCollectorQueueGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewForwardingCollector(reg)
	if err != nil {
		t.Fatalf("NewForwardingCollector: %v", err)
	}

	c.PacketHeld()
	c.PacketHeld()
	c.PacketHeld()
	c.PacketsReleased(2)
	c.PacketDropped("not_served")

	if got := testutil.ToFloat64(c.Queued); got != 1 {
		t.Fatalf("forwarding_queued_packets = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Released); got != 2 {
		t.Fatalf("forwarding_packets_released_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Dropped.WithLabelValues("not_served")); got != 1 {
		t.Fatalf("forwarding_packets_dropped_total = %v, want 1", got)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var h *HandoverCollector
	h.HandoverTriggered(model.StackKey{}, 1, 2)
	h.ServingCellChanged(model.StackKey{}, 0)

	var f *ForwardingCollector
	f.PacketHeld()
	f.PacketsReleased(3)
	if f.Gatherer() != nil {
		t.Fatalf("nil collector Gatherer() should be nil")
	}
}

func TestMetricsHandlerExposesHandoverMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewHandoverCollector(reg)
	if err != nil {
		t.Fatalf("NewHandoverCollector: %v", err)
	}
	collector.HandoverTriggered(model.StackKey{UE: 1}, model.NoNode, 5)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{"handover_triggered_total", "handover_in_flight"} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
