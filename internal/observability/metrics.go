package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/signalsfoundry/handover-simulator/model"
)

// HandoverCollector bundles Prometheus metrics for the mobility controllers.
// It satisfies mobility.Observer so controllers can drive it directly.
type HandoverCollector struct {
	gatherer prometheus.Gatherer

	Triggered  *prometheus.CounterVec
	Completed  *prometheus.CounterVec
	Deferred   *prometheus.CounterVec
	Cancelled  *prometheus.CounterVec
	InFlight   prometheus.Gauge
	Latency    *prometheus.HistogramVec
	CellChange *prometheus.CounterVec
}

// NewHandoverCollector registers handover metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewHandoverCollector(reg prometheus.Registerer) (*HandoverCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	triggered, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_triggered_total",
		Help: "Handovers committed by a mobility controller, labeled by stack and kind (attach, detach, handover).",
	}, []string{"stack", "kind"}), "handover_triggered_total")
	if err != nil {
		return nil, err
	}
	completed, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_completed_total",
		Help: "Handovers completed, labeled by stack and kind.",
	}, []string{"stack", "kind"}), "handover_completed_total")
	if err != nil {
		return nil, err
	}
	deferred, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_deferred_total",
		Help: "Handover attempts deferred because the sibling stack was mid-handover.",
	}, []string{"stack"}), "handover_deferred_total")
	if err != nil {
		return nil, err
	}
	cancelled, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "handover_cancelled_total",
		Help: "Handover attempts cancelled before commit, labeled by stack and reason.",
	}, []string{"stack", "reason"}), "handover_cancelled_total")
	if err != nil {
		return nil, err
	}
	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "handover_in_flight",
		Help: "Handovers committed but not yet completed.",
	}), "handover_in_flight")
	if err != nil {
		return nil, err
	}
	latency, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "handover_latency_seconds",
		Help:    "Simulated time between handover commit and completion.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"stack"}), "handover_latency_seconds")
	if err != nil {
		return nil, err
	}
	cellChange, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "serving_cell_changed_total",
		Help: "servingCellChanged events emitted, labeled by stack and whether the UE detached.",
	}, []string{"stack", "detached"}), "serving_cell_changed_total")
	if err != nil {
		return nil, err
	}

	return &HandoverCollector{
		gatherer:   gatherer,
		Triggered:  triggered,
		Completed:  completed,
		Deferred:   deferred,
		Cancelled:  cancelled,
		InFlight:   inFlight,
		Latency:    latency,
		CellChange: cellChange,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *HandoverCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// HandoverKind classifies a transition by which ends are attached.
func HandoverKind(from, to model.NodeID) string {
	switch {
	case from == model.NoNode:
		return "attach"
	case to == model.NoNode:
		return "detach"
	default:
		return "handover"
	}
}

// HandoverTriggered records a committed handover.
func (c *HandoverCollector) HandoverTriggered(key model.StackKey, from, to model.NodeID) {
	if c == nil {
		return
	}
	c.Triggered.WithLabelValues(key.Stack.String(), HandoverKind(from, to)).Inc()
	c.InFlight.Inc()
}

// HandoverDeferred records a conflict deferral.
func (c *HandoverCollector) HandoverDeferred(key model.StackKey, to model.NodeID, delay time.Duration) {
	if c == nil {
		return
	}
	c.Deferred.WithLabelValues(key.Stack.String()).Inc()
}

// HandoverCancelled records an attempt abandoned before commit.
func (c *HandoverCollector) HandoverCancelled(key model.StackKey, to model.NodeID, reason string) {
	if c == nil {
		return
	}
	c.Cancelled.WithLabelValues(key.Stack.String(), reason).Inc()
}

// HandoverCompleted records a completion and its simulated latency.
func (c *HandoverCollector) HandoverCompleted(key model.StackKey, from, to model.NodeID, latency time.Duration) {
	if c == nil {
		return
	}
	stack := key.Stack.String()
	c.Completed.WithLabelValues(stack, HandoverKind(from, to)).Inc()
	c.Latency.WithLabelValues(stack).Observe(latency.Seconds())
	c.InFlight.Dec()
}

// ServingCellChanged records the servingCellChanged observability event.
func (c *HandoverCollector) ServingCellChanged(key model.StackKey, node model.NodeID) {
	if c == nil {
		return
	}
	detached := "false"
	if node == model.NoNode {
		detached = "true"
	}
	c.CellChange.WithLabelValues(key.Stack.String(), detached).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
