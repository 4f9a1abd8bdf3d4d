package observability

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ForwardingCollector exposes packet-forwarding metrics for the handover
// data path (hold queues, tunnels, stale drops).
type ForwardingCollector struct {
	gatherer prometheus.Gatherer

	Held      prometheus.Counter
	Tunneled  prometheus.Counter
	Released  prometheus.Counter
	Delivered prometheus.Counter
	Dropped   *prometheus.CounterVec
	Queued    prometheus.Gauge
}

// NewForwardingCollector registers forwarding metrics against the provided registerer.
func NewForwardingCollector(reg prometheus.Registerer) (*ForwardingCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	held, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forwarding_packets_held_total",
		Help: "Packets appended to a hold or tunnel-reception queue during a handover.",
	}), "forwarding_packets_held_total")
	if err != nil {
		return nil, err
	}
	tunneled, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forwarding_packets_tunneled_total",
		Help: "Packets relayed from a source node toward a handover target.",
	}), "forwarding_packets_tunneled_total")
	if err != nil {
		return nil, err
	}
	released, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forwarding_packets_released_total",
		Help: "Packets drained from hold queues after a handover resolved.",
	}), "forwarding_packets_released_total")
	if err != nil {
		return nil, err
	}
	delivered, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forwarding_packets_delivered_total",
		Help: "Packets handed to the radio for transmission.",
	}), "forwarding_packets_delivered_total")
	if err != nil {
		return nil, err
	}
	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forwarding_packets_dropped_total",
		Help: "Packets discarded, labeled by reason (not_served, detached, unknown_node).",
	}, []string{"reason"}), "forwarding_packets_dropped_total")
	if err != nil {
		return nil, err
	}
	queued, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forwarding_queued_packets",
		Help: "Packets currently parked in hold or tunnel-reception queues.",
	}), "forwarding_queued_packets")
	if err != nil {
		return nil, err
	}

	return &ForwardingCollector{
		gatherer:  gatherer,
		Held:      held,
		Tunneled:  tunneled,
		Released:  released,
		Delivered: delivered,
		Dropped:   dropped,
		Queued:    queued,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ForwardingCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// PacketHeld records a packet parked in a queue.
func (c *ForwardingCollector) PacketHeld() {
	if c == nil {
		return
	}
	c.Held.Inc()
	c.Queued.Inc()
}

// PacketTunneled records a relayed packet.
func (c *ForwardingCollector) PacketTunneled() {
	if c == nil {
		return
	}
	c.Tunneled.Inc()
}

// PacketsReleased records n packets drained from a queue.
func (c *ForwardingCollector) PacketsReleased(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.Released.Add(float64(n))
	c.Queued.Sub(float64(n))
}

// PacketDelivered records a packet handed to the radio.
func (c *ForwardingCollector) PacketDelivered() {
	if c == nil {
		return
	}
	c.Delivered.Inc()
}

// PacketDropped records a discarded packet.
func (c *ForwardingCollector) PacketDropped(reason string) {
	if c == nil {
		return
	}
	c.Dropped.WithLabelValues(reason).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
