package sim

import (
	"context"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/forwarding"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
)

// x2Fabric carries forwarding messages between nodes with a fixed latency.
// Deliveries share one priority, so messages sent at the same instant keep
// their send order on the timeline.
type x2Fabric struct {
	sim     *Simulation
	latency time.Duration

	sent      int
	delivered int
}

var _ forwarding.Relay = (*x2Fabric)(nil)

func (x *x2Fabric) Relay(msg forwarding.Message) {
	x.sent++
	x.sim.sched.After(x.latency, func() {
		node := x.sim.nodes[msg.Target]
		if node == nil || !x.sim.reg.NodeExists(msg.Target) {
			x.sim.drop(dropUnknownTarget)
			x.sim.log.Warn(context.Background(), "x2 message for unknown node",
				logging.Node("target", msg.Target), logging.String("type", msg.Type.String()))
			return
		}
		x.delivered++
		node.adapter.HandleControl(msg)
	})
}
