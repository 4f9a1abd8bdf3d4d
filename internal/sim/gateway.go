package sim

import (
	"context"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/model"
)

// Gateway is the core-network end of every UE session. Downlink traffic is
// routed to the UE's serving node as recorded in the registry. Uplink
// traffic terminates here, except device-to-device traffic carried in
// infrastructure mode, which is turned around toward the peer.
type Gateway struct {
	sim *Simulation
	log logging.Logger

	downlink int
	uplink   int
	relayed  int
}

func newGateway(s *Simulation) *Gateway {
	return &Gateway{sim: s, log: s.log.With(logging.String("component", "gateway"))}
}

// Downlink routes pkt toward pkt.UE.
func (g *Gateway) Downlink(pkt model.Packet) {
	node := g.sim.servingNode(pkt.UE)
	if node == nil {
		g.sim.drop(dropNoRoute)
		g.log.Debug(context.Background(), "no serving node for downlink", logging.UE(pkt.UE))
		return
	}
	g.downlink++
	node.adapter.Send(pkt)
}

func (g *Gateway) deliverUplink(pkt model.Packet) {
	g.uplink++
	if pkt.Direction == model.Direct {
		g.relayed++
		fwd := pkt
		fwd.UE, fwd.Peer = pkt.Peer, pkt.UE
		g.Downlink(fwd)
		return
	}
	g.sim.recordDelivery(pkt)
}

// GatewayStats counts packets that crossed the gateway.
type GatewayStats struct {
	Downlink int
	Uplink   int
	// Relayed is device-to-device traffic turned around at the gateway.
	Relayed int
}

func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{Downlink: g.downlink, Uplink: g.uplink, Relayed: g.relayed}
}
