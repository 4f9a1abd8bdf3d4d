// Package forwarding keeps a UE's traffic intact across a handover.
//
// Every network element (each node and each UE) owns an Adapter. While a
// handover is pending the joining side holds traffic and the leaving node
// relays what it receives to the joining node. Completion flushes the
// relay, closes it with an end marker, and the joining node releases its
// queues in arrival order.
package forwarding

import (
	"context"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/model"
)

type ueState struct {
	holding    bool
	held       []model.Packet
	fromTunnel []model.Packet

	tunnelTo model.NodeID
	// inbound counts tunnels toward this element whose end marker has not
	// arrived yet.
	inbound int
	// closing is set when the tunnel was completed while this element was
	// itself still waiting for an inbound end marker.
	closing bool
}

func (s *ueState) idle() bool {
	return !s.holding && s.tunnelTo == model.NoNode && !s.closing && s.inbound == 0 &&
		len(s.held) == 0 && len(s.fromTunnel) == 0
}

// Options configures an Adapter.
type Options struct {
	// Self is the node owning the adapter; NoNode for a UE-side adapter.
	Self model.NodeID
	// Relay carries tunnel messages. Required for node-side adapters.
	Relay Relay
	// Transmitter delivers released packets.
	Transmitter Transmitter
	// Attachment gates ReleaseHeld; a detached UE keeps holding. Optional.
	Attachment AttachmentChecker
	Metrics    Metrics
	Logger     logging.Logger
}

// Adapter buffers and relays traffic of the UEs passing through one
// element. It is driven by the event loop and is not safe for concurrent
// use.
type Adapter struct {
	self       model.NodeID
	relay      Relay
	tx         Transmitter
	attachment AttachmentChecker
	metrics    Metrics
	log        logging.Logger

	state map[model.UEID]*ueState
}

// NewAdapter builds an adapter from opts.
func NewAdapter(opts Options) *Adapter {
	a := &Adapter{
		self:       opts.Self,
		relay:      opts.Relay,
		tx:         opts.Transmitter,
		attachment: opts.Attachment,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		state:      make(map[model.UEID]*ueState),
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	if a.log == nil {
		a.log = logging.Noop()
	}
	if a.tx == nil {
		a.tx = TransmitFunc(func(model.Packet) {})
	}
	return a
}

// Self returns the owning node, or NoNode on the UE side.
func (a *Adapter) Self() model.NodeID { return a.self }

func (a *Adapter) get(ue model.UEID) *ueState {
	s, ok := a.state[ue]
	if !ok {
		s = &ueState{}
		a.state[ue] = s
	}
	return s
}

func (a *Adapter) gc(ue model.UEID) {
	if s, ok := a.state[ue]; ok && s.idle() {
		delete(a.state, ue)
	}
}

// Send is the ingress for traffic of pkt.UE. The packet is queued while the
// UE is held, relayed while a tunnel is open, and transmitted otherwise.
func (a *Adapter) Send(pkt model.Packet) {
	s, ok := a.state[pkt.UE]
	switch {
	case ok && s.holding:
		s.held = append(s.held, pkt)
		a.metrics.PacketHeld()
	case ok && s.tunnelTo != model.NoNode:
		a.relayData(pkt.UE, s.tunnelTo, pkt)
	default:
		a.transmit(pkt)
	}
}

// HoldDownstream starts queueing traffic for ue.
func (a *Adapter) HoldDownstream(ue model.UEID) {
	s := a.get(ue)
	if s.holding {
		return
	}
	s.holding = true
	a.log.Debug(context.Background(), "holding traffic",
		logging.Node("element", a.self), logging.UE(ue))
}

// ReleaseHeld drains tunnelled then locally held traffic for ue in arrival
// order and stops holding. When an AttachmentChecker is configured and the
// UE is not attached anywhere, the queues are kept until a later release.
func (a *Adapter) ReleaseHeld(ue model.UEID) {
	s, ok := a.state[ue]
	if !ok {
		return
	}
	if a.attachment != nil && !a.attachment.Attached(ue) {
		a.log.Debug(context.Background(), "release deferred; ue detached",
			logging.Node("element", a.self), logging.UE(ue),
			logging.Int("held", len(s.held)))
		return
	}
	a.release(ue, s)
}

func (a *Adapter) release(ue model.UEID, s *ueState) {
	s.holding = false
	batch := append(s.fromTunnel, s.held...)
	s.fromTunnel, s.held = nil, nil
	a.metrics.PacketsReleased(len(batch))

	for _, pkt := range batch {
		if s.tunnelTo != model.NoNode {
			a.relayData(ue, s.tunnelTo, pkt)
			continue
		}
		a.transmit(pkt)
	}

	if s.closing {
		a.finishTunnel(ue, s)
	}
	a.gc(ue)
}

// StartTunnel opens a relay of ue's traffic toward target and tells target to
// hold.
func (a *Adapter) StartTunnel(ue model.UEID, target model.NodeID) {
	if target == model.NoNode || a.relay == nil {
		return
	}
	s := a.get(ue)
	s.tunnelTo = target
	s.closing = false
	a.relay.Relay(Message{Type: MsgStart, UE: ue, Source: a.self, Target: target})
	a.log.Debug(context.Background(), "tunnel started",
		logging.Node("element", a.self), logging.Node("target", target), logging.UE(ue))
}

// ReceiveTunneled accepts a packet relayed from source. It is queued while the
// UE is still held here, relayed onward if this element has itself opened a
// tunnel, and delivered otherwise.
func (a *Adapter) ReceiveTunneled(ue model.UEID, source model.NodeID, pkt model.Packet) {
	s, ok := a.state[ue]
	switch {
	case ok && s.holding:
		s.fromTunnel = append(s.fromTunnel, pkt)
		a.metrics.PacketHeld()
	case ok && s.tunnelTo != model.NoNode:
		a.relayData(ue, s.tunnelTo, pkt)
	default:
		a.transmit(pkt)
	}
}

// CompleteTunnel stops relaying toward target, flushes what remains queued
// locally as the final batch, sends the end marker and drops the UE's state.
// If this element is still waiting for an end marker of its own the
// completion is finished when that marker arrives.
func (a *Adapter) CompleteTunnel(ue model.UEID, target model.NodeID) {
	if target == model.NoNode || a.relay == nil {
		return
	}
	s := a.get(ue)
	s.tunnelTo = target
	if s.holding {
		s.closing = true
		a.log.Debug(context.Background(), "tunnel completion waits for inbound end marker",
			logging.Node("element", a.self), logging.Node("target", target), logging.UE(ue))
		return
	}
	a.release(ue, s)
	if s.tunnelTo != model.NoNode {
		a.finishTunnel(ue, s)
		a.gc(ue)
	}
}

func (a *Adapter) finishTunnel(ue model.UEID, s *ueState) {
	target := s.tunnelTo
	s.tunnelTo = model.NoNode
	s.closing = false
	if a.relay != nil {
		a.relay.Relay(Message{Type: MsgEnd, UE: ue, Source: a.self, Target: target})
	}
	a.log.Debug(context.Background(), "tunnel closed",
		logging.Node("element", a.self), logging.Node("target", target), logging.UE(ue))
}

// HandleControl dispatches a message received from another node's adapter.
func (a *Adapter) HandleControl(msg Message) {
	switch msg.Type {
	case MsgStart:
		a.HoldDownstream(msg.UE)
		a.state[msg.UE].inbound++
	case MsgData:
		a.ReceiveTunneled(msg.UE, msg.Source, msg.Packet)
	case MsgEnd:
		s, ok := a.state[msg.UE]
		if !ok {
			return
		}
		if s.inbound > 0 {
			s.inbound--
		}
		if s.inbound > 0 {
			return
		}
		a.release(msg.UE, s)
	}
}

// Pending returns the number of packets queued for ue.
func (a *Adapter) Pending(ue model.UEID) int {
	s, ok := a.state[ue]
	if !ok {
		return 0
	}
	return len(s.held) + len(s.fromTunnel)
}

// Tunnelling returns the node ue's traffic is relayed to, if any.
func (a *Adapter) Tunnelling(ue model.UEID) (model.NodeID, bool) {
	s, ok := a.state[ue]
	if !ok || s.tunnelTo == model.NoNode {
		return model.NoNode, false
	}
	return s.tunnelTo, true
}

// Holding reports whether traffic for ue is being queued.
func (a *Adapter) Holding(ue model.UEID) bool {
	s, ok := a.state[ue]
	return ok && s.holding
}

// Reset discards the forwarding state of every UE and returns the number of
// queued packets thrown away.
func (a *Adapter) Reset() int {
	n := 0
	for ue, s := range a.state {
		n += len(s.held) + len(s.fromTunnel)
		delete(a.state, ue)
	}
	return n
}

// Tracked returns the number of UEs with forwarding state.
func (a *Adapter) Tracked() int { return len(a.state) }

func (a *Adapter) relayData(ue model.UEID, target model.NodeID, pkt model.Packet) {
	a.relay.Relay(Message{Type: MsgData, UE: ue, Source: a.self, Target: target, Packet: pkt})
	a.metrics.PacketTunneled()
}

func (a *Adapter) transmit(pkt model.Packet) {
	a.tx.Transmit(pkt)
	a.metrics.PacketDelivered()
}
