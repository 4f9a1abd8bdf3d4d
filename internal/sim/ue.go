package sim

import (
	"context"

	"github.com/signalsfoundry/handover-simulator/internal/forwarding"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/mobility"
	"github.com/signalsfoundry/handover-simulator/internal/pdcp"
	"github.com/signalsfoundry/handover-simulator/model"
)

// UE is a mobile endpoint. Its forwarding adapter holds uplink traffic while
// a stack is mid-handover; its peer entities mirror the protocol entities
// of each node it exchanges traffic with.
type UE struct {
	id  model.UEID
	sim *Simulation
	log logging.Logger

	adapter  *forwarding.Adapter
	peers    map[model.NodeID]*pdcp.Manager
	stacks   map[model.StackID]*mobility.Controller
	feedback map[model.StackID]*FeedbackGenerator

	received int
}

func newUE(s *Simulation, id model.UEID) *UE {
	u := &UE{
		id:       id,
		sim:      s,
		log:      s.log.With(logging.UE(id)),
		peers:    make(map[model.NodeID]*pdcp.Manager),
		stacks:   make(map[model.StackID]*mobility.Controller),
		feedback: make(map[model.StackID]*FeedbackGenerator),
	}
	u.adapter = forwarding.NewAdapter(forwarding.Options{
		Self:        model.NoNode,
		Transmitter: forwarding.TransmitFunc(u.transmitUplink),
		Attachment:  s,
		Metrics:     s.fwdMetrics,
		Logger:      u.log,
	})
	return u
}

func (u *UE) ID() model.UEID                               { return u.id }
func (u *UE) Adapter() *forwarding.Adapter                 { return u.adapter }
func (u *UE) Stack(id model.StackID) *mobility.Controller  { return u.stacks[id] }
func (u *UE) Feedback(id model.StackID) *FeedbackGenerator { return u.feedback[id] }
func (u *UE) Received() int                                { return u.received }

func (u *UE) peer(node model.NodeID) *pdcp.Manager {
	m, ok := u.peers[node]
	if !ok {
		m = pdcp.NewManager(node, pdcp.Config{HeaderCompression: u.sim.headerCompression}, nil, nil)
		u.peers[node] = m
	}
	return m
}

func (u *UE) resetPeer(node model.NodeID) {
	delete(u.peers, node)
}

// send is the application ingress of the UE: direct traffic takes the
// sidelink when the pair is in direct mode, everything else goes through
// the UE's forwarding adapter.
func (u *UE) send(pkt model.Packet) {
	if pkt.Direction == model.Direct && u.sim.modes.Mode(pkt.UE, pkt.Peer) == ModeDirect {
		peer := u.sim.ues[pkt.Peer]
		if peer == nil {
			u.sim.drop(dropNoRoute)
			return
		}
		u.sim.direct++
		peer.deliver(pkt)
		return
	}
	u.adapter.Send(pkt)
}

func (u *UE) transmitUplink(pkt model.Packet) {
	node := u.sim.servingNode(u.id)
	if node == nil {
		u.sim.drop(dropNoRoute)
		u.log.Warn(context.Background(), "uplink packet without serving node", logging.Int("seq", int(pkt.Seq)))
		return
	}
	e, err := u.peer(node.id).GetOrCreate(u.id, pkt.Channel)
	if err != nil {
		u.sim.drop(dropNoRoute)
		return
	}
	pdu := e.Tx.Send(pkt)
	if node.receiveUplink(pdu) {
		e.Tx.Ack(pdu.SN)
	}
}

// receiveDownlink accepts a PDU from node and reports whether it was
// accepted by the receive entity.
func (u *UE) receiveDownlink(node model.NodeID, pdu pdcp.PDU) bool {
	e, err := u.peer(node).GetOrCreate(u.id, pdu.Packet.Channel)
	if err != nil {
		return false
	}
	for _, pkt := range e.Rx.Receive(pdu) {
		u.deliver(pkt)
	}
	return true
}

func (u *UE) deliver(pkt model.Packet) {
	u.received++
	u.sim.recordDelivery(pkt)
}

// FeedbackGenerator reports channel feedback of one stack to its serving
// node and follows serving-node changes.
type FeedbackGenerator struct {
	ue      *UE
	key     model.StackKey
	current model.NodeID
	changes int
	log     logging.Logger
}

func newFeedbackGenerator(u *UE, key model.StackKey) *FeedbackGenerator {
	return &FeedbackGenerator{ue: u, key: key, log: u.log.With(logging.Stack(key))}
}

// OnServingNodeChanged retargets feedback to node and drops the UE-side
// peer entities of the node left behind.
func (f *FeedbackGenerator) OnServingNodeChanged(node model.NodeID) {
	prev := f.current
	f.current = node
	f.changes++
	if prev != model.NoNode && prev != node {
		f.ue.resetPeer(prev)
	}
	f.log.Debug(context.Background(), "feedback retargeted", logging.Node("from", prev), logging.Node("to", node))
}

// Target returns the node feedback is currently sent to.
func (f *FeedbackGenerator) Target() model.NodeID { return f.current }

// Changes returns how many serving-node changes were reported.
func (f *FeedbackGenerator) Changes() int { return f.changes }
