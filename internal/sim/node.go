package sim

import (
	"context"
	"math/rand"

	"github.com/signalsfoundry/handover-simulator/internal/forwarding"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/pdcp"
	"github.com/signalsfoundry/handover-simulator/model"
)

// AdmissionTable records which UEs a node has admitted per direction.
type AdmissionTable struct {
	users map[model.Direction]map[model.UEID]struct{}
}

func newAdmissionTable() *AdmissionTable {
	t := &AdmissionTable{users: make(map[model.Direction]map[model.UEID]struct{})}
	for _, dir := range model.AllDirections {
		t.users[dir] = make(map[model.UEID]struct{})
	}
	return t
}

func (t *AdmissionTable) AttachUser(ue model.UEID, dir model.Direction) { t.users[dir][ue] = struct{}{} }
func (t *AdmissionTable) DetachUser(ue model.UEID, dir model.Direction) { delete(t.users[dir], ue) }

// Admitted reports whether ue is admitted for dir.
func (t *AdmissionTable) Admitted(ue model.UEID, dir model.Direction) bool {
	_, ok := t.users[dir][ue]
	return ok
}

// Users returns the number of UEs admitted for dir.
func (t *AdmissionTable) Users(dir model.Direction) int { return len(t.users[dir]) }

// CellInfo tracks the UEs associated with a cell and the channel state
// seeded for each UE on its first attachment.
type CellInfo struct {
	rng     *rand.Rand
	members map[model.UEID]struct{}
	channel map[model.UEID]float64
}

func newCellInfo(seed int64) *CellInfo {
	return &CellInfo{
		rng:     rand.New(rand.NewSource(seed)),
		members: make(map[model.UEID]struct{}),
		channel: make(map[model.UEID]float64),
	}
}

// Attach associates ue with the cell, seeding its shadowing offset (dB)
// the first time the UE is ever seen here.
func (c *CellInfo) Attach(ue model.UEID) {
	if _, ok := c.channel[ue]; !ok {
		c.channel[ue] = c.rng.NormFloat64() * 8
	}
	c.members[ue] = struct{}{}
}

func (c *CellInfo) Detach(ue model.UEID) { delete(c.members, ue) }

// Members returns the number of associated UEs.
func (c *CellInfo) Members() int { return len(c.members) }

// ChannelState returns the seeded channel state of ue.
func (c *CellInfo) ChannelState(ue model.UEID) (float64, bool) {
	v, ok := c.channel[ue]
	return v, ok
}

func (c *CellInfo) clear() { c.members = make(map[model.UEID]struct{}) }

// NodeStats counts traffic handled by a node.
type NodeStats struct {
	DownlinkSent   int
	UplinkReceived int
	Dropped        int
}

// Node is one radio access node and its per-node collaborators.
type Node struct {
	id     model.NodeID
	master model.NodeID
	sim    *Simulation
	log    logging.Logger

	adapter   *forwarding.Adapter
	entities  *pdcp.Manager
	admission *AdmissionTable
	cell      *CellInfo
	modes     *ModeSelector

	stats NodeStats
}

func newNode(s *Simulation, id, master model.NodeID) *Node {
	n := &Node{
		id:        id,
		master:    master,
		sim:       s,
		log:       s.log.With(logging.Node("node", id)),
		admission: newAdmissionTable(),
		cell:      newCellInfo(s.seed + int64(id)),
	}
	n.entities = pdcp.NewManager(id, pdcp.Config{HeaderCompression: s.headerCompression}, nil, n.log)
	n.modes = newModeSelector(id, s.modes, s.reg, n.log)
	n.adapter = forwarding.NewAdapter(forwarding.Options{
		Self:        id,
		Relay:       s.x2,
		Transmitter: forwarding.TransmitFunc(n.radioTransmit),
		Metrics:     s.fwdMetrics,
		Logger:      n.log,
	})
	return n
}

func (n *Node) ID() model.NodeID             { return n.id }
func (n *Node) Master() model.NodeID         { return n.master }
func (n *Node) Adapter() *forwarding.Adapter { return n.adapter }
func (n *Node) Entities() *pdcp.Manager      { return n.entities }
func (n *Node) Admission() *AdmissionTable   { return n.admission }
func (n *Node) Cell() *CellInfo              { return n.cell }
func (n *Node) Stats() NodeStats             { return n.stats }

// shutdown discards the node's per-UE state after it left the system and
// returns the number of queued packets thrown away. Seeded channel state is
// kept.
func (n *Node) shutdown() int {
	for _, ue := range n.entities.UEs() {
		n.entities.DestroyAll(ue)
	}
	n.admission = newAdmissionTable()
	n.cell.clear()
	dropped := n.adapter.Reset()
	n.stats.Dropped += dropped
	return dropped
}

// radioTransmit sends a downlink packet over the air. Packets for UEs this
// node no longer serves are dropped.
func (n *Node) radioTransmit(pkt model.Packet) {
	if !n.sim.reg.Serves(n.id, pkt.UE) {
		n.stats.Dropped++
		n.sim.drop(dropNotServed)
		n.log.Debug(context.Background(), "dropping frame for ue not served here",
			logging.UE(pkt.UE), logging.Int("seq", int(pkt.Seq)))
		return
	}
	ue := n.sim.ues[pkt.UE]
	if ue == nil {
		n.sim.drop(dropNoRoute)
		return
	}
	e, err := n.entities.GetOrCreate(pkt.UE, pkt.Channel)
	if err != nil {
		n.log.Error(context.Background(), "protocol entity creation failed", logging.Err(err))
		n.sim.drop(dropNoRoute)
		return
	}
	pdu := e.Tx.Send(pkt)
	n.stats.DownlinkSent++
	if ue.receiveDownlink(n.id, pdu) {
		e.Tx.Ack(pdu.SN)
	}
}

// receiveUplink accepts a PDU from ue and forwards in-sequence packets to
// the core gateway.
func (n *Node) receiveUplink(pdu pdcp.PDU) bool {
	pkt := pdu.Packet
	if !n.sim.reg.Serves(n.id, pkt.UE) {
		n.stats.Dropped++
		n.sim.drop(dropNotServed)
		return false
	}
	e, err := n.entities.GetOrCreate(pkt.UE, pkt.Channel)
	if err != nil {
		n.log.Error(context.Background(), "protocol entity creation failed", logging.Err(err))
		return false
	}
	for _, p := range e.Rx.Receive(pdu) {
		n.stats.UplinkReceived++
		n.sim.gateway.deliverUplink(p)
	}
	return true
}
