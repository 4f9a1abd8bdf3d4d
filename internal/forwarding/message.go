package forwarding

import "github.com/signalsfoundry/handover-simulator/model"

// MessageType tags an inter-node forwarding message.
type MessageType int

const (
	// MsgStart tells the target a tunnel is opening; it starts holding.
	MsgStart MessageType = iota
	// MsgData carries one relayed packet.
	MsgData
	// MsgEnd marks the last message of a tunnel; the target releases.
	MsgEnd
)

func (t MessageType) String() string {
	switch t {
	case MsgStart:
		return "start"
	case MsgData:
		return "data"
	case MsgEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Message is exchanged between the forwarding adapters of two nodes.
type Message struct {
	Type   MessageType
	UE     model.UEID
	Source model.NodeID
	Target model.NodeID
	Packet model.Packet
}

// Relay carries messages to the adapter of msg.Target. Implementations must
// deliver messages between one pair of nodes in the order they were sent.
type Relay interface {
	Relay(msg Message)
}

// Transmitter hands a packet to the local radio (or, on the UE side, to the
// serving node).
type Transmitter interface {
	Transmit(pkt model.Packet)
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(pkt model.Packet)

func (f TransmitFunc) Transmit(pkt model.Packet) { f(pkt) }

// AttachmentChecker reports whether a UE currently has any serving node.
type AttachmentChecker interface {
	Attached(ue model.UEID) bool
}

// Metrics receives forwarding counters. *observability.ForwardingCollector
// satisfies it.
type Metrics interface {
	PacketHeld()
	PacketTunneled()
	PacketsReleased(n int)
	PacketDelivered()
	PacketDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) PacketHeld()          {}
func (noopMetrics) PacketTunneled()      {}
func (noopMetrics) PacketsReleased(int)  {}
func (noopMetrics) PacketDelivered()     {}
func (noopMetrics) PacketDropped(string) {}
