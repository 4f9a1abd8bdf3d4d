package model

import "time"

// Packet is an IP-layer datagram travelling to or from a UE. Only the fields
// the handover logic inspects are modelled; payload bytes are opaque.
type Packet struct {
	ID        uint64
	UE        UEID
	Channel   ChannelID
	Direction Direction
	// Peer is the other end of a device-to-device packet.
	Peer UEID

	// Seq is the per-source arrival order assigned by the traffic generator.
	Seq uint64

	Payload   []byte
	CreatedAt time.Time
}
