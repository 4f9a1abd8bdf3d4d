package pdcp

import (
	"github.com/signalsfoundry/handover-simulator/model"
)

// EntityKind selects which half of a protocol entity pair a factory builds.
type EntityKind int

const (
	KindTx EntityKind = iota
	KindRx
)

func (k EntityKind) String() string {
	switch k {
	case KindTx:
		return "tx"
	case KindRx:
		return "rx"
	default:
		return "unknown"
	}
}

// Key identifies the entity pair of one logical channel of one UE at a node.
type Key struct {
	Node    model.NodeID
	UE      model.UEID
	Channel model.ChannelID
}

// Entity is the behaviour shared by transmit and receive entities.
type Entity interface {
	Kind() EntityKind
	Key() Key
}

// PDU is a packet stamped with the entity's sequence number.
type PDU struct {
	SN         uint64
	Compressed bool
	Packet     model.Packet
}

// CompressionContext tracks header-compression state for one entity. The
// first packet carries a full header and establishes the context.
type CompressionContext struct {
	established bool
	Compressed  int
	Full        int
}

func (c *CompressionContext) apply() bool {
	if !c.established {
		c.established = true
		c.Full++
		return false
	}
	c.Compressed++
	return true
}

// TxEntity numbers outgoing packets for one channel.
type TxEntity struct {
	key         Key
	nextSN      uint64
	buffer      []PDU
	compression *CompressionContext
}

func newTxEntity(key Key, cfg Config) Entity {
	tx := &TxEntity{key: key}
	if cfg.HeaderCompression {
		tx.compression = &CompressionContext{}
	}
	return tx
}

func (t *TxEntity) Kind() EntityKind { return KindTx }
func (t *TxEntity) Key() Key         { return t.key }

// NextSN returns the sequence number the next Send will assign.
func (t *TxEntity) NextSN() uint64 { return t.nextSN }

// Compression returns the header-compression context, or nil when disabled.
func (t *TxEntity) Compression() *CompressionContext { return t.compression }

// Send assigns the next sequence number to pkt and keeps it in the transmit
// buffer until acknowledged.
func (t *TxEntity) Send(pkt model.Packet) PDU {
	pdu := PDU{SN: t.nextSN, Packet: pkt}
	t.nextSN++
	if t.compression != nil {
		pdu.Compressed = t.compression.apply()
	}
	t.buffer = append(t.buffer, pdu)
	return pdu
}

// Ack drops every buffered PDU with a sequence number up to and including sn.
func (t *TxEntity) Ack(sn uint64) {
	i := 0
	for i < len(t.buffer) && t.buffer[i].SN <= sn {
		i++
	}
	t.buffer = t.buffer[i:]
}

// Unacked returns the number of PDUs awaiting acknowledgement.
func (t *TxEntity) Unacked() int { return len(t.buffer) }

// RxEntity reorders incoming PDUs for one channel and delivers them in
// sequence.
type RxEntity struct {
	key       Key
	expected  uint64
	reorder   map[uint64]PDU
	delivered uint64
	discarded uint64
}

func newRxEntity(key Key, _ Config) Entity {
	return &RxEntity{key: key, reorder: make(map[uint64]PDU)}
}

func (r *RxEntity) Kind() EntityKind { return KindRx }
func (r *RxEntity) Key() Key         { return r.key }

// Expected returns the next in-sequence number.
func (r *RxEntity) Expected() uint64 { return r.expected }

// Delivered returns the number of PDUs handed up in order.
func (r *RxEntity) Delivered() uint64 { return r.delivered }

// Discarded returns the number of duplicate PDUs dropped.
func (r *RxEntity) Discarded() uint64 { return r.discarded }

// Buffered returns the number of out-of-order PDUs held for reordering.
func (r *RxEntity) Buffered() int { return len(r.reorder) }

// Receive accepts a PDU and returns the packets that are now deliverable in
// sequence. Duplicates and PDUs below the window are discarded.
func (r *RxEntity) Receive(pdu PDU) []model.Packet {
	switch {
	case pdu.SN < r.expected:
		r.discarded++
		return nil
	case pdu.SN > r.expected:
		if _, dup := r.reorder[pdu.SN]; dup {
			r.discarded++
			return nil
		}
		r.reorder[pdu.SN] = pdu
		return nil
	}

	out := []model.Packet{pdu.Packet}
	r.expected++
	for {
		next, ok := r.reorder[r.expected]
		if !ok {
			break
		}
		delete(r.reorder, r.expected)
		out = append(out, next.Packet)
		r.expected++
	}
	r.delivered += uint64(len(out))
	return out
}
