package forwarding

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/handover-simulator/model"
)

const testUE model.UEID = 1

// fakeRelay queues messages until a test delivers them, preserving send
// order per target.
type fakeRelay struct {
	queue    []Message
	adapters map[model.NodeID]*Adapter
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{adapters: make(map[model.NodeID]*Adapter)}
}

func (r *fakeRelay) Relay(msg Message) { r.queue = append(r.queue, msg) }

// deliverTo hands every queued message for target to its adapter, including
// messages queued while delivering.
func (r *fakeRelay) deliverTo(target model.NodeID) {
	for {
		idx := -1
		for i, m := range r.queue {
			if m.Target == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		msg := r.queue[idx]
		r.queue = append(r.queue[:idx:idx], r.queue[idx+1:]...)
		r.adapters[target].HandleControl(msg)
	}
}

func (r *fakeRelay) deliverAll() {
	for len(r.queue) > 0 {
		r.deliverTo(r.queue[0].Target)
	}
}

type recorder struct{ seqs []uint64 }

func (r *recorder) Transmit(pkt model.Packet) { r.seqs = append(r.seqs, pkt.Seq) }

type countingMetrics struct {
	held, tunneled, released, delivered int
}

func (m *countingMetrics) PacketHeld()           { m.held++ }
func (m *countingMetrics) PacketTunneled()       { m.tunneled++ }
func (m *countingMetrics) PacketsReleased(n int) { m.released += n }
func (m *countingMetrics) PacketDelivered()      { m.delivered++ }
func (m *countingMetrics) PacketDropped(string)  {}

func newNode(id model.NodeID, relay *fakeRelay, out Transmitter, metrics Metrics) *Adapter {
	a := NewAdapter(Options{Self: id, Relay: relay, Transmitter: out, Metrics: metrics})
	relay.adapters[id] = a
	return a
}

func pkt(seq uint64) model.Packet {
	return model.Packet{ID: seq, UE: testUE, Direction: model.Downlink, Seq: seq}
}

func TestHandoverDeliversEverythingOnceInOrder(t *testing.T) {
	relay := newFakeRelay()
	toUE := &recorder{}
	metrics := &countingMetrics{}
	a := newNode(1, relay, toUE, metrics)
	b := newNode(2, relay, toUE, metrics)

	a.Send(pkt(0))
	a.Send(pkt(1))

	a.StartTunnel(testUE, 2)
	a.Send(pkt(2))
	a.Send(pkt(3))
	relay.deliverAll()
	if !b.Holding(testUE) {
		t.Fatalf("target should hold after start marker")
	}
	if got := b.Pending(testUE); got != 2 {
		t.Fatalf("target pending = %d, want 2", got)
	}

	a.Send(pkt(4))
	a.CompleteTunnel(testUE, 2)
	if _, ok := a.Tunnelling(testUE); ok {
		t.Fatalf("source still tunnelling after CompleteTunnel")
	}

	// Traffic routed to the new node before the end marker lands is held.
	b.Send(pkt(5))
	b.Send(pkt(6))
	relay.deliverAll()
	b.Send(pkt(7))

	if diff := cmp.Diff([]uint64{0, 1, 2, 3, 4, 5, 6, 7}, toUE.seqs); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if a.Tracked() != 0 || b.Tracked() != 0 {
		t.Fatalf("forwarding state leaked: a=%d b=%d", a.Tracked(), b.Tracked())
	}
	if metrics.held != metrics.released {
		t.Fatalf("held %d packets but released %d", metrics.held, metrics.released)
	}
	if metrics.tunneled != 3 {
		t.Fatalf("tunneled = %d, want 3", metrics.tunneled)
	}
	if metrics.delivered != 8 {
		t.Fatalf("delivered = %d, want 8", metrics.delivered)
	}
}

func TestChainedHandoverWaitsForInboundEnd(t *testing.T) {
	relay := newFakeRelay()
	toUE := &recorder{}
	a := newNode(1, relay, toUE, nil)
	b := newNode(2, relay, toUE, nil)
	c := newNode(3, relay, toUE, nil)

	a.StartTunnel(testUE, 2)
	relay.deliverTo(2)
	a.Send(pkt(0)) // relayed, still in transit
	a.CompleteTunnel(testUE, 2)

	b.Send(pkt(1))
	b.StartTunnel(testUE, 3)
	relay.deliverTo(3)
	b.Send(pkt(2))
	b.CompleteTunnel(testUE, 3)
	if _, ok := b.Tunnelling(testUE); !ok {
		t.Fatalf("b must keep its tunnel until the inbound end marker arrives")
	}

	c.Send(pkt(3))
	if len(toUE.seqs) != 0 {
		t.Fatalf("packets delivered before the chain resolved: %v", toUE.seqs)
	}

	relay.deliverTo(2)
	relay.deliverTo(3)
	c.Send(pkt(4))

	if diff := cmp.Diff([]uint64{0, 1, 2, 3, 4}, toUE.seqs); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	for _, ad := range []*Adapter{a, b, c} {
		if ad.Tracked() != 0 {
			t.Fatalf("%s still tracks %d UEs", ad.Self(), ad.Tracked())
		}
	}
}

func TestTwoInboundTunnelsReleaseAfterBothEnd(t *testing.T) {
	relay := newFakeRelay()
	toUE := &recorder{}
	a := newNode(1, relay, toUE, nil)
	b := newNode(2, relay, toUE, nil)
	c := newNode(3, relay, toUE, nil)

	a.StartTunnel(testUE, 3)
	b.StartTunnel(testUE, 3)
	relay.deliverAll()

	a.Send(pkt(0))
	a.CompleteTunnel(testUE, 3)
	relay.deliverAll()
	if !c.Holding(testUE) {
		t.Fatalf("c released after only one of two end markers")
	}

	b.Send(pkt(1))
	b.CompleteTunnel(testUE, 3)
	relay.deliverAll()

	if diff := cmp.Diff([]uint64{0, 1}, toUE.seqs); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
	if c.Tracked() != 0 {
		t.Fatalf("c still tracks state")
	}
}

type attachments map[model.UEID]bool

func (m attachments) Attached(ue model.UEID) bool { return m[ue] }

func TestUESideReleaseWaitsForAttachment(t *testing.T) {
	uplink := &recorder{}
	att := attachments{}
	ue := NewAdapter(Options{Transmitter: uplink, Attachment: att})

	ue.HoldDownstream(testUE)
	ue.Send(pkt(1))
	ue.Send(pkt(2))

	ue.ReleaseHeld(testUE)
	if !ue.Holding(testUE) || ue.Pending(testUE) != 2 {
		t.Fatalf("detached UE released its queue")
	}

	att[testUE] = true
	ue.ReleaseHeld(testUE)
	if diff := cmp.Diff([]uint64{1, 2}, uplink.seqs); diff != "" {
		t.Fatalf("uplink mismatch (-want +got):\n%s", diff)
	}
	if ue.Tracked() != 0 {
		t.Fatalf("UE-side state not discarded after release")
	}
}

func TestAdapterWithoutStatePassesThrough(t *testing.T) {
	out := &recorder{}
	a := NewAdapter(Options{Self: 5, Transmitter: out})

	a.ReleaseHeld(testUE)
	a.CompleteTunnel(testUE, 6)
	a.Send(pkt(9))
	a.ReceiveTunneled(testUE, 4, pkt(10))

	if diff := cmp.Diff([]uint64{9, 10}, out.seqs); diff != "" {
		t.Fatalf("pass-through mismatch (-want +got):\n%s", diff)
	}
	if a.Tracked() != 0 {
		t.Fatalf("pass-through created state")
	}
}

func TestHoldIsIdempotent(t *testing.T) {
	out := &recorder{}
	a := NewAdapter(Options{Self: 1, Transmitter: out})
	a.HoldDownstream(testUE)
	a.Send(pkt(1))
	a.HoldDownstream(testUE)
	a.Send(pkt(2))
	a.ReleaseHeld(testUE)
	a.ReleaseHeld(testUE)

	if diff := cmp.Diff([]uint64{1, 2}, out.seqs); diff != "" {
		t.Fatalf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestResetDiscardsQueuedTraffic(t *testing.T) {
	out := &recorder{}
	relay := newFakeRelay()
	a := newNode(2, relay, out, nil)

	a.HandleControl(Message{Type: MsgStart, UE: testUE, Source: 1, Target: 2})
	a.HandleControl(Message{Type: MsgData, UE: testUE, Source: 1, Target: 2, Packet: pkt(1)})
	a.Send(pkt(2))
	a.StartTunnel(testUE+1, 3)

	if got := a.Reset(); got != 2 {
		t.Fatalf("Reset dropped %d packets, want 2", got)
	}
	if a.Tracked() != 0 || a.Holding(testUE) {
		t.Fatalf("state left after reset")
	}
	if _, ok := a.Tunnelling(testUE + 1); ok {
		t.Fatalf("tunnel survived reset")
	}
	a.Send(pkt(3))
	if diff := cmp.Diff([]uint64{3}, out.seqs); diff != "" {
		t.Fatalf("delivery after reset (-want +got):\n%s", diff)
	}
}
