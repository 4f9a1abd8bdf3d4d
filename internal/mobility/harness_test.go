package mobility

import (
	"fmt"
	"testing"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/pdcp"
	"github.com/signalsfoundry/handover-simulator/internal/registry"
	"github.com/signalsfoundry/handover-simulator/internal/sim/event"
	"github.com/signalsfoundry/handover-simulator/model"
	"github.com/signalsfoundry/handover-simulator/timectrl"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		HandoverLatency:  20 * time.Millisecond,
		HandoverDelta:    10 * time.Microsecond,
		HysteresisFactor: 2,
		EnableHandover:   true,
		DualConnectivity: true,
	}
}

type fakeAdapter struct{ calls []string }

func (a *fakeAdapter) HoldDownstream(ue model.UEID) { a.calls = append(a.calls, "hold "+ue.String()) }
func (a *fakeAdapter) ReleaseHeld(ue model.UEID)    { a.calls = append(a.calls, "release "+ue.String()) }
func (a *fakeAdapter) StartTunnel(ue model.UEID, target model.NodeID) {
	a.calls = append(a.calls, fmt.Sprintf("tunnel %s -> %s", ue, target))
}
func (a *fakeAdapter) CompleteTunnel(ue model.UEID, target model.NodeID) {
	a.calls = append(a.calls, fmt.Sprintf("complete %s -> %s", ue, target))
}

type fakeAdmission struct {
	attached map[model.UEID]map[model.Direction]bool
}

func (f *fakeAdmission) AttachUser(ue model.UEID, dir model.Direction) {
	if f.attached[ue] == nil {
		f.attached[ue] = make(map[model.Direction]bool)
	}
	f.attached[ue][dir] = true
}

func (f *fakeAdmission) DetachUser(ue model.UEID, dir model.Direction) {
	delete(f.attached[ue], dir)
}

func (f *fakeAdmission) directions(ue model.UEID) int { return len(f.attached[ue]) }

type fakeArbiter struct {
	clock  *timectrl.VirtualClock
	calls  []string
	reeval []time.Time
}

func (f *fakeArbiter) FallbackToInfrastructure(ue model.UEID) {
	f.calls = append(f.calls, "fallback "+ue.String())
}

func (f *fakeArbiter) ReevaluateAfterHandover(ue model.UEID) {
	f.calls = append(f.calls, "reevaluate "+ue.String())
	f.reeval = append(f.reeval, f.clock.Now())
}

type fakeCell struct {
	members map[model.UEID]bool
	seeded  map[model.UEID]int
}

func (f *fakeCell) Attach(ue model.UEID) {
	if _, ok := f.seeded[ue]; !ok {
		f.seeded[ue] = 1
	}
	f.members[ue] = true
}

func (f *fakeCell) Detach(ue model.UEID) { delete(f.members, ue) }

type fakeNode struct {
	adapter   *fakeAdapter
	entities  *pdcp.Manager
	admission *fakeAdmission
	arbiter   *fakeArbiter
	cell      *fakeCell
}

type fakeTopology struct {
	nodes map[model.NodeID]*fakeNode
}

func (t *fakeTopology) Adapter(n model.NodeID) ForwardingAdapter {
	if fn, ok := t.nodes[n]; ok {
		return fn.adapter
	}
	return nil
}

func (t *fakeTopology) Entities(n model.NodeID) EntityManager {
	if fn, ok := t.nodes[n]; ok {
		return fn.entities
	}
	return nil
}

func (t *fakeTopology) Admission(n model.NodeID) Admission {
	if fn, ok := t.nodes[n]; ok {
		return fn.admission
	}
	return nil
}

func (t *fakeTopology) ModeArbiter(n model.NodeID) ModeArbiter {
	if fn, ok := t.nodes[n]; ok {
		return fn.arbiter
	}
	return nil
}

func (t *fakeTopology) CellInfo(n model.NodeID) CellInfo {
	if fn, ok := t.nodes[n]; ok {
		return fn.cell
	}
	return nil
}

type observed struct {
	kind     string
	key      model.StackKey
	from, to model.NodeID
	delay    time.Duration
	reason   string
}

type fakeObserver struct{ events []observed }

func (o *fakeObserver) HandoverTriggered(key model.StackKey, from, to model.NodeID) {
	o.events = append(o.events, observed{kind: "triggered", key: key, from: from, to: to})
}

func (o *fakeObserver) HandoverDeferred(key model.StackKey, to model.NodeID, delay time.Duration) {
	o.events = append(o.events, observed{kind: "deferred", key: key, to: to, delay: delay})
}

func (o *fakeObserver) HandoverCancelled(key model.StackKey, to model.NodeID, reason string) {
	o.events = append(o.events, observed{kind: "cancelled", key: key, to: to, reason: reason})
}

func (o *fakeObserver) HandoverCompleted(key model.StackKey, from, to model.NodeID, latency time.Duration) {
	o.events = append(o.events, observed{kind: "completed", key: key, from: from, to: to, delay: latency})
}

func (o *fakeObserver) ServingCellChanged(key model.StackKey, node model.NodeID) {
	o.events = append(o.events, observed{kind: "serving", key: key, to: node})
}

func (o *fakeObserver) count(kind string, key model.StackKey) int {
	n := 0
	for _, ev := range o.events {
		if ev.kind == kind && ev.key == key {
			n++
		}
	}
	return n
}

func (o *fakeObserver) last(kind string, key model.StackKey) (observed, bool) {
	for i := len(o.events) - 1; i >= 0; i-- {
		if o.events[i].kind == kind && o.events[i].key == key {
			return o.events[i], true
		}
	}
	return observed{}, false
}

type fakeFeedback struct{ nodes []model.NodeID }

func (f *fakeFeedback) OnServingNodeChanged(n model.NodeID) { f.nodes = append(f.nodes, n) }

type harness struct {
	t        *testing.T
	clock    *timectrl.VirtualClock
	sched    *event.Scheduler
	reg      *registry.Registry
	topo     *fakeTopology
	local    *fakeAdapter
	observer *fakeObserver
	feedback map[model.StackKey]*fakeFeedback
}

// nodeSpec registers id with master (NoNode for anchors).
type nodeSpec struct {
	id, master model.NodeID
}

func newHarness(t *testing.T, nodes ...nodeSpec) *harness {
	t.Helper()
	clock := timectrl.NewVirtualClock(t0)
	h := &harness{
		t:        t,
		clock:    clock,
		sched:    event.NewScheduler(clock),
		reg:      registry.New(clock),
		topo:     &fakeTopology{nodes: make(map[model.NodeID]*fakeNode)},
		local:    &fakeAdapter{},
		observer: &fakeObserver{},
		feedback: make(map[model.StackKey]*fakeFeedback),
	}
	for _, n := range nodes {
		if err := h.reg.AddNode(n.id, n.master); err != nil {
			t.Fatalf("AddNode(%v): %v", n.id, err)
		}
		h.topo.nodes[n.id] = &fakeNode{
			adapter:   &fakeAdapter{},
			entities:  pdcp.NewManager(n.id, pdcp.Config{}, nil, nil),
			admission: &fakeAdmission{attached: make(map[model.UEID]map[model.Direction]bool)},
			arbiter:   &fakeArbiter{clock: clock},
			cell:      &fakeCell{members: make(map[model.UEID]bool), seeded: make(map[model.UEID]int)},
		}
	}
	return h
}

func (h *harness) controller(key model.StackKey, cfg Config) *Controller {
	fb := &fakeFeedback{}
	h.feedback[key] = fb
	return New(Options{
		Key:       key,
		Config:    cfg,
		Scheduler: h.sched,
		Registry:  h.reg,
		Topology:  h.topo,
		Local:     h.local,
		Feedback:  fb,
		Observer:  h.observer,
	})
}

func (h *harness) node(id model.NodeID) *fakeNode { return h.topo.nodes[id] }

// runTo advances the timeline to t0+d.
func (h *harness) runTo(d time.Duration) {
	h.sched.RunUntil(t0.Add(d))
}

func (h *harness) sample(c *Controller, current float64, candidate model.NodeID, level float64) {
	h.t.Helper()
	err := c.OnSample(Sample{
		UE:             c.Key().UE,
		Stack:          c.Key().Stack,
		CurrentLevel:   current,
		Candidate:      candidate,
		CandidateLevel: level,
		At:             h.clock.Now(),
	})
	if err != nil {
		h.t.Fatalf("OnSample: %v", err)
	}
}

func primary(ue model.UEID) model.StackKey {
	return model.StackKey{UE: ue, Stack: model.StackPrimary}
}

func secondary(ue model.UEID) model.StackKey {
	return model.StackKey{UE: ue, Stack: model.StackSecondary}
}
