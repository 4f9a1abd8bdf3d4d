package sim

import (
	"sort"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/mobility"
	"github.com/signalsfoundry/handover-simulator/internal/sim/scenario"
	"github.com/signalsfoundry/handover-simulator/model"
)

type flowStats struct {
	index int
	flow  scenario.Flow

	sent       int
	delivered  int
	duplicates int
	outOfOrder int
	highest    uint64
	any        bool
	seen       map[uint64]struct{}
}

func (f *flowStats) record(seq uint64) {
	if _, dup := f.seen[seq]; dup {
		f.duplicates++
		return
	}
	f.seen[seq] = struct{}{}
	f.delivered++
	if f.any && seq < f.highest {
		f.outOfOrder++
		return
	}
	f.highest = seq
	f.any = true
}

// handoverTally counts handover lifecycle events and forwards them to an
// optional downstream observer.
type handoverTally struct {
	next mobility.Observer

	triggered   int
	completed   int
	deferred    int
	cancelled   map[string]int
	cellChanges int
}

var _ mobility.Observer = (*handoverTally)(nil)

func newHandoverTally(next mobility.Observer) *handoverTally {
	return &handoverTally{next: next, cancelled: make(map[string]int)}
}

func (h *handoverTally) HandoverTriggered(key model.StackKey, from, to model.NodeID) {
	h.triggered++
	if h.next != nil {
		h.next.HandoverTriggered(key, from, to)
	}
}

func (h *handoverTally) HandoverDeferred(key model.StackKey, to model.NodeID, delay time.Duration) {
	h.deferred++
	if h.next != nil {
		h.next.HandoverDeferred(key, to, delay)
	}
}

func (h *handoverTally) HandoverCancelled(key model.StackKey, to model.NodeID, reason string) {
	h.cancelled[reason]++
	if h.next != nil {
		h.next.HandoverCancelled(key, to, reason)
	}
}

func (h *handoverTally) HandoverCompleted(key model.StackKey, from, to model.NodeID, latency time.Duration) {
	h.completed++
	if h.next != nil {
		h.next.HandoverCompleted(key, from, to, latency)
	}
}

func (h *handoverTally) ServingCellChanged(key model.StackKey, node model.NodeID) {
	h.cellChanges++
	if h.next != nil {
		h.next.ServingCellChanged(key, node)
	}
}

// FlowReport summarises the delivery of one traffic flow.
type FlowReport struct {
	Index      int
	UE         model.UEID
	Peer       model.UEID
	Direction  model.Direction
	Sent       int
	Delivered  int
	Duplicates int
	OutOfOrder int
}

// Lost returns the number of sent packets never delivered.
func (f FlowReport) Lost() int {
	if f.Delivered >= f.Sent {
		return 0
	}
	return f.Sent - f.Delivered
}

// StackReport is the final state of one UE stack.
type StackReport struct {
	Key     model.StackKey
	State   mobility.State
	Serving model.NodeID
}

// HandoverReport tallies handover lifecycle events.
type HandoverReport struct {
	Triggered   int
	Completed   int
	Deferred    int
	Cancelled   map[string]int
	CellChanges int
}

// Report is a snapshot of a run.
type Report struct {
	RunID    string
	Scenario string
	Elapsed  time.Duration

	Flows     []FlowReport
	Stacks    []StackReport
	Handovers HandoverReport
	Gateway   GatewayStats
	Drops     map[string]int

	DirectDeliveries int
	ModeSwitches     int
	X2Messages       int
	NodesDown        int
}

// TotalLost sums losses over every flow.
func (r Report) TotalLost() int {
	n := 0
	for _, f := range r.Flows {
		n += f.Lost()
	}
	return n
}

// TotalDuplicates sums duplicate deliveries over every flow.
func (r Report) TotalDuplicates() int {
	n := 0
	for _, f := range r.Flows {
		n += f.Duplicates
	}
	return n
}

// Report snapshots flow, stack and handover statistics.
func (s *Simulation) Report() Report {
	r := Report{
		RunID:    s.runID,
		Scenario: s.scenario.Name,
		Elapsed:  s.sched.Now().Sub(s.start),
		Handovers: HandoverReport{
			Triggered:   s.tally.triggered,
			Completed:   s.tally.completed,
			Deferred:    s.tally.deferred,
			Cancelled:   make(map[string]int, len(s.tally.cancelled)),
			CellChanges: s.tally.cellChanges,
		},
		Gateway:          s.gateway.Stats(),
		Drops:            make(map[string]int, len(s.drops)),
		DirectDeliveries: s.direct,
		ModeSwitches:     s.modes.switches,
		X2Messages:       s.x2.delivered,
		NodesDown:        s.nodesDown,
	}
	for k, v := range s.tally.cancelled {
		r.Handovers.Cancelled[k] = v
	}
	for k, v := range s.drops {
		r.Drops[k] = v
	}
	for _, f := range s.flows {
		r.Flows = append(r.Flows, FlowReport{
			Index:      f.index,
			UE:         f.flow.UE,
			Peer:       f.flow.Peer,
			Direction:  f.flow.Direction,
			Sent:       f.sent,
			Delivered:  f.delivered,
			Duplicates: f.duplicates,
			OutOfOrder: f.outOfOrder,
		})
	}
	keys := make([]model.StackKey, 0, len(s.controllers))
	for k := range s.controllers {
		keys = append(keys, k)
	}
	sortStackKeys(keys)
	for _, k := range keys {
		c := s.controllers[k]
		r.Stacks = append(r.Stacks, StackReport{Key: k, State: c.State(), Serving: c.ServingNode()})
	}
	sort.Slice(r.Flows, func(i, j int) bool { return r.Flows[i].Index < r.Flows[j].Index })
	return r
}
