// Package sim wires the mobility controllers, forwarding adapters and
// protocol entity managers of a scenario onto one event timeline and drives
// scripted measurements and traffic through them.
package sim

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/signalsfoundry/handover-simulator/internal/forwarding"
	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/mobility"
	"github.com/signalsfoundry/handover-simulator/internal/registry"
	"github.com/signalsfoundry/handover-simulator/internal/sim/event"
	"github.com/signalsfoundry/handover-simulator/internal/sim/scenario"
	"github.com/signalsfoundry/handover-simulator/model"
	"github.com/signalsfoundry/handover-simulator/timectrl"
	"go.opentelemetry.io/otel/trace"
)

// Drop reasons reported to the forwarding metrics.
const (
	dropNotServed     = "not_served"
	dropNoRoute       = "no_route"
	dropUnknownTarget = "unknown_target"
	dropNodeDown      = "node_down"
)

// Options configures a Simulation.
type Options struct {
	Logger logging.Logger
	// Handover receives handover lifecycle events in addition to the
	// simulation's own tally. Optional.
	Handover mobility.Observer
	// Forwarding receives forwarding counters. Optional.
	Forwarding forwarding.Metrics
	Tracer     trace.Tracer
	// Start is the simulated time of the first event. Defaults to the Unix
	// epoch.
	Start time.Time
	// RunID labels logs and the report. A random id is used when empty.
	RunID string
}

// Simulation is one scenario run. All of its state is owned by the event
// loop; it is not safe for concurrent use.
type Simulation struct {
	scenario *scenario.Scenario
	runID    string
	log      logging.Logger
	start    time.Time

	clock *timectrl.VirtualClock
	sched *event.Scheduler
	reg   *registry.Registry

	seed              int64
	headerCompression bool
	fwdMetrics        forwarding.Metrics

	nodes       map[model.NodeID]*Node
	ues         map[model.UEID]*UE
	controllers map[model.StackKey]*mobility.Controller
	gateway     *Gateway
	x2          *x2Fabric
	modes       *modeTable
	tally       *handoverTally

	flows     []*flowStats
	drops     map[string]int
	direct    int
	nodesDown int
	closed    bool
}

// New builds the nodes, UEs and controllers described by sc, attaches the
// initial placements and schedules the scripted samples and traffic.
func New(sc *scenario.Scenario, opts Options) (*Simulation, error) {
	if sc == nil {
		return nil, fmt.Errorf("new simulation: %w: nil scenario", scenario.ErrInvalidScenario)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("new simulation: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Unix(0, 0).UTC()
	}

	s := &Simulation{
		scenario:          sc,
		runID:             runID,
		log:               log.With(logging.String("run_id", runID), logging.String("scenario", sc.Name)),
		start:             start,
		clock:             timectrl.NewVirtualClock(start),
		seed:              sc.Seed,
		headerCompression: sc.HeaderCompression,
		fwdMetrics:        opts.Forwarding,
		nodes:             make(map[model.NodeID]*Node),
		ues:               make(map[model.UEID]*UE),
		controllers:       make(map[model.StackKey]*mobility.Controller),
		modes:             newModeTable(),
		drops:             make(map[string]int),
	}
	s.sched = event.NewScheduler(s.clock)
	s.reg = registry.New(s.sched)
	s.x2 = &x2Fabric{sim: s, latency: sc.X2Latency}
	s.gateway = newGateway(s)
	s.tally = newHandoverTally(opts.Handover)

	if err := s.buildNodes(); err != nil {
		return nil, err
	}
	s.reg.Subscribe(s.onRegistryEvent)
	if err := s.buildUEs(opts.Tracer); err != nil {
		return nil, err
	}
	s.initModes()
	s.scheduleSamples()
	s.scheduleFlows()
	s.scheduleOutages()

	s.log.Info(context.Background(), "simulation ready",
		logging.Int("nodes", len(s.nodes)),
		logging.Int("ues", len(s.ues)),
		logging.Int("stacks", len(s.controllers)),
		logging.Int("events", s.sched.Pending()),
	)
	return s, nil
}

func (s *Simulation) buildNodes() error {
	nodes := append([]scenario.Node(nil), s.scenario.Nodes...)
	// Anchors are registered before the secondaries that name them.
	sort.SliceStable(nodes, func(i, j int) bool {
		return isAnchor(nodes[i]) && !isAnchor(nodes[j])
	})
	for _, n := range nodes {
		master := n.Master
		if master == model.NoNode {
			master = n.ID
		}
		if err := s.reg.AddNode(n.ID, master); err != nil {
			return fmt.Errorf("new simulation: %w", err)
		}
		s.nodes[n.ID] = newNode(s, n.ID, master)
	}
	return nil
}

func isAnchor(n scenario.Node) bool { return n.Master == model.NoNode || n.Master == n.ID }

func (s *Simulation) buildUEs(tracer trace.Tracer) error {
	cfg := s.scenario.Mobility
	topo := topology{nodes: s.nodes}
	for _, su := range s.scenario.UEs {
		u := newUE(s, su.ID)
		s.ues[su.ID] = u
		for _, st := range su.Stacks {
			if st.Stack == model.StackSecondary && !cfg.DualConnectivity {
				s.log.Warn(context.Background(), "dual connectivity disabled; ignoring secondary stack", logging.UE(su.ID))
				continue
			}
			key := model.StackKey{UE: su.ID, Stack: st.Stack}
			fb := newFeedbackGenerator(u, key)
			ctrl := mobility.New(mobility.Options{
				Key:       key,
				Config:    cfg,
				Scheduler: s.sched,
				Registry:  s.reg,
				Topology:  topo,
				Local:     u.adapter,
				Feedback:  fb,
				Observer:  s.tally,
				Logger:    s.log,
				Tracer:    tracer,
			})
			u.stacks[st.Stack] = ctrl
			u.feedback[st.Stack] = fb
			s.controllers[key] = ctrl
		}
		if p, sec := u.stacks[model.StackPrimary], u.stacks[model.StackSecondary]; p != nil && sec != nil {
			mobility.LinkSiblings(p, sec)
		}
		for _, st := range su.Stacks {
			ctrl := u.stacks[st.Stack]
			if ctrl == nil || st.Serving == model.NoNode {
				continue
			}
			if err := ctrl.Bootstrap(st.Serving, st.Level); err != nil {
				return fmt.Errorf("new simulation: %w", err)
			}
		}
	}
	return nil
}

// initModes registers every device-to-device pair and starts it direct when
// the two UEs already share a node.
func (s *Simulation) initModes() {
	for _, f := range s.scenario.Flows {
		if f.Direction != model.Direct {
			continue
		}
		s.modes.register(f.UE, f.Peer)
	}
	for _, id := range s.reg.Nodes() {
		n := s.nodes[id]
		for _, key := range s.reg.ServedBy(id) {
			n.modes.ReevaluateAfterHandover(key.UE)
		}
	}
	s.modes.switches = 0
}

func (s *Simulation) scheduleSamples() {
	for _, smp := range s.scenario.Samples {
		s.sched.Schedule(s.start.Add(smp.At), func() { s.applySample(smp) })
	}
}

func (s *Simulation) applySample(smp scenario.Sample) {
	key := model.StackKey{UE: smp.UE, Stack: smp.Stack}
	ctrl := s.controllers[key]
	if ctrl == nil {
		s.log.Debug(context.Background(), "sample for unknown stack", logging.Stack(key))
		return
	}
	err := ctrl.OnSample(mobility.Sample{
		UE:             smp.UE,
		Stack:          smp.Stack,
		CurrentLevel:   smp.CurrentLevel,
		Candidate:      smp.Candidate,
		CandidateLevel: smp.CandidateLevel,
		At:             s.sched.Now(),
	})
	if err != nil {
		s.log.Warn(context.Background(), "sample rejected", logging.Stack(key), logging.Err(err))
	}
}

func (s *Simulation) scheduleFlows() {
	for i, f := range s.scenario.Flows {
		st := &flowStats{index: i, flow: f, seen: make(map[uint64]struct{}, f.Count)}
		s.flows = append(s.flows, st)
		s.sched.Schedule(s.start.Add(f.Start), func() { s.emit(st, 0) })
	}
}

func (s *Simulation) emit(st *flowStats, seq uint64) {
	if s.closed {
		return
	}
	f := st.flow
	pkt := model.Packet{
		ID:        uint64(st.index)<<32 | seq,
		UE:        f.UE,
		Channel:   f.Channel,
		Direction: f.Direction,
		Peer:      f.Peer,
		Seq:       seq,
		Payload:   make([]byte, f.Size),
		CreatedAt: s.sched.Now(),
	}
	st.sent++
	switch f.Direction {
	case model.Downlink:
		s.gateway.Downlink(pkt)
	default:
		s.ues[f.UE].send(pkt)
	}
	if next := seq + 1; next < uint64(f.Count) {
		s.sched.After(f.Interval, func() { s.emit(st, next) })
	}
}

func (s *Simulation) scheduleOutages() {
	for _, o := range s.scenario.Outages {
		s.sched.Schedule(s.start.Add(o.At), func() {
			if err := s.RemoveNode(o.Node); err != nil {
				s.log.Warn(context.Background(), "node outage failed", logging.Node("node", o.Node), logging.Err(err))
			}
		})
	}
}

// RemoveNode takes node id out of the system. Stacks it serves lose their
// attachment and detach; a handover toward it ends detached. Forwarding
// state and protocol entities held at the node are discarded. A master
// node cannot leave while secondaries are registered under it.
func (s *Simulation) RemoveNode(id model.NodeID) error {
	if secs := s.reg.SecondariesOf(id); len(secs) > 0 {
		return fmt.Errorf("remove node %s: master of %d secondary nodes", id, len(secs))
	}
	if err := s.reg.RemoveNode(id); err != nil {
		return fmt.Errorf("remove node: %w", err)
	}
	return nil
}

// onRegistryEvent reacts to registry changes. A stack unbound because its
// node left is detached at once; the node's own state is dropped when its
// removal is announced.
func (s *Simulation) onRegistryEvent(ev registry.Event) {
	switch ev.Type {
	case registry.EventUnbound:
		if s.reg.NodeExists(ev.Node) {
			return
		}
		ctrl := s.controllers[ev.Key]
		if ctrl == nil || ctrl.State() == mobility.StateHandoverPending {
			// a committed handover already leaves the node
			return
		}
		s.log.Info(context.Background(), "serving node left; detaching stack",
			logging.Stack(ev.Key), logging.Node("node", ev.Node))
		ctrl.ForceHandover(model.NoNode, 0)
	case registry.EventNodeRemoved:
		s.nodesDown++
		n := s.nodes[ev.Node]
		if n == nil {
			return
		}
		dropped := n.shutdown()
		for i := 0; i < dropped; i++ {
			s.drop(dropNodeDown)
		}
		s.log.Warn(context.Background(), "node left the system", logging.Node("node", ev.Node))
	}
}

func (s *Simulation) recordDelivery(pkt model.Packet) {
	idx := int(pkt.ID >> 32)
	if idx < 0 || idx >= len(s.flows) {
		return
	}
	s.flows[idx].record(pkt.Seq)
}

func (s *Simulation) drop(reason string) {
	s.drops[reason]++
	if s.fwdMetrics != nil {
		s.fwdMetrics.PacketDropped(reason)
	}
}

// Attached reports whether any stack of ue has a serving node.
func (s *Simulation) Attached(ue model.UEID) bool {
	return s.servingNode(ue) != nil
}

// servingNode returns the node carrying ue's traffic: the primary stack's
// node, else the secondary's.
func (s *Simulation) servingNode(ue model.UEID) *Node {
	for _, stack := range []model.StackID{model.StackPrimary, model.StackSecondary} {
		if id := s.reg.ServingNode(model.StackKey{UE: ue, Stack: stack}); id != model.NoNode {
			return s.nodes[id]
		}
	}
	return nil
}

// RunID returns the identifier of this run.
func (s *Simulation) RunID() string { return s.runID }

// Now returns the current simulated time.
func (s *Simulation) Now() time.Time { return s.sched.Now() }

// Start returns the simulated start time.
func (s *Simulation) Start() time.Time { return s.start }

// Registry exposes the central node registry.
func (s *Simulation) Registry() *registry.Registry { return s.reg }

// Node returns the node with id, or nil.
func (s *Simulation) Node(id model.NodeID) *Node { return s.nodes[id] }

// UE returns the UE with id, or nil.
func (s *Simulation) UE(id model.UEID) *UE { return s.ues[id] }

// Controller returns the mobility controller of key, or nil.
func (s *Simulation) Controller(key model.StackKey) *mobility.Controller { return s.controllers[key] }

// Gateway returns the core gateway.
func (s *Simulation) Gateway() *Gateway { return s.gateway }

// Mode returns the device-to-device mode of the pair (a, b).
func (s *Simulation) Mode(a, b model.UEID) Mode { return s.modes.Mode(a, b) }

// Run pumps the timeline until d of simulated time has elapsed since the
// start, the timeline empties past that point, or ctx is done.
func (s *Simulation) Run(ctx context.Context, d time.Duration) error {
	limit := s.start.Add(d)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, ok := s.sched.NextAt()
		if !ok || next.After(limit) {
			break
		}
		s.sched.Step()
	}
	if s.sched.Now().Before(limit) {
		s.sched.RunUntil(limit)
	}
	return nil
}

// AdvanceTo runs every event due at or before t and moves the clock to t.
// It returns the number of events executed.
func (s *Simulation) AdvanceTo(t time.Time) int {
	if t.Before(s.sched.Now()) {
		return 0
	}
	return s.sched.RunUntil(t)
}

// Close tears every stack down. Traffic generation stops.
func (s *Simulation) Close() {
	if s.closed {
		return
	}
	s.closed = true
	keys := make([]model.StackKey, 0, len(s.controllers))
	for k := range s.controllers {
		keys = append(keys, k)
	}
	sortStackKeys(keys)
	for _, k := range keys {
		s.controllers[k].Close()
	}
	s.log.Info(context.Background(), "simulation closed", logging.SimTime(s.sched.Now()))
}

func sortStackKeys(keys []model.StackKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UE != keys[j].UE {
			return keys[i].UE < keys[j].UE
		}
		return keys[i].Stack < keys[j].Stack
	})
}

// topology resolves per-node collaborators for the controllers. Unknown
// nodes yield untyped nils.
type topology struct {
	nodes map[model.NodeID]*Node
}

func (t topology) Adapter(id model.NodeID) mobility.ForwardingAdapter {
	if n := t.nodes[id]; n != nil {
		return n.adapter
	}
	return nil
}

func (t topology) Entities(id model.NodeID) mobility.EntityManager {
	if n := t.nodes[id]; n != nil {
		return n.entities
	}
	return nil
}

func (t topology) Admission(id model.NodeID) mobility.Admission {
	if n := t.nodes[id]; n != nil {
		return n.admission
	}
	return nil
}

func (t topology) ModeArbiter(id model.NodeID) mobility.ModeArbiter {
	if n := t.nodes[id]; n != nil {
		return n.modes
	}
	return nil
}

func (t topology) CellInfo(id model.NodeID) mobility.CellInfo {
	if n := t.nodes[id]; n != nil {
		return n.cell
	}
	return nil
}
