// Package scenario loads handover simulation scenarios from YAML.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/mobility"
	"github.com/signalsfoundry/handover-simulator/model"
	"gopkg.in/yaml.v2"
)

// ErrInvalidScenario wraps every structural or semantic scenario error.
var ErrInvalidScenario = errors.New("invalid scenario")

// Node is one radio access node. Master is NoNode for anchors.
type Node struct {
	ID     model.NodeID
	Master model.NodeID
}

// StackPlacement is the initial attachment of one UE stack.
type StackPlacement struct {
	Stack   model.StackID
	Serving model.NodeID
	Level   float64
}

// UE is a mobile endpoint with one or two radio stacks.
type UE struct {
	ID     model.UEID
	Stacks []StackPlacement
}

// Sample is a scripted quality measurement, offset from the start.
type Sample struct {
	At             time.Duration
	UE             model.UEID
	Stack          model.StackID
	CurrentLevel   float64
	Candidate      model.NodeID
	CandidateLevel float64
}

// Flow is periodic traffic of one UE on one channel. Peer is the other end
// of a direct (device-to-device) flow.
type Flow struct {
	UE        model.UEID
	Peer      model.UEID
	Direction model.Direction
	Channel   model.ChannelID
	Start     time.Duration
	Interval  time.Duration
	Count     int
	Size      int
}

// Outage takes a node out of the system at an offset from the start.
type Outage struct {
	At   time.Duration
	Node model.NodeID
}

// Scenario is a validated simulation description.
type Scenario struct {
	Name              string
	Seed              int64
	Mobility          mobility.Config
	X2Latency         time.Duration
	HeaderCompression bool
	Nodes             []Node
	UEs               []UE
	Samples           []Sample
	Flows             []Flow
	Outages           []Outage
}

// yaml shapes stay unexported so the file format can evolve separately.
type scenarioYAML struct {
	Name     string       `yaml:"name"`
	Seed     int64        `yaml:"seed"`
	Config   configYAML   `yaml:"config"`
	Nodes    []nodeYAML   `yaml:"nodes"`
	UEs      []ueYAML     `yaml:"ues"`
	Samples  []sampleYAML `yaml:"samples"`
	Traffic  []flowYAML   `yaml:"traffic"`
	NodeDown []outageYAML `yaml:"node_down"`
}

type configYAML struct {
	HandoverLatency   time.Duration `yaml:"handover_latency"`
	HandoverDelta     time.Duration `yaml:"handover_delta"`
	HysteresisFactor  float64       `yaml:"hysteresis_factor"`
	MinLevel          float64       `yaml:"min_level"`
	EnableHandover    *bool         `yaml:"enable_handover"`   // defaults to true
	DualConnectivity  *bool         `yaml:"dual_connectivity"` // defaults to true
	X2Latency         time.Duration `yaml:"x2_latency"`
	HeaderCompression bool          `yaml:"header_compression"`
}

type nodeYAML struct {
	ID     uint16 `yaml:"id"`
	Master uint16 `yaml:"master"`
}

type stackYAML struct {
	Stack   string  `yaml:"stack"`
	Serving uint16  `yaml:"serving"`
	Level   float64 `yaml:"level"`
}

type ueYAML struct {
	ID     uint32      `yaml:"id"`
	Stacks []stackYAML `yaml:"stacks"`
}

type sampleYAML struct {
	At        time.Duration `yaml:"at"`
	UE        uint32        `yaml:"ue"`
	Stack     string        `yaml:"stack"`
	Current   float64       `yaml:"current"`
	Candidate uint16        `yaml:"candidate"`
	Level     float64       `yaml:"level"`
}

type flowYAML struct {
	UE        uint32        `yaml:"ue"`
	Peer      uint32        `yaml:"peer"`
	Direction string        `yaml:"direction"`
	Channel   uint8         `yaml:"channel"`
	Start     time.Duration `yaml:"start"`
	Interval  time.Duration `yaml:"interval"`
	Count     int           `yaml:"count"`
	Size      int           `yaml:"size"`
}

type outageYAML struct {
	At   time.Duration `yaml:"at"`
	Node uint16        `yaml:"node"`
}

// LoadFile reads and validates the scenario at path.
func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Load decodes a YAML scenario from r and validates it.
func Load(r io.Reader) (*Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var payload scenarioYAML
	if err := yaml.UnmarshalStrict(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidScenario, err)
	}

	sc, err := payload.convert()
	if err != nil {
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

func (p scenarioYAML) convert() (*Scenario, error) {
	cfg := mobility.DefaultConfig()
	if p.Config.HandoverLatency != 0 {
		cfg.HandoverLatency = p.Config.HandoverLatency
	}
	if p.Config.HandoverDelta != 0 {
		cfg.HandoverDelta = p.Config.HandoverDelta
	}
	if p.Config.HysteresisFactor != 0 {
		cfg.HysteresisFactor = p.Config.HysteresisFactor
	}
	cfg.MinLevel = p.Config.MinLevel
	if p.Config.EnableHandover != nil {
		cfg.EnableHandover = *p.Config.EnableHandover
	}
	if p.Config.DualConnectivity != nil {
		cfg.DualConnectivity = *p.Config.DualConnectivity
	}

	x2 := p.Config.X2Latency
	if x2 == 0 {
		x2 = cfg.HandoverLatency / 10
	}

	sc := &Scenario{
		Name:              p.Name,
		Seed:              p.Seed,
		Mobility:          cfg,
		X2Latency:         x2,
		HeaderCompression: p.Config.HeaderCompression,
	}

	for _, n := range p.Nodes {
		sc.Nodes = append(sc.Nodes, Node{ID: model.NodeID(n.ID), Master: model.NodeID(n.Master)})
	}

	for _, u := range p.UEs {
		ue := UE{ID: model.UEID(u.ID)}
		for _, st := range u.Stacks {
			stack, err := model.ParseStack(st.Stack)
			if err != nil {
				return nil, invalid("ue %d: %v", u.ID, err)
			}
			ue.Stacks = append(ue.Stacks, StackPlacement{
				Stack:   stack,
				Serving: model.NodeID(st.Serving),
				Level:   st.Level,
			})
		}
		if len(ue.Stacks) == 0 {
			ue.Stacks = []StackPlacement{{Stack: model.StackPrimary}}
		}
		sc.UEs = append(sc.UEs, ue)
	}

	for i, s := range p.Samples {
		stack, err := model.ParseStack(s.Stack)
		if err != nil {
			return nil, invalid("sample %d: %v", i, err)
		}
		sc.Samples = append(sc.Samples, Sample{
			At:             s.At,
			UE:             model.UEID(s.UE),
			Stack:          stack,
			CurrentLevel:   s.Current,
			Candidate:      model.NodeID(s.Candidate),
			CandidateLevel: s.Level,
		})
	}
	sort.SliceStable(sc.Samples, func(i, j int) bool { return sc.Samples[i].At < sc.Samples[j].At })

	for i, f := range p.Traffic {
		dir, err := parseDirection(f.Direction)
		if err != nil {
			return nil, invalid("traffic %d: %v", i, err)
		}
		flow := Flow{
			UE:        model.UEID(f.UE),
			Peer:      model.UEID(f.Peer),
			Direction: dir,
			Channel:   model.ChannelID(f.Channel),
			Start:     f.Start,
			Interval:  f.Interval,
			Count:     f.Count,
			Size:      f.Size,
		}
		if flow.Size <= 0 {
			flow.Size = 64
		}
		sc.Flows = append(sc.Flows, flow)
	}

	for _, o := range p.NodeDown {
		sc.Outages = append(sc.Outages, Outage{At: o.At, Node: model.NodeID(o.Node)})
	}
	sort.SliceStable(sc.Outages, func(i, j int) bool { return sc.Outages[i].At < sc.Outages[j].At })
	return sc, nil
}

func parseDirection(s string) (model.Direction, error) {
	switch s {
	case "downlink", "dl", "":
		return model.Downlink, nil
	case "uplink", "ul":
		return model.Uplink, nil
	case "direct", "d2d":
		return model.Direct, nil
	default:
		return model.Downlink, fmt.Errorf("unknown direction %q", s)
	}
}

// Validate checks cross references and timing constraints.
func (s *Scenario) Validate() error {
	if len(s.Nodes) == 0 {
		return invalid("no nodes")
	}
	nodes := make(map[model.NodeID]Node, len(s.Nodes))
	for _, n := range s.Nodes {
		if n.ID == model.NoNode {
			return invalid("node id 0 is reserved")
		}
		if _, dup := nodes[n.ID]; dup {
			return invalid("duplicate node %d", n.ID)
		}
		nodes[n.ID] = n
	}
	for _, n := range s.Nodes {
		if n.Master == model.NoNode || n.Master == n.ID {
			continue
		}
		m, ok := nodes[n.Master]
		if !ok {
			return invalid("node %d: unknown master %d", n.ID, n.Master)
		}
		if m.Master != model.NoNode && m.Master != m.ID {
			return invalid("node %d: master %d is itself secondary", n.ID, n.Master)
		}
	}

	ues := make(map[model.UEID]UE, len(s.UEs))
	for _, u := range s.UEs {
		if _, dup := ues[u.ID]; dup {
			return invalid("duplicate ue %d", u.ID)
		}
		seen := map[model.StackID]bool{}
		for _, st := range u.Stacks {
			if seen[st.Stack] {
				return invalid("ue %d: stack %s listed twice", u.ID, st.Stack)
			}
			seen[st.Stack] = true
			if st.Serving != model.NoNode {
				if _, ok := nodes[st.Serving]; !ok {
					return invalid("ue %d: unknown serving node %d", u.ID, st.Serving)
				}
			}
		}
		ues[u.ID] = u
	}

	hasStack := func(ue model.UEID, stack model.StackID) bool {
		for _, st := range ues[ue].Stacks {
			if st.Stack == stack {
				return true
			}
		}
		return false
	}
	for i, smp := range s.Samples {
		if _, ok := ues[smp.UE]; !ok {
			return invalid("sample %d: unknown ue %d", i, smp.UE)
		}
		if !hasStack(smp.UE, smp.Stack) {
			return invalid("sample %d: ue %d has no %s stack", i, smp.UE, smp.Stack)
		}
		if smp.At < 0 {
			return invalid("sample %d: negative offset", i)
		}
	}

	for i, f := range s.Flows {
		if _, ok := ues[f.UE]; !ok {
			return invalid("traffic %d: unknown ue %d", i, f.UE)
		}
		if f.Direction == model.Direct {
			if _, ok := ues[f.Peer]; !ok || f.Peer == f.UE {
				return invalid("traffic %d: direct flow needs a distinct peer", i)
			}
		}
		if f.Count <= 0 || f.Interval <= 0 {
			return invalid("traffic %d: count and interval must be positive", i)
		}
	}

	down := make(map[model.NodeID]bool, len(s.Outages))
	for i, o := range s.Outages {
		if _, ok := nodes[o.Node]; !ok {
			return invalid("node_down %d: unknown node %d", i, o.Node)
		}
		if o.At < 0 {
			return invalid("node_down %d: negative offset", i)
		}
		if down[o.Node] {
			return invalid("node_down %d: node %d already down", i, o.Node)
		}
		down[o.Node] = true
		for _, n := range s.Nodes {
			if n.ID != o.Node && n.Master == o.Node {
				return invalid("node_down %d: node %d is master of node %d", i, o.Node, n.ID)
			}
		}
	}

	// Tunnel start markers must reach the target before the handover
	// completes, otherwise new traffic could overtake relayed traffic.
	if s.X2Latency > s.Mobility.HandoverLatency {
		return invalid("x2_latency %s exceeds handover_latency %s", s.X2Latency, s.Mobility.HandoverLatency)
	}
	return nil
}

// Duration returns the offset of the last scripted event.
func (s *Scenario) Duration() time.Duration {
	var end time.Duration
	for _, smp := range s.Samples {
		if smp.At > end {
			end = smp.At
		}
	}
	for _, f := range s.Flows {
		if last := f.Start + time.Duration(f.Count-1)*f.Interval; last > end {
			end = last
		}
	}
	for _, o := range s.Outages {
		if o.At > end {
			end = o.At
		}
	}
	return end
}
