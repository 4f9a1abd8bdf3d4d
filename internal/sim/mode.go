package sim

import (
	"context"
	"sort"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/mobility"
	"github.com/signalsfoundry/handover-simulator/internal/registry"
	"github.com/signalsfoundry/handover-simulator/model"
)

// Mode is how device-to-device traffic of a UE pair is carried.
type Mode int

const (
	// ModeInfrastructure relays the traffic through the serving nodes and
	// the gateway.
	ModeInfrastructure Mode = iota
	// ModeDirect uses the sidelink between the two UEs.
	ModeDirect
)

func (m Mode) String() string {
	if m == ModeDirect {
		return "direct"
	}
	return "infrastructure"
}

type uePair struct{ a, b model.UEID }

func pairOf(a, b model.UEID) uePair {
	if b < a {
		a, b = b, a
	}
	return uePair{a: a, b: b}
}

func (p uePair) other(ue model.UEID) model.UEID {
	if p.a == ue {
		return p.b
	}
	return p.a
}

// modeTable holds the mode of every UE pair with device-to-device traffic.
// It is shared by the mode selectors of all nodes.
type modeTable struct {
	modes    map[uePair]Mode
	switches int
}

func newModeTable() *modeTable {
	return &modeTable{modes: make(map[uePair]Mode)}
}

func (t *modeTable) register(a, b model.UEID) {
	p := pairOf(a, b)
	if _, ok := t.modes[p]; !ok {
		t.modes[p] = ModeInfrastructure
	}
}

// Mode returns the mode of the pair (a, b). Unknown pairs use the
// infrastructure.
func (t *modeTable) Mode(a, b model.UEID) Mode {
	return t.modes[pairOf(a, b)]
}

func (t *modeTable) set(p uePair, m Mode) bool {
	cur, ok := t.modes[p]
	if !ok || cur == m {
		return false
	}
	t.modes[p] = m
	t.switches++
	return true
}

func (t *modeTable) pairsOf(ue model.UEID) []uePair {
	var out []uePair
	for p := range t.modes {
		if p.a == ue || p.b == ue {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].a != out[j].a {
			return out[i].a < out[j].a
		}
		return out[i].b < out[j].b
	})
	return out
}

// ModeSelector is the per-node arbiter of device-to-device modes. A pair
// runs direct only while one node serves both UEs.
type ModeSelector struct {
	node  model.NodeID
	table *modeTable
	reg   *registry.Registry
	log   logging.Logger
}

var _ mobility.ModeArbiter = (*ModeSelector)(nil)

func newModeSelector(node model.NodeID, table *modeTable, reg *registry.Registry, log logging.Logger) *ModeSelector {
	return &ModeSelector{node: node, table: table, reg: reg, log: log}
}

// FallbackToInfrastructure moves every pair involving ue off the sidelink.
func (m *ModeSelector) FallbackToInfrastructure(ue model.UEID) {
	for _, p := range m.table.pairsOf(ue) {
		if m.table.set(p, ModeInfrastructure) {
			m.log.Info(context.Background(), "d2d pair falls back to infrastructure",
				logging.UE(ue), logging.Any("peer", p.other(ue).String()))
		}
	}
}

// ReevaluateAfterHandover switches pairs involving ue to direct mode when
// this node serves both UEs.
func (m *ModeSelector) ReevaluateAfterHandover(ue model.UEID) {
	if !m.reg.Serves(m.node, ue) {
		return
	}
	for _, p := range m.table.pairsOf(ue) {
		if !m.reg.Serves(m.node, p.other(ue)) {
			continue
		}
		if m.table.set(p, ModeDirect) {
			m.log.Info(context.Background(), "d2d pair switched to direct",
				logging.UE(ue), logging.Any("peer", p.other(ue).String()))
		}
	}
}
