// Package pdcp owns the per-UE protocol entities of one serving node.
//
// Entities are bound to the node that created them. A handover destroys the
// entity sets at the old node; the new node builds fresh ones, with counters
// at zero, the first time traffic for the UE passes through it.
package pdcp

import (
	"context"
	"fmt"
	"sort"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/model"
)

// Config tunes entity construction.
type Config struct {
	HeaderCompression bool
}

// FactoryFunc constructs one entity of a fixed kind.
type FactoryFunc func(key Key, cfg Config) Entity

// Factory maps each entity kind to its constructor.
type Factory map[EntityKind]FactoryFunc

// DefaultFactory returns the built-in transmit and receive constructors.
func DefaultFactory() Factory {
	return Factory{
		KindTx: newTxEntity,
		KindRx: newRxEntity,
	}
}

// Entities is the tx/rx pair of one logical channel.
type Entities struct {
	Tx *TxEntity
	Rx *RxEntity
}

// Manager holds the entity sets of every UE served by one node. It is owned
// by the event loop and is not safe for concurrent use.
type Manager struct {
	node    model.NodeID
	cfg     Config
	factory Factory
	log     logging.Logger

	entities map[model.UEID]map[model.ChannelID]*Entities
	created  int
}

// NewManager builds a manager for node. A nil factory selects DefaultFactory.
func NewManager(node model.NodeID, cfg Config, factory Factory, log logging.Logger) *Manager {
	if factory == nil {
		factory = DefaultFactory()
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		node:     node,
		cfg:      cfg,
		factory:  factory,
		log:      log,
		entities: make(map[model.UEID]map[model.ChannelID]*Entities),
	}
}

// Node returns the node this manager belongs to.
func (m *Manager) Node() model.NodeID { return m.node }

// GetOrCreate returns the entity pair for (ue, channel), constructing it on
// first use.
func (m *Manager) GetOrCreate(ue model.UEID, channel model.ChannelID) (*Entities, error) {
	byChannel, ok := m.entities[ue]
	if !ok {
		byChannel = make(map[model.ChannelID]*Entities)
		m.entities[ue] = byChannel
	}
	if e, ok := byChannel[channel]; ok {
		return e, nil
	}

	key := Key{Node: m.node, UE: ue, Channel: channel}
	tx, err := m.build(KindTx, key)
	if err != nil {
		return nil, err
	}
	rx, err := m.build(KindRx, key)
	if err != nil {
		return nil, err
	}
	txe, ok := tx.(*TxEntity)
	if !ok {
		return nil, fmt.Errorf("pdcp: tx factory for %s built %T", ue, tx)
	}
	rxe, ok := rx.(*RxEntity)
	if !ok {
		return nil, fmt.Errorf("pdcp: rx factory for %s built %T", ue, rx)
	}

	e := &Entities{Tx: txe, Rx: rxe}
	byChannel[channel] = e
	m.created++
	m.log.Debug(context.Background(), "protocol entities created",
		logging.Node("node", m.node),
		logging.UE(ue),
		logging.Int("channel", int(channel)),
	)
	return e, nil
}

func (m *Manager) build(kind EntityKind, key Key) (Entity, error) {
	fn, ok := m.factory[kind]
	if !ok || fn == nil {
		return nil, fmt.Errorf("pdcp: no factory for %s entities", kind)
	}
	return fn(key, m.cfg), nil
}

// Lookup returns the existing entity pair without creating one.
func (m *Manager) Lookup(ue model.UEID, channel model.ChannelID) (*Entities, bool) {
	e, ok := m.entities[ue][channel]
	return e, ok
}

// DestroyAll removes every entity pair of ue at this node and returns how
// many channels were torn down. It is a no-op when none exist.
func (m *Manager) DestroyAll(ue model.UEID) int {
	byChannel, ok := m.entities[ue]
	if !ok {
		return 0
	}
	n := len(byChannel)
	delete(m.entities, ue)
	m.log.Debug(context.Background(), "protocol entities destroyed",
		logging.Node("node", m.node),
		logging.UE(ue),
		logging.Int("channels", n),
	)
	return n
}

// Count returns the number of channels with entities for ue.
func (m *Manager) Count(ue model.UEID) int {
	return len(m.entities[ue])
}

// Len returns the number of UEs with at least one entity pair.
func (m *Manager) Len() int {
	return len(m.entities)
}

// Created returns the total number of entity pairs ever built.
func (m *Manager) Created() int { return m.created }

// UEs lists the UEs with entities at this node in ascending order.
func (m *Manager) UEs() []model.UEID {
	out := make([]model.UEID, 0, len(m.entities))
	for ue := range m.entities {
		out = append(out, ue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
