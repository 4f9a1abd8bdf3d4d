// Package registry is the central directory of radio nodes, the serving node
// of every UE radio stack, and the handovers currently in flight.
//
// A Registry is owned by the simulation's event loop. Its operations are
// synchronous and are never called concurrently, so it carries no lock; the
// in-flight markers are the only mutual-exclusion mechanism between the two
// stacks of a dual-connectivity UE.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/handover-simulator/model"
)

var (
	// ErrNodeExists is returned when a node ID is registered twice.
	ErrNodeExists = errors.New("node already registered")
	// ErrNodeNotFound is returned for operations on an unknown node.
	ErrNodeNotFound = errors.New("node not found")
)

// EventType indicates what kind of change happened in the registry.
type EventType int

const (
	EventBound EventType = iota
	EventUnbound
	EventNodeRemoved
)

func (t EventType) String() string {
	switch t {
	case EventBound:
		return "bound"
	case EventUnbound:
		return "unbound"
	case EventNodeRemoved:
		return "node_removed"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers when a serving mapping changes.
type Event struct {
	Type EventType
	Key  model.StackKey
	Node model.NodeID
}

// InFlight records a handover that has been committed to but not completed.
type InFlight struct {
	Old   model.NodeID
	New   model.NodeID
	Since time.Time
}

// Full reports whether the handover both detaches from and attaches to a node.
func (f InFlight) Full() bool { return f.Old != model.NoNode && f.New != model.NoNode }

type nodeEntry struct {
	master model.NodeID
}

// Registry maps UE stacks to serving nodes and tracks handovers in flight.
type Registry struct {
	clock interface{ Now() time.Time }

	nodes    map[model.NodeID]nodeEntry
	serving  map[model.StackKey]model.NodeID
	inFlight map[model.StackKey]InFlight

	subs []func(Event)
}

// New constructs an empty registry. clock stamps in-flight markers and may
// be nil.
func New(clock interface{ Now() time.Time }) *Registry {
	return &Registry{
		clock:    clock,
		nodes:    make(map[model.NodeID]nodeEntry),
		serving:  make(map[model.StackKey]model.NodeID),
		inFlight: make(map[model.StackKey]InFlight),
	}
}

// AddNode registers a node. master is the anchor the node is secondary to;
// pass NoNode (or id itself) for an anchor node.
func (r *Registry) AddNode(id, master model.NodeID) error {
	if id == model.NoNode {
		return errors.New("add node: id 0 is reserved for the detached sentinel")
	}
	if _, exists := r.nodes[id]; exists {
		return fmt.Errorf("add node %s: %w", id, ErrNodeExists)
	}
	if master == model.NoNode {
		master = id
	}
	if master != id {
		if _, ok := r.nodes[master]; !ok {
			return fmt.Errorf("add node %s: master %s: %w", id, master, ErrNodeNotFound)
		}
	}
	r.nodes[id] = nodeEntry{master: master}
	return nil
}

// RemoveNode unregisters a node and drops every serving mapping onto it.
// In-flight markers referencing the node are left for their owning stacks,
// whose stale guards resolve them.
func (r *Registry) RemoveNode(id model.NodeID) error {
	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("remove node %s: %w", id, ErrNodeNotFound)
	}
	delete(r.nodes, id)

	for _, key := range r.ServedBy(id) {
		delete(r.serving, key)
		r.notify(Event{Type: EventUnbound, Key: key, Node: id})
	}
	r.notify(Event{Type: EventNodeRemoved, Node: id})
	return nil
}

// NodeExists reports whether id is a registered node.
func (r *Registry) NodeExists(id model.NodeID) bool {
	_, ok := r.nodes[id]
	return ok
}

// MasterOf returns the anchor of id (id itself for anchors). ok is false for
// unknown nodes.
func (r *Registry) MasterOf(id model.NodeID) (model.NodeID, bool) {
	n, ok := r.nodes[id]
	if !ok {
		return model.NoNode, false
	}
	return n.master, true
}

// IsSecondary reports whether id is registered as subordinate to another node.
func (r *Registry) IsSecondary(id model.NodeID) bool {
	n, ok := r.nodes[id]
	return ok && n.master != id
}

// SecondariesOf lists the nodes registered with master as their anchor, in
// ascending order.
func (r *Registry) SecondariesOf(master model.NodeID) []model.NodeID {
	var out []model.NodeID
	for id, n := range r.nodes {
		if n.master == master && id != master {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Nodes returns all registered node IDs in ascending order.
func (r *Registry) Nodes() []model.NodeID {
	out := make([]model.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Bind installs node as the serving node of key.
func (r *Registry) Bind(key model.StackKey, node model.NodeID) {
	if node == model.NoNode {
		r.Unbind(key, r.serving[key])
		return
	}
	r.serving[key] = node
	r.notify(Event{Type: EventBound, Key: key, Node: node})
}

// Unbind removes the mapping of key if it still points at node. It is a
// no-op when the mapping has already changed.
func (r *Registry) Unbind(key model.StackKey, node model.NodeID) {
	cur, ok := r.serving[key]
	if !ok || cur != node {
		return
	}
	delete(r.serving, key)
	r.notify(Event{Type: EventUnbound, Key: key, Node: node})
}

// ServingNode returns the node serving key, or NoNode.
func (r *Registry) ServingNode(key model.StackKey) model.NodeID {
	return r.serving[key]
}

// ServedBy lists the stacks currently bound to node, ordered by UE then stack.
func (r *Registry) ServedBy(node model.NodeID) []model.StackKey {
	var out []model.StackKey
	for key, n := range r.serving {
		if n == node {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UE != out[j].UE {
			return out[i].UE < out[j].UE
		}
		return out[i].Stack < out[j].Stack
	})
	return out
}

// Serves reports whether any stack of ue is bound to node.
func (r *Registry) Serves(node model.NodeID, ue model.UEID) bool {
	if node == model.NoNode {
		return false
	}
	return r.serving[model.StackKey{UE: ue, Stack: model.StackPrimary}] == node ||
		r.serving[model.StackKey{UE: ue, Stack: model.StackSecondary}] == node
}

// MarkInFlight records that key has committed to a handover from one node to
// another.
// A previous marker for key is replaced.
func (r *Registry) MarkInFlight(key model.StackKey, from, to model.NodeID) {
	var since time.Time
	if r.clock != nil {
		since = r.clock.Now()
	}
	r.inFlight[key] = InFlight{Old: from, New: to, Since: since}
}

// ClearInFlight removes the in-flight marker of key. It reports whether a
// marker was present.
func (r *Registry) ClearInFlight(key model.StackKey) bool {
	if _, ok := r.inFlight[key]; !ok {
		return false
	}
	delete(r.inFlight, key)
	return true
}

// LookupInFlight returns the in-flight marker of key.
func (r *Registry) LookupInFlight(key model.StackKey) (InFlight, bool) {
	f, ok := r.inFlight[key]
	return f, ok
}

// InFlightCount returns the number of handovers in flight across all stacks.
func (r *Registry) InFlightCount() int {
	return len(r.inFlight)
}

// Subscribe registers a callback for registry events. Callbacks run
// synchronously on the caller's goroutine.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subs = append(r.subs, fn)
}

func (r *Registry) notify(ev Event) {
	for _, fn := range r.subs {
		fn(ev)
	}
}
