package mobility

import (
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/registry"
	"github.com/signalsfoundry/handover-simulator/model"
)

// Sample is one radio-quality measurement for a UE stack.
type Sample struct {
	UE             model.UEID
	Stack          model.StackID
	CurrentLevel   float64
	Candidate      model.NodeID
	CandidateLevel float64
	At             time.Time
}

// Registry is the part of the central node registry a controller uses.
type Registry interface {
	NodeExists(id model.NodeID) bool
	MasterOf(id model.NodeID) (model.NodeID, bool)
	IsSecondary(id model.NodeID) bool
	Bind(key model.StackKey, node model.NodeID)
	Unbind(key model.StackKey, node model.NodeID)
	ServingNode(key model.StackKey) model.NodeID
	MarkInFlight(key model.StackKey, from, to model.NodeID)
	ClearInFlight(key model.StackKey) bool
	LookupInFlight(key model.StackKey) (registry.InFlight, bool)
}

// ForwardingAdapter holds and tunnels traffic across a handover.
type ForwardingAdapter interface {
	HoldDownstream(ue model.UEID)
	ReleaseHeld(ue model.UEID)
	StartTunnel(ue model.UEID, target model.NodeID)
	CompleteTunnel(ue model.UEID, target model.NodeID)
}

// EntityManager owns the protocol entities of one node.
type EntityManager interface {
	DestroyAll(ue model.UEID) int
}

// Admission is a node's resource/admission component.
type Admission interface {
	AttachUser(ue model.UEID, dir model.Direction)
	DetachUser(ue model.UEID, dir model.Direction)
}

// ModeArbiter switches a UE's device-to-device flows between direct and
// infrastructure mode.
type ModeArbiter interface {
	FallbackToInfrastructure(ue model.UEID)
	ReevaluateAfterHandover(ue model.UEID)
}

// CellInfo tracks the UEs associated with a cell. Attach seeds per-UE
// channel state the first time a UE ever attaches.
type CellInfo interface {
	Attach(ue model.UEID)
	Detach(ue model.UEID)
}

// FeedbackReporter is told about every serving-node change of its stack.
type FeedbackReporter interface {
	OnServingNodeChanged(node model.NodeID)
}

// Observer receives handover lifecycle events.
// *observability.HandoverCollector satisfies it.
type Observer interface {
	HandoverTriggered(key model.StackKey, from, to model.NodeID)
	HandoverDeferred(key model.StackKey, to model.NodeID, delay time.Duration)
	HandoverCancelled(key model.StackKey, to model.NodeID, reason string)
	HandoverCompleted(key model.StackKey, from, to model.NodeID, latency time.Duration)
	ServingCellChanged(key model.StackKey, node model.NodeID)
}

// Topology resolves the collaborators living at a node. Each method returns
// nil when the node is unknown.
type Topology interface {
	Adapter(node model.NodeID) ForwardingAdapter
	Entities(node model.NodeID) EntityManager
	Admission(node model.NodeID) Admission
	ModeArbiter(node model.NodeID) ModeArbiter
	CellInfo(node model.NodeID) CellInfo
}

type noopObserver struct{}

func (noopObserver) HandoverTriggered(model.StackKey, model.NodeID, model.NodeID)                {}
func (noopObserver) HandoverDeferred(model.StackKey, model.NodeID, time.Duration)                {}
func (noopObserver) HandoverCancelled(model.StackKey, model.NodeID, string)                      {}
func (noopObserver) HandoverCompleted(model.StackKey, model.NodeID, model.NodeID, time.Duration) {}
func (noopObserver) ServingCellChanged(model.StackKey, model.NodeID)                             {}
