package model

import "fmt"

// NodeID identifies a radio access node (eNB/gNB) in the simulation.
type NodeID uint16

// NoNode is the sentinel meaning "not attached to any node".
const NoNode NodeID = 0

// String renders the node id, using "none" for the detached sentinel.
func (n NodeID) String() string {
	if n == NoNode {
		return "none"
	}
	return fmt.Sprintf("node-%d", uint16(n))
}

// UEID identifies a mobile endpoint.
type UEID uint32

func (u UEID) String() string { return fmt.Sprintf("ue-%d", uint32(u)) }

// StackID distinguishes the radio stacks of a dual-connectivity UE.
type StackID int

const (
	// StackPrimary is the anchor carrier.
	StackPrimary StackID = iota
	// StackSecondary is the secondary (NR) carrier.
	StackSecondary
)

// Other returns the sibling stack.
func (s StackID) Other() StackID {
	if s == StackPrimary {
		return StackSecondary
	}
	return StackPrimary
}

func (s StackID) String() string {
	switch s {
	case StackPrimary:
		return "primary"
	case StackSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// ParseStack maps a scenario/config string onto a StackID.
func ParseStack(s string) (StackID, error) {
	switch s {
	case "primary", "lte", "anchor", "":
		return StackPrimary, nil
	case "secondary", "nr":
		return StackSecondary, nil
	default:
		return StackPrimary, fmt.Errorf("unknown stack %q", s)
	}
}

// StackKey identifies one radio stack of one UE.
type StackKey struct {
	UE    UEID
	Stack StackID
}

func (k StackKey) String() string { return fmt.Sprintf("%s/%s", k.UE, k.Stack) }

// Direction is a traffic direction handled by a node's admission component.
type Direction int

const (
	Uplink Direction = iota
	Downlink
	// Direct is device-to-device traffic that bypasses the node.
	Direct
)

// AllDirections lists every direction a UE is attached/detached for.
var AllDirections = []Direction{Uplink, Downlink, Direct}

func (d Direction) String() string {
	switch d {
	case Uplink:
		return "uplink"
	case Downlink:
		return "downlink"
	case Direct:
		return "direct"
	default:
		return "unknown"
	}
}

// ChannelID is a logical channel identifier.
type ChannelID uint8
