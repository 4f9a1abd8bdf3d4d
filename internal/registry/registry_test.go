package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/signalsfoundry/handover-simulator/model"
	"github.com/signalsfoundry/handover-simulator/timectrl"
)

func key(ue model.UEID, s model.StackID) model.StackKey {
	return model.StackKey{UE: ue, Stack: s}
}

func TestAddNodeTopology(t *testing.T) {
	r := New(nil)
	if err := r.AddNode(1, model.NoNode); err != nil {
		t.Fatalf("AddNode(1): %v", err)
	}
	if err := r.AddNode(2, 1); err != nil {
		t.Fatalf("AddNode(2): %v", err)
	}

	if err := r.AddNode(1, model.NoNode); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("duplicate AddNode err = %v, want ErrNodeExists", err)
	}
	if err := r.AddNode(3, 9); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("AddNode with unknown master err = %v, want ErrNodeNotFound", err)
	}

	if r.IsSecondary(1) {
		t.Fatalf("node 1 should be an anchor")
	}
	if !r.IsSecondary(2) {
		t.Fatalf("node 2 should be secondary")
	}
	if m, ok := r.MasterOf(2); !ok || m != 1 {
		t.Fatalf("MasterOf(2) = %v,%v, want 1,true", m, ok)
	}
	if m, ok := r.MasterOf(1); !ok || m != 1 {
		t.Fatalf("MasterOf(1) = %v,%v, want 1,true", m, ok)
	}
	if diff := cmp.Diff([]model.NodeID{2}, r.SecondariesOf(1)); diff != "" {
		t.Fatalf("SecondariesOf(1) mismatch (-want +got):\n%s", diff)
	}
}

func TestBindUnbind(t *testing.T) {
	r := New(nil)
	_ = r.AddNode(1, 0)
	_ = r.AddNode(2, 0)

	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	k := key(7, model.StackPrimary)
	r.Bind(k, 1)
	if got := r.ServingNode(k); got != 1 {
		t.Fatalf("ServingNode = %v, want 1", got)
	}

	// Stale unbind: mapping points at 1, not 2.
	r.Unbind(k, 2)
	if got := r.ServingNode(k); got != 1 {
		t.Fatalf("stale Unbind changed mapping to %v", got)
	}

	r.Unbind(k, 1)
	if got := r.ServingNode(k); got != model.NoNode {
		t.Fatalf("ServingNode after Unbind = %v, want none", got)
	}
	r.Unbind(k, 1)

	want := []Event{
		{Type: EventBound, Key: k, Node: 1},
		{Type: EventUnbound, Key: k, Node: 1},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestServedByAndServes(t *testing.T) {
	r := New(nil)
	_ = r.AddNode(1, 0)
	_ = r.AddNode(2, 1)

	r.Bind(key(3, model.StackSecondary), 2)
	r.Bind(key(1, model.StackPrimary), 1)
	r.Bind(key(2, model.StackPrimary), 1)

	want := []model.StackKey{key(1, model.StackPrimary), key(2, model.StackPrimary)}
	if diff := cmp.Diff(want, r.ServedBy(1)); diff != "" {
		t.Fatalf("ServedBy(1) mismatch (-want +got):\n%s", diff)
	}
	if !r.Serves(2, 3) {
		t.Fatalf("node 2 should serve ue 3 via the secondary stack")
	}
	if r.Serves(2, 1) {
		t.Fatalf("node 2 should not serve ue 1")
	}
	if r.Serves(model.NoNode, 9) {
		t.Fatalf("NoNode never serves")
	}
}

func TestRemoveNodeDropsMappings(t *testing.T) {
	r := New(nil)
	_ = r.AddNode(1, 0)
	k := key(1, model.StackPrimary)
	r.Bind(k, 1)

	if err := r.RemoveNode(1); err != nil {
		t.Fatalf("RemoveNode: %v", err)
	}
	if r.NodeExists(1) {
		t.Fatalf("node 1 still exists")
	}
	if got := r.ServingNode(k); got != model.NoNode {
		t.Fatalf("mapping survived node removal: %v", got)
	}
	if err := r.RemoveNode(1); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("second RemoveNode err = %v, want ErrNodeNotFound", err)
	}
}

func TestInFlightMarkers(t *testing.T) {
	start := time.Unix(100, 0)
	clock := timectrl.NewVirtualClock(start)
	r := New(clock)
	k := key(1, model.StackPrimary)

	if _, ok := r.LookupInFlight(k); ok {
		t.Fatalf("unexpected marker before MarkInFlight")
	}
	r.MarkInFlight(k, 1, 2)
	got, ok := r.LookupInFlight(k)
	if !ok {
		t.Fatalf("marker missing after MarkInFlight")
	}
	if got.Old != 1 || got.New != 2 || !got.Since.Equal(start) || !got.Full() {
		t.Fatalf("marker = %+v", got)
	}

	// Re-marking replaces; the count stays at one per stack.
	r.MarkInFlight(k, 1, 3)
	if n := r.InFlightCount(); n != 1 {
		t.Fatalf("InFlightCount = %d, want 1", n)
	}

	if !r.ClearInFlight(k) {
		t.Fatalf("ClearInFlight reported no marker")
	}
	if r.ClearInFlight(k) {
		t.Fatalf("second ClearInFlight should report false")
	}
	if n := r.InFlightCount(); n != 0 {
		t.Fatalf("InFlightCount = %d, want 0", n)
	}
}

func TestInFlightFull(t *testing.T) {
	if (InFlight{Old: model.NoNode, New: 2}).Full() {
		t.Fatalf("attach-only marker reported as full")
	}
	if (InFlight{Old: 1, New: model.NoNode}).Full() {
		t.Fatalf("detach-only marker reported as full")
	}
}
