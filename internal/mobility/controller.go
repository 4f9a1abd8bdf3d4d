// Package mobility runs the per-stack handover state machine of a UE.
//
// A Controller evaluates quality samples against a hysteresis margin,
// triggers a handover once a different node is selected, coordinates with
// the sibling stack of a dual-connectivity UE through in-flight markers in
// the registry, and completes the transition after the modelled latency.
package mobility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/handover-simulator/internal/logging"
	"github.com/signalsfoundry/handover-simulator/internal/sim/event"
	"github.com/signalsfoundry/handover-simulator/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/handover-simulator/internal/mobility"

var (
	// ErrNoopHandover is returned when a trigger finds the candidate equal
	// to the serving node. The stack is aborted.
	ErrNoopHandover = errors.New("handover to the serving node")
	// ErrAborted is returned by operations on an aborted stack.
	ErrAborted = errors.New("mobility stack aborted")
	// ErrClosed is returned by operations on a closed stack.
	ErrClosed = errors.New("mobility stack closed")
	// ErrSampleMismatch is returned when a sample addresses another stack.
	ErrSampleMismatch = errors.New("sample addressed to another stack")
)

// Cancellation reasons reported to the Observer.
const (
	ReasonTargetDiverged = "target_diverged"
	ReasonLostContested  = "lost_contested"
	ReasonStaleTarget    = "stale_target"
	ReasonClosed         = "closed"
)

// State is the handover state of a stack.
type State int

const (
	StateDetached State = iota
	StateAttached
	StateHandoverPending
	StateHandoverDeferred
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateDetached:
		return "detached"
	case StateAttached:
		return "attached"
	case StateHandoverPending:
		return "handover_pending"
	case StateHandoverDeferred:
		return "handover_deferred"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Options wires a Controller to its collaborators.
type Options struct {
	Key       model.StackKey
	Config    Config
	Scheduler *event.Scheduler
	Registry  Registry
	Topology  Topology
	// Local is the UE-side forwarding adapter.
	Local    ForwardingAdapter
	Feedback FeedbackReporter
	Observer Observer
	Logger   logging.Logger
	Tracer   trace.Tracer
}

type forcedTarget struct {
	node  model.NodeID
	level float64
}

// Controller is the mobility state machine of one UE radio stack. It runs
// on the event loop and is not safe for concurrent use.
type Controller struct {
	key      model.StackKey
	cfg      Config
	sched    *event.Scheduler
	reg      Registry
	topo     Topology
	local    ForwardingAdapter
	feedback FeedbackReporter
	observer Observer
	log      logging.Logger
	tracer   trace.Tracer

	sibling *Controller

	state          State
	serving        model.NodeID
	candidate      model.NodeID
	servingLevel   float64
	candidateLevel float64
	hysteresis     float64

	startTimer    event.TimerID
	completeTimer event.TimerID
	// tunnel is the node the old serving node relays to for the handover in
	// flight; NoNode when no tunnel was opened.
	tunnel model.NodeID

	triggeredAt time.Time
	span        trace.Span
	forced      *forcedTarget
	closed      bool
}

// New builds a detached controller.
func New(opts Options) *Controller {
	c := &Controller{
		key:      opts.Key,
		cfg:      opts.Config.ApplyDefaults(),
		sched:    opts.Scheduler,
		reg:      opts.Registry,
		topo:     opts.Topology,
		local:    opts.Local,
		feedback: opts.Feedback,
		observer: opts.Observer,
		log:      opts.Logger,
		tracer:   opts.Tracer,
		state:    StateDetached,
	}
	if c.observer == nil {
		c.observer = noopObserver{}
	}
	if c.log == nil {
		c.log = logging.Noop()
	}
	c.log = c.log.With(logging.Stack(c.key))
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// LinkSiblings pairs the two stacks of a dual-connectivity UE.
func LinkSiblings(a, b *Controller) {
	a.sibling = b
	b.sibling = a
}

// Key identifies the UE stack the controller drives.
func (c *Controller) Key() model.StackKey { return c.key }

// State returns the current handover state.
func (c *Controller) State() State { return c.state }

// ServingNode returns the node the stack is attached to, or NoNode.
func (c *Controller) ServingNode() model.NodeID { return c.serving }

// CandidateNode returns the selected handover target. It equals the serving
// node when no handover is selected.
func (c *Controller) CandidateNode() model.NodeID { return c.candidate }

// Hysteresis returns the margin a candidate must beat the serving level by.
func (c *Controller) Hysteresis() float64 { return c.hysteresis }

// ServingLevel returns the last reported level of the serving node.
func (c *Controller) ServingLevel() float64 { return c.servingLevel }

// StartPending reports whether the handover start timer is armed.
func (c *Controller) StartPending() bool { return c.sched.Scheduled(c.startTimer) }

// CompletionPending reports whether a committed completion is scheduled.
func (c *Controller) CompletionPending() bool { return c.sched.Scheduled(c.completeTimer) }

// Bootstrap places a detached stack on node at start-up, without the
// handover latency. It fails if the node is unknown or the stack is not
// detached. Initial placement is not a handover and emits no serving cell
// change.
func (c *Controller) Bootstrap(node model.NodeID, level float64) error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.serving != model.NoNode || c.state != StateDetached {
		return fmt.Errorf("%s: bootstrap on %s: stack already %s", c.key, node, c.state)
	}
	if !c.reg.NodeExists(node) {
		return fmt.Errorf("%s: bootstrap on %s: node not registered", c.key, node)
	}
	if adm := c.topo.Admission(node); adm != nil {
		for _, dir := range model.AllDirections {
			adm.AttachUser(c.key.UE, dir)
		}
	}
	if ci := c.topo.CellInfo(node); ci != nil {
		ci.Attach(c.key.UE)
	}
	c.reg.Bind(c.key, node)
	c.serving = node
	c.candidate = node
	c.servingLevel = level
	c.hysteresis = c.cfg.Hysteresis(level)
	c.state = StateAttached
	if c.feedback != nil {
		c.feedback.OnServingNodeChanged(node)
	}
	return nil
}

func (c *Controller) ctx() context.Context { return context.Background() }

func (c *Controller) restingState() State {
	if c.serving == model.NoNode {
		return StateDetached
	}
	return StateAttached
}

func (c *Controller) usable() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.state == StateAborted:
		return ErrAborted
	}
	return nil
}

// OnSample feeds a quality sample into candidate evaluation.
func (c *Controller) OnSample(s Sample) error {
	if s.UE != c.key.UE || s.Stack != c.key.Stack {
		return fmt.Errorf("%s: sample for %s: %w", c.key, model.StackKey{UE: s.UE, Stack: s.Stack}, ErrSampleMismatch)
	}
	if err := c.usable(); err != nil {
		return err
	}
	c.EvaluateCandidates(s.CurrentLevel, s.CandidateLevel, s.Candidate)
	return nil
}

// EvaluateCandidates applies the hysteresis rule to one sample. A different
// node is selected when its level beats the serving level by more than the
// hysteresis margin and any candidate already selected. A serving level of
// zero means the serving node is lost: the candidate, possibly NoNode, is
// accepted at once. A stable selection arms the start timer.
func (c *Controller) EvaluateCandidates(currentLevel, candidateLevel float64, candidate model.NodeID) {
	if c.usable() != nil || !c.cfg.EnableHandover {
		return
	}
	if c.state == StateHandoverPending {
		// committed; the next sample after completion re-evaluates
		return
	}
	c.servingLevel = currentLevel

	if candidate == c.serving {
		// Serving node reported stronger than the selected candidate.
		if c.candidate != c.serving && candidateLevel >= c.candidateLevel && c.state != StateHandoverDeferred {
			c.cancelStart()
			c.candidate = c.serving
			c.candidateLevel = 0
		}
		return
	}

	if candidate != model.NoNode && candidateLevel < c.cfg.MinLevel {
		candidate, candidateLevel = model.NoNode, 0
	}

	lost := c.serving != model.NoNode && currentLevel == 0
	switch {
	case lost:
		if candidate == model.NoNode && c.candidate != c.serving {
			// keep a reachable candidate already selected
			return
		}
	case candidate == model.NoNode:
		return
	case candidate == c.candidate:
		c.candidateLevel = candidateLevel
		return
	case candidateLevel <= currentLevel+c.hysteresis:
		return
	case c.candidate != c.serving && candidateLevel <= c.candidateLevel:
		return
	}

	c.candidate = candidate
	c.candidateLevel = candidateLevel
	c.log.Debug(c.ctx(), "candidate selected",
		logging.Node("serving", c.serving),
		logging.Node("candidate", candidate),
		logging.Float("serving_level", currentLevel),
		logging.Float("candidate_level", candidateLevel),
		logging.Float("hysteresis", c.hysteresis),
	)
	if c.state == StateHandoverDeferred {
		// the deferred start timer retries against the new candidate
		return
	}
	if !c.sched.Scheduled(c.startTimer) {
		c.startTimer = c.sched.After(c.cfg.HandoverDelta, c.fireStart)
	}
}

func (c *Controller) cancelStart() {
	c.sched.Cancel(c.startTimer)
	c.startTimer = ""
}

func (c *Controller) fireStart() {
	c.startTimer = ""
	if err := c.TriggerHandover(); err != nil && !errors.Is(err, ErrClosed) {
		c.log.Error(c.ctx(), "handover trigger failed", logging.Err(err))
	}
}

// TriggerHandover starts the transition to the selected candidate unless the
// sibling stack's handover conflicts with it.
func (c *Controller) TriggerHandover() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.cancelStart()
	if c.state == StateHandoverPending {
		return nil
	}
	if c.serving == c.candidate {
		c.abort()
		return fmt.Errorf("%s: trigger with candidate %s: %w", c.key, c.candidate, ErrNoopHandover)
	}

	from, to := c.serving, c.candidate
	if to != model.NoNode && !c.reg.NodeExists(to) {
		c.cancel(ReasonStaleTarget)
		return nil
	}

	if c.sibling != nil && c.cfg.DualConnectivity {
		if c.resolveConflict() {
			return nil
		}
	}

	c.reg.MarkInFlight(c.key, from, to)
	if c.local != nil {
		c.local.HoldDownstream(c.key.UE)
	}
	c.tunnel = model.NoNode
	if from != model.NoNode {
		if to != model.NoNode && !c.siblingUses(from) && !c.siblingUses(to) {
			if ad := c.topo.Adapter(from); ad != nil {
				ad.StartTunnel(c.key.UE, to)
				c.tunnel = to
			}
		}
		if arb := c.topo.ModeArbiter(from); arb != nil {
			arb.FallbackToInfrastructure(c.key.UE)
		}
	}

	latency := c.latency(from, to)
	c.state = StateHandoverPending
	c.triggeredAt = c.sched.Now()
	c.completeTimer = c.sched.After(latency, c.CompleteHandover)

	_, c.span = c.tracer.Start(c.ctx(), "mobility.handover", trace.WithAttributes(
		attribute.String("ue", c.key.UE.String()),
		attribute.String("stack", c.key.Stack.String()),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
		attribute.Int64("latency_us", latency.Microseconds()),
	))
	c.observer.HandoverTriggered(c.key, from, to)

	switch {
	case to == model.NoNode:
		c.log.Info(c.ctx(), "connection lost; detaching", logging.Node("from", from), logging.Duration("latency", latency))
	case from == model.NoNode:
		c.log.Info(c.ctx(), "attaching", logging.Node("to", to), logging.Duration("latency", latency))
	default:
		c.log.Info(c.ctx(), "handover started",
			logging.Node("from", from), logging.Node("to", to), logging.Duration("latency", latency))
	}
	return nil
}

// siblingUses reports whether the sibling stack is served by node or is
// completing a handover toward it. The UE keeps a link to such a node and
// no tunnel is opened across it, since a node relays every packet of the UE.
func (c *Controller) siblingUses(node model.NodeID) bool {
	if c.sibling == nil || !c.cfg.DualConnectivity {
		return false
	}
	if c.sibling.serving == node {
		return true
	}
	f, ok := c.reg.LookupInFlight(c.sibling.key)
	return ok && f.New == node
}

// resolveConflict checks the sibling stack and reports whether this trigger
// was deferred or cancelled.
func (c *Controller) resolveConflict() bool {
	sib := c.sibling
	sibKey := sib.key
	to := c.candidate

	if f, ok := c.reg.LookupInFlight(sibKey); ok && to != model.NoNode {
		switch {
		case c.candidateLevel == 0 && f.New == to:
			c.cancel(ReasonLostContested)
			return true
		case f.New == to || f.Old == to:
			delay := c.cfg.HandoverDelta + c.cfg.AttachLatency()
			if f.Old != model.NoNode {
				delay += c.cfg.DetachLatency()
			}
			c.deferBy(delay, "sibling handover touches the same node")
			return true
		}
		if master, ok := c.reg.MasterOf(to); ok && master != to && master == sib.serving {
			c.cancel(ReasonTargetDiverged)
			return true
		}
	}

	if c.serving != model.NoNode && sib.serving != model.NoNode && sib.serving != c.serving &&
		c.reg.IsSecondary(sib.serving) {
		if master, _ := c.reg.MasterOf(sib.serving); master == c.serving {
			if _, inFlight := c.reg.LookupInFlight(sibKey); !inFlight {
				c.log.Info(c.ctx(), "forcing sibling detach from secondary node",
					logging.Node("secondary", sib.serving), logging.Node("master", c.serving))
				sib.ForceHandover(model.NoNode, 0)
			}
			c.deferBy(c.cfg.DetachLatency()+c.cfg.HandoverDelta, "sibling leaving secondary node")
			return true
		}
	}
	return false
}

func (c *Controller) deferBy(delay time.Duration, why string) {
	c.state = StateHandoverDeferred
	c.startTimer = c.sched.After(delay, c.fireStart)
	c.observer.HandoverDeferred(c.key, c.candidate, delay)
	c.log.Info(c.ctx(), "handover deferred",
		logging.Node("candidate", c.candidate),
		logging.Duration("delay", delay),
		logging.String("reason", why),
	)
}

func (c *Controller) cancel(reason string) {
	to := c.candidate
	c.reg.ClearInFlight(c.key)
	c.candidate = c.serving
	c.candidateLevel = 0
	c.state = c.restingState()
	c.observer.HandoverCancelled(c.key, to, reason)
	c.log.Info(c.ctx(), "handover cancelled",
		logging.Node("candidate", to), logging.String("reason", reason))
}

func (c *Controller) abort() {
	c.cancelStart()
	c.sched.Cancel(c.completeTimer)
	c.completeTimer = ""
	c.reg.ClearInFlight(c.key)
	c.state = StateAborted
	c.log.Error(c.ctx(), "stack aborted: handover target equals serving node",
		logging.Node("serving", c.serving))
}

func (c *Controller) latency(from, to model.NodeID) time.Duration {
	switch {
	case from == model.NoNode:
		return c.cfg.AttachLatency()
	case to == model.NoNode:
		return c.cfg.DetachLatency()
	default:
		return c.cfg.DetachLatency() + c.cfg.AttachLatency()
	}
}

// CompleteHandover executes the committed transition. It runs when the
// completion timer fires.
func (c *Controller) CompleteHandover() {
	c.completeTimer = ""
	if c.closed || c.state != StateHandoverPending {
		return
	}
	from, to := c.serving, c.candidate
	ue := c.key.UE

	if from != model.NoNode {
		if em := c.topo.Entities(from); em != nil {
			em.DestroyAll(ue)
		}
		if adm := c.topo.Admission(from); adm != nil {
			for _, dir := range model.AllDirections {
				adm.DetachUser(ue, dir)
			}
		}
		if ci := c.topo.CellInfo(from); ci != nil {
			ci.Detach(ue)
		}
	}

	if to != model.NoNode && !c.reg.NodeExists(to) {
		c.log.Warn(c.ctx(), "handover target left the system; detaching", logging.Node("target", to))
		to = model.NoNode
		c.candidateLevel = 0
	}
	if to != model.NoNode {
		if adm := c.topo.Admission(to); adm != nil {
			for _, dir := range model.AllDirections {
				adm.AttachUser(ue, dir)
			}
		}
		if ci := c.topo.CellInfo(to); ci != nil {
			ci.Attach(ue)
		}
	}

	c.reg.Unbind(c.key, from)
	if to != model.NoNode {
		c.reg.Bind(c.key, to)
	}
	c.reg.ClearInFlight(c.key)

	c.serving = to
	c.candidate = to
	c.servingLevel = c.candidateLevel
	c.hysteresis = c.cfg.Hysteresis(c.servingLevel)
	c.state = c.restingState()

	if c.local != nil {
		c.local.ReleaseHeld(ue)
	}
	c.closeTunnel(from)

	if c.feedback != nil {
		c.feedback.OnServingNodeChanged(to)
	}
	latency := c.sched.Now().Sub(c.triggeredAt)
	c.observer.HandoverCompleted(c.key, from, to, latency)
	c.observer.ServingCellChanged(c.key, to)
	c.endSpan(nil)

	c.log.Info(c.ctx(), "handover completed",
		logging.Node("from", from),
		logging.Node("to", to),
		logging.Float("level", c.servingLevel),
		logging.SimTime(c.sched.Now()),
	)

	if to != model.NoNode {
		if arb := c.topo.ModeArbiter(to); arb != nil {
			c.sched.ScheduleWithPriority(c.sched.Now(), event.PriorityModeSwitch, func() {
				arb.ReevaluateAfterHandover(ue)
			})
		}
	}

	if f := c.forced; f != nil {
		c.forced = nil
		c.ForceHandover(f.node, f.level)
	}
}

// ForceHandover pre-empts any pending start and triggers a handover toward
// target at the current instant. When a completion is already committed
// the forced target is applied right after that completion.
func (c *Controller) ForceHandover(target model.NodeID, level float64) {
	if c.usable() != nil {
		return
	}
	if c.state == StateHandoverPending {
		c.forced = &forcedTarget{node: target, level: level}
		return
	}
	c.cancelStart()
	if target == c.serving {
		c.candidate = c.serving
		c.state = c.restingState()
		return
	}
	c.candidate = target
	c.candidateLevel = level
	c.hysteresis = c.cfg.Hysteresis(c.servingLevel)
	c.log.Info(c.ctx(), "handover forced", logging.Node("target", target))
	c.startTimer = c.sched.Schedule(c.sched.Now(), c.fireStart)
}

// Close tears the stack down: timers are cancelled, a handover in flight is
// abandoned with its forwarding released, and the serving attachment is
// dropped. The controller ends detached.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.cancelStart()
	c.sched.Cancel(c.completeTimer)
	c.completeTimer = ""
	ue := c.key.UE

	if c.state == StateHandoverPending {
		if c.local != nil {
			c.local.ReleaseHeld(ue)
		}
		c.closeTunnel(c.serving)
		c.observer.HandoverCancelled(c.key, c.candidate, ReasonClosed)
		c.endSpan(ErrClosed)
	}
	c.reg.ClearInFlight(c.key)

	if c.serving != model.NoNode {
		if em := c.topo.Entities(c.serving); em != nil {
			em.DestroyAll(ue)
		}
		if adm := c.topo.Admission(c.serving); adm != nil {
			for _, dir := range model.AllDirections {
				adm.DetachUser(ue, dir)
			}
		}
		c.reg.Unbind(c.key, c.serving)
	}

	c.serving = model.NoNode
	c.candidate = model.NoNode
	c.state = StateDetached
	c.closed = true
	c.forced = nil
	c.log.Info(c.ctx(), "stack closed")
}

// closeTunnel ends the relay opened at from when the handover was
// triggered, toward the original target even if that node has since left.
func (c *Controller) closeTunnel(from model.NodeID) {
	target := c.tunnel
	c.tunnel = model.NoNode
	if from == model.NoNode || target == model.NoNode {
		return
	}
	if ad := c.topo.Adapter(from); ad != nil {
		ad.CompleteTunnel(c.key.UE, target)
	}
}

func (c *Controller) endSpan(err error) {
	if c.span == nil {
		return
	}
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	}
	c.span.End()
	c.span = nil
}
