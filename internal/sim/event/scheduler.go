// Package event implements the single-threaded event timeline every
// handover component runs on.
package event

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/handover-simulator/timectrl"
)

// Priority orders events that share a timestamp. Lower values run first.
type Priority int

const (
	// PriorityDefault is used for handover timers, relay deliveries and traffic.
	PriorityDefault Priority = 0
	// PriorityModeSwitch runs after every handover completion at the same
	// instant, so all attachments are resolved before direct-link modes are
	// recomputed.
	PriorityModeSwitch Priority = 10
)

// TimerID is an opaque handle to a scheduled event. The zero value refers to
// no event.
type TimerID string

// Scheduler is an ordered timeline of (timestamp, priority, callback)
// events. Handlers execute to completion; a handler may schedule or cancel
// further events, including ones at the current instant.
type Scheduler struct {
	clock *timectrl.VirtualClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by (when, priority, seq)
	index   map[TimerID]*scheduledEvent
}

type scheduledEvent struct {
	id        TimerID
	when      time.Time
	priority  Priority
	seq       uint64
	f         func()
	cancelled bool
}

func (e *scheduledEvent) before(o *scheduledEvent) bool {
	if !e.when.Equal(o.when) {
		return e.when.Before(o.when)
	}
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	return e.seq < o.seq
}

// NewScheduler creates a scheduler that advances clock as events run.
func NewScheduler(clock *timectrl.VirtualClock) *Scheduler {
	return &Scheduler{
		clock: clock,
		index: make(map[TimerID]*scheduledEvent),
	}
}

// Now returns the current simulation time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Schedule registers f to run at simulation time at with PriorityDefault.
func (s *Scheduler) Schedule(at time.Time, f func()) TimerID {
	return s.ScheduleWithPriority(at, PriorityDefault, f)
}

// After schedules f to run d after the current simulation time.
func (s *Scheduler) After(d time.Duration, f func()) TimerID {
	return s.ScheduleWithPriority(s.clock.Now().Add(d), PriorityDefault, f)
}

// ScheduleWithPriority registers f at the given time and priority. Events in
// the past are clamped to the current time.
func (s *Scheduler) ScheduleWithPriority(at time.Time, p Priority, f func()) TimerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.clock.Now(); at.Before(now) {
		at = now
	}

	s.counter++
	ev := &scheduledEvent{
		id:       TimerID(fmt.Sprintf("ev-%d", s.counter)),
		when:     at,
		priority: p,
		seq:      s.counter,
		f:        f,
	}

	idx := sort.Search(len(s.events), func(i int) bool {
		return ev.before(s.events[i])
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev

	s.index[ev.id] = ev
	return ev.id
}

// Cancel cancels a scheduled event. It is a no-op if the ID is unknown or
// the event already ran.
func (s *Scheduler) Cancel(id TimerID) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
}

// Scheduled reports whether id refers to an event that has not run or been
// cancelled.
func (s *Scheduler) Scheduled(id TimerID) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Pending returns the number of live events on the timeline.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// NextAt returns the timestamp of the earliest live event.
func (s *Scheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

// popLocked removes and returns the earliest live event due at or before
// limit. Caller must hold s.mu.
func (s *Scheduler) popLocked(limit time.Time) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when.After(limit) {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

// RunDue executes all events whose scheduled time is <= Now().
func (s *Scheduler) RunDue() int {
	return s.RunUntil(s.clock.Now())
}

// RunUntil executes events in order up to and including limit, moving the
// clock to each event's timestamp before running it, and finally to limit.
// It returns the number of events executed.
func (s *Scheduler) RunUntil(limit time.Time) int {
	ran := 0
	for s.step(limit) {
		ran++
	}
	s.clock.Set(limit)
	return ran
}

// Step runs the single earliest event regardless of its time. It returns
// false when the timeline is empty.
func (s *Scheduler) Step() bool {
	next, ok := s.NextAt()
	if !ok {
		return false
	}
	return s.step(next)
}

func (s *Scheduler) step(limit time.Time) bool {
	s.mu.Lock()
	ev := s.popLocked(limit)
	s.mu.Unlock()
	if ev == nil {
		return false
	}

	s.clock.Set(ev.when)
	// Callbacks run outside the lock so they can schedule and cancel.
	if ev.f != nil {
		ev.f()
	}
	return true
}

// Drain runs events until the timeline is empty or max events have run.
// A max of zero means no limit.
func (s *Scheduler) Drain(max int) int {
	ran := 0
	for max == 0 || ran < max {
		if !s.Step() {
			break
		}
		ran++
	}
	return ran
}
