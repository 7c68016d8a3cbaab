// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package loop

import (
	"time"

	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/sched"
)

// defaultIdleWait bounds how long a tick blocks when nothing is queued
// or in flight, so a newly-added instance submitting its first probe is
// never delayed by more than this.
const defaultIdleWait = 100 * time.Millisecond

// Loop is the single-threaded, readiness-based event loop of §4.D: one
// scheduler, a tree of algorithm instances, and a 3-phase tick.
type Loop struct {
	scheduler *sched.Scheduler
	poller    Poller

	instances map[int]*Instance
	nextID    int
}

// NewLoop builds a Loop driving scheduler and waiting for readiness via
// poller.
func NewLoop(scheduler *sched.Scheduler, poller Poller) *Loop {
	return &Loop{
		scheduler: scheduler,
		poller:    poller,
		instances: make(map[int]*Instance),
	}
}

// AddInstance registers a new algorithm instance under parent (nil for a
// root instance — "at least one root instance, the CLI", §4.D) and
// immediately raises KindAlgorithmInit to it: the stopping-rule table
// and first probe burst are built synchronously at registration, before
// Run's tick loop starts (an Open Question resolved this way — see
// DESIGN.md).
func (l *Loop) AddInstance(algorithm string, parent *Instance, template *probe.Template, handler Handler, options any) *Instance {
	inst := &Instance{
		ID:        l.nextID,
		Algorithm: algorithm,
		Options:   options,
		Parent:    parent,
		Template:  template,
		Handler:   handler,
	}
	l.instances[inst.ID] = inst
	l.nextID++

	l.Emit(inst, Event{Kind: KindAlgorithmInit})
	return inst
}

// Submit enqueues p for dispatch at sendAt on behalf of inst.
func (l *Loop) Submit(inst *Instance, p *probe.Probe, sendAt time.Time) error {
	return l.scheduler.Submit(p, sendAt, inst.ID)
}

// SubmitBestEffort dispatches p immediately on behalf of inst, bypassing
// the outbound queue (§4.E DELAY_BEST_EFFORT).
func (l *Loop) SubmitBestEffort(inst *Instance, p *probe.Probe) error {
	return l.scheduler.SubmitBestEffort(p, inst.ID, time.Now())
}

// Emit delivers ev to inst's handler, unless inst has already
// terminated (orphaned in-flight probes are dropped silently, §4.D
// Cancellation). A handler returning ErrTerminate detaches the instance
// and raises KindAlgorithmTerminated to its parent; any other non-nil
// error detaches it and raises KindAlgorithmError to its parent instead.
func (l *Loop) Emit(inst *Instance, ev Event) {
	if inst.terminated {
		return
	}
	err := inst.Handler(l, inst, ev)
	switch {
	case err == ErrTerminate:
		inst.terminated = true
		if inst.Parent != nil {
			l.Emit(inst.Parent, Event{Kind: KindAlgorithmTerminated, Payload: inst})
		}
	case err != nil:
		inst.terminated = true
		if inst.Parent != nil {
			l.Emit(inst.Parent, Event{Kind: KindAlgorithmError, Err: err, Payload: inst})
		}
	}
}

// allTerminated reports whether every registered instance has
// terminated.
func (l *Loop) allTerminated() bool {
	for _, inst := range l.instances {
		if !inst.terminated {
			return false
		}
	}
	return len(l.instances) > 0
}

// Run blocks until every instance has terminated (or Tick returns a
// fatal scheduler error), executing the 3-phase tick: (1) compute the
// earliest deadline, (2) wait for readiness until it, (3) drain ready
// I/O and expired timers, fanning events out to instances (§4.D).
func (l *Loop) Run() error {
	for !l.allTerminated() {
		if err := l.Tick(); err != nil {
			return err
		}
	}
	return nil
}

// Tick runs one iteration of the 3-phase loop. Exported so a CLI driver
// can pump the loop itself (e.g. to interleave with signal handling)
// instead of calling the blocking Run.
func (l *Loop) Tick() error {
	wait := defaultIdleWait
	if deadline, ok := l.scheduler.NextDeadline(); ok {
		wait = time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
	}
	if err := l.poller.Wait(wait); err != nil {
		return err
	}

	now := time.Now()
	replies, timeouts, failures, err := l.scheduler.Tick(now)
	for _, rm := range replies {
		if inst, ok := l.instances[rm.InstanceID]; ok {
			l.Emit(inst, Event{Kind: KindProbeReply, Probe: rm.Probe, Reply: rm.Reply})
		}
	}
	for _, to := range timeouts {
		if inst, ok := l.instances[to.InstanceID]; ok {
			l.Emit(inst, Event{Kind: KindProbeTimeout, Probe: to.Probe})
		}
	}
	for _, f := range failures {
		if inst, ok := l.instances[f.InstanceID]; ok {
			l.Emit(inst, Event{Kind: KindAlgorithmError, Err: f.Err})
		}
	}
	return err
}
