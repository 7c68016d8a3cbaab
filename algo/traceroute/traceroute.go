// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package traceroute implements component F (§4.F): the classical,
// per-TTL-burst traceroute subalgorithm, reused by the MDA controller as
// its per-hop primitive and usable standalone via loop.Loop. Unlike the
// teacher's tracer package — which blocks on syscall.Recvmsg inside one
// goroutine per trace — this is an explicit state machine driven purely
// by events the loop delivers (§9's translation of the original's
// coroutine-style switch).
package traceroute

import (
	"fmt"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
)

// Phase names the state machine's position (§9).
type Phase int

const (
	PhaseInit Phase = iota
	PhaseAwaitingReplies
	PhaseAdvancingHop
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseAwaitingReplies:
		return "AwaitingReplies"
	case PhaseAdvancingHop:
		return "AdvancingHop"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// EventKind tags the variant an Event carries, mirroring the "raise"
// verbs of §4.F.
type EventKind int

const (
	EventProbeReply EventKind = iota
	EventStar
	EventDestinationReached
	EventMaxTTLReached
	EventTooManyStars
)

// Event is one traceroute-subalgorithm occurrence, delivered
// synchronously to Options.OnEvent as it happens. There is no queue:
// OnEvent runs on the loop's single goroutine, so it must not block.
type Event struct {
	Kind  EventKind
	TTL   uint8
	Probe *probe.Probe
	Reply *probe.Reply // nil for EventStar
}

// Options configures one traceroute run (§4.F Options).
type Options struct {
	MinTTL          uint8
	MaxTTL          uint8
	NumProbesPerHop int
	MaxUndiscovered int
	Dst             addr.Address
	FlowID          uint64
	OnEvent         func(Event)
}

// State is the §4.F State record, exported so a driver (or the MDA
// controller reusing this as its per-hop primitive) can inspect progress
// without reaching into unexported fields.
type State struct {
	Phase               Phase
	TTL                 uint8
	NumReplies          int
	NumStars            int
	NumUndiscovered     int
	DestinationReached  bool
	Probes              []*probe.Probe

	hopReplies int
	hopStars   int
}

type tracer struct {
	opts     Options
	template *probe.Template
	state    State
}

// New builds the traceroute loop.Handler and its backing State. template
// must already carry the source/destination address and protocol; New
// only varies TTL and FlowID per dispatched probe.
func New(template *probe.Template, opts Options) (loop.Handler, *State) {
	t := &tracer{
		opts:     opts,
		template: template,
		state: State{
			Phase: PhaseInit,
			TTL:   opts.MinTTL,
		},
	}
	return t.handle, &t.state
}

func (t *tracer) handle(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	switch ev.Kind {
	case loop.KindAlgorithmInit:
		return t.sendBurst(l, inst)
	case loop.KindProbeReply:
		return t.onReply(l, inst, ev)
	case loop.KindProbeTimeout:
		return t.onTimeout(l, inst, ev)
	default:
		return nil
	}
}

func (t *tracer) sendBurst(l *loop.Loop, inst *loop.Instance) error {
	t.state.Phase = PhaseAwaitingReplies
	t.state.hopReplies = 0
	t.state.hopStars = 0

	for i := 0; i < t.opts.NumProbesPerHop; i++ {
		p := probe.Dup(t.template)
		p.TTL = t.state.TTL
		p.FlowID = t.opts.FlowID
		if err := l.SubmitBestEffort(inst, p); err != nil {
			return fmt.Errorf("traceroute: submit ttl %d: %w", t.state.TTL, err)
		}
		t.state.Probes = append(t.state.Probes, p)
	}
	return nil
}

func (t *tracer) onReply(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	t.state.NumReplies++
	t.state.hopReplies++

	if ev.Reply != nil && ev.Reply.SrcIP == t.opts.Dst {
		t.state.DestinationReached = true
	}
	t.raise(Event{Kind: EventProbeReply, TTL: t.state.TTL, Probe: ev.Probe, Reply: ev.Reply})

	return t.maybeAdvance(l, inst)
}

func (t *tracer) onTimeout(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	t.state.NumStars++
	t.state.hopStars++
	t.raise(Event{Kind: EventStar, TTL: t.state.TTL, Probe: ev.Probe})

	return t.maybeAdvance(l, inst)
}

// maybeAdvance implements §4.F's "when all num_probes_per_hop probes for
// the current TTL have resolved" branch.
func (t *tracer) maybeAdvance(l *loop.Loop, inst *loop.Instance) error {
	if t.state.hopReplies+t.state.hopStars < t.opts.NumProbesPerHop {
		return nil
	}
	t.state.Phase = PhaseAdvancingHop

	switch {
	case t.state.DestinationReached:
		t.raise(Event{Kind: EventDestinationReached, TTL: t.state.TTL})
		t.state.Phase = PhaseTerminated
		return loop.ErrTerminate

	case t.state.TTL == t.opts.MaxTTL:
		t.raise(Event{Kind: EventMaxTTLReached, TTL: t.state.TTL})
		t.state.Phase = PhaseTerminated
		return loop.ErrTerminate

	case t.state.hopStars == t.opts.NumProbesPerHop:
		t.state.NumUndiscovered++
		if t.state.NumUndiscovered >= t.opts.MaxUndiscovered {
			t.raise(Event{Kind: EventTooManyStars, TTL: t.state.TTL})
			t.state.Phase = PhaseTerminated
			return loop.ErrTerminate
		}

	default:
		t.state.NumUndiscovered = 0
	}

	t.state.TTL++
	return t.sendBurst(l, inst)
}

func (t *tracer) raise(ev Event) {
	if t.opts.OnEvent != nil {
		t.opts.OnEvent(ev)
	}
}
