// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package ping implements the ping subalgorithm libparistraceroute ships
// alongside traceroute and MDA (supplemented feature, grounded on
// ping/ping.c): a single, fixed-TTL destination is probed repeatedly at
// a configured interval, and running round-trip-time statistics are
// kept instead of a lattice. It shares every primitive of algo/traceroute
// (the same probe/loop/sched machinery) but has no hop-advancement or
// load-balancer logic at all — one interface, probed Count times.
package ping

import (
	"fmt"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
)

// Phase names the state machine's position.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseProbing
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseProbing:
		return "Probing"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// EventKind tags the variant an Event carries.
type EventKind int

const (
	EventReply EventKind = iota
	EventTimeout
	EventDone
)

// Event is one ping occurrence, delivered synchronously to
// Options.OnEvent.
type Event struct {
	Kind  EventKind
	Seq   int
	RTT   time.Duration // valid only for EventReply
	Probe *probe.Probe
	Reply *probe.Reply
}

// Options configures one ping run (§6 options.ping, ping.c's
// ping_options_t minus the CLI-only fields §1/Non-goals exclude).
type Options struct {
	TTL      uint8
	Count    int // 0 means unbounded: run until the driver stops feeding Tick
	Interval time.Duration
	FlowID   uint64
	Dst      addr.Address
	OnEvent  func(Event)
}

// Stats is the running round-trip-time summary ping_dump_statistics
// prints in the original; here it's a plain, inspectable record instead
// of a print routine (§1: core stays presentation-agnostic).
type Stats struct {
	Sent     int
	Received int
	Lost     int
	MinRTT   time.Duration
	MaxRTT   time.Duration
	sumRTT   time.Duration
}

// AvgRTT returns the mean RTT across every reply received so far, or 0
// if none have arrived yet.
func (s Stats) AvgRTT() time.Duration {
	if s.Received == 0 {
		return 0
	}
	return s.sumRTT / time.Duration(s.Received)
}

// LossPercent returns the fraction of sent probes that were never
// answered, as a value in [0, 100].
func (s Stats) LossPercent() float64 {
	if s.Sent == 0 {
		return 0
	}
	return 100 * float64(s.Lost) / float64(s.Sent)
}

// State is the exported, inspectable controller state.
type State struct {
	Phase      Phase
	Terminated bool
	Stats      Stats
}

type pinger struct {
	opts     Options
	template *probe.Template
	state    State

	seq    int
	sentAt map[*probe.Probe]time.Time
}

// New builds the ping loop.Handler and its backing State. template must
// already carry the source/destination address and protocol; New only
// varies FlowID (held fixed across the run, unlike traceroute/MDA, since
// ping probes a single interface rather than disambiguating paths) and
// dispatch timing.
func New(template *probe.Template, opts Options) (loop.Handler, *State) {
	p := &pinger{
		opts:     opts,
		template: template,
		sentAt:   make(map[*probe.Probe]time.Time),
	}
	p.state.Phase = PhaseInit
	return p.handle, &p.state
}

func (p *pinger) handle(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	switch ev.Kind {
	case loop.KindAlgorithmInit:
		p.state.Phase = PhaseProbing
		return p.sendOne(l, inst, time.Now())
	case loop.KindProbeReply:
		return p.onReply(l, inst, ev)
	case loop.KindProbeTimeout:
		return p.onTimeout(l, inst, ev)
	default:
		return nil
	}
}

func (p *pinger) sendOne(l *loop.Loop, inst *loop.Instance, at time.Time) error {
	if p.opts.Count > 0 && p.state.Stats.Sent >= p.opts.Count {
		return p.finish(l, inst)
	}

	probeInst := probe.Dup(p.template)
	probeInst.TTL = p.opts.TTL
	probeInst.FlowID = p.opts.FlowID

	var err error
	if p.state.Stats.Sent == 0 {
		err = l.SubmitBestEffort(inst, probeInst)
	} else {
		err = l.Submit(inst, probeInst, at)
	}
	if err != nil {
		return fmt.Errorf("ping: submit seq %d: %w", p.seq, err)
	}

	p.state.Stats.Sent++
	p.sentAt[probeInst] = time.Now()
	p.seq++
	return nil
}

func (p *pinger) onReply(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	sentAt, ok := p.sentAt[ev.Probe]
	if !ok {
		return nil
	}
	delete(p.sentAt, ev.Probe)

	rtt := time.Since(sentAt)
	p.state.Stats.Received++
	p.state.Stats.sumRTT += rtt
	if p.state.Stats.MinRTT == 0 || rtt < p.state.Stats.MinRTT {
		p.state.Stats.MinRTT = rtt
	}
	if rtt > p.state.Stats.MaxRTT {
		p.state.Stats.MaxRTT = rtt
	}
	p.raise(Event{Kind: EventReply, Seq: p.seq - 1, RTT: rtt, Probe: ev.Probe, Reply: ev.Reply})

	return p.sendOne(l, inst, sentAt.Add(p.opts.Interval))
}

func (p *pinger) onTimeout(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	if _, ok := p.sentAt[ev.Probe]; !ok {
		return nil
	}
	delete(p.sentAt, ev.Probe)

	p.state.Stats.Lost++
	p.raise(Event{Kind: EventTimeout, Seq: p.seq - 1, Probe: ev.Probe})

	return p.sendOne(l, inst, time.Now().Add(p.opts.Interval))
}

func (p *pinger) finish(l *loop.Loop, inst *loop.Instance) error {
	p.state.Phase = PhaseTerminated
	p.state.Terminated = true
	p.raise(Event{Kind: EventDone})
	return loop.ErrTerminate
}

func (p *pinger) raise(ev Event) {
	if p.opts.OnEvent != nil {
		p.opts.OnEvent(ev)
	}
}
