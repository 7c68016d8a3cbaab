// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package mda implements components G and H (§4.G, §4.H): the
// Multipath Detection Algorithm controller. At every hop it issues
// statistically sufficient, flow-diversified probes through each
// not-yet-enumerated interface, using the stopping-rule table from
// algo/mda/bound to decide how many distinct flow identifiers rule
// out a larger fan-out than observed so far, and records what it
// learns into a lattice.Lattice.
//
// Like algo/traceroute, this is an explicit state machine driven by
// loop.Event rather than libparistraceroute's handler switch; there is
// no direct teacher analog (the teacher implements plain traceroute
// only), so the per-hop loop below is built from scratch against
// interface.c/flow.c's flow bookkeeping and the stopping-rule
// consumption pattern they imply.
package mda

import (
	"fmt"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/algo/mda/bound"
	"github.com/dnaeon/mdatraceroute/lattice"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
)

// Phase names the controller's position in its per-hop loop.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseProbing
	PhaseAdvancingHop
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseProbing:
		return "Probing"
	case PhaseAdvancingHop:
		return "AdvancingHop"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FlowState mirrors libparistraceroute's mda_flow_state_t: a fresh flow
// identifier that needs confirming starts Testing until a probe confirms
// it still reaches its interface at the interface's own TTL, becomes
// Available for reuse, and is marked Unavailable once consumed to
// discover a next hop (or Timeout if confirmation never arrives). A
// fresh flow allocated without confirmation starts Unavailable.
type FlowState int

const (
	FlowTesting FlowState = iota
	FlowAvailable
	FlowUnavailable
	FlowTimeout
)

func (s FlowState) String() string {
	switch s {
	case FlowTesting:
		return "Testing"
	case FlowAvailable:
		return "Available"
	case FlowUnavailable:
		return "Unavailable"
	case FlowTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Flow is one flow identifier probed through an interface (flow.h's
// mda_flow_t).
type Flow struct {
	ID    uint64
	State FlowState
}

// Interface is the controller's per-hop bookkeeping for one lattice
// node (interface.h's mda_interface_t, minus the fields lattice.Node
// already holds): flows sent through it and, once observed, which next
// hop each one reached.
type Interface struct {
	Node          lattice.NodeID
	TTL           uint8 // the TTL this interface itself sits at
	IsVirtualRoot bool  // the degenerate single-sibling, single-TTL parent of the first probed hop

	Flows        map[uint64]*Flow
	FlowNextHops map[uint64][]lattice.NodeID // every next hop observed for each flow, across discovery and verification

	Sent            int
	Received        int
	Timeout         int
	NumStars        int
	EnumerationDone bool

	verifying bool
	verified  bool
}

func newInterface(node lattice.NodeID, ttl uint8, isRoot bool) *Interface {
	return &Interface{
		Node:          node,
		TTL:           ttl,
		IsVirtualRoot: isRoot,
		Flows:         make(map[uint64]*Flow),
		FlowNextHops:  make(map[uint64][]lattice.NodeID),
	}
}

// nextHopSet returns the distinct next hops confirmed so far — the "c"
// of §4.G's "c is the number of distinct next-hop interfaces from I
// observed so far".
func (i *Interface) nextHopSet() map[lattice.NodeID]struct{} {
	set := make(map[lattice.NodeID]struct{})
	for _, hops := range i.FlowNextHops {
		for _, h := range hops {
			set[h] = struct{}{}
		}
	}
	return set
}

// EventKind tags the variant an Event carries.
type EventKind int

const (
	EventProbeReply EventKind = iota
	EventProbeTimeout
	EventNewLink
	EventHopDone
	EventDestinationReached
	EventMaxTTLReached
	EventTooManyStars
)

// Event is one MDA-controller occurrence, delivered synchronously to
// Options.OnEvent.
type Event struct {
	Kind  EventKind
	TTL   uint8
	Probe *probe.Probe
	Reply *probe.Reply
	From  lattice.NodeID
	To    lattice.NodeID
}

// Options configures one MDA run (§4.G, §6 options.mda).
type Options struct {
	MinTTL          uint8
	MaxTTL          uint8
	MaxBranching    int // K
	Alpha           float64
	MaxUndiscovered int
	Dst             addr.Address
	OnEvent         func(Event)
}

// State is the exported, inspectable controller state.
type State struct {
	Phase              Phase
	TTL                uint8
	DestinationReached bool
	NumUndiscovered    int
	Lattice            *lattice.Lattice
	Table              *bound.Table
}

type purposeKind int

const (
	purposeDiscover purposeKind = iota
	purposeConfirm
	purposeVerify
)

type pendingEntry struct {
	iface   *Interface
	flow    uint64
	purpose purposeKind
}

type controller struct {
	opts     Options
	template *probe.Template
	table    *bound.Table
	lat      *lattice.Lattice
	state    State

	ifaces   map[lattice.NodeID]*Interface
	frontier []*Interface

	nextFlowID uint64
	pending    map[*probe.Probe]*pendingEntry
}

// New builds the MDA loop.Handler and its backing State. template must
// already carry the source/destination address and protocol; New only
// varies TTL and FlowID per dispatched probe.
func New(template *probe.Template, opts Options) (loop.Handler, *State) {
	c := &controller{
		opts:     opts,
		template: template,
		lat:      lattice.New(),
		ifaces:   make(map[lattice.NodeID]*Interface),
		pending:  make(map[*probe.Probe]*pendingEntry),
	}
	c.state.Lattice = c.lat
	c.state.Phase = PhaseInit
	return c.handle, &c.state
}

func (c *controller) handle(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	switch ev.Kind {
	case loop.KindAlgorithmInit:
		return c.init(l, inst)
	case loop.KindProbeReply:
		return c.onReply(l, inst, ev)
	case loop.KindProbeTimeout:
		return c.onTimeout(l, inst, ev)
	default:
		return nil
	}
}

func (c *controller) init(l *loop.Loop, inst *loop.Instance) error {
	c.table = bound.Build(c.opts.Alpha, c.opts.MaxBranching)
	c.state.Table = c.table
	c.state.Phase = PhaseProbing
	c.state.TTL = c.opts.MinTTL

	root := newInterface(lattice.NodeID(-1), c.opts.MinTTL-1, true)
	c.frontier = []*Interface{root}
	return c.fillQuota(l, inst, root)
}

// clampHypothesis keeps a next-hop hypothesis within [2, K]: below 2 a
// stopping point is meaningless (every router has at least one next
// hop), above K the assumed maximum fan-out caps it (§6 max_branching).
func clampHypothesis(k, maxK int) int {
	if k < 2 {
		return 2
	}
	if k > maxK {
		return maxK
	}
	return k
}

// fillQuota issues enough discovery probes through i to reach its
// current target n_k, where k is one more than the next-hop count
// already observed (§4.G step 2). A fresh flow that needs confirming
// first (allocateFlow's needsConfirm branch) ends the burst once its
// confirmation probe is sent; the burst resumes the next time a probe
// through i resolves, so one interface can have several confirmations
// outstanding at once.
func (c *controller) fillQuota(l *loop.Loop, inst *loop.Instance, i *Interface) error {
	if i.EnumerationDone {
		return nil
	}
	for {
		k := clampHypothesis(len(i.nextHopSet())+1, c.opts.MaxBranching)
		target := c.table.NAt(k)
		if i.Sent >= target {
			return c.afterResolution(l, inst, i)
		}
		flow, needsConfirm := c.allocateFlow(i)
		if needsConfirm {
			return c.sendConfirmProbe(l, inst, i, flow)
		}
		if err := c.sendDiscoverProbe(l, inst, i, flow); err != nil {
			return err
		}
	}
}

// allocateFlow implements mda_interface_get_available_flow_id: reuse an
// already-confirmed Available flow if one exists; otherwise, if i is
// the sole sibling at its only observed TTL (the degenerate root case,
// or any simple router with no branching yet), a fresh flow is
// guaranteed distinct by the Paris construction and needs no probe to
// confirm it; otherwise a fresh flow must first be probed at i's own
// TTL to confirm it still reaches i before it can be spent discovering
// i's children.
func (c *controller) allocateFlow(i *Interface) (flow uint64, needsConfirm bool) {
	for _, f := range i.Flows {
		if f.State == FlowAvailable {
			f.State = FlowUnavailable
			return f.ID, false
		}
	}

	c.nextFlowID++
	id := c.nextFlowID

	numSiblings := 1
	numTTLs := 1
	if !i.IsVirtualRoot {
		numSiblings = len(c.lat.Node(i.Node).Siblings()) + 1
		numTTLs = len(c.lat.Node(i.Node).TTLs())
	}

	if numSiblings == 1 && numTTLs <= 1 {
		i.Flows[id] = &Flow{ID: id, State: FlowUnavailable}
		return id, false
	}

	i.Flows[id] = &Flow{ID: id, State: FlowTesting}
	return id, true
}

func (c *controller) sendDiscoverProbe(l *loop.Loop, inst *loop.Instance, i *Interface, flow uint64) error {
	p := probe.Dup(c.template)
	p.TTL = c.state.TTL
	p.FlowID = flow
	if err := l.SubmitBestEffort(inst, p); err != nil {
		return fmt.Errorf("mda: submit discover ttl %d: %w", c.state.TTL, err)
	}
	i.Sent++
	c.pending[p] = &pendingEntry{iface: i, flow: flow, purpose: purposeDiscover}
	return nil
}

func (c *controller) sendConfirmProbe(l *loop.Loop, inst *loop.Instance, i *Interface, flow uint64) error {
	p := probe.Dup(c.template)
	p.TTL = i.TTL
	p.FlowID = flow
	if err := l.SubmitBestEffort(inst, p); err != nil {
		return fmt.Errorf("mda: submit confirm ttl %d: %w", i.TTL, err)
	}
	c.pending[p] = &pendingEntry{iface: i, flow: flow, purpose: purposeConfirm}
	return nil
}

// startVerify re-probes every flow already known to reach one of i's
// next hops, once more at the same TTL, to catch a per-packet load
// balancer: the signature §4.G names is the same flow id landing on
// two different next hops across repeated probes, which a single
// discovery pass can never observe.
func (c *controller) startVerify(l *loop.Loop, inst *loop.Instance, i *Interface) error {
	i.verifying = true
	for flow := range i.FlowNextHops {
		p := probe.Dup(c.template)
		p.TTL = c.state.TTL
		p.FlowID = flow
		if err := l.SubmitBestEffort(inst, p); err != nil {
			return fmt.Errorf("mda: submit verify ttl %d: %w", c.state.TTL, err)
		}
		c.pending[p] = &pendingEntry{iface: i, flow: flow, purpose: purposeVerify}
	}
	return nil
}

func (c *controller) onReply(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	entry, ok := c.pending[ev.Probe]
	if !ok {
		return nil
	}
	delete(c.pending, ev.Probe)
	i := entry.iface

	switch entry.purpose {
	case purposeConfirm:
		if c.confirms(i, ev.Reply) {
			i.Flows[entry.flow].State = FlowAvailable
		} else {
			i.Flows[entry.flow].State = FlowTimeout
		}
		return c.fillQuota(l, inst, i)

	case purposeDiscover:
		i.Received++
		i.Flows[entry.flow].State = FlowUnavailable
		c.raise(Event{Kind: EventProbeReply, TTL: c.state.TTL, Probe: ev.Probe, Reply: ev.Reply, From: i.Node})
		child := c.observeChild(i, ev.Reply)
		i.FlowNextHops[entry.flow] = append(i.FlowNextHops[entry.flow], child)
		c.raise(Event{Kind: EventNewLink, TTL: c.state.TTL, Probe: ev.Probe, Reply: ev.Reply, From: i.Node, To: child})
		c.noteDestination(ev.Reply)
		if _, ok := c.ifaces[child]; !ok {
			c.ifaces[child] = newInterface(child, c.state.TTL, false)
		}
		return c.fillQuota(l, inst, i)

	case purposeVerify:
		child := c.observeChild(i, ev.Reply)
		i.FlowNextHops[entry.flow] = append(i.FlowNextHops[entry.flow], child)
		return c.afterResolution(l, inst, i)
	}
	return nil
}

func (c *controller) onTimeout(l *loop.Loop, inst *loop.Instance, ev loop.Event) error {
	entry, ok := c.pending[ev.Probe]
	if !ok {
		return nil
	}
	delete(c.pending, ev.Probe)
	i := entry.iface

	switch entry.purpose {
	case purposeConfirm:
		i.Flows[entry.flow].State = FlowTimeout
		return c.fillQuota(l, inst, i)
	case purposeDiscover:
		i.NumStars++
		i.Timeout++
		i.Flows[entry.flow].State = FlowTimeout
		c.raise(Event{Kind: EventProbeTimeout, TTL: c.state.TTL, Probe: ev.Probe, From: i.Node})
		return c.fillQuota(l, inst, i)
	case purposeVerify:
		return c.afterResolution(l, inst, i)
	}
	return nil
}

// confirms reports whether reply shows the confirmation probe actually
// reached i itself, rather than some other interface an upstream load
// balancer happened to route it to — the distinction §4.G's "mark the
// flow Hypothetic until confirmed Real" exists to catch.
func (c *controller) confirms(i *Interface, reply *probe.Reply) bool {
	if reply == nil {
		return false
	}
	if i.IsVirtualRoot {
		return true
	}
	return reply.SrcIP.Equal(c.lat.Node(i.Node).Addr)
}

func (c *controller) observeChild(i *Interface, reply *probe.Reply) lattice.NodeID {
	var childAddr addr.Address
	if reply != nil {
		childAddr = reply.SrcIP
	}
	if i.IsVirtualRoot {
		return c.lat.AddRoot(childAddr, c.state.TTL)
	}
	return c.lat.Observe(i.Node, childAddr, c.state.TTL)
}

func (c *controller) noteDestination(reply *probe.Reply) {
	if reply == nil || !c.opts.Dst.IsValid() {
		return
	}
	if reply.SrcIP.Equal(c.opts.Dst) {
		c.state.DestinationReached = true
	}
}

func (c *controller) hasPendingFor(i *Interface) bool {
	for _, e := range c.pending {
		if e.iface == i {
			return true
		}
	}
	return false
}

// afterResolution runs whenever a probe through i resolves. It refills
// i's quota if the hypothesis grew, runs the per-packet verification
// pass once the quota is met and i has more than one next hop, and
// otherwise finalizes i (classification, §4.G) before checking whether
// the whole hop can advance.
func (c *controller) afterResolution(l *loop.Loop, inst *loop.Instance, i *Interface) error {
	if c.hasPendingFor(i) {
		return nil
	}

	if i.verifying {
		i.verifying = false
		i.verified = true
	} else if !i.verified {
		k := clampHypothesis(len(i.nextHopSet())+1, c.opts.MaxBranching)
		if i.Sent < c.table.NAt(k) {
			return c.fillQuota(l, inst, i)
		}
		if len(i.nextHopSet()) >= 2 {
			return c.startVerify(l, inst, i)
		}
		i.verified = true
	}

	i.EnumerationDone = true
	if !i.IsVirtualRoot {
		c.lat.Classify(i.Node, c.opts.Dst, i.FlowNextHops)
	}
	c.raise(Event{Kind: EventHopDone, TTL: i.TTL, From: i.Node})

	if !c.allFrontierDone() {
		return nil
	}
	return c.advanceHop(l, inst)
}

func (c *controller) allFrontierDone() bool {
	for _, i := range c.frontier {
		if !i.EnumerationDone {
			return false
		}
	}
	return true
}

func dedupeInterfaces(ifaces []*Interface) []*Interface {
	seen := make(map[lattice.NodeID]struct{}, len(ifaces))
	out := make([]*Interface, 0, len(ifaces))
	for _, i := range ifaces {
		if _, ok := seen[i.Node]; ok {
			continue
		}
		seen[i.Node] = struct{}{}
		out = append(out, i)
	}
	return out
}

// advanceHop implements §4.G's termination clause and, otherwise, moves
// the frontier one TTL deeper.
func (c *controller) advanceHop(l *loop.Loop, inst *loop.Instance) error {
	c.state.Phase = PhaseAdvancingHop

	if c.state.DestinationReached {
		if id, ok := c.lat.Lookup(c.opts.Dst); ok {
			c.lat.Classify(id, c.opts.Dst, nil)
		}
		c.raise(Event{Kind: EventDestinationReached, TTL: c.state.TTL})
		c.state.Phase = PhaseTerminated
		return loop.ErrTerminate
	}
	if c.state.TTL == c.opts.MaxTTL {
		c.raise(Event{Kind: EventMaxTTLReached, TTL: c.state.TTL})
		c.state.Phase = PhaseTerminated
		return loop.ErrTerminate
	}

	var next []*Interface
	for _, i := range c.frontier {
		for nh := range i.nextHopSet() {
			child, ok := c.ifaces[nh]
			if !ok {
				child = newInterface(nh, c.state.TTL, false)
				c.ifaces[nh] = child
			}
			next = append(next, child)
		}
	}
	next = dedupeInterfaces(next)

	if len(next) == 0 {
		c.state.NumUndiscovered++
		if c.state.NumUndiscovered >= c.opts.MaxUndiscovered {
			c.raise(Event{Kind: EventTooManyStars, TTL: c.state.TTL})
			c.state.Phase = PhaseTerminated
			return loop.ErrTerminate
		}

		// Every interface in this hop went all-star. Treat the hop as
		// an opaque pass-through, the way classical traceroute does,
		// and retry the same frontier one TTL deeper with a fresh flow
		// burst — every flow already spent against it is Timeout now.
		c.state.TTL++
		c.state.Phase = PhaseProbing
		for _, i := range c.frontier {
			i.Sent = 0
			i.EnumerationDone = false
			i.verified = false
			i.verifying = false
			if err := c.fillQuota(l, inst, i); err != nil {
				return err
			}
		}
		return nil
	}
	c.state.NumUndiscovered = 0

	c.frontier = next
	c.state.TTL++
	c.state.Phase = PhaseProbing
	for _, i := range c.frontier {
		if err := c.fillQuota(l, inst, i); err != nil {
			return err
		}
	}
	return nil
}

func (c *controller) raise(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev)
	}
}
