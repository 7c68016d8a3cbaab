// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package mda

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/lattice"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/sched"
	"github.com/dnaeon/mdatraceroute/wire"
)

const ipv4TTLOffset = 8

// udpChecksumOffset is where the UDP checksum (the flow identifier's
// carrier) sits in the raw packet: 6 bytes into the UDP header, which
// starts right after the fixed 20-byte, option-free IPv4 header this
// implementation always emits.
var udpChecksumOffset = wire.IPv4Descriptor.HeaderLen + 6

func mustAddr(t *testing.T, s string) addr.Address {
	t.Helper()
	a, err := addr.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return a
}

func newTemplate(t *testing.T, dst addr.Address) *probe.Template {
	t.Helper()
	registry := wire.DefaultRegistry()
	tmpl, err := probe.NewTemplate(registry, addr.FamilyV4, probe.ProtoUDP, dst, 4)
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	tmpl.SetSrcIP(mustAddr(t, "192.0.2.1"))
	if err := tmpl.SetField("dst_port", 33434); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	return tmpl
}

// routeFunc decides, given a TTL and the probe's 16-bit flow
// identifier, which address (if any) answers. Returning the zero
// Address simulates a star.
type routeFunc func(ttl uint8, flow16 uint16) addr.Address

type scriptedTransport struct {
	route routeFunc
	srcIP addr.Address
	queued []*probe.Reply
}

func (r *scriptedTransport) Send(family addr.Family, dst addr.Address, packet []byte) error {
	ttl := packet[ipv4TTLOffset]
	flow16 := binary.BigEndian.Uint16(packet[udpChecksumOffset : udpChecksumOffset+2])
	src := r.route(ttl, flow16)
	if !src.IsValid() {
		return nil // star: no reply queued
	}
	// Every answer is an ICMP error quoting the probe, as a router's
	// time-exceeded or the destination's port-unreachable would be.
	q, err := wire.ParseICMPError(wire.FamilyV4, packet)
	if err != nil {
		return err
	}
	r.queued = append(r.queued, &probe.Reply{
		Family:     addr.FamilyV4,
		SrcIP:      src,
		DstIP:      r.srcIP,
		Quotation:  q,
		ReceivedAt: time.Now(),
	})
	return nil
}

func (r *scriptedTransport) SniffReply(family addr.Family, now time.Time) (*probe.Reply, error) {
	if len(r.queued) == 0 {
		return nil, errNoReply
	}
	rep := r.queued[0]
	r.queued = r.queued[1:]
	return rep, nil
}

var errNoReply = &stringErr{"would block"}

type stringErr struct{ s string }

func (e *stringErr) Error() string { return e.s }

func driveUntilTerminated(t *testing.T, l *loop.Loop, inst *loop.Instance) {
	t.Helper()
	for i := 0; i < 20000 && !inst.Terminated(); i++ {
		if err := l.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if !inst.Terminated() {
		t.Fatal("mda run did not terminate within the tick budget")
	}
}

// TestSimpleRouterChainReachesEndHost models a plain, unbranched path:
// every TTL has exactly one responding interface, the last of which is
// the destination.
func TestSimpleRouterChainReachesEndHost(t *testing.T) {
	dst := mustAddr(t, "203.0.113.1")
	hop1 := mustAddr(t, "198.51.100.1")
	hop2 := mustAddr(t, "198.51.100.2")
	tmpl := newTemplate(t, dst)

	route := func(ttl uint8, flow16 uint16) addr.Address {
		switch ttl {
		case 1:
			return hop1
		case 2:
			return hop2
		case 3:
			return dst
		default:
			return addr.Address{}
		}
	}

	rt := &scriptedTransport{route: route, srcIP: mustAddr(t, "192.0.2.1")}
	sc := sched.NewScheduler(rt, []addr.Family{addr.FamilyV4}, 20*time.Millisecond, 64)
	l := loop.NewLoop(sc, loop.NoopPoller{})

	opts := Options{
		MinTTL:          1,
		MaxTTL:          10,
		MaxBranching:    4,
		Alpha:           0.1,
		MaxUndiscovered: 3,
		Dst:             dst,
	}
	handler, state := New(tmpl, opts)
	inst := l.AddInstance("mda", nil, tmpl, handler, opts)

	driveUntilTerminated(t, l, inst)

	if state.Phase != PhaseTerminated {
		t.Fatalf("expected PhaseTerminated, got %s", state.Phase)
	}
	if !state.DestinationReached {
		t.Fatal("expected DestinationReached")
	}

	h1, ok := state.Lattice.Lookup(hop1)
	if !ok {
		t.Fatal("hop1 not recorded in the lattice")
	}
	if got := state.Lattice.Node(h1).Classification; got != lattice.SimpleRouter {
		t.Fatalf("expected hop1 classified SimpleRouter, got %s", got)
	}
}

// TestPerFlowLoadBalancerClassification models a load balancer at TTL 2
// that deterministically routes by flow parity to two interfaces, A and
// B, both of which forward on to the same destination at TTL 3 — the
// canonical per-flow load balancer shape example in §8.
func TestPerFlowLoadBalancerClassification(t *testing.T) {
	dst := mustAddr(t, "203.0.113.1")
	root := mustAddr(t, "198.51.100.1")
	a := mustAddr(t, "198.51.100.10")
	b := mustAddr(t, "198.51.100.11")
	tmpl := newTemplate(t, dst)

	route := func(ttl uint8, flow16 uint16) addr.Address {
		switch ttl {
		case 1:
			return root
		case 2:
			if flow16%2 == 0 {
				return a
			}
			return b
		case 3:
			return dst
		default:
			return addr.Address{}
		}
	}

	rt := &scriptedTransport{route: route, srcIP: mustAddr(t, "192.0.2.1")}
	sc := sched.NewScheduler(rt, []addr.Family{addr.FamilyV4}, 20*time.Millisecond, 64)
	l := loop.NewLoop(sc, loop.NoopPoller{})

	opts := Options{
		MinTTL:          1,
		MaxTTL:          10,
		MaxBranching:    4,
		Alpha:           0.1,
		MaxUndiscovered: 3,
		Dst:             dst,
	}
	handler, state := New(tmpl, opts)
	inst := l.AddInstance("mda", nil, tmpl, handler, opts)

	driveUntilTerminated(t, l, inst)

	if !state.DestinationReached {
		t.Fatal("expected DestinationReached")
	}

	rootID, ok := state.Lattice.Lookup(root)
	if !ok {
		t.Fatal("root hop not recorded in the lattice")
	}
	rootNode := state.Lattice.Node(rootID)
	if got := rootNode.Classification; got != lattice.PerFlowLB {
		t.Fatalf("expected root hop classified PerFlowLB, got %s", got)
	}

	aID, aOK := state.Lattice.Lookup(a)
	bID, bOK := state.Lattice.Lookup(b)
	if !aOK || !bOK {
		t.Fatal("expected both load-balanced interfaces in the lattice")
	}
	if !sibling(state.Lattice, aID, bID) {
		t.Fatal("A and B should be recorded as siblings")
	}

	mID, ok := state.Lattice.Lookup(dst)
	if !ok {
		t.Fatal("destination not recorded in the lattice")
	}
	if got := state.Lattice.Node(mID).Classification; got != lattice.EndHost {
		t.Fatalf("expected destination classified EndHost, got %s", got)
	}
}

func sibling(l *lattice.Lattice, a, b lattice.NodeID) bool {
	for _, s := range l.Node(a).Siblings() {
		if s == b {
			return true
		}
	}
	return false
}

// TestTerminatesOnTooManyStars exercises the opaque-hop pass-through:
// every probe beyond the root is lost, and the run must still
// terminate once max_undiscovered consecutive all-star hops accrue.
func TestTerminatesOnTooManyStars(t *testing.T) {
	dst := mustAddr(t, "203.0.113.1")
	root := mustAddr(t, "198.51.100.1")
	tmpl := newTemplate(t, dst)

	route := func(ttl uint8, flow16 uint16) addr.Address {
		if ttl == 1 {
			return root
		}
		return addr.Address{}
	}

	rt := &scriptedTransport{route: route, srcIP: mustAddr(t, "192.0.2.1")}
	sc := sched.NewScheduler(rt, []addr.Family{addr.FamilyV4}, 5*time.Millisecond, 64)
	l := loop.NewLoop(sc, loop.NoopPoller{})

	opts := Options{
		MinTTL:          1,
		MaxTTL:          30,
		MaxBranching:    4,
		Alpha:           0.1,
		MaxUndiscovered: 2,
		Dst:             dst,
	}
	handler, state := New(tmpl, opts)
	inst := l.AddInstance("mda", nil, tmpl, handler, opts)

	driveUntilTerminated(t, l, inst)

	if state.DestinationReached {
		t.Fatal("destination should never have been reached")
	}
	if state.NumUndiscovered < opts.MaxUndiscovered {
		t.Fatalf("expected NumUndiscovered >= %d, got %d", opts.MaxUndiscovered, state.NumUndiscovered)
	}
}
