// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package lattice

import (
	"strings"
	"testing"

	"github.com/dnaeon/mdatraceroute/addr"
)

func mustAddr(t *testing.T, s string) addr.Address {
	t.Helper()
	a, err := addr.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return a
}

// buildPerFlowLattice models example scenario 2 from §8: a root R probed
// at TTL 1, a per-flow load balancer at TTL 2 fanning out to A and B,
// both merging back to M at TTL 3.
func buildPerFlowLattice(t *testing.T) (*Lattice, NodeID, NodeID, NodeID, NodeID) {
	t.Helper()
	l := New()

	r := l.AddRoot(mustAddr(t, "203.0.113.1"), 1)
	a := l.Observe(r, mustAddr(t, "198.51.100.10"), 2)
	b := l.Observe(r, mustAddr(t, "198.51.100.11"), 2)
	m := l.Observe(a, mustAddr(t, "198.51.100.20"), 3)
	l.Observe(b, mustAddr(t, "198.51.100.20"), 3) // same address as m: no duplicate node

	return l, r, a, b, m
}

func TestObserveDoesNotDuplicateInterfaces(t *testing.T) {
	l, _, a, b, m := buildPerFlowLattice(t)

	if l.Len() != 4 {
		t.Fatalf("expected 4 distinct nodes (root, A, B, M), got %d", l.Len())
	}
	an := l.Node(a)
	bn := l.Node(b)
	if len(an.nextHops) != 1 || an.nextHops[0] != m {
		t.Fatalf("A's next hop should be the single node M, got %v", an.nextHops)
	}
	if len(bn.nextHops) != 1 || bn.nextHops[0] != m {
		t.Fatalf("B's next hop should be the single node M, got %v", bn.nextHops)
	}
}

func TestSiblingRelationIsSymmetric(t *testing.T) {
	l, _, a, b, _ := buildPerFlowLattice(t)

	an := l.Node(a)
	bn := l.Node(b)
	if !containsID(an.siblings, b) {
		t.Fatal("A should list B as a sibling")
	}
	if !containsID(bn.siblings, a) {
		t.Fatal("B should list A as a sibling (symmetric)")
	}
}

func TestSiblingsShareAParent(t *testing.T) {
	l, r, a, b, _ := buildPerFlowLattice(t)

	rn := l.Node(r)
	if !containsID(rn.nextHops, a) || !containsID(rn.nextHops, b) {
		t.Fatal("both A and B must be next hops of the shared parent R")
	}
}

func TestAddRootRegistersEachDistinctAddressOnce(t *testing.T) {
	l := New()
	first := l.AddRoot(mustAddr(t, "203.0.113.1"), 1)
	second := l.AddRoot(mustAddr(t, "203.0.113.1"), 1)
	other := l.AddRoot(mustAddr(t, "203.0.113.2"), 1)

	if first != second {
		t.Fatal("re-observing the same root address should return the same node id")
	}
	if first == other {
		t.Fatal("distinct root addresses must get distinct node ids")
	}
	roots := l.Roots()
	if len(roots) != 2 {
		t.Fatalf("expected 2 roots, got %d", len(roots))
	}
}

func TestClassifyEndHost(t *testing.T) {
	l := New()
	dst := mustAddr(t, "203.0.113.1")
	r := l.AddRoot(mustAddr(t, "198.51.100.1"), 1)
	h := l.Observe(r, dst, 2)

	l.Classify(h, dst, nil)
	if got := l.Node(h).Classification; got != EndHost {
		t.Fatalf("expected EndHost, got %s", got)
	}
}

func TestClassifySimpleRouter(t *testing.T) {
	l := New()
	dst := mustAddr(t, "203.0.113.1")
	r := l.AddRoot(mustAddr(t, "198.51.100.1"), 1)
	next := l.Observe(r, mustAddr(t, "198.51.100.2"), 2)

	l.Classify(r, dst, nil)
	if got := l.Node(r).Classification; got != SimpleRouter {
		t.Fatalf("expected SimpleRouter, got %s", got)
	}
	_ = next
}

func TestClassifyPerFlowLB(t *testing.T) {
	l, r, a, b, _ := buildPerFlowLattice(t)
	dst := mustAddr(t, "203.0.113.99")

	flows := map[uint64][]NodeID{
		0x1: {a},
		0x2: {b},
		0x3: {a},
	}
	l.Classify(r, dst, flows)
	if got := l.Node(r).Classification; got != PerFlowLB {
		t.Fatalf("expected PerFlowLB, got %s", got)
	}
}

func TestClassifyPerPacketLB(t *testing.T) {
	l, r, a, b, _ := buildPerFlowLattice(t)
	dst := mustAddr(t, "203.0.113.99")

	// The same flow id observed reaching both A and B across repeated
	// probes is the signature of a per-packet load balancer.
	flows := map[uint64][]NodeID{
		0x1: {a, b},
	}
	l.Classify(r, dst, flows)
	if got := l.Node(r).Classification; got != PerPacketLB {
		t.Fatalf("expected PerPacketLB, got %s", got)
	}
}

func TestWriteDOTProducesValidEdges(t *testing.T) {
	l, r, a, b, m := buildPerFlowLattice(t)

	var sb strings.Builder
	if err := l.WriteDOT(&sb); err != nil {
		t.Fatalf("WriteDOT: %v", err)
	}
	out := sb.String()

	if !strings.HasPrefix(out, "digraph {") {
		t.Fatal("expected a digraph wrapper")
	}
	for _, id := range []NodeID{r, a, b, m} {
		label := l.Node(id).Addr.String()
		if !strings.Contains(out, label) {
			t.Fatalf("expected DOT output to contain label %q", label)
		}
	}
	if !strings.Contains(out, "}") {
		t.Fatal("expected a closing brace")
	}
}
