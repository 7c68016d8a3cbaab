// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package lattice implements the layered DAG of discovered interfaces
// the MDA controller builds as it probes (§4.G "Lattice updates"): an
// arena of nodes addressed by index rather than pointer, so that the
// sibling relation — which is inherently bidirectional and cyclic among
// nodes at the same TTL — never forms a Go pointer cycle for the
// garbage collector to chase. Node identity is address equality: the
// same interface observed through two different paths is the same
// node.
package lattice

import (
	"fmt"
	"io"
	"sort"

	"github.com/dnaeon/mdatraceroute/addr"
)

// Classification is the load-balancer behavior inferred for a node,
// per §4.G.
type Classification int

const (
	Unclassified Classification = iota
	EndHost
	SimpleRouter
	PerFlowLB
	PerPacketLB
	PerDestLB
)

func (c Classification) String() string {
	switch c {
	case EndHost:
		return "EndHost"
	case SimpleRouter:
		return "SimpleRouter"
	case PerFlowLB:
		return "PerFlowLB"
	case PerPacketLB:
		return "PerPacketLB"
	case PerDestLB:
		return "PerDestLB"
	default:
		return "Unclassified"
	}
}

// NodeID indexes a Node within its owning Lattice's arena.
type NodeID int

// Node is one interface in the lattice: its address, the TTLs it has
// been observed at, and its next-hop/sibling relations — held as index
// lists into the arena rather than pointers (§9 "eliminates ownership
// cycles without sacrificing O(1) traversal").
type Node struct {
	ID             NodeID
	Addr           addr.Address
	Classification Classification

	ttls     map[uint8]struct{}
	nextHops []NodeID
	siblings []NodeID
}

// NextHops returns the node's next-hop interfaces.
func (n *Node) NextHops() []NodeID {
	return append([]NodeID(nil), n.nextHops...)
}

// Siblings returns interfaces sharing at least one parent with this
// node (§3 "nodes at the same TTL reachable from at least one common
// parent").
func (n *Node) Siblings() []NodeID {
	return append([]NodeID(nil), n.siblings...)
}

// TTLs returns, in ascending order, every TTL at which this interface
// has been observed.
func (n *Node) TTLs() []uint8 {
	out := make([]uint8, 0, len(n.ttls))
	for t := range n.ttls {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Lattice is an arena of Nodes plus an address index. It has multiple
// roots, one per distinct address observed at the first hop of a trace
// (§3 "The lattice has multiple roots").
type Lattice struct {
	nodes  []*Node
	byAddr map[addr.Address]NodeID
	roots  []NodeID
}

// New returns an empty lattice.
func New() *Lattice {
	return &Lattice{byAddr: make(map[addr.Address]NodeID)}
}

// Node returns the node at id. id must have been returned by AddRoot
// or Observe on this lattice.
func (l *Lattice) Node(id NodeID) *Node {
	return l.nodes[id]
}

// Len returns the number of distinct interfaces recorded.
func (l *Lattice) Len() int {
	return len(l.nodes)
}

// Roots returns the node ids with no parent: one per distinct address
// observed at the first hop of any trace rooted in this lattice.
func (l *Lattice) Roots() []NodeID {
	return append([]NodeID(nil), l.roots...)
}

// Lookup returns the node id for an already-observed address.
func (l *Lattice) Lookup(a addr.Address) (NodeID, bool) {
	id, ok := l.byAddr[a]
	return id, ok
}

func (l *Lattice) getOrCreate(a addr.Address) (id NodeID, created bool) {
	if id, ok := l.byAddr[a]; ok {
		return id, false
	}
	id = NodeID(len(l.nodes))
	l.nodes = append(l.nodes, &Node{ID: id, Addr: a, ttls: make(map[uint8]struct{})})
	l.byAddr[a] = id
	return id, true
}

// AddRoot records addr as observed at ttl with no parent — the first
// hop of a trace. It creates the node on first observation and
// registers it as a root; subsequent calls for the same address just
// add ttl to the node's observed set.
func (l *Lattice) AddRoot(a addr.Address, ttl uint8) NodeID {
	id, created := l.getOrCreate(a)
	l.nodes[id].ttls[ttl] = struct{}{}
	if created {
		l.roots = append(l.roots, id)
	}
	return id
}

// Observe records that addr was seen at ttl as a next hop of parent
// (§4.G "Lattice updates", first paragraph): creates a node for it if
// absent, attaches it as a next-hop of parent, and — only the first
// time this parent/child edge is recorded — recomputes the child's
// sibling set by merging the next-hops of every sibling of parent
// (including parent itself), bidirectionally. This preserves the
// invariant "siblings share at least one parent".
func (l *Lattice) Observe(parent NodeID, a addr.Address, ttl uint8) NodeID {
	child, _ := l.getOrCreate(a)
	l.nodes[child].ttls[ttl] = struct{}{}

	pn := l.nodes[parent]
	if containsID(pn.nextHops, child) {
		return child
	}
	pn.nextHops = append(pn.nextHops, child)
	l.linkSiblings(parent, child)
	return child
}

// linkSiblings merges the next-hops of parent and parent's own
// siblings into child's sibling set, adding child to each of those
// next-hops' sibling sets in turn.
func (l *Lattice) linkSiblings(parent, child NodeID) {
	cn := l.nodes[child]
	group := append([]NodeID{parent}, l.nodes[parent].siblings...)
	for _, g := range group {
		for _, nh := range l.nodes[g].nextHops {
			if nh == child {
				continue
			}
			if !containsID(cn.siblings, nh) {
				cn.siblings = append(cn.siblings, nh)
			}
			sib := l.nodes[nh]
			if !containsID(sib.siblings, child) {
				sib.siblings = append(sib.siblings, child)
			}
		}
	}
}

func containsID(s []NodeID, id NodeID) bool {
	for _, x := range s {
		if x == id {
			return true
		}
	}
	return false
}

// Classify sets the load-balancer classification of a node (§4.G
// Classification) once its next-hop enumeration at a given TTL is
// believed complete. dst is the trace's destination; a node matching
// it is always an EndHost regardless of fan-out. flowsToNextHops maps
// each flow identifier probed through the node to the next hops it was
// observed reaching — a flow mapping to more than one distinct next
// hop is the signature of a per-packet (rather than per-flow) load
// balancer.
func (l *Lattice) Classify(id NodeID, dst addr.Address, flowsToNextHops map[uint64][]NodeID) {
	n := l.nodes[id]
	switch {
	case dst.IsValid() && n.Addr.Equal(dst):
		n.Classification = EndHost
	case len(n.nextHops) <= 1:
		n.Classification = SimpleRouter
	default:
		n.Classification = PerFlowLB
		for _, hops := range flowsToNextHops {
			distinct := map[NodeID]struct{}{}
			for _, h := range hops {
				distinct[h] = struct{}{}
			}
			if len(distinct) > 1 {
				n.Classification = PerPacketLB
				break
			}
		}
	}
}

// WriteDOT renders the lattice as a Graphviz digraph: one node per
// interface, one edge per next-hop relation. It generalizes the
// teacher's traceroute-dot example — which connects every hop at TTL-1
// to every hop at TTL with no real parent/child tracking — into real
// edges drawn from the lattice's own adjacency, keyed by each node's
// stable arena index rather than its pointer address.
func (l *Lattice) WriteDOT(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph {"); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w, "\tnode [color=lightblue style=filled]"); err != nil {
		return err
	}
	for _, n := range l.nodes {
		label := n.Addr.String()
		if _, err := fmt.Fprintf(w, "\t%d [label=%q]\n", n.ID, label); err != nil {
			return err
		}
	}
	for _, n := range l.nodes {
		for _, nh := range n.nextHops {
			if _, err := fmt.Fprintf(w, "\t%d -> %d\n", n.ID, nh); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
