// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package traceroute

import (
	"testing"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/sched"
	"github.com/dnaeon/mdatraceroute/wire"
)

// reactiveTransport simulates a fixed chain of routers: a probe sent
// with IPv4 TTL i is answered by path[i-1] (0-indexed), or by dst once
// i exceeds len(path) — a destination that always answers once
// reachable. neverReply simulates a link where every probe is lost.
type reactiveTransport struct {
	path       []addr.Address
	dst        addr.Address
	srcIP      addr.Address // the prober's own address, answered back as the reply's DstIP
	neverReply bool

	queued []*probe.Reply
}

// ipv4TTLOffset is byte 8 of the IPv4 header (§A ipv4 descriptor).
const ipv4TTLOffset = 8

func (r *reactiveTransport) Send(family addr.Family, dst addr.Address, packet []byte) error {
	if r.neverReply {
		return nil
	}
	ttl := packet[ipv4TTLOffset]
	idx := int(ttl) - 1
	src := r.dst
	if idx >= 0 && idx < len(r.path) {
		src = r.path[idx]
	}
	r.queued = append(r.queued, &probe.Reply{
		Family:     addr.FamilyV4,
		SrcIP:      src,
		DstIP:      r.srcIP,
		ReceivedAt: time.Now(),
	})
	return nil
}

func (r *reactiveTransport) SniffReply(family addr.Family, now time.Time) (*probe.Reply, error) {
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

func driveUntilTerminated(t *testing.T, l *loop.Loop, inst *loop.Instance) {
	t.Helper()
	for i := 0; i < 10000 && !inst.Terminated(); i++ {
		if err := l.Tick(); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}
	if !inst.Terminated() {
		t.Fatal("traceroute did not terminate within the tick budget")
	}
}

func TestTracerouteReachesDestination(t *testing.T) {
	dst := mustAddr(t, "203.0.113.1")
	hop1 := mustAddr(t, "198.51.100.1")
	tmpl := newTemplate(t, dst)

	var events []Event
	opts := Options{
		MinTTL:          1,
		MaxTTL:          30,
		NumProbesPerHop: 1,
		MaxUndiscovered: 5,
		Dst:             dst,
		FlowID:          0xface,
		OnEvent:         func(ev Event) { events = append(events, ev) },
	}

	rt := &reactiveTransport{path: []addr.Address{hop1}, dst: dst, srcIP: mustAddr(t, "192.0.2.1")} // TTL 2+ reaches dst
	sc := sched.NewScheduler(rt, []addr.Family{addr.FamilyV4}, 50*time.Millisecond, 16)
	l := loop.NewLoop(sc, loop.NoopPoller{})

	handler, state := New(tmpl, opts)
	inst := l.AddInstance("traceroute", nil, tmpl, handler, opts)

	driveUntilTerminated(t, l, inst)

	if state.Phase != PhaseTerminated {
		t.Fatalf("expected PhaseTerminated, got %s", state.Phase)
	}
	if !state.DestinationReached {
		t.Fatal("expected DestinationReached")
	}
	if state.TTL != 2 {
		t.Fatalf("expected destination reached at TTL 2, got %d", state.TTL)
	}

	var sawDestReached bool
	for _, ev := range events {
		if ev.Kind == EventDestinationReached {
			sawDestReached = true
		}
	}
	if !sawDestReached {
		t.Fatal("expected an EventDestinationReached to have been raised")
	}
}

func TestTracerouteTerminatesAtMaxTTL(t *testing.T) {
	dst := mustAddr(t, "203.0.113.1")
	tmpl := newTemplate(t, dst)

	opts := Options{
		MinTTL:          1,
		MaxTTL:          3,
		NumProbesPerHop: 1,
		MaxUndiscovered: 100,
		Dst:             dst,
		FlowID:          0xface,
	}

	// A live (non-destination) hop answers every TTL up to 3, so the run
	// proceeds hop-by-hop to MaxTTL instead of stopping early on stars.
	rt := &reactiveTransport{
		path: []addr.Address{
			mustAddr(t, "198.51.100.1"),
			mustAddr(t, "198.51.100.2"),
			mustAddr(t, "198.51.100.3"),
		},
		dst:   dst,
		srcIP: mustAddr(t, "192.0.2.1"),
	}
	sc := sched.NewScheduler(rt, []addr.Family{addr.FamilyV4}, 50*time.Millisecond, 16)
	l := loop.NewLoop(sc, loop.NoopPoller{})

	handler, state := New(tmpl, opts)
	inst := l.AddInstance("traceroute", nil, tmpl, handler, opts)

	driveUntilTerminated(t, l, inst)

	if state.DestinationReached {
		t.Fatal("destination should never have been reached")
	}
	if state.TTL != opts.MaxTTL {
		t.Fatalf("expected termination at MaxTTL %d, got %d", opts.MaxTTL, state.TTL)
	}
}

func TestTracerouteTerminatesOnTooManyStars(t *testing.T) {
	dst := mustAddr(t, "203.0.113.1")
	tmpl := newTemplate(t, dst)

	opts := Options{
		MinTTL:          1,
		MaxTTL:          30,
		NumProbesPerHop: 1,
		MaxUndiscovered: 2,
		Dst:             dst,
		FlowID:          0xface,
	}

	rt := &reactiveTransport{dst: dst, srcIP: mustAddr(t, "192.0.2.1"), neverReply: true}
	sc := sched.NewScheduler(rt, []addr.Family{addr.FamilyV4}, 5*time.Millisecond, 16)
	l := loop.NewLoop(sc, loop.NoopPoller{})

	handler, state := New(tmpl, opts)
	inst := l.AddInstance("traceroute", nil, tmpl, handler, opts)

	driveUntilTerminated(t, l, inst)

	if state.NumUndiscovered < opts.MaxUndiscovered {
		t.Fatalf("expected NumUndiscovered >= %d, got %d", opts.MaxUndiscovered, state.NumUndiscovered)
	}
}
