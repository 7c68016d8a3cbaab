// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package sched

import (
	"testing"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/wire"
)

// mockTransport is a minimal Transport that records every Send and hands
// out the reply a test places in pending exactly once, reporting
// errWouldBlockTest otherwise — just enough to drive Scheduler.Tick
// without real sockets, per §8's "mock network" testable properties.
type mockTransport struct {
	sent    [][]byte
	pending *probe.Reply
}

func (m *mockTransport) Send(family addr.Family, dst addr.Address, packet []byte) error {
	m.sent = append(m.sent, packet)
	return nil
}

func (m *mockTransport) SniffReply(family addr.Family, now time.Time) (*probe.Reply, error) {
	if m.pending == nil {
		return nil, errWouldBlockTest
	}
	r := m.pending
	m.pending = nil
	return r, nil
}

var errWouldBlockTest = &mockErr{"would block"}

type mockErr struct{ s string }

func (e *mockErr) Error() string { return e.s }

func mustAddr(t *testing.T, s string) addr.Address {
	t.Helper()
	a, err := addr.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return a
}

func newTestProbe(t *testing.T) *probe.Probe {
	t.Helper()
	registry := wire.DefaultRegistry()
	tmpl, err := probe.NewTemplate(registry, addr.FamilyV4, probe.ProtoUDP, mustAddr(t, "192.0.2.2"), 4)
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	tmpl.SetSrcIP(mustAddr(t, "192.0.2.1"))
	tmpl.SetTTL(5)
	tmpl.SetFlowID(0xbeef)
	if err := tmpl.SetField("dst_port", 33434); err != nil {
		t.Fatalf("SetField: %v", err)
	}
	return probe.Dup(tmpl)
}

func TestSchedulerDispatchesDueProbes(t *testing.T) {
	mt := &mockTransport{}
	s := NewScheduler(mt, []addr.Family{addr.FamilyV4}, time.Second, 16)

	p := newTestProbe(t)
	now := time.Unix(1000, 0)
	if err := s.Submit(p, now.Add(-time.Millisecond), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, _, _, err := s.Tick(now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(mt.sent) != 1 {
		t.Fatalf("expected 1 dispatched packet, got %d", len(mt.sent))
	}
	if s.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight probe, got %d", s.InFlightCount())
	}
}

func TestSchedulerCorrelatesReply(t *testing.T) {
	mt := &mockTransport{}
	s := NewScheduler(mt, []addr.Family{addr.FamilyV4}, time.Second, 16)

	p := newTestProbe(t)
	now := time.Unix(1000, 0)
	if err := s.Submit(p, now.Add(-time.Millisecond), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, _, _, err := s.Tick(now); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	mt.pending = &probe.Reply{
		Family:     addr.FamilyV4,
		SrcIP:      mustAddr(t, "192.0.2.2"),
		DstIP:      mustAddr(t, "192.0.2.1"),
		ReceivedAt: now,
	}
	replies, timeouts, _, err := s.Tick(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("expected 1 correlated reply, got %d", len(replies))
	}
	if len(timeouts) != 0 {
		t.Fatalf("expected 0 timeouts, got %d", len(timeouts))
	}
	if s.InFlightCount() != 0 {
		t.Fatal("expected the matched probe to be removed from in-flight")
	}
}

func TestSchedulerTimesOutUnansweredProbe(t *testing.T) {
	mt := &mockTransport{}
	s := NewScheduler(mt, []addr.Family{addr.FamilyV4}, 10*time.Millisecond, 16)

	p := newTestProbe(t)
	now := time.Unix(1000, 0)
	if err := s.Submit(p, now.Add(-time.Millisecond), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, _, _, err := s.Tick(now); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	_, timeouts, _, err := s.Tick(now.Add(20 * time.Millisecond))
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(timeouts) != 1 {
		t.Fatalf("expected 1 timeout, got %d", len(timeouts))
	}
}

func TestSubmitRejectsPastHighWaterMark(t *testing.T) {
	mt := &mockTransport{}
	s := NewScheduler(mt, []addr.Family{addr.FamilyV4}, time.Second, 1)

	now := time.Unix(1000, 0)
	if err := s.Submit(newTestProbe(t), now.Add(time.Hour), 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(newTestProbe(t), now.Add(time.Hour), 1); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
