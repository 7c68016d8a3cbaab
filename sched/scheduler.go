// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package sched

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/probe"
)

// Transport is the subset of sockmgr.Manager the scheduler depends on.
// Factoring it out as an interface lets algo/traceroute and algo/mda
// tests drive the scheduler against a mock network instead of real raw
// sockets (§8 "traceroute termination" / "MDA classification" tests).
type Transport interface {
	Send(family addr.Family, dst addr.Address, packet []byte) error
	SniffReply(family addr.Family, now time.Time) (*probe.Reply, error)
}

// inFlightEntry is one probe awaiting a reply or a timeout.
type inFlightEntry struct {
	probe      *probe.Probe
	sendTime   time.Time
	deadline   time.Time
	instanceID int
}

// ReplyMatch is a probe/reply pair the correlator resolved this tick.
type ReplyMatch struct {
	Probe      *probe.Probe
	Reply      *probe.Reply
	InstanceID int
}

// TimedOut is an in-flight probe whose deadline elapsed without a reply.
type TimedOut struct {
	Probe      *probe.Probe
	InstanceID int
}

// Scheduler is the combined outbound queue and in-flight correlator
// (§4.E): the only component that touches sockmgr's send/sniff
// endpoints.
type Scheduler struct {
	transport Transport
	families  []addr.Family
	highWater int
	timeout   time.Duration

	queue    outboundQueue
	inFlight map[Fingerprint]*inFlightEntry
}

// NewScheduler builds a Scheduler bound to transport, dispatching on the
// given families with the given per-probe timeout and outbound
// high-water mark.
func NewScheduler(transport Transport, families []addr.Family, timeout time.Duration, highWater int) *Scheduler {
	return &Scheduler{
		transport: transport,
		families:  families,
		highWater: highWater,
		timeout:   timeout,
		inFlight:  make(map[Fingerprint]*inFlightEntry),
	}
}

// Submit enqueues p for dispatch at sendAt, owned by instanceID. Returns
// ErrQueueFull once the outbound queue is at its high-water mark.
func (s *Scheduler) Submit(p *probe.Probe, sendAt time.Time, instanceID int) error {
	if s.queue.PendingCount() >= s.highWater {
		return ErrQueueFull
	}
	heap.Push(&s.queue, &queueItem{probe: p, sendAt: sendAt, instanceID: instanceID})
	return nil
}

// SubmitBestEffort dispatches p immediately, bypassing the outbound
// queue entirely (§4.E DELAY_BEST_EFFORT).
func (s *Scheduler) SubmitBestEffort(p *probe.Probe, instanceID int, now time.Time) error {
	return s.dispatch(p, instanceID, now)
}

// PendingCount reports the outbound queue depth.
func (s *Scheduler) PendingCount() int { return s.queue.PendingCount() }

// InFlightCount reports how many probes are awaiting a reply or timeout.
func (s *Scheduler) InFlightCount() int { return len(s.inFlight) }

// NextDeadline returns the earliest time the loop's next tick must run:
// either the next queued send time or the earliest in-flight timeout,
// whichever is sooner. ok is false if there is nothing pending at all.
func (s *Scheduler) NextDeadline() (deadline time.Time, ok bool) {
	if s.queue.PendingCount() > 0 {
		deadline = s.queue.items[0].sendAt
		ok = true
	}
	for _, e := range s.inFlight {
		if !ok || e.deadline.Before(deadline) {
			deadline = e.deadline
			ok = true
		}
	}
	return deadline, ok
}

func (s *Scheduler) dispatch(p *probe.Probe, instanceID int, now time.Time) error {
	if err := p.Finalize(); err != nil {
		return fmt.Errorf("sched: finalize: %w", err)
	}
	if err := s.transport.Send(p.Family, p.DstIP, p.Bytes()); err != nil {
		return err
	}
	fp := FingerprintOf(p)
	s.inFlight[fp] = &inFlightEntry{
		probe:      p,
		sendTime:   now,
		deadline:   now.Add(s.timeout),
		instanceID: instanceID,
	}
	return nil
}

// DispatchFailure reports a per-probe send failure (§7 SendFailed): it
// never reaches the in-flight map, and is surfaced to the owning
// instance as KindAlgorithmError rather than failing the whole tick.
type DispatchFailure struct {
	InstanceID int
	Err        error
}

// Tick runs the numbered 3-step algorithm of §4.E:
//  1. dispatch every queued probe whose send time has arrived;
//  2. drain sniff endpoints, correlating replies against the in-flight map;
//  3. expire in-flight entries whose deadline has passed.
func (s *Scheduler) Tick(now time.Time) (replies []ReplyMatch, timeouts []TimedOut, failures []DispatchFailure, err error) {
	for s.queue.PendingCount() > 0 && !s.queue.items[0].sendAt.After(now) {
		item := heap.Pop(&s.queue).(*queueItem)
		if dispatchErr := s.dispatch(item.probe, item.instanceID, now); dispatchErr != nil {
			failures = append(failures, DispatchFailure{InstanceID: item.instanceID, Err: dispatchErr})
		}
	}

	for _, family := range s.families {
		for {
			reply, sniffErr := s.transport.SniffReply(family, now)
			if sniffErr != nil {
				break
			}
			s.correlate(reply, &replies)
		}
	}

	for fp, entry := range s.inFlight {
		if !entry.deadline.After(now) {
			delete(s.inFlight, fp)
			timeouts = append(timeouts, TimedOut{Probe: entry.probe, InstanceID: entry.instanceID})
		}
	}
	return replies, timeouts, failures, nil
}

func (s *Scheduler) correlate(reply *probe.Reply, replies *[]ReplyMatch) {
	for fp, entry := range s.inFlight {
		if !probe.Matches(entry.probe, reply) {
			continue
		}
		delete(s.inFlight, fp)
		*replies = append(*replies, ReplyMatch{Probe: entry.probe, Reply: reply, InstanceID: entry.instanceID})
		return
	}
	// no in-flight probe matched; likely an unrelated ICMP message on the
	// shared raw socket. Dropped per §4.E step 2.
}
