// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
//  1. Redistributions of source code must retain the above copyright
//     notice, this list of conditions and the following disclaimer
//     in this position and unchanged.
//  2. Redistributions in binary form must reproduce the above copyright
//     notice, this list of conditions and the following disclaimer in the
//     documentation and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE AUTHOR(S) ``AS IS'' AND ANY EXPRESS OR
// IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES
// OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE DISCLAIMED.
// IN NO EVENT SHALL THE AUTHOR(S) BE LIABLE FOR ANY DIRECT, INDIRECT,
// INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT
// NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF
// THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package tracer keeps the original channel-based Tracer/Trace surface,
// but no longer hand-rolls epoll/SockExtendedErr parsing to get there:
// every Trace call wires a sockmgr.Manager, sched.Scheduler and loop.Loop
// around algo/traceroute and republishes its events on the same Probe
// channel callers already expect.
package tracer

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/algo/traceroute"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/sched"
	"github.com/dnaeon/mdatraceroute/sockmgr"
	"github.com/dnaeon/mdatraceroute/wire"
)

// Options provide configuration settings for the Tracer.
type Options struct {
	// "Unlikely" destination port to use when tracing.
	DestinationPort uint16

	// Specifies the maximum number of hops (max time-to-live) the
	// Tracer will probe.
	MaxHops int

	// Specifies the number of probes to send per hop.
	NumProbes uint

	// Specifies how long to wait for a response to a probe.
	ProbeMaxWaitDuration time.Duration

	// PacketLength represents the size of the probe packets
	PacketLength int
}

// Default options for the Tracer
var DefaultOptions = &Options{
	DestinationPort:      33434,
	MaxHops:              30,
	NumProbes:            3,
	ProbeMaxWaitDuration: 500 * time.Millisecond,
	PacketLength:         60,
}

// Tracer implements the traditional, ancient method of tracerouting,
// which uses probes as UDP datagram packets and an "unlikely"
// destination port.
type Tracer struct {
	opts *Options
}

// New creates a new Tracer with the given options.
func New(opts *Options) *Tracer {
	if opts == nil {
		opts = DefaultOptions
	}
	return &Tracer{opts: opts}
}

// Probe represents a trace probe
type Probe struct {
	// Start time of the probe
	Start time.Time

	// End time of the probe
	End time.Time

	// IP of the discovered hop
	Hop net.IP

	// TTL of the probe
	TTL int

	// Error provides the error which may have occurred during
	// tracing
	Error error
}

// Trace traces the hops between us and the destination.
func (t *Tracer) Trace(ctx context.Context, dest net.IP) <-chan Probe {
	ch := make(chan Probe)
	go t.run(ctx, dest, ch)
	return ch
}

func (t *Tracer) run(ctx context.Context, dest net.IP, ch chan<- Probe) {
	defer close(ch)

	dst, family, err := addressFromNetIP(dest)
	if err != nil {
		ch <- Probe{Error: err}
		return
	}

	registry := wire.DefaultRegistry()
	payloadLen := t.opts.PacketLength - 28 // minus the UDP/IPv4 header lengths Finalize accounts for
	if payloadLen < 2 {
		payloadLen = 2
	}
	template, err := probe.NewTemplate(registry, family, probe.ProtoUDP, dst, payloadLen)
	if err != nil {
		ch <- Probe{Error: fmt.Errorf("tracer: %w", err)}
		return
	}
	if err := template.SetField("dst_port", uint64(t.opts.DestinationPort)); err != nil {
		ch <- Probe{Error: fmt.Errorf("tracer: %w", err)}
		return
	}

	mgr, err := sockmgr.NewManager([]addr.Family{family})
	if err != nil {
		ch <- Probe{Error: fmt.Errorf("tracer: %w", err)}
		return
	}
	defer mgr.Close()

	sc := sched.NewScheduler(mgr, []addr.Family{family}, t.opts.ProbeMaxWaitDuration, 64)
	l := loop.NewLoop(sc, loop.NewUnixPoller(mgr.ReadinessFDs()))

	var state *traceroute.State
	sent := make(map[*probe.Probe]time.Time)
	recordSent := func() {
		for _, p := range state.Probes {
			if _, ok := sent[p]; !ok {
				sent[p] = time.Now()
			}
		}
	}

	algoOpts := traceroute.Options{
		MinTTL:          1,
		MaxTTL:          uint8(t.opts.MaxHops),
		NumProbesPerHop: int(t.opts.NumProbes),
		MaxUndiscovered: t.opts.MaxHops + 1, // never stop early on stars; only MaxHops/destination end the walk, per the original
		Dst:             dst,
		FlowID:          1,
		OnEvent: func(ev traceroute.Event) {
			// Only EventProbeReply/EventStar carry a real probe; the
			// terminal events (destination reached, max TTL, too many
			// stars) just end the run, same as the original where
			// closing ch was the only completion signal.
			if ev.Kind != traceroute.EventProbeReply && ev.Kind != traceroute.EventStar {
				return
			}
			ch <- toFacadeProbe(ev, sent)
		},
	}

	handler, st := traceroute.New(template, algoOpts)
	state = st
	inst := l.AddInstance("traceroute", nil, template, handler, algoOpts)
	recordSent()

	for !inst.Terminated() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := l.Tick(); err != nil {
			ch <- Probe{Error: err}
			return
		}
		recordSent()
	}
}

func toFacadeProbe(ev traceroute.Event, sent map[*probe.Probe]time.Time) Probe {
	start := sent[ev.Probe]
	end := time.Now()

	p := Probe{
		Start: start,
		End:   end,
		Hop:   net.IPv4zero,
		TTL:   int(ev.TTL),
	}
	if ev.Reply != nil && ev.Reply.SrcIP.IsValid() {
		p.Hop = netIPFromAddress(ev.Reply.SrcIP)
	}
	return p
}

func addressFromNetIP(ip net.IP) (addr.Address, addr.Family, error) {
	var a netip.Addr
	if v4 := ip.To4(); v4 != nil {
		a = netip.AddrFrom4([4]byte(v4))
	} else if v6 := ip.To16(); v6 != nil {
		a = netip.AddrFrom16([16]byte(v6))
	} else {
		return addr.Address{}, 0, fmt.Errorf("tracer: invalid destination address %v", ip)
	}

	addrVal, err := addr.FromAddr(a)
	if err != nil {
		return addr.Address{}, 0, err
	}
	return addrVal, addrVal.Family(), nil
}

func netIPFromAddress(a addr.Address) net.IP {
	return net.IP(a.NetIP().AsSlice())
}
