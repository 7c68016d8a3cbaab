// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Command mdatraceroute is a thin driver over the algo/traceroute,
// algo/mda and algo/ping packages: it builds Options from flags, wires
// a sockmgr/sched/loop stack around the requested algorithm, and prints
// events as they arrive. It carries no logic of its own beyond option
// parsing and formatting, same as the teacher's examples/traceroute
// main.go it replaces as the module's actual entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/algo/mda"
	"github.com/dnaeon/mdatraceroute/algo/ping"
	"github.com/dnaeon/mdatraceroute/algo/traceroute"
	"github.com/dnaeon/mdatraceroute/lattice"
	"github.com/dnaeon/mdatraceroute/loop"
	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/sched"
	"github.com/dnaeon/mdatraceroute/sockmgr"
	"github.com/dnaeon/mdatraceroute/wire"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("mdatraceroute: ")

	if len(os.Args) < 2 {
		usage()
		os.Exit(64)
	}

	mode, args := os.Args[1], os.Args[2:]
	switch mode {
	case "traceroute":
		if err := runTraceroute(args); err != nil {
			log.Fatal(err)
		}
	case "mda":
		if err := runMDA(args); err != nil {
			log.Fatal(err)
		}
	case "ping":
		if err := runPing(args); err != nil {
			log.Fatal(err)
		}
	default:
		usage()
		os.Exit(64)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: mdatraceroute <traceroute|mda|ping> [flags] <host>\n")
}

// setupSignalContext cancels the returned context on SIGINT, so a long
// MDA or ping run can be interrupted cleanly instead of leaving raw
// sockets open.
func setupSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func resolveDest(host string) (addr.Address, addr.Family, error) {
	ipAddr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return addr.Address{}, 0, fmt.Errorf("resolve %s: %w", host, err)
	}
	if v4 := ipAddr.IP.To4(); v4 != nil {
		a, err := addr.ParseAddress(v4.String())
		return a, addr.FamilyV4, err
	}
	a, err := addr.ParseAddress(ipAddr.IP.String())
	return a, addr.FamilyV6, err
}

func buildManagerAndLoop(family addr.Family, timeout time.Duration) (*sockmgr.Manager, *loop.Loop, error) {
	mgr, err := sockmgr.NewManager([]addr.Family{family})
	if err != nil {
		return nil, nil, fmt.Errorf("socket manager: %w", err)
	}
	sc := sched.NewScheduler(mgr, []addr.Family{family}, timeout, 64)
	l := loop.NewLoop(sc, loop.NewUnixPoller(mgr.ReadinessFDs()))
	return mgr, l, nil
}

func udpTemplate(family addr.Family, dst addr.Address, dstPort uint16, payloadLen int) (*probe.Template, error) {
	registry := wire.DefaultRegistry()
	tmpl, err := probe.NewTemplate(registry, family, probe.ProtoUDP, dst, payloadLen)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	if err := tmpl.SetField("dst_port", uint64(dstPort)); err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return tmpl, nil
}

func runTraceroute(args []string) error {
	fs := flag.NewFlagSet("traceroute", flag.ExitOnError)
	dstPort := fs.Uint("port", 33434, "destination port")
	maxTTL := fs.Uint("max-hops", 30, "maximum TTL to probe")
	probesPerHop := fs.Int("probes", 3, "probes sent per hop")
	waitMs := fs.Int("wait-ms", 500, "milliseconds to wait for a reply before timing out")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("traceroute: expected exactly one host argument")
	}
	host := fs.Arg(0)

	dst, family, err := resolveDest(host)
	if err != nil {
		return err
	}
	tmpl, err := udpTemplate(family, dst, uint16(*dstPort), 28)
	if err != nil {
		return err
	}
	mgr, l, err := buildManagerAndLoop(family, time.Duration(*waitMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer mgr.Close()

	opts := traceroute.Options{
		MinTTL:          1,
		MaxTTL:          uint8(*maxTTL),
		NumProbesPerHop: *probesPerHop,
		MaxUndiscovered: int(*maxTTL) + 1,
		Dst:             dst,
		FlowID:          1,
		OnEvent: func(ev traceroute.Event) {
			printTracerouteEvent(ev)
		},
	}
	handler, _ := traceroute.New(tmpl, opts)
	inst := l.AddInstance("traceroute", nil, tmpl, handler, opts)

	fmt.Printf("traceroute to %s (%s), %d hops max\n", host, dst, *maxTTL)
	return drive(l, inst)
}

func printTracerouteEvent(ev traceroute.Event) {
	switch ev.Kind {
	case traceroute.EventProbeReply:
		fmt.Printf("%-3d %s\n", ev.TTL, ev.Reply.SrcIP)
	case traceroute.EventStar:
		fmt.Printf("%-3d *\n", ev.TTL)
	}
}

func runMDA(args []string) error {
	fs := flag.NewFlagSet("mda", flag.ExitOnError)
	dstPort := fs.Uint("port", 33434, "destination port")
	maxTTL := fs.Uint("max-hops", 30, "maximum TTL to probe")
	alpha := fs.Float64("alpha", 0.05, "stopping-rule confidence (probability of missing a real load-balanced path)")
	maxBranching := fs.Int("max-branching", 16, "maximum next-hop count per interface assumed by the stopping rule (K)")
	maxUndiscovered := fs.Int("max-undiscovered", 5, "consecutive all-star hops before giving up")
	waitMs := fs.Int("wait-ms", 500, "milliseconds to wait for a reply before timing out")
	dotPath := fs.String("dot", "", "write the discovered lattice as Graphviz DOT to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("mda: expected exactly one host argument")
	}
	host := fs.Arg(0)

	dst, family, err := resolveDest(host)
	if err != nil {
		return err
	}
	tmpl, err := udpTemplate(family, dst, uint16(*dstPort), 28)
	if err != nil {
		return err
	}
	mgr, l, err := buildManagerAndLoop(family, time.Duration(*waitMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer mgr.Close()

	var lat *lattice.Lattice
	opts := mda.Options{
		MinTTL:          1,
		MaxTTL:          uint8(*maxTTL),
		MaxBranching:    *maxBranching,
		Alpha:           *alpha,
		MaxUndiscovered: *maxUndiscovered,
		Dst:             dst,
		OnEvent: func(ev mda.Event) {
			printMDAEvent(lat, ev)
		},
	}
	handler, state := mda.New(tmpl, opts)
	lat = state.Lattice
	inst := l.AddInstance("mda", nil, tmpl, handler, opts)

	fmt.Printf("mda traceroute to %s (%s), alpha=%g, max-branching=%d\n", host, dst, *alpha, *maxBranching)
	if err := drive(l, inst); err != nil {
		return err
	}

	if state.DestinationReached {
		fmt.Println("destination reached")
	} else {
		fmt.Println("destination not reached")
	}
	if *dotPath != "" {
		return writeDOT(state.Lattice, *dotPath)
	}
	return nil
}

func printMDAEvent(lat *lattice.Lattice, ev mda.Event) {
	if ev.Kind != mda.EventHopDone {
		return
	}
	node := lat.Node(ev.From)
	fmt.Printf("%-3d %-15s %s\n", ev.TTL, node.Addr, node.Classification)
}

func writeDOT(l *lattice.Lattice, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dot: %w", err)
	}
	defer f.Close()
	if err := l.WriteDOT(f); err != nil {
		return fmt.Errorf("dot: %w", err)
	}
	fmt.Printf("wrote lattice to %s\n", path)
	return nil
}

func runPing(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	dstPort := fs.Uint("port", 33457, "destination port")
	ttl := fs.Uint("ttl", 64, "TTL carried on every probe")
	count := fs.Int("count", 0, "number of probes to send, 0 for unbounded")
	intervalMs := fs.Int("interval-ms", 1000, "milliseconds between probes")
	waitMs := fs.Int("wait-ms", 1000, "milliseconds to wait for a reply before declaring loss")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("ping: expected exactly one host argument")
	}
	host := fs.Arg(0)

	dst, family, err := resolveDest(host)
	if err != nil {
		return err
	}
	tmpl, err := udpTemplate(family, dst, uint16(*dstPort), 4)
	if err != nil {
		return err
	}
	mgr, l, err := buildManagerAndLoop(family, time.Duration(*waitMs)*time.Millisecond)
	if err != nil {
		return err
	}
	defer mgr.Close()

	opts := ping.Options{
		TTL:      uint8(*ttl),
		Count:    *count,
		Interval: time.Duration(*intervalMs) * time.Millisecond,
		FlowID:   1,
		Dst:      dst,
		OnEvent: func(ev ping.Event) {
			printPingEvent(host, ev)
		},
	}
	handler, state := ping.New(tmpl, opts)
	inst := l.AddInstance("ping", nil, tmpl, handler, opts)

	fmt.Printf("PING %s (%s)\n", host, dst)
	if err := drive(l, inst); err != nil {
		return err
	}

	fmt.Printf("\n--- %s ping statistics ---\n", host)
	fmt.Printf("%d packets transmitted, %d received, %.0f%% loss\n",
		state.Stats.Sent, state.Stats.Received, state.Stats.LossPercent())
	if state.Stats.Received > 0 {
		fmt.Printf("rtt min/avg/max = %s/%s/%s\n", state.Stats.MinRTT, state.Stats.AvgRTT(), state.Stats.MaxRTT)
	}
	return nil
}

func printPingEvent(host string, ev ping.Event) {
	switch ev.Kind {
	case ping.EventReply:
		fmt.Printf("reply from %s: seq=%d time=%s\n", host, ev.Seq, ev.RTT)
	case ping.EventTimeout:
		fmt.Printf("no reply from %s: seq=%d\n", host, ev.Seq)
	}
}

// drive ticks the loop until the instance terminates or SIGINT arrives.
func drive(l *loop.Loop, inst *loop.Instance) error {
	ctx, cancel := setupSignalContext()
	defer cancel()

	for !inst.Terminated() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := l.Tick(); err != nil {
			return fmt.Errorf("tick: %w", err)
		}
	}
	return nil
}
