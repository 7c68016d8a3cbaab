// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package probe implements the Probe/Reply data model (§3, §4.B): a
// template that seeds value-like, independently-sendable probes, and the
// matching predicate the correlator uses to pair a reply back to the
// probe that caused it.
package probe

import (
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/wire"
)

// Proto names the transport layer a probe carries.
type Proto uint8

const (
	ProtoUDP Proto = iota
	ProtoTCP
	ProtoICMP
)

func (p Proto) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	case ProtoICMP:
		return "icmp"
	default:
		return "unknown"
	}
}

// Probe is a concrete, independently-owned instance materialized from a
// Template via Dup. It is never shared: the scheduler, the in-flight
// table and eventually the matching Reply each refer to the same *Probe
// value, but only one of them writes to it at a time (§3 Ownership
// summary).
type Probe struct {
	Stack  *wire.Stack
	Family addr.Family
	Proto  Proto

	SrcIP addr.Address // zero value means "resolve at send time"
	DstIP addr.Address
	TTL   uint8

	// FlowID is the caller-chosen constant the wire codec holds fixed
	// across probes meant to follow the same path (§4.A "Paris-style
	// flow identifier"): the UDP checksum, the ICMP echo identifier, or
	// the TCP source port, depending on Proto.
	FlowID uint64

	CreatedAt time.Time
	Delay     time.Duration
}

// Dup materializes an independent Probe from a Template: the stack is
// deep-copied so that mutating the probe (filling in src_ip, writing the
// flow-identifier bytes at send time) never touches the template or any
// other probe cloned from it. Templates are never sent (§3 Probe).
func Dup(t *Template) *Probe {
	return &Probe{
		Stack:  t.stack.Clone(),
		Family: t.family,
		Proto:  t.proto,
		SrcIP:  t.srcIP,
		DstIP:  t.dstIP,
		TTL:    t.ttl,
		FlowID: t.flowID,
		Delay:  t.delay,
	}
}

// Extract reads the host-endian value of key from the first layer that
// declares it.
func Extract(p *Probe, key string) (uint64, error) {
	return p.Stack.GetField(key)
}

// ExtractExt reads key from a specific layer index — mandatory for
// reading inside an ICMP-quoted inner IP header.
func ExtractExt(p *Probe, key string, layerIndex int) (uint64, error) {
	return p.Stack.GetFieldAt(layerIndex, key)
}

// SetField writes value into the first layer declaring key.
func (p *Probe) SetField(key string, value uint64) error {
	return p.Stack.SetField(key, value)
}

// Finalize writes the probe's TTL/hop-limit and address fields into the
// IP layer buffer, runs every layer's PreFinalize hook (e.g. the UDP
// length field), tunes the flow identifier against that now-stable
// state, and only then computes and writes every layer's checksum. The
// flow identifier must be tuned after PreFinalize and before the
// checksum pass: tuning solves for the checksum the final pass will
// compute, and PreFinalize's field writes (UDP length, in particular)
// change what that computation covers. If SrcIP was never resolved (the
// zero Address), the source bytes are left as-is; sockmgr resolves it
// before calling Finalize by asking the OS for its outbound route (§3
// "the IP source address, if unset, is filled at send time").
func (p *Probe) Finalize() error {
	ipIdx := p.Stack.IndexOf("ipv4")
	if ipIdx < 0 {
		ipIdx = p.Stack.IndexOf("ipv6")
	}
	if ipIdx < 0 {
		return p.Stack.Finalize()
	}
	buf := p.Stack.Layers[ipIdx].Buf

	ttlKey := "ttl"
	if p.Family == addr.FamilyV6 {
		ttlKey = "hop_limit"
	}
	if err := p.Stack.SetField(ttlKey, uint64(p.TTL)); err != nil {
		return err
	}

	srcOff, dstOff, n := 12, 16, 4
	if p.Family == addr.FamilyV6 {
		srcOff, dstOff, n = 8, 24, 16
	}
	if p.SrcIP.IsValid() {
		copy(buf[srcOff:srcOff+n], p.SrcIP.Bytes())
	}
	if p.DstIP.IsValid() {
		copy(buf[dstOff:dstOff+n], p.DstIP.Bytes())
	}

	if err := p.Stack.RunPreFinalize(); err != nil {
		return err
	}
	if err := applyFlowIdentifier(p); err != nil {
		return err
	}
	return p.Stack.FinalizeChecksums()
}

// Bytes returns the probe's full on-wire byte sequence. Callers must call
// Finalize first.
func (p *Probe) Bytes() []byte {
	return p.Stack.Bytes()
}
