// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package sched implements component E (§4.E): the outbound priority
// queue, the in-flight correlator map, and delay generators.
package sched

import (
	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/probe"
)

// Fingerprint identifies an in-flight probe by its flow identifier plus
// its src/dst "5-tuple" (family and addresses; port/identifier is
// already folded into FlowID, see probe.Probe.FlowID) — §4.B, §4.E.
type Fingerprint struct {
	FlowID uint64
	Family addr.Family
	Proto  probe.Proto
	Src    addr.Address
	Dst    addr.Address
}

// FingerprintOf derives a Fingerprint from a probe about to be dispatched.
func FingerprintOf(p *probe.Probe) Fingerprint {
	return Fingerprint{
		FlowID: p.FlowID,
		Family: p.Family,
		Proto:  p.Proto,
		Src:    p.SrcIP,
		Dst:    p.DstIP,
	}
}
