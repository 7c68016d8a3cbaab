// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package probe

import (
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/wire"
)

// Reply owns a probe-shaped object built from the raw bytes the sniffer
// delivered, plus the receive timestamp (§3 Reply). When the outer layer
// is an ICMP error, Quotation holds the parsed inner packet the router
// quoted.
type Reply struct {
	Family     addr.Family
	SrcIP      addr.Address
	DstIP      addr.Address
	ICMPType   uint8
	ICMPCode   uint8
	Quotation  *wire.Quotation // nil unless ICMPType/Code indicate an error
	ReceivedAt time.Time
}

// IsICMPError reports whether this reply carries a quoted inner packet.
func (r *Reply) IsICMPError() bool {
	return r.Quotation != nil
}

// Matches implements the reply-matching predicate of §4.B: true iff the
// reply is addressed to the probe's source and either comes straight from
// the probe's destination, or is an ICMP error (from the target or from a
// transit hop) whose quoted inner layer's addresses and flow identifier
// match the probe that supposedly caused it. Cross-protocol matches (an
// ICMP error for a UDP probe) are valid as long as the quotation checks
// out.
func Matches(p *Probe, r *Reply) bool {
	if p.Family != r.Family {
		return false
	}
	if !r.DstIP.Equal(p.SrcIP) {
		return false
	}
	if !r.IsICMPError() {
		return r.SrcIP.Equal(p.DstIP)
	}
	return quotationMatches(p, r.Quotation)
}

func quotationMatches(p *Probe, q *wire.Quotation) bool {
	if q == nil {
		return false
	}
	wantFamily := wire.FamilyV4
	if p.Family == addr.FamilyV6 {
		wantFamily = wire.FamilyV6
	}
	if q.Family != wantFamily {
		return false
	}

	if p.SrcIP.IsValid() && !bytesEqual(q.SrcIP, p.SrcIP.Bytes()) {
		return false
	}
	if !bytesEqual(q.DstIP, p.DstIP.Bytes()) {
		return false
	}

	switch p.Proto {
	case ProtoUDP:
		if q.Protocol != 17 {
			return false
		}
		cs, ok := q.QuotedUDPChecksum()
		return ok && uint64(cs) == (p.FlowID&0xffff)
	case ProtoTCP:
		if q.Protocol != 6 {
			return false
		}
		port, ok := q.QuotedSrcPort()
		return ok && uint64(port) == (p.FlowID&0xffff)
	case ProtoICMP:
		wantProto := uint8(1)
		if p.Family == addr.FamilyV6 {
			wantProto = 58
		}
		if q.Protocol != wantProto {
			return false
		}
		id, ok := q.QuotedICMPIdentifier()
		return ok && uint64(id) == (p.FlowID&0xffff)
	default:
		return false
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
