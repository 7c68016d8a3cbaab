// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See bits.go for the full license text.

package wire

import "fmt"

// ICMPv4 and ICMPv6 type values that matter to MDA (§4.B, §9 "classical
// traceroute" reuse): time-exceeded and destination-unreachable quote an
// inner packet; echo reply does not.
const (
	ICMPv4TimeExceeded        = 11
	ICMPv4DestinationUnreach  = 3
	ICMPv4EchoReply           = 0
	ICMPv6TimeExceeded        = 3
	ICMPv6DestinationUnreach  = 1
	ICMPv6EchoReply           = 129
)

// Quotation is the inner, quoted packet carried by an ICMP time-exceeded
// or destination-unreachable error: the original IP header plus the
// first 8 bytes of whatever transport header followed it. Routers are
// not required to quote more than that, so Quotation never exposes a
// full inner Stack — only the handful of fields §4.B's probe_extract_ext
// needs to correlate the error back to the probe that caused it.
type Quotation struct {
	Family      Family
	SrcIP       []byte
	DstIP       []byte
	Protocol    uint8
	TransportHdr []byte // first 8 (or fewer) bytes of the quoted transport header
}

// Family mirrors addr.Family without importing the addr package, to keep
// wire dependency-free of higher layers.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// ParseICMPError parses the ICMP payload following an ICMPv4 or ICMPv6
// error header, extracting the quoted inner packet. icmpPayload is
// everything after the 8-byte ICMP header (stack.BytesFrom(icmpLayer+1)
// in Stack terms, or the raw bytes read off the wire by sockmgr).
func ParseICMPError(family Family, icmpPayload []byte) (*Quotation, error) {
	switch family {
	case FamilyV4:
		return parseICMPv4Quotation(icmpPayload)
	case FamilyV6:
		return parseICMPv6Quotation(icmpPayload)
	default:
		return nil, fmt.Errorf("wire: unknown family %d", family)
	}
}

func parseICMPv4Quotation(b []byte) (*Quotation, error) {
	if len(b) < 20 {
		return nil, fmt.Errorf("wire: icmpv4 quotation too short (%d bytes)", len(b))
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < 20 {
		ihl = 20
	}
	if len(b) < ihl {
		return nil, fmt.Errorf("wire: icmpv4 quoted ipv4 header truncated")
	}
	q := &Quotation{
		Family:   FamilyV4,
		SrcIP:    append([]byte(nil), b[12:16]...),
		DstIP:    append([]byte(nil), b[16:20]...),
		Protocol: b[9],
	}
	rest := b[ihl:]
	n := 8
	if len(rest) < n {
		n = len(rest)
	}
	q.TransportHdr = append([]byte(nil), rest[:n]...)
	return q, nil
}

func parseICMPv6Quotation(b []byte) (*Quotation, error) {
	if len(b) < 40 {
		return nil, fmt.Errorf("wire: icmpv6 quotation too short (%d bytes)", len(b))
	}
	q := &Quotation{
		Family:   FamilyV6,
		SrcIP:    append([]byte(nil), b[8:24]...),
		DstIP:    append([]byte(nil), b[24:40]...),
		Protocol: b[6],
	}
	rest := b[40:]
	n := 8
	if len(rest) < n {
		n = len(rest)
	}
	q.TransportHdr = append([]byte(nil), rest[:n]...)
	return q, nil
}

// QuotedSrcPort reads the source port out of the first 8 bytes of a
// quoted UDP or TCP header, used to correlate an ICMP error back to the
// flow that triggered it when the quoted header doesn't carry the
// checksum-tuned bytes.
func (q *Quotation) QuotedSrcPort() (uint16, bool) {
	if len(q.TransportHdr) < 2 {
		return 0, false
	}
	return uint16(q.TransportHdr[0])<<8 | uint16(q.TransportHdr[1]), true
}

// QuotedDstPort reads the destination port out of the quoted transport
// header.
func (q *Quotation) QuotedDstPort() (uint16, bool) {
	if len(q.TransportHdr) < 4 {
		return 0, false
	}
	return uint16(q.TransportHdr[2])<<8 | uint16(q.TransportHdr[3]), true
}

// QuotedUDPChecksum reads the checksum field out of a quoted UDP header
// (bytes 6-7 of the 8-byte header) — the UDP Paris-style flow identifier
// lives here, not in the ports (§4.A).
func (q *Quotation) QuotedUDPChecksum() (uint16, bool) {
	if len(q.TransportHdr) < 8 {
		return 0, false
	}
	return uint16(q.TransportHdr[6])<<8 | uint16(q.TransportHdr[7]), true
}

// QuotedICMPIdentifier reads the identifier field out of a quoted ICMP
// echo header (bytes 4-5 of the 8-byte header).
func (q *Quotation) QuotedICMPIdentifier() (uint16, bool) {
	if len(q.TransportHdr) < 6 {
		return 0, false
	}
	return uint16(q.TransportHdr[4])<<8 | uint16(q.TransportHdr[5]), true
}
