// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package sockmgr

import (
	"fmt"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/probe"
	"github.com/dnaeon/mdatraceroute/wire"
)

// SniffReply reads one datagram from family's sniff endpoint and decodes
// it into a probe.Reply. It returns ErrWouldBlock when nothing is
// pending and ErrDecodeFailed (wrapping the parse error) when the bytes
// don't parse as an IP-plus-ICMP packet.
func (m *Manager) SniffReply(family addr.Family, now time.Time) (*probe.Reply, error) {
	buf := make([]byte, 65536)
	n, err := m.Sniff(family, buf)
	if err != nil {
		return nil, err
	}
	return decodeReply(family, buf[:n], now)
}

func decodeReply(family addr.Family, raw []byte, now time.Time) (*probe.Reply, error) {
	var srcBytes, dstBytes []byte
	var icmpType, icmpCode uint8
	var icmpPayload []byte

	switch family {
	case addr.FamilyV4:
		if len(raw) < 20 {
			return nil, fmt.Errorf("%w: ipv4 packet too short", ErrDecodeFailed)
		}
		ihl := int(raw[0]&0x0f) * 4
		if ihl < 20 || len(raw) < ihl+8 {
			return nil, fmt.Errorf("%w: ipv4 header/icmp truncated", ErrDecodeFailed)
		}
		srcBytes = raw[12:16]
		dstBytes = raw[16:20]
		icmpType, icmpCode = raw[ihl], raw[ihl+1]
		icmpPayload = raw[ihl+8:]
	case addr.FamilyV6:
		// A raw ICMPv6 socket on Linux delivers payload without the
		// IPv6 header (unlike IPv4 raw sockets), so the source address
		// has to come from recvfrom's peer address in a fuller
		// implementation; here we require the caller to have read it
		// via a control message. We degrade to parsing just the ICMPv6
		// header and quotation, leaving Src/DstIP to be filled in by
		// the caller from ancillary data when available.
		if len(raw) < 8 {
			return nil, fmt.Errorf("%w: icmpv6 packet too short", ErrDecodeFailed)
		}
		icmpType, icmpCode = raw[0], raw[1]
		icmpPayload = raw[8:]
	default:
		return nil, fmt.Errorf("%w: unknown family %d", ErrDecodeFailed, family)
	}

	r := &probe.Reply{
		Family:     family,
		ICMPType:   icmpType,
		ICMPCode:   icmpCode,
		ReceivedAt: now,
	}
	if srcBytes != nil {
		if a, err := addressFromBytes(family, srcBytes); err == nil {
			r.SrcIP = a
		}
	}
	if dstBytes != nil {
		if a, err := addressFromBytes(family, dstBytes); err == nil {
			r.DstIP = a
		}
	}

	if isICMPError(family, icmpType) {
		wireFamily := wire.FamilyV4
		if family == addr.FamilyV6 {
			wireFamily = wire.FamilyV6
		}
		q, err := wire.ParseICMPError(wireFamily, icmpPayload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		}
		r.Quotation = q
	}
	return r, nil
}

func isICMPError(family addr.Family, icmpType uint8) bool {
	if family == addr.FamilyV4 {
		return icmpType == wire.ICMPv4TimeExceeded || icmpType == wire.ICMPv4DestinationUnreach
	}
	return icmpType == wire.ICMPv6TimeExceeded || icmpType == wire.ICMPv6DestinationUnreach
}

func addressFromBytes(family addr.Family, b []byte) (addr.Address, error) {
	if family == addr.FamilyV4 {
		if len(b) != 4 {
			return addr.Address{}, fmt.Errorf("sockmgr: bad ipv4 address length %d", len(b))
		}
		return addr.ParseAddress(fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3]))
	}
	if len(b) != 16 {
		return addr.Address{}, fmt.Errorf("sockmgr: bad ipv6 address length %d", len(b))
	}
	var parts [8]uint16
	for i := 0; i < 8; i++ {
		parts[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	s := fmt.Sprintf("%x:%x:%x:%x:%x:%x:%x:%x", parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6], parts[7])
	return addr.ParseAddress(s)
}
