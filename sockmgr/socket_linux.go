// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

//go:build linux

package sockmgr

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dnaeon/mdatraceroute/addr"
)

// rawEndpoint wraps a Linux raw socket, adapted from
// sun977-NeoScan/netraw.RawSocket (syscall.Socket/Sendto/Recvfrom) onto
// golang.org/x/sys/unix and non-blocking I/O, since the event loop polls
// readiness itself rather than relying on SO_RCVTIMEO.
type rawEndpoint struct {
	socketFD int
	family   addr.Family
}

func (e *rawEndpoint) fd() int { return e.socketFD }

func (e *rawEndpoint) close() error {
	return unix.Close(e.socketFD)
}

// openSendEndpoint opens a raw socket with IP_HDRINCL (IPv4) so the
// caller's already-finalized probe bytes — including the IP header — are
// transmitted verbatim.
func openSendEndpoint(family addr.Family) (endpoint, error) {
	domain, proto, err := domainAndProto(family)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_RAW, proto)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if family == addr.FamilyV4 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("IP_HDRINCL: %w", err)
		}
	}
	// IPv6 sends are handed the same full probe bytes as IPv4 sends,
	// IPv6 header included; no header-include option is set here, and
	// IPV6_UNICAST_HOPS is set to 64 on a best-effort basis.
	if family == addr.FamilyV6 {
		// best effort; absence of this option is not fatal to sending.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 64)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SetNonblock: %w", err)
	}
	return &rawEndpoint{socketFD: fd, family: family}, nil
}

// openSniffEndpoint opens a raw ICMP socket (ICMPv4 or ICMPv6) to
// receive the time-exceeded / destination-unreachable / echo-reply
// traffic probes provoke.
func openSniffEndpoint(family addr.Family) (endpoint, error) {
	domain := unix.AF_INET
	proto := unix.IPPROTO_ICMP
	if family == addr.FamilyV6 {
		domain = unix.AF_INET6
		proto = unix.IPPROTO_ICMPV6
	}
	fd, err := unix.Socket(domain, unix.SOCK_RAW, proto)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SetNonblock: %w", err)
	}
	return &rawEndpoint{socketFD: fd, family: family}, nil
}

func (e *rawEndpoint) sendTo(dst addr.Address, packet []byte) error {
	if e.family == addr.FamilyV4 {
		var a [4]byte
		copy(a[:], dst.Bytes())
		sa := &unix.SockaddrInet4{Addr: a}
		return unix.Sendto(e.socketFD, packet, 0, sa)
	}
	var a [16]byte
	copy(a[:], dst.Bytes())
	sa := &unix.SockaddrInet6{Addr: a}
	return unix.Sendto(e.socketFD, packet, 0, sa)
}

func (e *rawEndpoint) recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(e.socketFD, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func domainAndProto(family addr.Family) (domain, proto int, err error) {
	switch family {
	case addr.FamilyV4:
		return unix.AF_INET, unix.IPPROTO_RAW, nil
	case addr.FamilyV6:
		return unix.AF_INET6, unix.IPPROTO_RAW, nil
	default:
		return 0, 0, fmt.Errorf("sockmgr: unknown family %d", family)
	}
}
