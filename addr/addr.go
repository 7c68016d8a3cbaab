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

// Package addr implements the tagged-union address type shared by every
// layer of the probe engine: a family tag plus the address bytes, with
// equality and a total ordering defined family-first.
package addr

import (
	"fmt"
	"net/netip"
)

// Family identifies the address family of an Address.
type Family uint8

const (
	// FamilyV4 tags an IPv4 address.
	FamilyV4 Family = 4
	// FamilyV6 tags an IPv6 address.
	FamilyV6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Address is a tagged union over IPv4 and IPv6 addresses. The zero value is
// not a valid address; use ParseAddress or FromAddr to construct one.
type Address struct {
	family Family
	addr   netip.Addr
}

// FromAddr wraps a netip.Addr, tagging it with its family.
func FromAddr(a netip.Addr) (Address, error) {
	switch {
	case a.Is4() || a.Is4In6():
		return Address{family: FamilyV4, addr: a.Unmap()}, nil
	case a.Is6():
		return Address{family: FamilyV6, addr: a}, nil
	default:
		return Address{}, fmt.Errorf("addr: invalid or zero address")
	}
}

// MustFromAddr is like FromAddr but panics on error. Intended for use with
// compile-time-known constants (tests, mock networks).
func MustFromAddr(a netip.Addr) Address {
	addr, err := FromAddr(a)
	if err != nil {
		panic(err)
	}
	return addr
}

// ParseAddress parses a textual IPv4 or IPv6 address.
func ParseAddress(s string) (Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return Address{}, fmt.Errorf("addr: %w", err)
	}
	return FromAddr(a)
}

// Family reports which address family this Address belongs to.
func (a Address) Family() Family {
	return a.family
}

// IsValid reports whether a carries a real address.
func (a Address) IsValid() bool {
	return a.addr.IsValid()
}

// NetIP returns the netip.Addr backing this Address.
func (a Address) NetIP() netip.Addr {
	return a.addr
}

// Bytes returns the address in its on-wire byte representation (4 bytes for
// IPv4, 16 for IPv6).
func (a Address) Bytes() []byte {
	b := a.addr.As16()
	if a.family == FamilyV4 {
		b4 := a.addr.As4()
		return b4[:]
	}
	return b[:]
}

// String returns the textual representation of the address.
func (a Address) String() string {
	if !a.addr.IsValid() {
		return "<invalid>"
	}
	return a.addr.String()
}

// Equal reports whether two addresses are identical: same family, same
// bytes.
func (a Address) Equal(other Address) bool {
	return a.family == other.family && a.addr == other.addr
}

// Compare provides a total ordering over addresses: family first, then
// lexicographic comparison of the address bytes.
func (a Address) Compare(other Address) int {
	if a.family != other.family {
		if a.family < other.family {
			return -1
		}
		return 1
	}
	return a.addr.Compare(other.addr)
}

// Zero reports whether the address is the all-zeros address for its family
// (used by the subalgorithms to represent a non-responsive "star" hop).
func (a Address) Zero() bool {
	if !a.addr.IsValid() {
		return true
	}
	for _, b := range a.Bytes() {
		if b != 0 {
			return false
		}
	}
	return true
}

// Null returns the distinguished non-responsive "star" address for a
// family: the all-zeros address. The lattice uses this to represent a hop
// that never replied.
func Null(f Family) Address {
	switch f {
	case FamilyV4:
		return MustFromAddr(netip.IPv4Unspecified())
	default:
		return MustFromAddr(netip.IPv6Unspecified())
	}
}
