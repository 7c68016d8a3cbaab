// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See bits.go for the full license text.

package wire

import "encoding/binary"

// This file is the static table of protocol descriptors the rest of the
// codec is built from (§4.A). Field offsets and bit widths follow RFC 791
// (IPv4), RFC 8200 (IPv6), RFC 792 (ICMPv4), RFC 4443 (ICMPv6), RFC 768
// (UDP) and RFC 9293 (TCP).

// IPv4Descriptor describes a fixed 20-byte IPv4 header (no options).
var IPv4Descriptor = &ProtocolDescriptor{
	Name:      "ipv4",
	HeaderLen: 20,
	Fields: []Field{
		{Key: "version", Type: TypeBits, ByteOffset: 0, BitOffset: 0, BitWidth: 4},
		{Key: "ihl", Type: TypeBits, ByteOffset: 0, BitOffset: 4, BitWidth: 4},
		{Key: "tos", Type: TypeU8, ByteOffset: 1},
		{Key: "total_length", Type: TypeU16, ByteOffset: 2},
		{Key: "id", Type: TypeU16, ByteOffset: 4},
		{Key: "flags", Type: TypeBits, ByteOffset: 6, BitOffset: 0, BitWidth: 3},
		{Key: "fragment_offset", Type: TypeBits, ByteOffset: 6, BitOffset: 3, BitWidth: 13},
		{Key: "ttl", Type: TypeU8, ByteOffset: 8},
		{Key: "protocol", Type: TypeU8, ByteOffset: 9},
		{Key: "checksum", Type: TypeU16, ByteOffset: 10},
		{Key: "src_ip", Type: TypeAddrV4, ByteOffset: 12, Len: 4},
		{Key: "dst_ip", Type: TypeAddrV4, ByteOffset: 16, Len: 4},
	},
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumIPv4,
	PreFinalize: func(s *Stack, i int) error {
		return s.Layers[i].Descriptor.SetField(s.Layers[i].Buf, "total_length", uint64(len(s.BytesFrom(i))))
	},
}

// IPv6Descriptor describes a fixed 40-byte IPv6 header (no extension
// headers).
var IPv6Descriptor = &ProtocolDescriptor{
	Name:      "ipv6",
	HeaderLen: 40,
	Fields: []Field{
		{Key: "version", Type: TypeBits, ByteOffset: 0, BitOffset: 0, BitWidth: 4},
		{Key: "traffic_class", Type: TypeBits, ByteOffset: 0, BitOffset: 4, BitWidth: 8},
		{Key: "flow_label", Type: TypeBits, ByteOffset: 1, BitOffset: 4, BitWidth: 20},
		{
			Key:  "payload_length",
			Type: TypeComputed,
			Get:  func(buf []byte) (uint64, error) { return uint64(binary.BigEndian.Uint16(buf[4:6])), nil },
			Set: func(buf []byte, v uint64) error {
				binary.BigEndian.PutUint16(buf[4:6], uint16(v))
				return nil
			},
		},
		{
			// length = payload_length + 40, the computed field named in §4.A.
			Key:  "length",
			Type: TypeComputed,
			Get: func(buf []byte) (uint64, error) {
				return uint64(binary.BigEndian.Uint16(buf[4:6])) + 40, nil
			},
			Set: func(buf []byte, v uint64) error {
				binary.BigEndian.PutUint16(buf[4:6], uint16(v-40))
				return nil
			},
		},
		{Key: "next_header", Type: TypeU8, ByteOffset: 6},
		{Key: "protocol", Type: TypeU8, ByteOffset: 6},
		{Key: "hop_limit", Type: TypeU8, ByteOffset: 7},
		{Key: "ttl", Type: TypeU8, ByteOffset: 7},
		{Key: "src_ip", Type: TypeAddrV6, ByteOffset: 8, Len: 16},
		{Key: "dst_ip", Type: TypeAddrV6, ByteOffset: 24, Len: 16},
	},
	OwnsChecksum: false,
	PreFinalize: func(s *Stack, i int) error {
		payload := len(s.BytesFrom(i)) - 40
		if payload < 0 {
			payload = 0
		}
		binary.BigEndian.PutUint16(s.Layers[i].Buf[4:6], uint16(payload))
		return nil
	},
}

// ICMPv4Descriptor describes the common 8-byte ICMPv4 header (echo,
// time-exceeded, destination-unreachable share this shape; the last 4
// bytes are either id/sequence or unused/reserved depending on type).
var ICMPv4Descriptor = &ProtocolDescriptor{
	Name:      "icmpv4",
	HeaderLen: 8,
	Fields: []Field{
		{Key: "type", Type: TypeU8, ByteOffset: 0},
		{Key: "code", Type: TypeU8, ByteOffset: 1},
		{Key: "checksum", Type: TypeU16, ByteOffset: 2},
		{Key: "id", Type: TypeU16, ByteOffset: 4},
		{Key: "seq", Type: TypeU16, ByteOffset: 6},
	},
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumICMPv4,
}

// ICMPv6Descriptor mirrors ICMPv4Descriptor but its checksum covers the
// IPv6 pseudoheader (RFC 4443).
var ICMPv6Descriptor = &ProtocolDescriptor{
	Name:      "icmpv6",
	HeaderLen: 8,
	Fields: []Field{
		{Key: "type", Type: TypeU8, ByteOffset: 0},
		{Key: "code", Type: TypeU8, ByteOffset: 1},
		{Key: "checksum", Type: TypeU16, ByteOffset: 2},
		{Key: "id", Type: TypeU16, ByteOffset: 4},
		{Key: "seq", Type: TypeU16, ByteOffset: 6},
	},
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumICMPv6,
}

// UDPv4Descriptor describes the 8-byte UDP header for use in an IPv4
// stack; its checksum covers the IPv4 pseudoheader.
var UDPv4Descriptor = &ProtocolDescriptor{
	Name:      "udp4",
	HeaderLen: 8,
	Fields:    udpFields(),
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumUDPv4,
	PreFinalize:   udpLengthPreFinalize,
}

// UDPv6Descriptor is UDPv4Descriptor's IPv6 counterpart.
var UDPv6Descriptor = &ProtocolDescriptor{
	Name:          "udp6",
	HeaderLen:     8,
	Fields:        udpFields(),
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumUDPv6,
	PreFinalize:   udpLengthPreFinalize,
}

func udpFields() []Field {
	return []Field{
		{Key: "src_port", Type: TypeU16, ByteOffset: 0},
		{Key: "dst_port", Type: TypeU16, ByteOffset: 2},
		{Key: "length", Type: TypeU16, ByteOffset: 4},
		{Key: "checksum", Type: TypeU16, ByteOffset: 6},
	}
}

func udpLengthPreFinalize(s *Stack, i int) error {
	return s.Layers[i].Descriptor.SetField(s.Layers[i].Buf, "length", uint64(len(s.BytesFrom(i))))
}

// TCPv4Descriptor describes a fixed 20-byte TCP header (no options) for
// use in an IPv4 stack.
var TCPv4Descriptor = &ProtocolDescriptor{
	Name:          "tcp4",
	HeaderLen:     20,
	Fields:        tcpFields(),
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumTCPv4,
}

// TCPv6Descriptor is TCPv4Descriptor's IPv6 counterpart.
var TCPv6Descriptor = &ProtocolDescriptor{
	Name:          "tcp6",
	HeaderLen:     20,
	Fields:        tcpFields(),
	OwnsChecksum:  true,
	ChecksumField: "checksum",
	Checksum:      ChecksumTCPv6,
}

func tcpFields() []Field {
	return []Field{
		{Key: "src_port", Type: TypeU16, ByteOffset: 0},
		{Key: "dst_port", Type: TypeU16, ByteOffset: 2},
		{Key: "seq", Type: TypeU32, ByteOffset: 4},
		{Key: "ack", Type: TypeU32, ByteOffset: 8},
		{Key: "data_offset", Type: TypeBits, ByteOffset: 12, BitOffset: 0, BitWidth: 4},
		{Key: "flags", Type: TypeU8, ByteOffset: 13},
		{Key: "window", Type: TypeU16, ByteOffset: 14},
		{Key: "checksum", Type: TypeU16, ByteOffset: 16},
		{Key: "urgent_ptr", Type: TypeU16, ByteOffset: 18},
	}
}

// DefaultRegistry in field.go wires all of the above by name.
