// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See bits.go for the full license text.

package wire

import (
	"encoding/binary"
	"fmt"
)

// FieldType identifies the on-wire representation of a field.
type FieldType uint8

const (
	TypeU8 FieldType = iota
	TypeU16
	TypeU32
	TypeU64
	TypeU128
	TypeAddrV4
	TypeAddrV6
	TypeBits
	TypeBytes
	TypeComputed
)

// Field describes one field of a protocol header: its key, its on-wire
// type, its byte offset within the layer buffer, and — for TypeBits — the
// bit offset within that byte and the bit width (which may cross byte
// boundaries). TypeComputed fields delegate to Get/Set instead of a fixed
// offset (e.g. the IPv6 payload-length-derived "length" field).
type Field struct {
	Key        string
	Type       FieldType
	ByteOffset int
	BitOffset  int // sub-byte offset, < 8; meaningful for TypeBits
	BitWidth   int // meaningful for TypeBits; in bytes*8 for TypeBytes
	Len        int // byte length for TypeBytes

	// Get/Set back TypeComputed fields. They receive the full layer
	// buffer so they can read sibling fields (e.g. payload length).
	Get func(buf []byte) (uint64, error)
	Set func(buf []byte, value uint64) error
}

// ProtocolDescriptor is a declarative table of fields for one protocol
// layer, plus whatever checksum behavior that protocol needs.
type ProtocolDescriptor struct {
	Name      string
	HeaderLen int
	Fields    []Field

	// OwnsChecksum is true if this protocol has a checksum field that
	// must be (re)computed at finalization time.
	OwnsChecksum  bool
	ChecksumField string
	Checksum      ChecksumFunc

	// PreFinalize runs before checksum computation for this layer; it
	// is how computed fields (e.g. IPv4 total length, IPv6 payload
	// length) are refreshed from the rest of the stack.
	PreFinalize func(s *Stack, layerIndex int) error
}

// FieldByKey returns the field descriptor matching key, if any.
func (d *ProtocolDescriptor) FieldByKey(key string) (*Field, bool) {
	for i := range d.Fields {
		if d.Fields[i].Key == key {
			return &d.Fields[i], true
		}
	}
	return nil, false
}

// GetField reads the host-endian value of key from buf.
func (d *ProtocolDescriptor) GetField(buf []byte, key string) (uint64, error) {
	f, ok := d.FieldByKey(key)
	if !ok {
		return 0, fmt.Errorf("wire: %s: unknown field %q", d.Name, key)
	}
	return f.read(buf)
}

// SetField writes value into key's location within buf, in host-endian,
// converted to network byte order as required by the field's type.
func (d *ProtocolDescriptor) SetField(buf []byte, key string, value uint64) error {
	f, ok := d.FieldByKey(key)
	if !ok {
		return fmt.Errorf("wire: %s: unknown field %q", d.Name, key)
	}
	return f.write(buf, value)
}

func (f *Field) read(buf []byte) (uint64, error) {
	switch f.Type {
	case TypeU8:
		if f.ByteOffset >= len(buf) {
			return 0, fmt.Errorf("wire: field %q out of range", f.Key)
		}
		return uint64(buf[f.ByteOffset]), nil
	case TypeU16:
		if f.ByteOffset+2 > len(buf) {
			return 0, fmt.Errorf("wire: field %q out of range", f.Key)
		}
		return uint64(binary.BigEndian.Uint16(buf[f.ByteOffset:])), nil
	case TypeU32:
		if f.ByteOffset+4 > len(buf) {
			return 0, fmt.Errorf("wire: field %q out of range", f.Key)
		}
		return uint64(binary.BigEndian.Uint32(buf[f.ByteOffset:])), nil
	case TypeU64:
		if f.ByteOffset+8 > len(buf) {
			return 0, fmt.Errorf("wire: field %q out of range", f.Key)
		}
		return binary.BigEndian.Uint64(buf[f.ByteOffset:]), nil
	case TypeBits:
		return BitsExtract(buf, f.ByteOffset*8+f.BitOffset, f.BitWidth)
	case TypeComputed:
		if f.Get == nil {
			return 0, fmt.Errorf("wire: field %q has no getter", f.Key)
		}
		return f.Get(buf)
	default:
		return 0, fmt.Errorf("wire: field %q: type %v has no scalar representation", f.Key, f.Type)
	}
}

func (f *Field) write(buf []byte, value uint64) error {
	switch f.Type {
	case TypeU8:
		if f.ByteOffset >= len(buf) {
			return fmt.Errorf("wire: field %q out of range", f.Key)
		}
		buf[f.ByteOffset] = uint8(value)
		return nil
	case TypeU16:
		if f.ByteOffset+2 > len(buf) {
			return fmt.Errorf("wire: field %q out of range", f.Key)
		}
		binary.BigEndian.PutUint16(buf[f.ByteOffset:], uint16(value))
		return nil
	case TypeU32:
		if f.ByteOffset+4 > len(buf) {
			return fmt.Errorf("wire: field %q out of range", f.Key)
		}
		binary.BigEndian.PutUint32(buf[f.ByteOffset:], uint32(value))
		return nil
	case TypeU64:
		if f.ByteOffset+8 > len(buf) {
			return fmt.Errorf("wire: field %q out of range", f.Key)
		}
		binary.BigEndian.PutUint64(buf[f.ByteOffset:], value)
		return nil
	case TypeBits:
		src := make([]byte, 8)
		binary.BigEndian.PutUint64(src, value<<(64-uint(f.BitWidth)))
		return BitsWrite(buf, f.ByteOffset*8+f.BitOffset, src, 0, f.BitWidth)
	case TypeComputed:
		if f.Set == nil {
			return fmt.Errorf("wire: field %q has no setter", f.Key)
		}
		return f.Set(buf, value)
	default:
		return fmt.Errorf("wire: field %q: type %v has no scalar representation", f.Key, f.Type)
	}
}

// Registry is an explicit, process-free collection of protocol
// descriptors, built once at program start and injected wherever the codec
// is needed (§9: "the registry is a value, not a global").
type Registry struct {
	byName map[string]*ProtocolDescriptor
}

// NewRegistry builds a Registry from a static table of descriptors.
func NewRegistry(tables ...*ProtocolDescriptor) *Registry {
	r := &Registry{byName: make(map[string]*ProtocolDescriptor, len(tables))}
	for _, t := range tables {
		r.byName[t.Name] = t
	}
	return r
}

// Descriptor looks up a protocol descriptor by name ("ipv4", "ipv6",
// "icmpv4", "icmpv6", "udp4", "udp6", "tcp4", "tcp6").
func (r *Registry) Descriptor(name string) (*ProtocolDescriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// DefaultRegistry returns a Registry populated with the standard IPv4,
// IPv6, ICMPv4, ICMPv6, UDP and TCP descriptors defined in this package.
func DefaultRegistry() *Registry {
	return NewRegistry(
		IPv4Descriptor,
		IPv6Descriptor,
		ICMPv4Descriptor,
		ICMPv6Descriptor,
		UDPv4Descriptor,
		UDPv6Descriptor,
		TCPv4Descriptor,
		TCPv6Descriptor,
	)
}
