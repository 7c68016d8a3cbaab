// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See bits.go for the full license text.

package wire

import (
	"encoding/binary"
	"fmt"
)

// ChecksumFunc computes the 16-bit checksum a layer owns, given the full
// stack it belongs to (so pseudoheader fields from the IP layer are
// reachable) and that layer's own index.
type ChecksumFunc func(stack *Stack, layerIndex int) (uint16, error)

// sum1s computes the standard Internet one's-complement checksum over
// data, per RFC 1071. Grounded on sun977-NeoScan/netraw.Checksum.
func sum1s(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for n > 1 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
		i += 2
		n -= 2
	}
	if n > 0 {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// sum1sPartial is like sum1s but folds an existing partial sum in,
// returning the raw (unfolded, un-inverted) accumulator so callers can
// combine pseudoheader + header + payload sums before finishing.
func sum1sPartial(data []byte, carry uint32) uint32 {
	sum := carry
	n := len(data)
	i := 0
	for n > 1 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
		i += 2
		n -= 2
	}
	if n > 0 {
		sum += uint32(data[i]) << 8
	}
	return sum
}

func finishSum(sum uint32) uint16 {
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// ChecksumIPv4 computes the IPv4 header checksum: a plain one's-complement
// sum over the header bytes with the checksum field itself zeroed.
func ChecksumIPv4(stack *Stack, layerIndex int) (uint16, error) {
	l := stack.Layers[layerIndex]
	buf := make([]byte, len(l.Buf))
	copy(buf, l.Buf)
	if err := zeroField(l.Descriptor, buf, "checksum"); err != nil {
		return 0, err
	}
	return sum1s(buf), nil
}

// ChecksumICMPv4 computes the ICMPv4 checksum over the ICMP header plus
// payload (no pseudoheader, per RFC 792).
func ChecksumICMPv4(stack *Stack, layerIndex int) (uint16, error) {
	return checksumNoPseudo(stack, layerIndex)
}

func checksumNoPseudo(stack *Stack, layerIndex int) (uint16, error) {
	l := stack.Layers[layerIndex]
	data := stack.BytesFrom(layerIndex)
	// zero the checksum field in our working copy before summing
	data = append([]byte(nil), data...)
	if err := zeroField(l.Descriptor, data, l.Descriptor.ChecksumField); err != nil {
		return 0, err
	}
	return sum1s(data), nil
}

// ChecksumUDPv4 / ChecksumTCPv4 compute the transport checksum including
// the IPv4 pseudoheader (src, dst, zero, protocol, length).
func ChecksumUDPv4(stack *Stack, layerIndex int) (uint16, error) {
	return checksumWithIPv4Pseudo(stack, layerIndex, 17)
}

func ChecksumTCPv4(stack *Stack, layerIndex int) (uint16, error) {
	return checksumWithIPv4Pseudo(stack, layerIndex, 6)
}

func checksumWithIPv4Pseudo(stack *Stack, layerIndex int, proto byte) (uint16, error) {
	ipIdx := stack.IndexOf("ipv4")
	if ipIdx < 0 || ipIdx >= layerIndex {
		return 0, fmt.Errorf("wire: no ipv4 layer ahead of layer %d for pseudoheader", layerIndex)
	}
	ipBuf := stack.Layers[ipIdx].Buf
	if len(ipBuf) < 20 {
		return 0, fmt.Errorf("wire: ipv4 header too short")
	}
	src := ipBuf[12:16]
	dst := ipBuf[16:20]

	l := stack.Layers[layerIndex]
	data := append([]byte(nil), stack.BytesFrom(layerIndex)...)
	if err := zeroField(l.Descriptor, data, l.Descriptor.ChecksumField); err != nil {
		return 0, err
	}

	pseudo := make([]byte, 12)
	copy(pseudo[0:4], src)
	copy(pseudo[4:8], dst)
	pseudo[9] = proto
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(data)))

	sum := sum1sPartial(pseudo, 0)
	sum = sum1sPartial(data, sum)
	return finishSum(sum), nil
}

// ChecksumUDPv6 / ChecksumTCPv6 / ChecksumICMPv6 compute checksums using
// the IPv6 pseudoheader (RFC 8200 §8.1).
func ChecksumUDPv6(stack *Stack, layerIndex int) (uint16, error) {
	return checksumWithIPv6Pseudo(stack, layerIndex, 17)
}

func ChecksumTCPv6(stack *Stack, layerIndex int) (uint16, error) {
	return checksumWithIPv6Pseudo(stack, layerIndex, 6)
}

func ChecksumICMPv6(stack *Stack, layerIndex int) (uint16, error) {
	return checksumWithIPv6Pseudo(stack, layerIndex, 58)
}

func checksumWithIPv6Pseudo(stack *Stack, layerIndex int, proto byte) (uint16, error) {
	ipIdx := stack.IndexOf("ipv6")
	if ipIdx < 0 || ipIdx >= layerIndex {
		return 0, fmt.Errorf("wire: no ipv6 layer ahead of layer %d for pseudoheader", layerIndex)
	}
	ipBuf := stack.Layers[ipIdx].Buf
	if len(ipBuf) < 40 {
		return 0, fmt.Errorf("wire: ipv6 header too short")
	}
	src := ipBuf[8:24]
	dst := ipBuf[24:40]

	l := stack.Layers[layerIndex]
	data := append([]byte(nil), stack.BytesFrom(layerIndex)...)
	if err := zeroField(l.Descriptor, data, l.Descriptor.ChecksumField); err != nil {
		return 0, err
	}

	pseudo := make([]byte, 40)
	copy(pseudo[0:16], src)
	copy(pseudo[16:32], dst)
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(data)))
	pseudo[39] = proto

	sum := sum1sPartial(pseudo, 0)
	sum = sum1sPartial(data, sum)
	return finishSum(sum), nil
}

func zeroField(d *ProtocolDescriptor, buf []byte, key string) error {
	f, ok := d.FieldByKey(key)
	if !ok {
		return fmt.Errorf("wire: %s: no field %q to zero", d.Name, key)
	}
	if f.ByteOffset+2 > len(buf) {
		return fmt.Errorf("wire: %s: field %q out of range", d.Name, key)
	}
	buf[f.ByteOffset] = 0
	buf[f.ByteOffset+1] = 0
	return nil
}

// VerifyChecksum recomputes a layer's checksum from its current bytes and
// reports whether it matches the stored value. Used by the "decode →
// re-encode → verify" testable property (§8).
func VerifyChecksum(stack *Stack, layerIndex int) (bool, error) {
	l := stack.Layers[layerIndex]
	if !l.Descriptor.OwnsChecksum {
		return true, nil
	}
	stored, err := l.Descriptor.GetField(l.Buf, l.Descriptor.ChecksumField)
	if err != nil {
		return false, err
	}
	got, err := l.Descriptor.Checksum(stack, layerIndex)
	if err != nil {
		return false, err
	}
	return uint16(stored) == got, nil
}
