// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See bits.go for the full license text.

package wire

import "testing"

func buildIPv4UDP(t *testing.T, payload []byte) *Stack {
	t.Helper()
	ipBuf := make([]byte, IPv4Descriptor.HeaderLen)
	udpBuf := make([]byte, UDPv4Descriptor.HeaderLen)
	s := NewStack(
		LayerRef{Descriptor: IPv4Descriptor, Buf: ipBuf},
		LayerRef{Descriptor: UDPv4Descriptor, Buf: udpBuf},
		LayerRef{Descriptor: &ProtocolDescriptor{Name: "payload", HeaderLen: len(payload)}, Buf: append([]byte(nil), payload...)},
	)
	if err := s.SetField("version", 4); err != nil {
		t.Fatalf("SetField version: %v", err)
	}
	if err := s.SetField("ihl", 5); err != nil {
		t.Fatalf("SetField ihl: %v", err)
	}
	if err := s.SetField("ttl", 64); err != nil {
		t.Fatalf("SetField ttl: %v", err)
	}
	if err := s.SetField("protocol", 17); err != nil {
		t.Fatalf("SetField protocol: %v", err)
	}
	// src_ip/dst_ip are TypeAddrV4, written as raw bytes rather than
	// through the scalar Get/Set accessor.
	copy(ipBuf[12:16], []byte{192, 0, 2, 1})
	copy(ipBuf[16:20], []byte{192, 0, 2, 2})
	if err := s.SetField("src_port", 33434); err != nil {
		t.Fatalf("SetField src_port: %v", err)
	}
	if err := s.SetField("dst_port", 53); err != nil {
		t.Fatalf("SetField dst_port: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return s
}

func TestStackFinalizeProducesValidChecksums(t *testing.T) {
	s := buildIPv4UDP(t, []byte("hello"))

	ipOK, err := VerifyChecksum(s, s.IndexOf("ipv4"))
	if err != nil {
		t.Fatalf("VerifyChecksum ipv4: %v", err)
	}
	if !ipOK {
		t.Fatal("ipv4 checksum does not verify")
	}

	udpOK, err := VerifyChecksum(s, s.IndexOf("udp4"))
	if err != nil {
		t.Fatalf("VerifyChecksum udp4: %v", err)
	}
	if !udpOK {
		t.Fatal("udp4 checksum does not verify")
	}
}

func TestStackFinalizeDetectsMutation(t *testing.T) {
	s := buildIPv4UDP(t, []byte("hello"))
	// flip a payload byte after finalization without recomputing checksums
	s.Layers[2].Buf[0] ^= 0xff

	udpOK, err := VerifyChecksum(s, s.IndexOf("udp4"))
	if err != nil {
		t.Fatalf("VerifyChecksum udp4: %v", err)
	}
	if udpOK {
		t.Fatal("expected checksum mismatch after payload mutation")
	}
}

func TestIPv4TotalLengthComputedOnFinalize(t *testing.T) {
	s := buildIPv4UDP(t, []byte("hello world"))
	got, err := s.GetField("total_length")
	if err != nil {
		t.Fatalf("GetField total_length: %v", err)
	}
	want := uint64(IPv4Descriptor.HeaderLen + UDPv4Descriptor.HeaderLen + len("hello world"))
	if got != want {
		t.Fatalf("total_length = %d, want %d", got, want)
	}
}

func TestIPv6PayloadLengthComputedOnFinalize(t *testing.T) {
	ipBuf := make([]byte, IPv6Descriptor.HeaderLen)
	udpBuf := make([]byte, UDPv6Descriptor.HeaderLen)
	payload := []byte("probe")
	s := NewStack(
		LayerRef{Descriptor: IPv6Descriptor, Buf: ipBuf},
		LayerRef{Descriptor: UDPv6Descriptor, Buf: udpBuf},
		LayerRef{Descriptor: &ProtocolDescriptor{Name: "payload", HeaderLen: len(payload)}, Buf: append([]byte(nil), payload...)},
	)
	copy(ipBuf[8:24], make([]byte, 16))
	copy(ipBuf[24:40], make([]byte, 16))
	if err := s.SetField("next_header", 17); err != nil {
		t.Fatalf("SetField next_header: %v", err)
	}
	if err := s.SetField("src_port", 33434); err != nil {
		t.Fatalf("SetField src_port: %v", err)
	}
	if err := s.SetField("dst_port", 53); err != nil {
		t.Fatalf("SetField dst_port: %v", err)
	}
	if err := s.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := s.GetField("length")
	if err != nil {
		t.Fatalf("GetField length: %v", err)
	}
	want := uint64(40 + UDPv6Descriptor.HeaderLen + len(payload))
	if got != want {
		t.Fatalf("length = %d, want %d", got, want)
	}

	udpOK, err := VerifyChecksum(s, s.IndexOf("udp6"))
	if err != nil {
		t.Fatalf("VerifyChecksum udp6: %v", err)
	}
	if !udpOK {
		t.Fatal("udp6 checksum does not verify")
	}
}

// TestUDPChecksumTracksPseudoheader confirms that changing the IPv4 source
// address (as paris-traceroute's flow-identifier tuning never does, but a
// genuinely different flow would) changes the UDP checksum, proving the
// pseudoheader is actually being summed rather than silently skipped.
func TestUDPChecksumTracksPseudoheader(t *testing.T) {
	s1 := buildIPv4UDP(t, []byte("hello"))
	cs1, err := s1.GetFieldAt(s1.IndexOf("udp4"), "checksum")
	if err != nil {
		t.Fatalf("GetFieldAt udp4 checksum: %v", err)
	}

	ipBuf := make([]byte, IPv4Descriptor.HeaderLen)
	udpBuf := make([]byte, UDPv4Descriptor.HeaderLen)
	s2 := NewStack(
		LayerRef{Descriptor: IPv4Descriptor, Buf: ipBuf},
		LayerRef{Descriptor: UDPv4Descriptor, Buf: udpBuf},
		LayerRef{Descriptor: &ProtocolDescriptor{Name: "payload", HeaderLen: 5}, Buf: []byte("hello")},
	)
	s2.SetField("version", 4)
	s2.SetField("ihl", 5)
	s2.SetField("ttl", 64)
	s2.SetField("protocol", 17)
	copy(ipBuf[12:16], []byte{10, 0, 0, 1})
	copy(ipBuf[16:20], []byte{192, 0, 2, 2})
	s2.SetField("src_port", 33434)
	s2.SetField("dst_port", 53)
	if err := s2.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	cs2, err := s2.GetFieldAt(s2.IndexOf("udp4"), "checksum")
	if err != nil {
		t.Fatalf("GetFieldAt udp4 checksum: %v", err)
	}

	if cs1 == cs2 {
		t.Fatal("expected UDP checksum to differ when the IPv4 pseudoheader source address differs")
	}
}
