// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See bits.go for the full license text.

package wire

import "fmt"

// LayerRef pairs a protocol descriptor with the mutable byte buffer
// holding that layer's current on-wire representation. Writing the
// payload of layer i writes into layer i+1's buffer (§3 Probe).
type LayerRef struct {
	Descriptor *ProtocolDescriptor
	Buf        []byte
}

// Stack is an ordered list of layers, outermost first (e.g. IPv4, then
// UDP, then an opaque payload). It is the on-wire representation shared by
// probe templates, concrete probes and decoded replies.
type Stack struct {
	Layers []LayerRef
}

// NewStack builds a Stack from the given descriptor/buffer pairs.
func NewStack(layers ...LayerRef) *Stack {
	cp := make([]LayerRef, len(layers))
	copy(cp, layers)
	return &Stack{Layers: cp}
}

// Clone returns a deep copy of the stack: independent descriptor
// references (descriptors are immutable and shared) but fresh buffers.
// This is the codec-level primitive behind probe.Dup.
func (s *Stack) Clone() *Stack {
	out := &Stack{Layers: make([]LayerRef, len(s.Layers))}
	for i, l := range s.Layers {
		buf := make([]byte, len(l.Buf))
		copy(buf, l.Buf)
		out.Layers[i] = LayerRef{Descriptor: l.Descriptor, Buf: buf}
	}
	return out
}

// IndexOf returns the index of the first layer whose descriptor has the
// given name, or -1.
func (s *Stack) IndexOf(name string) int {
	for i, l := range s.Layers {
		if l.Descriptor.Name == name {
			return i
		}
	}
	return -1
}

// BytesFrom concatenates the buffers of layers[i:], i.e. the bytes that
// make up layer i and everything nested inside it. Used to compute
// checksums that cover header-plus-payload.
func (s *Stack) BytesFrom(i int) []byte {
	total := 0
	for _, l := range s.Layers[i:] {
		total += len(l.Buf)
	}
	out := make([]byte, 0, total)
	for _, l := range s.Layers[i:] {
		out = append(out, l.Buf...)
	}
	return out
}

// Bytes returns the full on-wire byte sequence of the stack.
func (s *Stack) Bytes() []byte {
	return s.BytesFrom(0)
}

// SetField writes to the first layer declaring key, per §4.B
// set_field semantics.
func (s *Stack) SetField(key string, value uint64) error {
	for _, l := range s.Layers {
		if _, ok := l.Descriptor.FieldByKey(key); ok {
			return l.Descriptor.SetField(l.Buf, key, value)
		}
	}
	return fmt.Errorf("wire: no layer declares field %q", key)
}

// GetField reads from the first layer declaring key.
func (s *Stack) GetField(key string) (uint64, error) {
	for _, l := range s.Layers {
		if _, ok := l.Descriptor.FieldByKey(key); ok {
			return l.Descriptor.GetField(l.Buf, key)
		}
	}
	return 0, fmt.Errorf("wire: no layer declares field %q", key)
}

// GetFieldAt reads key from a specific layer index, mandatory for reading
// inside an ICMP-quoted inner IP header (§4.B probe_extract_ext).
func (s *Stack) GetFieldAt(layerIndex int, key string) (uint64, error) {
	if layerIndex < 0 || layerIndex >= len(s.Layers) {
		return 0, fmt.Errorf("wire: layer index %d out of range", layerIndex)
	}
	l := s.Layers[layerIndex]
	return l.Descriptor.GetField(l.Buf, key)
}

// RunPreFinalize walks the stack from innermost out, running each layer's
// PreFinalize hook (if any) — e.g. writing the real UDP length field — but
// computing no checksums. Split out from Finalize so a caller that needs to
// write wire bytes of its own (the flow-identifier tuning in
// probe.Probe.Finalize) can do so after PreFinalize's field writes land and
// before checksums are computed over them, instead of checksumming twice
// against two different buffer states.
func (s *Stack) RunPreFinalize() error {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		l := s.Layers[i]
		if l.Descriptor.PreFinalize != nil {
			if err := l.Descriptor.PreFinalize(s, i); err != nil {
				return fmt.Errorf("wire: %s: prefinalize: %w", l.Descriptor.Name, err)
			}
		}
	}
	return nil
}

// FinalizeChecksums walks the stack from innermost out, computing and
// writing each layer's checksum (if it owns one) over the current buffer
// state. Callers that mutate bytes after RunPreFinalize (tuning a flow
// identifier) must do so before calling this.
func (s *Stack) FinalizeChecksums() error {
	for i := len(s.Layers) - 1; i >= 0; i-- {
		l := s.Layers[i]
		if l.Descriptor.OwnsChecksum {
			if l.Descriptor.Checksum == nil {
				return fmt.Errorf("wire: %s: OwnsChecksum set but no Checksum func", l.Descriptor.Name)
			}
			sum, err := l.Descriptor.Checksum(s, i)
			if err != nil {
				return fmt.Errorf("wire: %s: checksum: %w", l.Descriptor.Name, err)
			}
			if err := l.Descriptor.SetField(l.Buf, l.Descriptor.ChecksumField, uint64(sum)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finalize runs RunPreFinalize followed by FinalizeChecksums (§4.A):
// refresh computed fields (e.g. IPv6 payload length) innermost-out, then
// compute and write every layer's checksum over the now-stable bytes. Use
// the split methods directly when something must write wire bytes in
// between the two passes.
func (s *Stack) Finalize() error {
	if err := s.RunPreFinalize(); err != nil {
		return err
	}
	return s.FinalizeChecksums()
}
