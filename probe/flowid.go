// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package probe

import (
	"encoding/binary"
	"fmt"
)

// applyFlowIdentifier pins the classifier-visible flow identifier for p's
// transport (§4.A "Paris-style flow identifier"):
//   - UDP: the checksum is held at a caller-chosen constant by tuning the
//     two reserved payload bytes immediately after the UDP header.
//   - TCP: the source port is set directly to the flow identifier.
//   - ICMP echo: the identifier field is set directly, and — exactly like
//     UDP — the checksum is additionally held constant by tuning the two
//     reserved payload bytes, so the sequence number can vary per-probe
//     without perturbing any classifier that hashes the checksum.
//
// Must run after wire.Stack.RunPreFinalize (so length fields it depends on
// are already in their final state) and before wire.Stack.FinalizeChecksums
// (which must compute over the tuned payload bytes, not recompute them
// afterward and overwrite the tuning).
func applyFlowIdentifier(p *Probe) error {
	switch p.Proto {
	case ProtoUDP:
		transportIdx, payloadIdx, err := p.transportAndPayloadIndex()
		if err != nil {
			return err
		}
		return tuneChecksum(p, transportIdx, payloadIdx, uint16(p.FlowID))

	case ProtoTCP:
		return p.Stack.SetField("src_port", p.FlowID&0xffff)

	case ProtoICMP:
		if err := p.Stack.SetField("id", p.FlowID&0xffff); err != nil {
			return err
		}
		transportIdx, payloadIdx, err := p.transportAndPayloadIndex()
		if err != nil {
			return err
		}
		return tuneChecksum(p, transportIdx, payloadIdx, uint16(p.FlowID))

	default:
		return fmt.Errorf("probe: unknown proto %d", p.Proto)
	}
}

func (p *Probe) transportAndPayloadIndex() (int, int, error) {
	name, err := transportDescriptorName(p.Family, p.Proto)
	if err != nil {
		return 0, 0, err
	}
	idx := p.Stack.IndexOf(name)
	if idx < 0 {
		return 0, 0, fmt.Errorf("probe: no %q layer in stack", name)
	}
	if idx+1 >= len(p.Stack.Layers) {
		return 0, 0, fmt.Errorf("probe: no payload layer after %q", name)
	}
	return idx, idx + 1, nil
}

// tuneChecksum sets the two bytes at the start of the payload layer so
// that, once the transport layer's checksum is (re)computed over the
// final bytes, it equals target exactly. This exploits the linearity of
// one's-complement addition (RFC 1071 / RFC 1624): zero the tuning bytes,
// measure the checksum that would result (A), then solve for the 16-bit
// word w such that fold(A_raw + w) == ^target.
func tuneChecksum(p *Probe, transportIdx, payloadIdx int, target uint16) error {
	buf := p.Stack.Layers[payloadIdx].Buf
	if len(buf) < 2 {
		return fmt.Errorf("probe: payload too short to hold flow-identifier tuning bytes")
	}
	buf[0], buf[1] = 0, 0

	desc := p.Stack.Layers[transportIdx].Descriptor
	if desc.Checksum == nil {
		return fmt.Errorf("probe: transport layer %q has no checksum function", desc.Name)
	}
	c, err := desc.Checksum(p.Stack, transportIdx)
	if err != nil {
		return err
	}

	a := ^c
	d := ^target
	var w uint16
	if d >= a {
		w = d - a
	} else {
		w = 0xffff - (a - d)
	}
	binary.BigEndian.PutUint16(buf[0:2], w)
	return nil
}
