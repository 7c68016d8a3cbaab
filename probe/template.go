// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package probe

import (
	"fmt"
	"time"

	"github.com/dnaeon/mdatraceroute/addr"
	"github.com/dnaeon/mdatraceroute/wire"
)

// Template describes the shape of a probe to be sent repeatedly with
// small per-instance variations (TTL, flow identifier, delay). Templates
// are never sent directly; Dup materializes an independent Probe from
// one (§3 Probe).
type Template struct {
	registry *wire.Registry
	stack    *wire.Stack
	family   addr.Family
	proto    Proto

	srcIP addr.Address
	dstIP addr.Address
	ttl   uint8

	flowID uint64
	delay  time.Duration

	payloadLen int
}

// NewTemplate builds a Template for the given family/transport, with a
// zero-filled payload of payloadLen bytes appended after the transport
// header (the two reserved checksum-tuning bytes, for UDP and ICMP echo,
// live inside this payload — see SetFlowID).
func NewTemplate(registry *wire.Registry, family addr.Family, proto Proto, dst addr.Address, payloadLen int) (*Template, error) {
	ipName := "ipv4"
	if family == addr.FamilyV6 {
		ipName = "ipv6"
	}
	ipDesc, ok := registry.Descriptor(ipName)
	if !ok {
		return nil, fmt.Errorf("probe: registry has no %q descriptor", ipName)
	}

	transportName, err := transportDescriptorName(family, proto)
	if err != nil {
		return nil, err
	}
	transportDesc, ok := registry.Descriptor(transportName)
	if !ok {
		return nil, fmt.Errorf("probe: registry has no %q descriptor", transportName)
	}

	if payloadLen < 2 {
		// the two checksum-tuning bytes are always reserved, even for
		// protocols/templates that don't vary flow ID per-probe.
		payloadLen = 2
	}

	layers := []wire.LayerRef{
		{Descriptor: ipDesc, Buf: make([]byte, ipDesc.HeaderLen)},
		{Descriptor: transportDesc, Buf: make([]byte, transportDesc.HeaderLen)},
		{Descriptor: &wire.ProtocolDescriptor{Name: "payload", HeaderLen: payloadLen}, Buf: make([]byte, payloadLen)},
	}

	t := &Template{
		registry:   registry,
		stack:      wire.NewStack(layers...),
		family:     family,
		proto:      proto,
		dstIP:      dst,
		ttl:        1,
		payloadLen: payloadLen,
	}

	if err := t.initIPFields(); err != nil {
		return nil, err
	}
	return t, nil
}

func transportDescriptorName(family addr.Family, proto Proto) (string, error) {
	switch proto {
	case ProtoUDP:
		if family == addr.FamilyV6 {
			return "udp6", nil
		}
		return "udp4", nil
	case ProtoTCP:
		if family == addr.FamilyV6 {
			return "tcp6", nil
		}
		return "tcp4", nil
	case ProtoICMP:
		if family == addr.FamilyV6 {
			return "icmpv6", nil
		}
		return "icmpv4", nil
	default:
		return "", fmt.Errorf("probe: unknown proto %d", proto)
	}
}

func (t *Template) initIPFields() error {
	if t.family == addr.FamilyV6 {
		if err := t.stack.SetField("version", 6); err != nil {
			return err
		}
		switch t.proto {
		case ProtoUDP:
			return t.stack.SetField("next_header", 17)
		case ProtoTCP:
			return t.stack.SetField("next_header", 6)
		case ProtoICMP:
			return t.stack.SetField("next_header", 58)
		}
		return nil
	}
	if err := t.stack.SetField("version", 4); err != nil {
		return err
	}
	if err := t.stack.SetField("ihl", 5); err != nil {
		return err
	}
	switch t.proto {
	case ProtoUDP:
		return t.stack.SetField("protocol", 17)
	case ProtoTCP:
		return t.stack.SetField("protocol", 6)
	case ProtoICMP:
		return t.stack.SetField("protocol", 1)
	}
	return nil
}

// SetField writes to the first layer of the template declaring key.
func (t *Template) SetField(key string, value uint64) error {
	return t.stack.SetField(key, value)
}

// SetSrcIP fixes the template's source address. Leaving it unset (the
// zero Address) defers resolution to send time.
func (t *Template) SetSrcIP(a addr.Address) { t.srcIP = a }

// SetTTL sets the starting TTL/hop-limit every Dup'd probe carries until
// overridden.
func (t *Template) SetTTL(ttl uint8) { t.ttl = ttl }

// SetDelay attaches a fixed scheduling delay to every probe Dup'd from
// this template (§4.E delay generators supersede this when installed on
// the scheduler instead).
func (t *Template) SetDelay(d time.Duration) { t.delay = d }

// SetFlowID records the caller-chosen flow identifier constant. The
// actual checksum-tuning of the payload bytes happens in the probe's
// Finalize (applyFlowIdentifier), once the probe is concrete (post-Dup)
// and its other fields are final.
func (t *Template) SetFlowID(id uint64) { t.flowID = id }

// Family reports the template's address family.
func (t *Template) Family() addr.Family { return t.family }

// Proto reports the template's transport protocol.
func (t *Template) Proto() Proto { return t.proto }
