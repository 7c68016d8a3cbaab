// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package loop implements component D (§4.D): the single-threaded,
// readiness-based event loop, its tree of algorithm instances, and the
// tagged event union delivered to their handlers.
package loop

import "github.com/dnaeon/mdatraceroute/probe"

// Kind tags the variant an Event carries.
type Kind uint8

const (
	KindProbeReply Kind = iota
	KindProbeTimeout
	KindAlgorithmInit
	KindAlgorithmEvent
	KindAlgorithmTerminated
	KindAlgorithmError
)

func (k Kind) String() string {
	switch k {
	case KindProbeReply:
		return "ProbeReply"
	case KindProbeTimeout:
		return "ProbeTimeout"
	case KindAlgorithmInit:
		return "AlgorithmInit"
	case KindAlgorithmEvent:
		return "AlgorithmEvent"
	case KindAlgorithmTerminated:
		return "AlgorithmTerminated"
	case KindAlgorithmError:
		return "AlgorithmError"
	default:
		return "Unknown"
	}
}

// Event is the tagged variant delivered to an algorithm instance's
// handler (§4.D). Only the fields relevant to Kind are populated.
type Event struct {
	Kind    Kind
	Probe   *probe.Probe
	Reply   *probe.Reply
	Payload any   // KindAlgorithmEvent: algorithm-defined payload
	Err     error // KindAlgorithmError
}
