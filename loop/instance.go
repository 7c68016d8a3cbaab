// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package loop

import "github.com/dnaeon/mdatraceroute/probe"

// Handler processes one Event delivered to an Instance. It may submit
// probes via the Loop, raise custom events by delivering them through
// Loop.Emit, and request termination by returning ErrTerminate.
type Handler func(l *Loop, inst *Instance, ev Event) error

// Instance is one node in the algorithm-instance tree (§4.D): a record
// {algorithm, options, private_data, parent} plus the handler function.
// There is at least one root instance (the CLI).
type Instance struct {
	ID        int
	Algorithm string
	Options   any
	Private   any
	Parent    *Instance
	Template  *probe.Template
	Handler   Handler

	terminated bool
}

// Terminated reports whether this instance has raised
// KindAlgorithmTerminated and been detached from further event delivery.
func (inst *Instance) Terminated() bool { return inst.terminated }

// errTerminate is the sentinel a Handler returns to ask the loop to
// raise KindAlgorithmTerminated for this instance and detach it.
type errTerminate struct{}

func (errTerminate) Error() string { return "loop: algorithm requested termination" }

// ErrTerminate is the sentinel error a Handler returns to request
// termination of its own instance.
var ErrTerminate error = errTerminate{}
