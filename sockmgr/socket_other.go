// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

//go:build !linux

package sockmgr

import (
	"fmt"

	"github.com/dnaeon/mdatraceroute/addr"
)

// Raw ICMP/IP_HDRINCL sockets are a Linux-specific path in this codebase
// (mirroring the teacher's own Linux-only raw-socket tracer); other
// platforms report SocketAcquire immediately rather than silently
// degrading to a less capable transport.
type unsupportedEndpoint struct{}

func (unsupportedEndpoint) fd() int                                    { return -1 }
func (unsupportedEndpoint) sendTo(addr.Address, []byte) error          { return errUnsupported }
func (unsupportedEndpoint) recv([]byte) (int, error)                   { return 0, errUnsupported }
func (unsupportedEndpoint) close() error                               { return nil }

var errUnsupported = fmt.Errorf("sockmgr: raw sockets are not supported on this platform")

func openSendEndpoint(family addr.Family) (endpoint, error) {
	return nil, errUnsupported
}

func openSniffEndpoint(family addr.Family) (endpoint, error) {
	return nil, errUnsupported
}
