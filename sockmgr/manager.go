// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

// Package sockmgr implements component C (§4.C): one raw-send endpoint
// and one sniff endpoint per address family, exposing readiness handles
// to the event loop and a non-buffering send operation.
package sockmgr

import (
	"errors"
	"fmt"

	"github.com/dnaeon/mdatraceroute/addr"
)

// ErrSocketAcquire is returned when a raw socket could not be obtained,
// typically for lack of privilege (§7 SocketAcquire).
var ErrSocketAcquire = errors.New("sockmgr: could not acquire raw socket")

// ErrSendFailed wraps a kernel-level transmission refusal (§7 SendFailed).
var ErrSendFailed = errors.New("sockmgr: send failed")

// ErrWouldBlock is returned by Sniff when no datagram is currently
// available on the endpoint; callers should wait for the next readiness
// event rather than retry immediately.
var ErrWouldBlock = errors.New("sockmgr: would block")

// ErrDecodeFailed is returned when bytes read off the wire cannot be
// parsed as a valid ICMP-plus-quotation packet (§7 DecodeFailed).
var ErrDecodeFailed = errors.New("sockmgr: decode failed")

// endpoint is implemented per-OS (see socket_linux.go / socket_other.go).
type endpoint interface {
	fd() int
	sendTo(dst addr.Address, packet []byte) error
	recv(buf []byte) (int, error)
	close() error
}

// Manager owns one send and one sniff endpoint per family. It does not
// buffer: Send blocks only as long as the kernel's non-blocking write
// path does, and Sniff returns ErrWouldBlock immediately when nothing is
// pending.
type Manager struct {
	send  map[addr.Family]endpoint
	sniff map[addr.Family]endpoint
}

// NewManager opens send/sniff raw-socket pairs for the given families.
func NewManager(families []addr.Family) (*Manager, error) {
	m := &Manager{
		send:  make(map[addr.Family]endpoint),
		sniff: make(map[addr.Family]endpoint),
	}
	for _, f := range families {
		se, err := openSendEndpoint(f)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: send endpoint for %s: %v", ErrSocketAcquire, f, err)
		}
		m.send[f] = se

		sn, err := openSniffEndpoint(f)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: sniff endpoint for %s: %v", ErrSocketAcquire, f, err)
		}
		m.sniff[f] = sn
	}
	return m, nil
}

// Send writes packet (a fully finalized probe's bytes) to dst on the
// matching family's send endpoint.
func (m *Manager) Send(family addr.Family, dst addr.Address, packet []byte) error {
	ep, ok := m.send[family]
	if !ok {
		return fmt.Errorf("sockmgr: no send endpoint for family %s", family)
	}
	if err := ep.sendTo(dst, packet); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Sniff reads one datagram off the sniff endpoint for family. Returns
// ErrWouldBlock if nothing is currently available.
func (m *Manager) Sniff(family addr.Family, buf []byte) (int, error) {
	ep, ok := m.sniff[family]
	if !ok {
		return 0, fmt.Errorf("sockmgr: no sniff endpoint for family %s", family)
	}
	n, err := ep.recv(buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ReadinessFDs returns the file descriptors the event loop should poll
// for read-readiness, one per sniff endpoint.
func (m *Manager) ReadinessFDs() []int {
	fds := make([]int, 0, len(m.sniff))
	for _, ep := range m.sniff {
		fds = append(fds, ep.fd())
	}
	return fds
}

// FamilyForFD reports which family's sniff endpoint owns fd, if any.
func (m *Manager) FamilyForFD(fd int) (addr.Family, bool) {
	for f, ep := range m.sniff {
		if ep.fd() == fd {
			return f, true
		}
	}
	return 0, false
}

// Close releases every endpoint. Safe to call on a partially-initialized
// Manager.
func (m *Manager) Close() error {
	var firstErr error
	for _, ep := range m.send {
		if err := ep.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ep := range m.sniff {
		if err := ep.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
