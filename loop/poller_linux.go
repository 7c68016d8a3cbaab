// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

//go:build linux

package loop

import (
	"time"

	"golang.org/x/sys/unix"
)

// UnixPoller watches a fixed set of readable file descriptors (the
// socket manager's sniff endpoints) via unix.Poll, the same syscall
// family sun977-NeoScan's raw-socket layer reaches for instead of a
// higher-level framework.
type UnixPoller struct {
	fds []int
}

// NewUnixPoller builds a poller over the given descriptors.
func NewUnixPoller(fds []int) *UnixPoller {
	return &UnixPoller{fds: fds}
}

// Wait blocks until one of the watched descriptors is readable or
// timeout elapses.
func (p *UnixPoller) Wait(timeout time.Duration) error {
	if len(p.fds) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}
	pfds := make([]unix.PollFd, len(p.fds))
	for i, fd := range p.fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	_, err := unix.Poll(pfds, ms)
	if err == unix.EINTR {
		return nil
	}
	return err
}
