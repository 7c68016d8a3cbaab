// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved. See the wire package for the full license text.

package loop

import "time"

// Poller is the readiness-wait primitive of the loop's 3-phase tick
// (§4.D phase 2): block until one of the watched descriptors is
// readable or timeout elapses, whichever comes first. The only
// operation in the whole engine allowed to block (§5 "suspension
// points").
type Poller interface {
	Wait(timeout time.Duration) error
}

// NoopPoller sleeps for the requested timeout without watching any
// descriptor. Used by tests that drive the Loop against a mock
// sched.Transport with no real file descriptors to poll.
type NoopPoller struct{}

// Wait implements Poller by sleeping, capped to keep tests fast.
func (NoopPoller) Wait(timeout time.Duration) error {
	if timeout > 50*time.Millisecond {
		timeout = 50 * time.Millisecond
	}
	if timeout > 0 {
		time.Sleep(timeout)
	}
	return nil
}
