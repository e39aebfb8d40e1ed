// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
)

// CancellationFlag marks an endpoint's in-flight work as abandoned. Long
// operations (dialing, handshaking, waiting for the remote answer) check
// it between steps or select on Done.
//
// A flag can be un-cancelled so an endpoint id can be reused for a new
// attempt after an earlier one was cancelled.
type CancellationFlag struct {
	mu        sync.Mutex
	cancelled bool
	done      chan struct{}
}

func newCancellationFlag() *CancellationFlag {
	return &CancellationFlag{done: make(chan struct{})}
}

// Cancel marks the flag cancelled. Cancelling twice is a no-op.
func (f *CancellationFlag) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return
	}
	f.cancelled = true
	close(f.done)
}

// Uncancel re-arms a cancelled flag.
func (f *CancellationFlag) Uncancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cancelled {
		return
	}
	f.cancelled = false
	f.done = make(chan struct{})
}

// Cancelled reports whether Cancel was called since the flag was
// created or last re-armed.
func (f *CancellationFlag) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Done returns a channel closed when the flag is cancelled. The channel
// belongs to the current arming; after Uncancel a new one is returned.
func (f *CancellationFlag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Context derives a context from parent that is also cancelled when the
// flag is. The returned CancelFunc must be called to release resources.
func (f *CancellationFlag) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := f.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

