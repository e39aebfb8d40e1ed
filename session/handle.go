// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "weak"

// Handle is a non-owning reference to a Client. Work queued on behalf
// of a client holds a Handle and borrows the Client only for the
// duration of one step, so a client that was shut down (or collected)
// is never touched again.
//
// Handles are comparable; two handles to the same client are equal.
type Handle struct {
	pointer weak.Pointer[Client]
	id      uint64
}

func newHandle(c *Client) Handle {
	return Handle{pointer: weak.Make(c), id: c.id}
}

// ID is the client's process-local id, valid even after the client is
// gone.
func (h Handle) ID() uint64 { return h.id }

// Borrow returns the client if it is still alive and not shut down.
func (h Handle) Borrow() (*Client, bool) {
	c := h.pointer.Value()
	if c == nil || c.IsShutdown() {
		return nil, false
	}
	return c, true
}
