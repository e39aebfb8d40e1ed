// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"errors"
	"net"

	"github.com/bureau-foundation/tether/api"
)

// ErrListenerClosed is returned by Serve after Close and by Dial when
// nothing listens at the address.
var ErrListenerClosed = errors.New("medium: listener closed")

// Medium opens stream connections between endpoints over one physical
// transport.
type Medium interface {
	// Kind identifies the medium on the wire and in selectors.
	Kind() api.Medium

	// Listen starts accepting connections. name identifies the local
	// endpoint and may be folded into the address.
	Listen(ctx context.Context, name string) (Listener, error)

	// Dial connects to a Listener's address. The returned count is the
	// number of attempts it took, including the successful one.
	Dial(ctx context.Context, address string) (net.Conn, int, error)
}

// Listener accepts inbound connections on one medium.
type Listener interface {
	// Address is what a peer passes to Dial to reach this listener.
	Address() string

	// Serve hands every accepted connection to handler on its own
	// goroutine. It blocks until ctx is cancelled or Close is called
	// and returns nil on clean shutdown.
	Serve(ctx context.Context, handler func(net.Conn)) error

	// Close stops the listener. Connections already handed out stay
	// open.
	Close() error
}

// Set holds the enabled mediums in order of preference, fastest
// first.
type Set struct {
	mediums []Medium
}

// NewSet returns a Set preferring mediums in the order given.
func NewSet(mediums ...Medium) *Set {
	return &Set{mediums: mediums}
}

// Get returns the medium of the given kind.
func (s *Set) Get(kind api.Medium) (Medium, bool) {
	for _, m := range s.mediums {
		if m.Kind() == kind {
			return m, true
		}
	}
	return nil, false
}

// Allowed returns the mediums permitted by selector, in preference
// order.
func (s *Set) Allowed(selector api.MediumSelector) []Medium {
	var allowed []Medium
	for _, m := range s.mediums {
		if selector.Allows(m.Kind()) {
			allowed = append(allowed, m)
		}
	}
	return allowed
}

// Best returns the most preferred medium that selector allows, other
// than current, that the remote side also supports. remote lists the
// mediums the peer announced; empty means unknown, which allows any.
func (s *Set) Best(selector api.MediumSelector, current api.Medium, remote []api.Medium) (Medium, bool) {
	for _, m := range s.Allowed(selector) {
		if m.Kind() == current {
			continue
		}
		if len(remote) > 0 && !api.MediumSelector(remote).Allows(m.Kind()) {
			continue
		}
		return m, true
	}
	return nil, false
}

// Kinds lists the mediums in the set, in preference order.
func (s *Set) Kinds() []api.Medium {
	kinds := make([]api.Medium, len(s.mediums))
	for i, m := range s.mediums {
		kinds[i] = m.Kind()
	}
	return kinds
}
