// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"log/slog"
	"slices"
	"sync"
)

// Registry maps endpoint ids to the channel currently serving them. It
// is the only owner of registered channels; callers borrow them.
//
// Every mutation happens under one lock, so a reader sees either the
// old or the new channel for an endpoint, never neither.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*Channel
	// pending holds contexts whose handshake finished before the
	// endpoint had a registered channel.
	pending map[string]EncryptionContext
}

// NewRegistry returns an empty registry. A nil logger uses
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "channel_registry"),
		channels: make(map[string]*Channel),
		pending:  make(map[string]EncryptionContext),
	}
}

// RegisterChannel makes ch the channel for endpointID. A pending
// encryption context is installed before ch becomes visible. A channel
// already registered for endpointID is closed with ReasonReplaced.
func (r *Registry) RegisterChannel(endpointID string, ch *Channel) {
	r.mu.Lock()
	if ctx, ok := r.pending[endpointID]; ok {
		ch.EnableEncryption(ctx)
		delete(r.pending, endpointID)
	}
	previous := r.channels[endpointID]
	r.channels[endpointID] = ch
	r.mu.Unlock()

	r.logger.Debug("registered channel", "endpoint", endpointID, "channel", ch, "encrypted", ch.IsEncrypted())
	if previous != nil && previous != ch {
		previous.CloseWithReason(ReasonReplaced)
	}
}

// ReplaceChannel swaps in ch for endpointID, carrying the old channel's
// encryption context over. With closeOld the old channel is closed with
// ReasonUpgraded and nil is returned; otherwise the old channel is
// returned open for the caller to drain and close. Replacing an
// endpoint with no channel registers ch and returns nil.
func (r *Registry) ReplaceChannel(endpointID string, ch *Channel, closeOld bool) *Channel {
	r.mu.Lock()
	old := r.channels[endpointID]
	if old != nil {
		if ctx := old.EncryptionContext(); ctx != nil {
			ch.EnableEncryption(ctx)
		}
	} else if ctx, ok := r.pending[endpointID]; ok {
		ch.EnableEncryption(ctx)
		delete(r.pending, endpointID)
	}
	r.channels[endpointID] = ch
	r.mu.Unlock()

	r.logger.Debug("replaced channel", "endpoint", endpointID, "old", old, "new", ch)
	if old == nil || old == ch {
		return nil
	}
	if closeOld {
		old.CloseWithReason(ReasonUpgraded)
		return nil
	}
	return old
}

// EncryptChannel installs ctx on endpointID's channel, or keeps it
// until the endpoint's channel is registered.
func (r *Registry) EncryptChannel(endpointID string, ctx EncryptionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[endpointID]; ok {
		ch.EnableEncryption(ctx)
		return
	}
	r.pending[endpointID] = ctx
	r.logger.Debug("holding encryption context until channel registers", "endpoint", endpointID)
}

// UnregisterChannel removes endpointID's channel and closes it with
// reason. It reports whether a channel was registered; unknown ids are
// a no-op.
func (r *Registry) UnregisterChannel(endpointID string, reason CloseReason) bool {
	r.mu.Lock()
	ch, ok := r.channels[endpointID]
	delete(r.channels, endpointID)
	delete(r.pending, endpointID)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.logger.Debug("unregistered channel", "endpoint", endpointID, "reason", reason)
	ch.CloseWithReason(reason)
	return true
}

// Channel returns endpointID's channel, or nil.
func (r *Registry) Channel(endpointID string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[endpointID]
}

// HasPendingContext reports whether a context is waiting for
// endpointID's channel.
func (r *Registry) HasPendingContext(endpointID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pending[endpointID]
	return ok
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// EndpointIDs returns the registered endpoint ids, sorted.
func (r *Registry) EndpointIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
