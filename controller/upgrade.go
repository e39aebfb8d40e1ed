// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/medium"
	"github.com/bureau-foundation/tether/session"
)

// upgrade is an endpoint's bandwidth upgrade in progress. Fields are
// guarded by endpoint.mu.
//
// The initiator listens on the target medium and sends the path; the
// responder dials it and introduces itself on the new socket. Each side
// then pauses the new channel, swaps it into the registry and writes
// LastWriteToPriorChannel on the prior one. A side answers the peer's
// LastWriteToPriorChannel with SafeToClosePriorChannel, and moves its
// read loop once it has seen both from the peer: nothing more can
// arrive on the prior channel after that.
type upgrade struct {
	initiator bool
	medium    api.Medium
	cancel    context.CancelFunc
	listener  medium.Listener

	next  *channel.Channel
	prior *channel.Channel

	lastWriteReceived   bool
	safeToCloseReceived bool
	safeToCloseSent     chan struct{}
}

func newUpgrade(initiator bool, kind api.Medium, cancel context.CancelFunc) *upgrade {
	return &upgrade{
		initiator:       initiator,
		medium:          kind,
		cancel:          cancel,
		safeToCloseSent: make(chan struct{}),
	}
}

// InitiateBandwidthUpgrade starts moving endpointID to the best other
// medium both sides support.
func (c *Controller) InitiateBandwidthUpgrade(client *session.Client, endpointID string) api.Status {
	ep := c.endpoint(endpointID)
	if ep == nil {
		return api.NotConnectedToEndpoint
	}
	return c.startUpgrade(client.Handle(), ep)
}

func (c *Controller) startUpgrade(handle session.Handle, ep *endpoint) api.Status {
	client, ok := handle.Borrow()
	if !ok {
		return api.Error
	}
	options, _ := client.ConnectionOptions(ep.id)
	target, ok := c.mediums.Best(options.Mediums, client.ConnectionMedium(ep.id), ep.remoteMediums)
	if !ok {
		c.logger.Info("no medium to upgrade to", "endpoint", ep.id, "current", client.ConnectionMedium(ep.id))
		return api.Error
	}

	ep.mu.Lock()
	if ep.upgrade != nil {
		ep.mu.Unlock()
		c.logger.Debug("upgrade already in progress", "endpoint", ep.id)
		return api.Success
	}
	ctx, cancel := context.WithCancel(ep.ctx)
	up := newUpgrade(true, target.Kind(), cancel)
	ep.upgrade = up
	ep.mu.Unlock()

	listener, err := target.Listen(ctx, fmt.Sprintf("upgrade-%s-%s", client.LocalEndpointID(), ep.id))
	if err != nil {
		c.logger.Warn("cannot listen for upgrade", "endpoint", ep.id, "medium", target.Kind(), "error", err)
		c.abortUpgrade(ep, up)
		return api.Error
	}
	ep.mu.Lock()
	if ep.upgrade != up {
		ep.mu.Unlock()
		listener.Close()
		return api.Success
	}
	up.listener = listener
	ep.mu.Unlock()

	c.goroutine(func() {
		err := listener.Serve(ctx, func(conn net.Conn) {
			if !c.goroutine(func() { c.acceptUpgrade(ctx, ep, up, conn) }) {
				conn.Close()
			}
		})
		if err != nil && !errors.Is(err, medium.ErrListenerClosed) {
			c.logger.Warn("upgrade listener failed", "endpoint", ep.id, "error", err)
		}
	})

	if err := c.send(ep.id, frame.NewUpgradePathAvailable(int(target.Kind()), listener.Address())); err != nil {
		c.logger.Warn("sending upgrade path failed", "endpoint", ep.id, "error", err)
		c.abortUpgrade(ep, up)
		return api.EndpointIOError
	}
	c.logger.Info("bandwidth upgrade offered", "endpoint", ep.id, "medium", target.Kind(), "address", listener.Address())
	return api.Success
}

// acceptUpgrade takes the responder's socket on the initiator side.
func (c *Controller) acceptUpgrade(ctx context.Context, ep *endpoint, up *upgrade, conn net.Conn) {
	prior := ep.reading.Load()
	ch := c.newChannel(conn, ep.id, prior.ServiceID(), up.medium, 1)

	readCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(readCtx, func() { ch.CloseWithReason(channel.ReasonIOError) })
	data, err := ch.Read()
	stop()
	if err == nil {
		var f *frame.Frame
		f, err = frame.Parse(data)
		switch {
		case err != nil:
		case f.Type != frame.TypeBandwidthUpgrade || f.BandwidthUpgrade.Event != frame.UpgradeClientIntroduction:
			err = fmt.Errorf("first upgrade frame is %s", f.Type)
		case f.BandwidthUpgrade.EndpointID != ep.id:
			err = fmt.Errorf("introduction from %s on %s's upgrade", f.BandwidthUpgrade.EndpointID, ep.id)
		}
	}
	if err != nil {
		ch.CloseWithReason(channel.ReasonIOError)
		c.logger.Warn("upgrade introduction failed", "endpoint", ep.id, "error", err)
		c.failUpgrade(ep, up)
		return
	}

	ep.mu.Lock()
	listener := up.listener
	ep.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	c.switchChannel(ep, up, ch)
}

// respondUpgrade dials the initiator's path on the responder side.
func (c *Controller) respondUpgrade(ctx context.Context, ep *endpoint, up *upgrade, address string) {
	client, ok := ep.client.Borrow()
	if !ok {
		c.abortUpgrade(ep, up)
		return
	}
	target, ok := c.mediums.Get(up.medium)
	if !ok {
		c.logger.Info("peer offered an upgrade on a disabled medium", "endpoint", ep.id, "medium", up.medium)
		c.failUpgrade(ep, up)
		return
	}
	conn, tries, err := target.Dial(ctx, address)
	if err != nil {
		c.logger.Warn("dialing upgrade path failed", "endpoint", ep.id, "medium", up.medium, "error", err)
		c.failUpgrade(ep, up)
		return
	}
	prior := ep.reading.Load()
	ch := c.newChannel(conn, ep.id, prior.ServiceID(), up.medium, tries)
	if err := writeFrame(ch, frame.NewClientIntroduction(client.LocalEndpointID())); err != nil {
		ch.CloseWithReason(channel.ReasonIOError)
		c.logger.Warn("upgrade introduction not sent", "endpoint", ep.id, "error", err)
		c.failUpgrade(ep, up)
		return
	}
	c.switchChannel(ep, up, ch)
}

// switchChannel registers the paused new channel in place of the prior
// one and announces the prior channel's last write. Holding sendMu
// across both steps keeps every earlier send ahead of the announcement.
func (c *Controller) switchChannel(ep *endpoint, up *upgrade, ch *channel.Channel) {
	ch.Pause()
	ep.sendMu.Lock()
	ep.mu.Lock()
	if ep.upgrade != up || up.next != nil || c.endpoint(ep.id) != ep {
		ep.mu.Unlock()
		ep.sendMu.Unlock()
		ch.CloseWithReason(channel.ReasonShutdown)
		return
	}
	prior := c.registry.ReplaceChannel(ep.id, ch, false)
	up.next, up.prior = ch, prior
	ep.mu.Unlock()

	var err error
	if prior != nil {
		err = writeFrame(prior, frame.NewUpgradeEvent(frame.UpgradeLastWriteToPriorChannel))
	}
	ep.sendMu.Unlock()

	if prior == nil {
		c.abortUpgrade(ep, up)
		return
	}
	if err != nil {
		c.logger.Warn("last write on prior channel failed", "endpoint", ep.id, "error", err)
		c.abortUpgrade(ep, up)
	}
}

// onUpgradeFrame handles an upgrade step read from current, the read
// loop's channel.
func (c *Controller) onUpgradeFrame(ep *endpoint, current *channel.Channel, b *frame.BandwidthUpgrade) {
	switch b.Event {
	case frame.UpgradePathAvailable:
		c.onPathAvailable(ep, b.Path)

	case frame.UpgradeLastWriteToPriorChannel:
		ep.mu.Lock()
		up := ep.upgrade
		if up != nil && up.lastWriteReceived {
			ep.mu.Unlock()
			return
		}
		if up != nil {
			up.lastWriteReceived = true
		}
		ep.mu.Unlock()
		// The peer's read loop may be writing to us at the same time,
		// so the answer must not hold up this loop.
		c.goroutine(func() {
			if err := writeFrame(current, frame.NewUpgradeEvent(frame.UpgradeSafeToClosePriorChannel)); err != nil {
				c.logger.Warn("safe-to-close not sent", "endpoint", ep.id, "error", err)
			}
			if up != nil {
				close(up.safeToCloseSent)
			}
		})
		c.maybeFinishUpgrade(ep, up)

	case frame.UpgradeSafeToClosePriorChannel:
		ep.mu.Lock()
		up := ep.upgrade
		if up != nil {
			up.safeToCloseReceived = true
		}
		ep.mu.Unlock()
		c.maybeFinishUpgrade(ep, up)

	case frame.UpgradeFailure:
		ep.mu.Lock()
		up := ep.upgrade
		ep.mu.Unlock()
		c.logger.Info("peer reported upgrade failure", "endpoint", ep.id, "medium", api.Medium(b.Medium))
		c.abortUpgrade(ep, up)

	default:
		c.logger.Warn("unexpected upgrade frame on established channel", "endpoint", ep.id, "event", b.Event)
	}
}

// onPathAvailable makes this side the responder. When both sides offered
// at once, the side with the lower endpoint id keeps its own offer.
func (c *Controller) onPathAvailable(ep *endpoint, path *frame.UpgradePath) {
	client, ok := ep.client.Borrow()
	if !ok {
		return
	}
	ep.mu.Lock()
	yielded := ep.upgrade
	if yielded != nil {
		if yielded.next != nil || (yielded.initiator && client.LocalEndpointID() < ep.id) {
			ep.mu.Unlock()
			c.logger.Debug("ignoring concurrent upgrade offer", "endpoint", ep.id)
			return
		}
		ep.upgrade = nil
	}
	ctx, cancel := context.WithCancel(ep.ctx)
	up := newUpgrade(false, api.Medium(path.Medium), cancel)
	ep.upgrade = up
	ep.mu.Unlock()

	if yielded != nil {
		yielded.cancel()
		if yielded.listener != nil {
			yielded.listener.Close()
		}
	}
	address := path.Address
	if !c.goroutine(func() { c.respondUpgrade(ctx, ep, up, address) }) {
		cancel()
	}
}

// maybeFinishUpgrade moves the read loop to the new channel once the
// peer has sent both its last write and its safe-to-close. It runs on
// the read loop.
func (c *Controller) maybeFinishUpgrade(ep *endpoint, up *upgrade) {
	if up == nil {
		return
	}
	ep.mu.Lock()
	ready := up.lastWriteReceived && up.safeToCloseReceived && up.next != nil
	ep.mu.Unlock()
	if !ready {
		return
	}
	select {
	case <-up.safeToCloseSent:
	case <-ep.ctx.Done():
		return
	}

	ep.mu.Lock()
	if ep.upgrade != up {
		ep.mu.Unlock()
		return
	}
	ep.upgrade = nil
	next, prior, listener := up.next, up.prior, up.listener
	ep.mu.Unlock()

	ep.reading.Store(next)
	ep.since.Store(c.clock.Now().UnixNano())
	prior.CloseWithReason(channel.ReasonUpgraded)
	next.Resume()
	if listener != nil {
		listener.Close()
	}
	up.cancel()

	c.logger.Info("bandwidth upgraded", "endpoint", ep.id, "from", prior.Medium(), "to", next.Medium())
	if client, ok := ep.client.Borrow(); ok {
		client.OnBandwidthChanged(ep.id, next.Medium())
	}
}

// failUpgrade tells the peer the upgrade is off and abandons it.
func (c *Controller) failUpgrade(ep *endpoint, up *upgrade) {
	ep.mu.Lock()
	current := ep.upgrade == up
	ep.mu.Unlock()
	if !current {
		return
	}
	if err := c.send(ep.id, frame.NewUpgradeFailure(int(up.medium))); err != nil {
		c.logger.Debug("upgrade failure not sent", "endpoint", ep.id, "error", err)
	}
	c.abortUpgrade(ep, up)
}

// abortUpgrade abandons up if it is still ep's upgrade, putting the
// prior channel back in the registry. A nil up aborts whatever is in
// progress.
func (c *Controller) abortUpgrade(ep *endpoint, up *upgrade) {
	ep.mu.Lock()
	if up == nil {
		up = ep.upgrade
	}
	if up == nil || ep.upgrade != up {
		ep.mu.Unlock()
		return
	}
	ep.upgrade = nil
	next, prior, listener := up.next, up.prior, up.listener
	ep.mu.Unlock()

	up.cancel()
	if listener != nil {
		listener.Close()
	}
	if next != nil {
		if prior != nil && c.registry.Channel(ep.id) == next {
			c.registry.ReplaceChannel(ep.id, prior, false)
		}
		next.CloseWithReason(channel.ReasonShutdown)
	}
	c.logger.Info("bandwidth upgrade abandoned", "endpoint", ep.id, "medium", up.medium)
}

// ShutdownUpgrade abandons every upgrade on client's endpoints.
func (c *Controller) ShutdownUpgrade(client *session.Client) {
	c.mu.Lock()
	var owned []*endpoint
	for _, ep := range c.endpoints {
		if ep.client.ID() == client.ID() {
			owned = append(owned, ep)
		}
	}
	c.mu.Unlock()
	for _, ep := range owned {
		c.abortUpgrade(ep, nil)
	}
}
