// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/session"
)

// endpoint is one remote endpoint with a registered channel, pending
// or connected.
type endpoint struct {
	id            string
	client        session.Handle
	incoming      bool
	remoteMediums []api.Medium

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	// since is when reading started on the current channel, in unix
	// nanoseconds. Keep-alive idleness never counts from before it.
	since atomic.Int64

	// reading is the channel the read loop is on. During an upgrade
	// it is the prior channel while the registry already holds the
	// new one.
	reading atomic.Pointer[channel.Channel]

	ctx    context.Context
	cancel context.CancelFunc

	// sendMu is held from the registry lookup through the write, so a
	// channel swap never lands between the two. Acquired before mu.
	sendMu sync.Mutex

	mu      sync.Mutex
	upgrade *upgrade
}

func newEndpoint(id string, client session.Handle, incoming bool, remoteMediums []api.Medium, interval, timeout time.Duration) *endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &endpoint{
		id:                id,
		client:            client,
		incoming:          incoming,
		remoteMediums:     remoteMediums,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		ctx:               ctx,
		cancel:            cancel,
	}
}

// stop ends the endpoint's keep-alive loop. The read loop ends when its
// channel closes.
func (ep *endpoint) stop() { ep.cancel() }

// keepAlive resolves the liveness settings of a connection.
func (c *Controller) keepAlive(options api.ConnectionOptions) (interval, timeout time.Duration) {
	interval, timeout = options.KeepAliveInterval, options.KeepAliveTimeout
	if interval <= 0 {
		interval = c.channelConfig.KeepAliveInterval
	}
	if timeout <= 0 {
		timeout = c.channelConfig.KeepAliveTimeout
	}
	if timeout <= interval {
		timeout = 2 * interval
	}
	return interval, timeout
}

func (c *Controller) endpoint(id string) *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[id]
}

// forget removes ep from the endpoint table. It reports false if ep was
// already gone, so exactly one caller tears it down.
func (c *Controller) forget(ep *endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.endpoints[ep.id] != ep {
		return false
	}
	delete(c.endpoints, ep.id)
	return true
}

// disconnect tears ep down: its loops, its channels, in-flight payloads
// and upgrade state. With notify the client hears Disconnected.
func (c *Controller) disconnect(ep *endpoint, reason channel.CloseReason, notify bool) {
	if !c.forget(ep) {
		return
	}
	ep.stop()
	c.abortUpgrade(ep, nil)
	c.registry.UnregisterChannel(ep.id, reason)
	if reading := ep.reading.Load(); reading != nil {
		reading.CloseWithReason(reason)
	}
	c.payloads.endpointGone(ep)
	client, ok := ep.client.Borrow()
	switch {
	case !ok:
	case notify && client.HasPendingConnectionToEndpoint(ep.id) && client.IsConnectionRejected(ep.id):
		// The rejecting side hung up before this side answered.
		client.OnConnectionRejected(ep.id, api.ConnectionRejected)
	default:
		client.OnDisconnected(ep.id, notify)
	}
	c.logger.Info("endpoint disconnected", "endpoint", ep.id, "reason", reason)
}

// DisconnectFromEndpoint tells the peer and tears the endpoint down.
func (c *Controller) DisconnectFromEndpoint(client *session.Client, endpointID string) api.Status {
	ep := c.endpoint(endpointID)
	if ep == nil {
		client.OnDisconnected(endpointID, false)
		return api.Success
	}
	if ch := c.registry.Channel(endpointID); ch != nil && !ch.IsPaused() {
		if err := writeFrame(ch, frame.NewDisconnection()); err != nil {
			c.logger.Debug("disconnection frame not delivered", "endpoint", endpointID, "error", err)
		}
	}
	c.disconnect(ep, channel.ReasonLocalDisconnection, true)
	return api.Success
}

// readLoop reads ep's frames until its channel fails, dispatching each
// to the handler for its type. It follows the endpoint onto a new
// channel when a bandwidth upgrade completes.
func (c *Controller) readLoop(ep *endpoint) {
	for {
		current := ep.reading.Load()
		data, err := current.Read()
		if err != nil {
			reason := channel.ReasonIOError
			if current.IsClosed() && current.CloseReason() != channel.ReasonUnknown {
				reason = current.CloseReason()
			}
			c.logger.Debug("read loop ended", "endpoint", ep.id, "channel", current, "error", err)
			c.disconnect(ep, reason, true)
			return
		}
		f, err := frame.Parse(data)
		if err != nil {
			c.logger.Warn("dropping invalid frame", "endpoint", ep.id, "error", err)
			continue
		}
		switch f.Type {
		case frame.TypeConnectionResponse:
			c.onConnectionResponse(ep, f.ConnectionResponse)
		case frame.TypePayloadTransfer:
			c.payloads.receive(ep, f.PayloadTransfer)
		case frame.TypeBandwidthUpgrade:
			c.onUpgradeFrame(ep, current, f.BandwidthUpgrade)
		case frame.TypeKeepAlive:
		case frame.TypeDisconnection:
			c.disconnect(ep, channel.ReasonRemoteDisconnection, true)
			return
		default:
			c.logger.Warn("unexpected frame", "endpoint", ep.id, "type", f.Type)
		}
	}
}

// keepAliveLoop pings ep every interval and disconnects it once nothing
// has been read for the timeout.
func (c *Controller) keepAliveLoop(ep *endpoint) {
	ticker := c.clock.NewTicker(ep.keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ep.ctx.Done():
			return
		case now := <-ticker.C:
			current := ep.reading.Load()
			last := current.LastReadTimestamp()
			if since := time.Unix(0, ep.since.Load()); last.Before(since) {
				last = since
			}
			if idle := now.Sub(last); idle >= ep.keepAliveTimeout {
				c.logger.Warn("keep-alive timeout", "endpoint", ep.id, "idle", idle)
				c.disconnect(ep, channel.ReasonKeepAliveTimeout, true)
				return
			}
			if err := c.send(ep.id, frame.NewKeepAlive(false)); err != nil {
				c.logger.Debug("keep-alive not sent", "endpoint", ep.id, "error", err)
			}
		}
	}
}
