// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/handshake"
	"github.com/bureau-foundation/tether/medium"
	"github.com/bureau-foundation/tether/session"
)

// establishment is a socket that finished the handshake and the
// connection request, ready to become a pending connection.
type establishment struct {
	endpointID    string
	channel       *channel.Channel
	handshake     *handshake.Result
	incoming      bool
	remoteInfo    []byte
	remoteMediums []api.Medium
	options       api.ConnectionOptions
	listener      api.ConnectionListener
}

// RequestConnection dials a discovered endpoint, runs the client side
// of the handshake and sends the connection request. Cancelling the
// endpoint's flag aborts the attempt at the next step.
func (c *Controller) RequestConnection(client *session.Client, endpointID string, info api.ConnectionRequestInfo, options api.ConnectionOptions) api.Status {
	flag := client.CancellationFlag(endpointID)
	ctx, cancel := flag.Context(c.ctx)
	defer cancel()

	records := c.advertisementsFor(client, endpointID)
	if len(records) == 0 {
		c.logger.Warn("connection requested to unknown endpoint", "endpoint", endpointID)
		return api.EndpointUnknown
	}

	var (
		conn   net.Conn
		tries  int
		record medium.Advertisement
	)
	for _, candidate := range records {
		if !options.Mediums.Allows(candidate.Medium) {
			continue
		}
		m, ok := c.mediums.Get(candidate.Medium)
		if !ok {
			continue
		}
		dialed, attempts, err := m.Dial(ctx, candidate.Address)
		if err != nil {
			if flag.Cancelled() {
				return api.Error
			}
			c.logger.Warn("dial failed", "endpoint", endpointID, "medium", candidate.Medium, "attempts", attempts, "error", err)
			continue
		}
		conn, tries, record = dialed, attempts, candidate
		break
	}
	if conn == nil {
		return api.EndpointIOError
	}

	ch := c.newChannel(conn, endpointID, record.ServiceID, record.Medium, tries)
	hctx, hcancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer hcancel()
	result, err := handshake.Run(hctx, ch, handshake.Client)
	if err != nil {
		ch.CloseWithReason(channel.ReasonIOError)
		if flag.Cancelled() {
			return api.Error
		}
		c.logger.Warn("outbound handshake failed", "endpoint", endpointID, "error", err)
		return api.EndpointIOError
	}
	ch.EnableEncryption(result.Context)

	keepAliveInterval, keepAliveTimeout := c.keepAlive(options)
	request := frame.ConnectionRequest{
		EndpointID:              client.LocalEndpointID(),
		EndpointInfo:            info.EndpointInfo,
		Nonce:                   connectionNonce(),
		Mediums:                 mediumsToWire(c.mediums.Kinds()),
		KeepAliveIntervalMillis: keepAliveInterval.Milliseconds(),
		KeepAliveTimeoutMillis:  keepAliveTimeout.Milliseconds(),
	}
	if err := writeFrame(ch, frame.NewConnectionRequest(request)); err != nil {
		ch.CloseWithReason(channel.ReasonIOError)
		c.logger.Warn("sending connection request failed", "endpoint", endpointID, "error", err)
		return api.EndpointIOError
	}
	if flag.Cancelled() {
		ch.CloseWithReason(channel.ReasonLocalDisconnection)
		return api.Error
	}

	return c.establish(client, establishment{
		endpointID: endpointID,
		channel:    ch,
		handshake:  result,
		remoteInfo: record.EndpointInfo,
		options:    options,
		listener:   info.Listener,
	})
}

// establish registers a handshaken channel, reports the pending
// connection and starts the endpoint's loops.
func (c *Controller) establish(client *session.Client, e establishment) api.Status {
	interval, timeout := c.keepAlive(e.options)
	ep := newEndpoint(e.endpointID, client.Handle(), e.incoming, e.remoteMediums, interval, timeout)

	c.mu.Lock()
	if c.stopped || c.endpoints[e.endpointID] != nil {
		c.mu.Unlock()
		c.logger.Warn("dropping duplicate connection", "endpoint", e.endpointID, "incoming", e.incoming)
		e.channel.CloseWithReason(channel.ReasonRejected)
		return api.AlreadyConnectedToEndpoint
	}
	c.endpoints[e.endpointID] = ep
	c.mu.Unlock()

	// The context is already live on the channel; handing it to the
	// registry as well keeps it attached across channel replacement.
	c.registry.EncryptChannel(e.endpointID, e.handshake.Context)
	c.registry.RegisterChannel(e.endpointID, e.channel)
	ep.reading.Store(e.channel)
	ep.since.Store(c.clock.Now().UnixNano())

	response := api.ConnectionResponseInfo{
		RemoteEndpointInfo:     e.remoteInfo,
		AuthenticationDigits:   e.handshake.AuthDigits,
		RawAuthenticationToken: e.handshake.AuthToken,
		IsIncoming:             e.incoming,
		Medium:                 e.channel.Medium(),
	}
	if !client.OnConnectionInitiated(e.endpointID, response, e.options, e.listener) {
		c.forget(ep)
		c.registry.UnregisterChannel(e.endpointID, channel.ReasonRejected)
		return api.AlreadyConnectedToEndpoint
	}

	if !c.goroutine(func() { c.readLoop(ep) }) || !c.goroutine(func() { c.keepAliveLoop(ep) }) {
		c.disconnect(ep, channel.ReasonShutdown, false)
		return api.Error
	}
	return api.Success
}

// AcceptConnection sends the local acceptance and records it.
func (c *Controller) AcceptConnection(client *session.Client, endpointID string, listener api.PayloadListener) api.Status {
	return c.answer(client, endpointID, true, func() {
		client.LocalEndpointAccepted(endpointID, listener)
	})
}

// RejectConnection sends the local rejection and records it.
func (c *Controller) RejectConnection(client *session.Client, endpointID string) api.Status {
	return c.answer(client, endpointID, false, func() {
		client.LocalEndpointRejected(endpointID)
	})
}

func (c *Controller) answer(client *session.Client, endpointID string, accepted bool, record func()) api.Status {
	ep := c.endpoint(endpointID)
	if ep == nil {
		return api.EndpointUnknown
	}
	status := api.Success
	if !accepted {
		status = api.ConnectionRejected
	}
	if err := c.send(endpointID, frame.NewConnectionResponse(accepted, int32(status))); err != nil {
		c.logger.Warn("sending connection response failed", "endpoint", endpointID, "error", err)
		c.disconnect(ep, channel.ReasonIOError, true)
		return api.EndpointIOError
	}
	record()
	c.evaluate(client, ep)
	return api.Success
}

// onConnectionResponse records the remote side's answer.
func (c *Controller) onConnectionResponse(ep *endpoint, response *frame.ConnectionResponse) {
	client, ok := ep.client.Borrow()
	if !ok {
		return
	}
	if response.Accepted {
		client.RemoteEndpointAccepted(ep.id)
	} else {
		client.RemoteEndpointRejected(ep.id)
	}
	c.evaluate(client, ep)
}

// evaluate settles a connection once both sides answered: connected
// when both accepted, torn down when either rejected.
func (c *Controller) evaluate(client *session.Client, ep *endpoint) {
	if !client.HasLocalEndpointResponded(ep.id) || !client.HasRemoteEndpointResponded(ep.id) {
		return
	}
	if client.IsConnectionAccepted(ep.id) {
		client.OnConnectionAccepted(ep.id)
		if client.AutoUpgradeBandwidth(ep.id) {
			c.goroutine(func() { c.startUpgrade(client.Handle(), ep) })
		}
		return
	}
	client.OnConnectionRejected(ep.id, api.ConnectionRejected)
	c.forget(ep)
	ep.stop()
	c.registry.UnregisterChannel(ep.id, channel.ReasonRejected)
}

// connectionNonce ties together the frames of one request.
func connectionNonce() int32 {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic("controller: reading random nonce: " + err.Error())
	}
	return int32(binary.BigEndian.Uint32(raw[:]) &^ (1 << 31))
}
