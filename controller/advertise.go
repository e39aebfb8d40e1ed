// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/handshake"
	"github.com/bureau-foundation/tether/medium"
	"github.com/bureau-foundation/tether/session"
)

// advertising is one client's active advertisement: a listener and a
// directory record per medium.
type advertising struct {
	serviceID  string
	endpointID string
	listeners  []medium.Listener
	cancel     context.CancelFunc
}

// StartAdvertising listens on every medium options allow and publishes
// the listeners' addresses under serviceID.
func (c *Controller) StartAdvertising(client *session.Client, serviceID string, options api.AdvertisingOptions, info api.ConnectionRequestInfo) api.Status {
	allowed := c.mediums.Allowed(options.Mediums)
	if len(allowed) == 0 {
		c.logger.Warn("no medium allowed for advertising", "service", serviceID, "mediums", options.Mediums)
		return api.Error
	}
	st := c.state(client)
	handle := st.handle
	localID := client.LocalEndpointID()

	ctx, cancel := context.WithCancel(c.ctx)
	adv := &advertising{serviceID: serviceID, endpointID: localID, cancel: cancel}
	for _, m := range allowed {
		listener, err := m.Listen(ctx, localID)
		if err != nil {
			c.logger.Warn("cannot listen for advertising", "medium", m.Kind(), "error", err)
			continue
		}
		record := medium.Advertisement{
			ServiceID:    serviceID,
			EndpointID:   localID,
			EndpointInfo: info.EndpointInfo,
			Medium:       m.Kind(),
			Address:      listener.Address(),
		}
		if err := c.directory.Publish(ctx, record); err != nil {
			c.logger.Warn("publishing advertisement failed", "medium", m.Kind(), "error", err)
			listener.Close()
			continue
		}
		adv.listeners = append(adv.listeners, listener)

		kind := m.Kind()
		c.goroutine(func() {
			err := listener.Serve(ctx, func(conn net.Conn) {
				if !c.goroutine(func() { c.handleInbound(ctx, handle, serviceID, kind, conn) }) {
					conn.Close()
				}
			})
			if err != nil && !errors.Is(err, medium.ErrListenerClosed) {
				c.logger.Warn("advertising listener failed", "medium", kind, "error", err)
			}
		})
	}
	if len(adv.listeners) == 0 {
		cancel()
		return api.Error
	}

	c.mu.Lock()
	st.advertising = adv
	c.mu.Unlock()
	client.StartedAdvertising(serviceID, options, info)
	client.StartedListening(serviceID)
	c.logger.Info("advertising", "service", serviceID, "endpoint", localID, "mediums", len(adv.listeners))
	return api.Success
}

// StopAdvertising withdraws the client's advertisement and closes its
// listeners. Connections already accepted stay up.
func (c *Controller) StopAdvertising(client *session.Client) api.Status {
	c.stopAdvertising(c.state(client))
	client.StoppedAdvertising()
	client.StoppedListening()
	return api.Success
}

func (c *Controller) stopAdvertising(st *clientState) {
	c.mu.Lock()
	adv := st.advertising
	st.advertising = nil
	c.mu.Unlock()
	if adv == nil {
		return
	}
	adv.cancel()
	for _, listener := range adv.listeners {
		listener.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.directory.Withdraw(ctx, adv.endpointID); err != nil {
		c.logger.Warn("withdrawing advertisement failed", "endpoint", adv.endpointID, "error", err)
	}
	c.logger.Info("stopped advertising", "service", adv.serviceID)
}

// handleInbound runs the server side of a new socket: handshake, then
// the peer's connection request, then the pending connection.
func (c *Controller) handleInbound(ctx context.Context, handle session.Handle, serviceID string, kind api.Medium, conn net.Conn) {
	ch := c.newChannel(conn, "inbound", serviceID, kind, 1)
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	result, err := handshake.Run(ctx, ch, handshake.Server)
	if err != nil {
		c.logger.Warn("inbound handshake failed", "medium", kind, "error", err)
		ch.CloseWithReason(channel.ReasonIOError)
		return
	}
	ch.EnableEncryption(result.Context)

	request, err := readConnectionRequest(ctx, ch)
	if err != nil {
		c.logger.Warn("reading connection request failed", "medium", kind, "error", err)
		ch.CloseWithReason(channel.ReasonIOError)
		return
	}

	client, ok := handle.Borrow()
	if !ok || !client.IsListening() {
		ch.CloseWithReason(channel.ReasonRejected)
		return
	}
	info, _ := client.AdvertisingInfo()
	advertisingOptions, _ := client.AdvertisingOptions()

	c.establish(client, establishment{
		endpointID:    request.EndpointID,
		channel:       ch,
		handshake:     result,
		incoming:      true,
		remoteInfo:    request.EndpointInfo,
		remoteMediums: mediumsFromWire(request.Mediums),
		options: api.ConnectionOptions{
			Mediums:           advertisingOptions.Mediums,
			KeepAliveInterval: time.Duration(request.KeepAliveIntervalMillis) * time.Millisecond,
			KeepAliveTimeout:  time.Duration(request.KeepAliveTimeoutMillis) * time.Millisecond,
		},
		listener: info.Listener,
	})
}

// readConnectionRequest reads the first frame after the handshake. The
// channel is closed if ctx ends first.
func readConnectionRequest(ctx context.Context, ch *channel.Channel) (*frame.ConnectionRequest, error) {
	stop := context.AfterFunc(ctx, func() { ch.CloseWithReason(channel.ReasonIOError) })
	defer stop()
	data, err := ch.Read()
	if err != nil {
		return nil, err
	}
	f, err := frame.Parse(data)
	if err != nil {
		return nil, err
	}
	if f.Type != frame.TypeConnectionRequest {
		return nil, errors.New("first frame is " + f.Type.String() + ", want connection_request")
	}
	return f.ConnectionRequest, nil
}

func mediumsToWire(kinds []api.Medium) []int {
	wire := make([]int, len(kinds))
	for i, kind := range kinds {
		wire[i] = int(kind)
	}
	return wire
}

func mediumsFromWire(wire []int) []api.Medium {
	kinds := make([]api.Medium, len(wire))
	for i, kind := range wire {
		kinds[i] = api.Medium(kind)
	}
	return kinds
}
