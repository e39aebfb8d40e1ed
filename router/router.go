// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/lib/serial"
	"github.com/bureau-foundation/tether/session"
)

// DefaultTeardownTimeout bounds how long Close waits for queued work
// and client teardown.
const DefaultTeardownTimeout = 10 * time.Second

// endpointIDLength is the length of every endpoint id on the wire.
const endpointIDLength = 4

// Config configures a Router.
type Config struct {
	Controller Controller

	// TeardownTimeout bounds Close. Zero means DefaultTeardownTimeout.
	TeardownTimeout time.Duration

	// Fatal is called when Close times out. The default logs the
	// error and exits the process with status 1.
	Fatal func(error)

	Logger *slog.Logger
}

// Router is the single entry point for client operations. Each
// operation is validated against the client's session state and
// forwarded to the Controller on one serial worker, so operations
// take effect in the order they were made.
//
// Cancellation pre-steps (RequestConnection, RejectConnection,
// DisconnectFromEndpoint, StopAllEndpoints, ClientDisconnecting) run on
// the caller's goroutine before the operation is queued, so they take
// effect even while the worker is blocked inside a long controller
// call for the same endpoint.
type Router struct {
	controller      Controller
	teardownTimeout time.Duration
	fatal           func(error)
	logger          *slog.Logger

	executor *serial.Executor

	mu      sync.Mutex
	clients map[uint64]session.Handle
	closed  bool
}

// New starts a Router. Controller is required.
func New(config Config) (*Router, error) {
	if config.Controller == nil {
		return nil, fmt.Errorf("router: controller is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "router")
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = DefaultTeardownTimeout
	}
	fatal := config.Fatal
	if fatal == nil {
		fatal = func(err error) {
			logger.Error("router teardown failed", "error", err)
			os.Exit(1)
		}
	}
	return &Router{
		controller:      config.Controller,
		teardownTimeout: config.TeardownTimeout,
		fatal:           fatal,
		logger:          logger,
		executor:        serial.New(logger),
		clients:         make(map[uint64]session.Handle),
	}, nil
}

func report(callback api.ResultCallback, status api.Status) {
	if callback != nil {
		callback(status)
	}
}

// route queues operation for client on the serial worker and reports
// its status to callback. The callback fires exactly once: with Error
// if the router is closed or the client was shut down before the
// operation ran.
func (r *Router) route(name string, client *session.Client, callback api.ResultCallback, operation func(*session.Client) api.Status) {
	handle := client.Handle()
	r.mu.Lock()
	if !r.closed {
		r.clients[handle.ID()] = handle
	}
	r.mu.Unlock()

	err := r.executor.Execute(name, func() {
		borrowed, ok := handle.Borrow()
		if !ok {
			r.logger.Warn("client gone before operation ran", "operation", name, "client", handle.ID())
			report(callback, api.Error)
			return
		}
		status := operation(borrowed)
		r.logger.Debug("operation finished", "operation", name, "client", handle.ID(), "status", status)
		report(callback, status)
	})
	if err != nil {
		r.logger.Warn("operation rejected", "operation", name, "client", handle.ID(), "error", err)
		report(callback, api.Error)
	}
}

// StartAdvertising makes client discoverable under serviceID.
// Advertising and discovery are mutually exclusive within one client.
func (r *Router) StartAdvertising(client *session.Client, serviceID string, options api.AdvertisingOptions, info api.ConnectionRequestInfo, callback api.ResultCallback) {
	r.route("start-advertising", client, callback, func(c *session.Client) api.Status {
		if c.IsAdvertising() {
			return api.AlreadyAdvertising
		}
		if c.IsDiscovering() {
			return api.AlreadyDiscovering
		}
		return r.controller.StartAdvertising(c, serviceID, options, info)
	})
}

// StopAdvertising stops advertising if it is active. It always reports
// Success.
func (r *Router) StopAdvertising(client *session.Client, callback api.ResultCallback) {
	r.route("stop-advertising", client, callback, func(c *session.Client) api.Status {
		if c.IsAdvertising() {
			r.controller.StopAdvertising(c)
		}
		return api.Success
	})
}

// StartDiscovery looks for endpoints advertising serviceID.
func (r *Router) StartDiscovery(client *session.Client, serviceID string, options api.DiscoveryOptions, listener api.DiscoveryListener, callback api.ResultCallback) {
	r.route("start-discovery", client, callback, func(c *session.Client) api.Status {
		if c.IsDiscovering() {
			return api.AlreadyDiscovering
		}
		if c.IsAdvertising() {
			return api.AlreadyAdvertising
		}
		return r.controller.StartDiscovery(c, serviceID, options, listener)
	})
}

// StopDiscovery stops discovery if it is active. It always reports
// Success.
func (r *Router) StopDiscovery(client *session.Client, callback api.ResultCallback) {
	r.route("stop-discovery", client, callback, func(c *session.Client) api.Status {
		if c.IsDiscovering() {
			r.controller.StopDiscovery(c)
		}
		return api.Success
	})
}

// InjectEndpoint reports an endpoint learned out of band as if
// discovery had found it. The client must be discovering.
func (r *Router) InjectEndpoint(client *session.Client, serviceID string, metadata api.OutOfBandMetadata, callback api.ResultCallback) {
	r.route("inject-endpoint", client, callback, func(c *session.Client) api.Status {
		if !metadata.Medium.Injectable() || metadata.RemoteAddress == "" {
			return api.Error
		}
		if len(metadata.EndpointID) != endpointIDLength {
			return api.Error
		}
		if len(metadata.EndpointInfo) == 0 {
			return api.Error
		}
		if !c.IsDiscovering() {
			return api.OutOfOrderApiCall
		}
		return r.controller.InjectEndpoint(c, serviceID, metadata)
	})
}

// RequestConnection asks endpointID for a connection. The endpoint's
// cancellation flag is armed before the request is queued.
func (r *Router) RequestConnection(client *session.Client, endpointID string, info api.ConnectionRequestInfo, options api.ConnectionOptions, callback api.ResultCallback) {
	client.AddCancellationFlag(endpointID)
	r.route("request-connection", client, callback, func(c *session.Client) api.Status {
		if c.IsConnectedToEndpoint(endpointID) || c.HasPendingConnectionToEndpoint(endpointID) {
			return api.AlreadyConnectedToEndpoint
		}
		status := r.controller.RequestConnection(c, endpointID, info, options)
		if !status.Ok() {
			c.CancelEndpoint(endpointID)
		}
		return status
	})
}

// AcceptConnection accepts a pending connection; payloads from the
// endpoint go to listener.
func (r *Router) AcceptConnection(client *session.Client, endpointID string, listener api.PayloadListener, callback api.ResultCallback) {
	r.route("accept-connection", client, callback, func(c *session.Client) api.Status {
		if status := checkAnswerable(c, endpointID); !status.Ok() {
			return status
		}
		return r.controller.AcceptConnection(c, endpointID, listener)
	})
}

// RejectConnection rejects a pending connection. The endpoint is
// cancelled before the rejection is queued.
func (r *Router) RejectConnection(client *session.Client, endpointID string, callback api.ResultCallback) {
	client.CancelEndpoint(endpointID)
	r.route("reject-connection", client, callback, func(c *session.Client) api.Status {
		if status := checkAnswerable(c, endpointID); !status.Ok() {
			return status
		}
		return r.controller.RejectConnection(c, endpointID)
	})
}

// checkAnswerable validates a local accept or reject.
func checkAnswerable(c *session.Client, endpointID string) api.Status {
	if c.IsConnectedToEndpoint(endpointID) {
		return api.AlreadyConnectedToEndpoint
	}
	if c.HasLocalEndpointResponded(endpointID) {
		return api.OutOfOrderApiCall
	}
	return api.Success
}

// InitiateBandwidthUpgrade starts moving an established connection to
// a faster medium. Success means the upgrade was started; its outcome
// arrives as BandwidthChanged.
func (r *Router) InitiateBandwidthUpgrade(client *session.Client, endpointID string, callback api.ResultCallback) {
	r.route("initiate-bandwidth-upgrade", client, callback, func(c *session.Client) api.Status {
		if !c.IsConnectedToEndpoint(endpointID) {
			return api.OutOfOrderApiCall
		}
		r.controller.InitiateBandwidthUpgrade(c, endpointID)
		return api.Success
	})
}

// SendPayload sends payload to every listed endpoint the client is
// connected to. Success means the transfer was queued; per-endpoint
// outcomes arrive as payload progress.
func (r *Router) SendPayload(client *session.Client, endpointIDs []string, payload api.Payload, callback api.ResultCallback) {
	endpoints := append([]string(nil), endpointIDs...)
	r.route("send-payload", client, callback, func(c *session.Client) api.Status {
		var connected []string
		for _, id := range endpoints {
			if c.IsConnectedToEndpoint(id) {
				connected = append(connected, id)
			}
		}
		if len(connected) == 0 {
			return api.EndpointUnknown
		}
		r.controller.SendPayload(c, connected, payload)
		return api.Success
	})
}

// CancelPayload cancels an outgoing or incoming transfer.
func (r *Router) CancelPayload(client *session.Client, payloadID int64, callback api.ResultCallback) {
	r.route("cancel-payload", client, callback, func(c *session.Client) api.Status {
		return r.controller.CancelPayload(c, payloadID)
	})
}

// DisconnectFromEndpoint tears down a pending or established
// connection. The endpoint is cancelled before the request is queued.
func (r *Router) DisconnectFromEndpoint(client *session.Client, endpointID string, callback api.ResultCallback) {
	client.CancelEndpoint(endpointID)
	r.route("disconnect-endpoint", client, callback, func(c *session.Client) api.Status {
		if !c.IsConnectedToEndpoint(endpointID) && !c.HasPendingConnectionToEndpoint(endpointID) {
			return api.OutOfOrderApiCall
		}
		r.controller.DisconnectFromEndpoint(c, endpointID)
		return api.Success
	})
}

// SetCustomSavePath changes where incoming file payloads are written
// for client.
func (r *Router) SetCustomSavePath(client *session.Client, path string, callback api.ResultCallback) {
	r.route("set-custom-save-path", client, callback, func(c *session.Client) api.Status {
		return r.controller.SetCustomSavePath(c, path)
	})
}

// StopAllEndpoints disconnects everything, stops advertising and
// discovery, and resets client.
func (r *Router) StopAllEndpoints(client *session.Client, callback api.ResultCallback) {
	client.CancelAllEndpoints()
	r.route("stop-all-endpoints", client, callback, func(c *session.Client) api.Status {
		r.logger.Info("client requested stop of all endpoints", "client", c.ID())
		r.teardown(c)
		return api.Success
	})
}

// ClientDisconnecting tears client down and returns once the teardown
// has run. The client is forgotten afterwards.
func (r *Router) ClientDisconnecting(client *session.Client) {
	client.CancelAllEndpoints()
	done := make(chan struct{})
	r.route("client-disconnecting", client, func(api.Status) { close(done) }, func(c *session.Client) api.Status {
		r.teardown(c)
		return api.Success
	})
	<-done

	r.mu.Lock()
	delete(r.clients, client.ID())
	r.mu.Unlock()
}

// teardown runs on the serial worker. Pending endpoints go before
// connected ones so half-open attempts never outlive the session.
func (r *Router) teardown(c *session.Client) {
	for _, id := range c.PendingConnectedEndpoints() {
		r.controller.DisconnectFromEndpoint(c, id)
	}
	for _, id := range c.ConnectedEndpoints() {
		r.controller.DisconnectFromEndpoint(c, id)
	}
	r.controller.StopAdvertising(c)
	r.controller.StopDiscovery(c)
	r.controller.ShutdownUpgrade(c)
	c.Reset()
}

// Close tears down every client the Router has seen, stops the
// Controller and shuts the worker down. If that does not finish within
// the teardown timeout the Fatal hook is called.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	handles := make([]session.Handle, 0, len(r.clients))
	for _, handle := range r.clients {
		handles = append(handles, handle)
	}
	clear(r.clients)
	r.mu.Unlock()

	for _, handle := range handles {
		client, ok := handle.Borrow()
		if !ok {
			continue
		}
		client.CancelAllEndpoints()
		r.executor.Execute("close-client", func() {
			if c, ok := handle.Borrow(); ok {
				r.teardown(c)
			}
		})
	}
	r.executor.Execute("stop-controller", r.controller.Stop)
	r.executor.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), r.teardownTimeout)
	defer cancel()
	if err := r.executor.Wait(ctx); err != nil {
		r.fatal(fmt.Errorf("teardown did not finish within %v: %w", r.teardownTimeout, err))
		return
	}
	r.logger.Info("router closed", "clients", len(handles))
}
