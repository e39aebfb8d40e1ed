// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package core assembles a working endpoint from configuration: the
// enabled mediums, the discovery directory, the channel registry, the
// controller and the router, with one session client bound to them.
// Applications use a Core instead of wiring those pieces themselves.
package core

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/controller"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/medium"
	"github.com/bureau-foundation/tether/router"
	"github.com/bureau-foundation/tether/session"
)

// Option adjusts how New builds a Core.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	clock     clock.Clock
	network   *medium.MemoryNetwork
	directory medium.Directory
	signaler  medium.Signaler
	fatal     func(error)
}

// WithLogger sets the logger every component derives from.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock replaces the real clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMemoryNetwork puts the memory medium on network, so Cores built
// with the same network can reach each other. Without it each Core has
// a private network.
func WithMemoryNetwork(network *medium.MemoryNetwork) Option {
	return func(o *options) { o.network = network }
}

// WithDirectory publishes and browses advertisements through d in
// addition to the configured static peers.
func WithDirectory(d medium.Directory) Option {
	return func(o *options) { o.directory = d }
}

// WithSignaler carries WebRTC offers and answers through s. Without it
// the WebRTC medium signals in-process only.
func WithSignaler(s medium.Signaler) Option {
	return func(o *options) { o.signaler = s }
}

// WithFatal replaces the router's teardown failure hook.
func WithFatal(fatal func(error)) Option {
	return func(o *options) { o.fatal = fatal }
}

// Core is one local endpoint. Every operation reports its status to the
// callback given, exactly once, from the router's worker.
type Core struct {
	client     *session.Client
	controller *controller.Controller
	router     *router.Router
	logger     *slog.Logger
}

// New validates cfg and builds a Core from it.
func New(cfg *config.Config, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	mediums, err := buildMediums(cfg.Mediums, o)
	if err != nil {
		return nil, err
	}
	static, err := medium.NewStaticDirectory(cfg.Discovery.Peers)
	if err != nil {
		return nil, err
	}
	directory := o.directory
	if directory == nil {
		directory = medium.NewMemoryDirectory()
	}

	ctrl, err := controller.New(controller.Config{
		Mediums:   mediums,
		Directory: medium.Combine(directory, static),
		Registry:  channel.NewRegistry(o.logger),
		Channel:   cfg.Channel,
		Discovery: cfg.Discovery,
		Payload:   cfg.Payload,
		Clock:     o.clock,
		Logger:    o.logger,
	})
	if err != nil {
		return nil, err
	}
	r, err := router.New(router.Config{
		Controller:      ctrl,
		TeardownTimeout: cfg.Router.TeardownTimeout,
		Fatal:           o.fatal,
		Logger:          o.logger,
	})
	if err != nil {
		ctrl.Stop()
		return nil, err
	}

	client := session.New(o.logger)
	o.logger.Info("core ready", "endpoint", client.LocalEndpointID(), "mediums", mediums.Kinds())
	return &Core{
		client:     client,
		controller: ctrl,
		router:     r,
		logger:     o.logger,
	}, nil
}

// buildMediums returns the enabled mediums, LAN first, then WebRTC as
// the upgrade target, then memory.
func buildMediums(cfg config.MediumsConfig, o options) (*medium.Set, error) {
	var mediums []medium.Medium
	if cfg.LAN.Enabled {
		mediums = append(mediums, medium.NewTCP(medium.TCPConfig{
			ListenAddress: cfg.LAN.ListenAddress,
			DialAttempts:  cfg.LAN.DialAttempts,
			DialMinDelay:  cfg.LAN.DialMinDelay,
			DialMaxDelay:  cfg.LAN.DialMaxDelay,
			Logger:        o.logger,
		}))
	}
	if cfg.WebRTC.Enabled {
		signaler := o.signaler
		if signaler == nil {
			signaler = medium.NewMemorySignaler()
		}
		w, err := medium.NewWebRTC(medium.WebRTCConfig{
			Signaler:   signaler,
			ICEServers: cfg.WebRTC.ICEServers,
			Logger:     o.logger,
		})
		if err != nil {
			return nil, err
		}
		mediums = append(mediums, w)
	}
	if cfg.Memory {
		network := o.network
		if network == nil {
			network = medium.NewMemoryNetwork()
		}
		mediums = append(mediums, medium.NewMemory(network))
	}
	return medium.NewSet(mediums...), nil
}

// LocalEndpointID is the id peers see for this Core.
func (c *Core) LocalEndpointID() string { return c.client.LocalEndpointID() }

// Client is the session state behind this Core.
func (c *Core) Client() *session.Client { return c.client }

// Registry holds the live channel of every endpoint.
func (c *Core) Registry() *channel.Registry { return c.controller.Registry() }

func (c *Core) StartAdvertising(serviceID string, options api.AdvertisingOptions, info api.ConnectionRequestInfo, callback api.ResultCallback) {
	c.router.StartAdvertising(c.client, serviceID, options, info, callback)
}

func (c *Core) StopAdvertising(callback api.ResultCallback) {
	c.router.StopAdvertising(c.client, callback)
}

func (c *Core) StartDiscovery(serviceID string, options api.DiscoveryOptions, listener api.DiscoveryListener, callback api.ResultCallback) {
	c.router.StartDiscovery(c.client, serviceID, options, listener, callback)
}

func (c *Core) StopDiscovery(callback api.ResultCallback) {
	c.router.StopDiscovery(c.client, callback)
}

func (c *Core) InjectEndpoint(serviceID string, metadata api.OutOfBandMetadata, callback api.ResultCallback) {
	c.router.InjectEndpoint(c.client, serviceID, metadata, callback)
}

func (c *Core) RequestConnection(endpointID string, info api.ConnectionRequestInfo, options api.ConnectionOptions, callback api.ResultCallback) {
	c.router.RequestConnection(c.client, endpointID, info, options, callback)
}

func (c *Core) AcceptConnection(endpointID string, listener api.PayloadListener, callback api.ResultCallback) {
	c.router.AcceptConnection(c.client, endpointID, listener, callback)
}

func (c *Core) RejectConnection(endpointID string, callback api.ResultCallback) {
	c.router.RejectConnection(c.client, endpointID, callback)
}

func (c *Core) InitiateBandwidthUpgrade(endpointID string, callback api.ResultCallback) {
	c.router.InitiateBandwidthUpgrade(c.client, endpointID, callback)
}

func (c *Core) SendPayload(endpointIDs []string, payload api.Payload, callback api.ResultCallback) {
	c.router.SendPayload(c.client, endpointIDs, payload, callback)
}

func (c *Core) CancelPayload(payloadID int64, callback api.ResultCallback) {
	c.router.CancelPayload(c.client, payloadID, callback)
}

func (c *Core) DisconnectFromEndpoint(endpointID string, callback api.ResultCallback) {
	c.router.DisconnectFromEndpoint(c.client, endpointID, callback)
}

func (c *Core) SetCustomSavePath(path string, callback api.ResultCallback) {
	c.router.SetCustomSavePath(c.client, path, callback)
}

func (c *Core) StopAllEndpoints(callback api.ResultCallback) {
	c.router.StopAllEndpoints(c.client, callback)
}

// Close tears down the client's connections, stops the router and the
// controller, and shuts the client down. It blocks until teardown is
// done or the router's teardown timeout fires.
func (c *Core) Close() {
	c.router.ClientDisconnecting(c.client)
	c.router.Close()
	c.client.Shutdown()
	c.logger.Info("core closed", "endpoint", c.client.LocalEndpointID())
}
