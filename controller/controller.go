// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller carries out the operations the router validated:
// it advertises and discovers through a medium.Directory, opens and
// accepts channels over the enabled mediums, runs the handshake, and
// then keeps one read loop and one keep-alive loop per endpoint. Payload
// transfer and bandwidth upgrade ride on those loops.
//
// Events flow back into the owning session.Client through a
// session.Handle, so a client that was shut down while a socket was
// still being set up is never touched.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/lib/clock"
	"github.com/bureau-foundation/tether/lib/compress"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/medium"
	"github.com/bureau-foundation/tether/router"
	"github.com/bureau-foundation/tether/session"
)

// DefaultHandshakeTimeout bounds key agreement plus the connection
// request on a new socket.
const DefaultHandshakeTimeout = 15 * time.Second

// Config configures a Controller. Zero sections take config.Default.
type Config struct {
	// Mediums are the enabled mediums in order of preference. The
	// first medium a selector allows is used for new connections; the
	// best other medium is the upgrade target.
	Mediums *medium.Set

	// Directory is where advertisements are published and browsed.
	// Nil means a private MemoryDirectory.
	Directory medium.Directory

	// Registry holds the live channel of every endpoint. Nil means a
	// new registry.
	Registry *channel.Registry

	Channel   config.ChannelConfig
	Discovery config.DiscoveryConfig
	Payload   config.PayloadConfig

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller implements router.Controller over real mediums.
type Controller struct {
	mediums   *medium.Set
	directory medium.Directory
	registry  *channel.Registry

	channelConfig    config.ChannelConfig
	pollInterval     time.Duration
	handshakeTimeout time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	payloads *payloadManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	clients   map[uint64]*clientState
	endpoints map[string]*endpoint
	stopped   bool
}

var _ router.Controller = (*Controller)(nil)

// clientState is what the controller holds per session client.
type clientState struct {
	handle      session.Handle
	advertising *advertising
	discovery   *discovery
	savePath    string
}

// New builds a Controller. Mediums must hold at least one medium.
func New(cfg Config) (*Controller, error) {
	if cfg.Mediums == nil || len(cfg.Mediums.Kinds()) == 0 {
		return nil, fmt.Errorf("controller: at least one medium is required")
	}
	defaults := config.Default()
	if cfg.Channel == (config.ChannelConfig{}) {
		cfg.Channel = defaults.Channel
	}
	if cfg.Discovery.PollInterval <= 0 {
		cfg.Discovery.PollInterval = defaults.Discovery.PollInterval
	}
	if cfg.Payload.ChunkSize <= 0 {
		cfg.Payload.ChunkSize = defaults.Payload.ChunkSize
	}
	if cfg.Payload.ChunkSize > frame.MaxChunkSize {
		return nil, fmt.Errorf("controller: chunk size %d above %d", cfg.Payload.ChunkSize, frame.MaxChunkSize)
	}
	if cfg.Payload.SaveDirectory == "" {
		cfg.Payload.SaveDirectory = os.ExpandEnv(defaults.Payload.SaveDirectory)
	}
	algorithm, err := compress.Parse(cfg.Payload.Compression)
	if err != nil {
		return nil, fmt.Errorf("controller: %w", err)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controller")
	if cfg.Directory == nil {
		cfg.Directory = medium.NewMemoryDirectory()
	}
	if cfg.Registry == nil {
		cfg.Registry = channel.NewRegistry(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		mediums:          cfg.Mediums,
		directory:        cfg.Directory,
		registry:         cfg.Registry,
		channelConfig:    cfg.Channel,
		pollInterval:     cfg.Discovery.PollInterval,
		handshakeTimeout: cfg.HandshakeTimeout,
		clock:            cfg.Clock,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
		clients:          make(map[uint64]*clientState),
		endpoints:        make(map[string]*endpoint),
	}
	c.payloads = newPayloadManager(c, cfg.Payload.ChunkSize, algorithm, cfg.Payload.SaveDirectory)
	return c, nil
}

// Registry returns the channel registry the controller writes through.
func (c *Controller) Registry() *channel.Registry { return c.registry }

// state returns the controller's record for client, creating it.
func (c *Controller) state(client *session.Client) *clientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.clients[client.ID()]
	if !ok {
		st = &clientState{handle: client.Handle()}
		c.clients[client.ID()] = st
	}
	return st
}

// goroutine runs fn in the background unless the controller stopped.
// Stop waits for every goroutine started this way.
func (c *Controller) goroutine(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// newChannel wraps conn with the configured frame limit and clock.
func (c *Controller) newChannel(conn net.Conn, name, serviceID string, kind api.Medium, tries int) *channel.Channel {
	return channel.New(conn, channel.Options{
		Name:         name,
		ServiceID:    serviceID,
		Medium:       kind,
		Technology:   conn.LocalAddr().Network(),
		TryCount:     tries,
		MaxFrameSize: c.channelConfig.MaxFrameSize,
		Clock:        c.clock,
		Logger:       c.logger,
	})
}

// writeFrame encodes f and writes it to ch.
func writeFrame(ch *channel.Channel, f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return ch.Write(data)
}

// send writes f to endpointID's current channel. Writes through send
// are ordered against switchChannel: each lands wholly before the prior
// channel's last write or on the new channel.
func (c *Controller) send(endpointID string, f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	if ep := c.endpoint(endpointID); ep != nil {
		ep.sendMu.Lock()
		defer ep.sendMu.Unlock()
	}
	ch := c.registry.Channel(endpointID)
	if ch == nil {
		return fmt.Errorf("no channel for endpoint %s", endpointID)
	}
	return ch.Write(data)
}

// SetCustomSavePath directs client's incoming file payloads to path.
func (c *Controller) SetCustomSavePath(client *session.Client, path string) api.Status {
	st := c.state(client)
	c.mu.Lock()
	st.savePath = path
	c.mu.Unlock()
	c.logger.Info("custom save path set", "client", client.ID(), "path", path)
	return api.Success
}

// savePath returns the directory for client's incoming files.
func (c *Controller) savePath(handle session.Handle) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.clients[handle.ID()]; ok && st.savePath != "" {
		return st.savePath
	}
	return ""
}

// Stop disconnects every endpoint, closes listeners and waits for all
// background work to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	endpoints := make([]*endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		endpoints = append(endpoints, ep)
	}
	states := make([]*clientState, 0, len(c.clients))
	for _, st := range c.clients {
		states = append(states, st)
	}
	c.mu.Unlock()

	for _, ep := range endpoints {
		c.disconnect(ep, channel.ReasonShutdown, false)
	}
	for _, st := range states {
		c.stopAdvertising(st)
		c.stopDiscovery(st)
	}
	c.payloads.stop()
	c.cancel()
	c.wg.Wait()
	c.logger.Info("controller stopped", "endpoints", len(endpoints))
}
