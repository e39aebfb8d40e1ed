// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/tether/api"
)

// Status is the set of facts known about one connection's
// establishment. Both sides must accept before a connection moves from
// pending to connected.
type Status uint8

const (
	StatusPending Status = 1 << iota
	StatusLocalAccepted
	StatusLocalRejected
	StatusRemoteAccepted
	StatusRemoteRejected
	StatusConnected
)

const (
	endpointIDLength = 4
	endpointIDChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var nextClientID atomic.Uint64

type advertisingState struct {
	serviceID string
	options   api.AdvertisingOptions
	info      api.ConnectionRequestInfo
}

type discoveryState struct {
	serviceID string
	options   api.DiscoveryOptions
	listener  api.DiscoveryListener
}

type connection struct {
	status             Status
	incoming           bool
	medium             api.Medium
	remoteEndpointInfo []byte
	options            api.ConnectionOptions
	listener           api.ConnectionListener
	payloadListener    api.PayloadListener
}

// Client is the state one application holds in the connections core:
// what it advertises or discovers, the endpoints it has connections
// with, and the cancellation flags of in-flight work.
//
// Client methods never call listeners while holding the client's lock,
// so listeners may call back into the Client freely.
type Client struct {
	id              uint64
	localEndpointID string
	logger          *slog.Logger

	mu          sync.Mutex
	advertising *advertisingState
	discovery   *discoveryState
	listening   string
	discovered  map[string]struct{}
	connections map[string]*connection
	flags       map[string]*CancellationFlag

	shutdown atomic.Bool
}

// New returns a Client with a fresh local endpoint id. A nil logger
// uses slog.Default.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := nextClientID.Add(1)
	endpointID := GenerateEndpointID()
	return &Client{
		id:              id,
		localEndpointID: endpointID,
		logger:          logger.With("component", "session", "client", id, "local_endpoint", endpointID),
		discovered:      make(map[string]struct{}),
		connections:     make(map[string]*connection),
		flags:           make(map[string]*CancellationFlag),
	}
}

// GenerateEndpointID returns a random four character endpoint id.
func GenerateEndpointID() string {
	var raw [endpointIDLength]byte
	rand.Read(raw[:])
	id := make([]byte, endpointIDLength)
	for i, b := range raw {
		id[i] = endpointIDChars[int(b)%len(endpointIDChars)]
	}
	return string(id)
}

// ID identifies the client within this process.
func (c *Client) ID() uint64 { return c.id }

// LocalEndpointID is the id remote endpoints know this client by.
func (c *Client) LocalEndpointID() string { return c.localEndpointID }

// Handle returns a weak handle to the client.
func (c *Client) Handle() Handle { return newHandle(c) }

// Shutdown marks the client as gone. Handles stop lending it out;
// methods called through references obtained earlier still work.
func (c *Client) Shutdown() {
	if c.shutdown.CompareAndSwap(false, true) {
		c.logger.Debug("client shut down")
	}
}

// IsShutdown reports whether Shutdown was called.
func (c *Client) IsShutdown() bool { return c.shutdown.Load() }

// --- Advertising and listening ---

// StartedAdvertising records that the client advertises serviceID.
func (c *Client) StartedAdvertising(serviceID string, options api.AdvertisingOptions, info api.ConnectionRequestInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advertising = &advertisingState{
		serviceID: serviceID,
		options:   options,
		info:      info,
	}
	c.logger.Info("started advertising", "service", serviceID, "strategy", options.Strategy)
}

// StoppedAdvertising clears the advertising state. It is safe to call
// when not advertising.
func (c *Client) StoppedAdvertising() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advertising == nil {
		return
	}
	c.logger.Info("stopped advertising", "service", c.advertising.serviceID)
	c.advertising = nil
}

// IsAdvertising reports whether the client is advertising.
func (c *Client) IsAdvertising() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertising != nil
}

// AdvertisingServiceID returns the advertised service id, or "" when
// not advertising.
func (c *Client) AdvertisingServiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advertising == nil {
		return ""
	}
	return c.advertising.serviceID
}

// AdvertisingOptions returns the options advertising was started with.
func (c *Client) AdvertisingOptions() (api.AdvertisingOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advertising == nil {
		return api.AdvertisingOptions{}, false
	}
	return c.advertising.options, true
}

// AdvertisingInfo returns the endpoint info and connection listener
// supplied to StartAdvertising. Incoming connections report to this
// listener.
func (c *Client) AdvertisingInfo() (api.ConnectionRequestInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advertising == nil {
		return api.ConnectionRequestInfo{}, false
	}
	return c.advertising.info, true
}

// StartedListening records that the client accepts incoming
// connections for serviceID without advertising it.
func (c *Client) StartedListening(serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = serviceID
}

// StoppedListening clears the listening state.
func (c *Client) StoppedListening() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = ""
}

// IsListening reports whether the client accepts incoming connections,
// either because it advertises or because it listens explicitly.
func (c *Client) IsListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening != "" || c.advertising != nil
}

// --- Discovery ---

// StartedDiscovery records that the client discovers serviceID and
// reports findings to listener.
func (c *Client) StartedDiscovery(serviceID string, options api.DiscoveryOptions, listener api.DiscoveryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovery = &discoveryState{
		serviceID: serviceID,
		options:   options,
		listener:  listener,
	}
	c.logger.Info("started discovery", "service", serviceID, "strategy", options.Strategy)
}

// StoppedDiscovery clears the discovery state and forgets every
// endpoint reported as found.
func (c *Client) StoppedDiscovery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovery == nil {
		return
	}
	c.logger.Info("stopped discovery", "service", c.discovery.serviceID)
	c.discovery = nil
	clear(c.discovered)
}

// IsDiscovering reports whether the client is discovering.
func (c *Client) IsDiscovering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discovery != nil
}

// DiscoveryServiceID returns the service id being discovered, or "".
func (c *Client) DiscoveryServiceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovery == nil {
		return ""
	}
	return c.discovery.serviceID
}

// DiscoveryOptions returns the options discovery was started with.
func (c *Client) DiscoveryOptions() (api.DiscoveryOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovery == nil {
		return api.DiscoveryOptions{}, false
	}
	return c.discovery.options, true
}

// IsDiscoveredEndpoint reports whether endpointID was reported found
// and not lost since.
func (c *Client) IsDiscoveredEndpoint(endpointID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.discovered[endpointID]
	return ok
}

// OnEndpointFound reports a discovered endpoint. Events for another
// service, or for an endpoint already reported, are dropped.
func (c *Client) OnEndpointFound(serviceID, endpointID string, endpointInfo []byte, medium api.Medium) {
	c.mu.Lock()
	if c.discovery == nil || c.discovery.serviceID != serviceID {
		c.mu.Unlock()
		c.logger.Debug("ignoring found endpoint, not discovering", "endpoint", endpointID, "service", serviceID)
		return
	}
	if _, ok := c.discovered[endpointID]; ok {
		c.mu.Unlock()
		return
	}
	c.discovered[endpointID] = struct{}{}
	found := c.discovery.listener.EndpointFound
	c.mu.Unlock()

	c.logger.Info("endpoint found", "endpoint", endpointID, "service", serviceID, "medium", medium)
	if found != nil {
		found(endpointID, endpointInfo, serviceID)
	}
}

// OnEndpointLost reports that a found endpoint went away.
func (c *Client) OnEndpointLost(serviceID, endpointID string) {
	c.mu.Lock()
	if c.discovery == nil || c.discovery.serviceID != serviceID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.discovered[endpointID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.discovered, endpointID)
	lost := c.discovery.listener.EndpointLost
	c.mu.Unlock()

	c.logger.Info("endpoint lost", "endpoint", endpointID, "service", serviceID)
	if lost != nil {
		lost(endpointID)
	}
}

// OnEndpointDistanceChanged reports a new proximity estimate for a
// found endpoint.
func (c *Client) OnEndpointDistanceChanged(serviceID, endpointID string, distance api.DistanceInfo) {
	c.mu.Lock()
	if c.discovery == nil || c.discovery.serviceID != serviceID {
		c.mu.Unlock()
		return
	}
	if _, ok := c.discovered[endpointID]; !ok {
		c.mu.Unlock()
		return
	}
	changed := c.discovery.listener.EndpointDistanceChanged
	c.mu.Unlock()

	if changed != nil {
		changed(endpointID, distance)
	}
}

// --- Connections ---

// OnConnectionInitiated adds a pending connection and notifies
// listener. It returns false, without notifying anyone, if a connection
// to endpointID already exists.
func (c *Client) OnConnectionInitiated(endpointID string, info api.ConnectionResponseInfo, options api.ConnectionOptions, listener api.ConnectionListener) bool {
	c.mu.Lock()
	if _, exists := c.connections[endpointID]; exists {
		c.mu.Unlock()
		c.logger.Warn("connection already initiated", "endpoint", endpointID)
		return false
	}
	c.connections[endpointID] = &connection{
		status:             StatusPending,
		incoming:           info.IsIncoming,
		medium:             info.Medium,
		remoteEndpointInfo: info.RemoteEndpointInfo,
		options:            options,
		listener:           listener,
	}
	if info.IsIncoming {
		c.addCancellationFlagLocked(endpointID)
	}
	c.mu.Unlock()

	c.logger.Info("connection initiated", "endpoint", endpointID, "incoming", info.IsIncoming, "medium", info.Medium)
	if listener.Initiated != nil {
		listener.Initiated(endpointID, info)
	}
	return true
}

// LocalEndpointAccepted records the local answer and installs the
// payload listener. A second answer is ignored.
func (c *Client) LocalEndpointAccepted(endpointID string, listener api.PayloadListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil || conn.status&(StatusLocalAccepted|StatusLocalRejected) != 0 {
		return
	}
	conn.status |= StatusLocalAccepted
	conn.payloadListener = listener
}

// LocalEndpointRejected records a local rejection. A second answer is
// ignored.
func (c *Client) LocalEndpointRejected(endpointID string) {
	c.appendStatus(endpointID, StatusLocalRejected, StatusLocalAccepted|StatusLocalRejected)
}

// RemoteEndpointAccepted records the remote side's acceptance.
func (c *Client) RemoteEndpointAccepted(endpointID string) {
	c.appendStatus(endpointID, StatusRemoteAccepted, StatusRemoteAccepted|StatusRemoteRejected)
}

// RemoteEndpointRejected records the remote side's rejection.
func (c *Client) RemoteEndpointRejected(endpointID string) {
	c.appendStatus(endpointID, StatusRemoteRejected, StatusRemoteAccepted|StatusRemoteRejected)
}

// appendStatus sets bit unless any of the answered bits are already set.
func (c *Client) appendStatus(endpointID string, bit, answered Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil || conn.status&answered != 0 {
		return
	}
	conn.status |= bit
}

// OnConnectionAccepted moves a pending connection to connected and
// notifies its listener.
func (c *Client) OnConnectionAccepted(endpointID string) {
	c.mu.Lock()
	conn := c.connections[endpointID]
	if conn == nil || conn.status&StatusConnected != 0 {
		c.mu.Unlock()
		return
	}
	conn.status = StatusConnected | conn.status&^StatusPending
	accepted := conn.listener.Accepted
	c.mu.Unlock()

	c.logger.Info("connection accepted", "endpoint", endpointID)
	if accepted != nil {
		accepted(endpointID)
	}
}

// OnConnectionRejected removes a pending connection and notifies its
// listener with status. Disconnected is not reported.
func (c *Client) OnConnectionRejected(endpointID string, status api.Status) {
	c.mu.Lock()
	conn := c.connections[endpointID]
	if conn == nil || conn.status&StatusConnected != 0 {
		c.mu.Unlock()
		return
	}
	delete(c.connections, endpointID)
	c.releaseFlagLocked(endpointID)
	rejected := conn.listener.Rejected
	c.mu.Unlock()

	c.logger.Info("connection rejected", "endpoint", endpointID, "status", status)
	if rejected != nil {
		rejected(endpointID, status)
	}
}

// OnBandwidthChanged reports that a connection moved to medium.
func (c *Client) OnBandwidthChanged(endpointID string, medium api.Medium) {
	c.mu.Lock()
	conn := c.connections[endpointID]
	if conn == nil {
		c.mu.Unlock()
		return
	}
	conn.medium = medium
	changed := conn.listener.BandwidthChanged
	c.mu.Unlock()

	c.logger.Info("bandwidth changed", "endpoint", endpointID, "medium", medium)
	if changed != nil {
		changed(endpointID, medium)
	}
}

// OnDisconnected removes the connection and cancels the endpoint's
// flag. With notify the connection listener hears Disconnected.
func (c *Client) OnDisconnected(endpointID string, notify bool) {
	c.mu.Lock()
	conn := c.connections[endpointID]
	delete(c.connections, endpointID)
	c.releaseFlagLocked(endpointID)
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.logger.Info("disconnected", "endpoint", endpointID, "notify", notify)
	if notify && conn.listener.Disconnected != nil {
		conn.listener.Disconnected(endpointID)
	}
}

// OnPayload delivers a received payload to the endpoint's payload
// listener.
func (c *Client) OnPayload(endpointID string, payload api.Payload) {
	listener, ok := c.payloadListener(endpointID)
	if ok && listener.Payload != nil {
		listener.Payload(endpointID, payload)
	}
}

// OnPayloadProgress delivers a transfer update to the endpoint's
// payload listener.
func (c *Client) OnPayloadProgress(endpointID string, progress api.PayloadProgress) {
	listener, ok := c.payloadListener(endpointID)
	if ok && listener.PayloadProgress != nil {
		listener.PayloadProgress(endpointID, progress)
	}
}

func (c *Client) payloadListener(endpointID string) (api.PayloadListener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil {
		return api.PayloadListener{}, false
	}
	return conn.payloadListener, true
}

// --- Connection queries ---

func (c *Client) statusOf(endpointID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil {
		return 0, false
	}
	return conn.status, true
}

// IsConnectedToEndpoint reports whether both sides accepted and the
// connection is established.
func (c *Client) IsConnectedToEndpoint(endpointID string) bool {
	status, ok := c.statusOf(endpointID)
	return ok && status&StatusConnected != 0
}

// HasPendingConnectionToEndpoint reports whether a connection exists
// that is not yet established.
func (c *Client) HasPendingConnectionToEndpoint(endpointID string) bool {
	status, ok := c.statusOf(endpointID)
	return ok && status&StatusConnected == 0
}

// HasLocalEndpointResponded reports whether the local side accepted or
// rejected.
func (c *Client) HasLocalEndpointResponded(endpointID string) bool {
	status, _ := c.statusOf(endpointID)
	return status&(StatusLocalAccepted|StatusLocalRejected) != 0
}

// HasRemoteEndpointResponded reports whether the remote side accepted
// or rejected.
func (c *Client) HasRemoteEndpointResponded(endpointID string) bool {
	status, _ := c.statusOf(endpointID)
	return status&(StatusRemoteAccepted|StatusRemoteRejected) != 0
}

// IsLocalEndpointAccepted reports whether the local side accepted.
func (c *Client) IsLocalEndpointAccepted(endpointID string) bool {
	status, _ := c.statusOf(endpointID)
	return status&StatusLocalAccepted != 0
}

// IsRemoteEndpointAccepted reports whether the remote side accepted.
func (c *Client) IsRemoteEndpointAccepted(endpointID string) bool {
	status, _ := c.statusOf(endpointID)
	return status&StatusRemoteAccepted != 0
}

// IsConnectionAccepted reports whether both sides accepted.
func (c *Client) IsConnectionAccepted(endpointID string) bool {
	status, _ := c.statusOf(endpointID)
	return status&StatusLocalAccepted != 0 && status&StatusRemoteAccepted != 0
}

// IsConnectionRejected reports whether either side rejected.
func (c *Client) IsConnectionRejected(endpointID string) bool {
	status, _ := c.statusOf(endpointID)
	return status&(StatusLocalRejected|StatusRemoteRejected) != 0
}

// IsIncomingConnection reports whether the remote side initiated the
// connection to endpointID.
func (c *Client) IsIncomingConnection(endpointID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	return conn != nil && conn.incoming
}

// ConnectionOptions returns the options the connection to endpointID
// was initiated with.
func (c *Client) ConnectionOptions(endpointID string) (api.ConnectionOptions, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil {
		return api.ConnectionOptions{}, false
	}
	return conn.options, true
}

// ConnectionMedium returns the medium currently serving endpointID.
func (c *Client) ConnectionMedium(endpointID string) api.Medium {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil {
		return api.MediumUnknown
	}
	return conn.medium
}

// AutoUpgradeBandwidth reports whether the connection to endpointID
// should move to a faster medium as soon as it is established.
func (c *Client) AutoUpgradeBandwidth(endpointID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.connections[endpointID]
	if conn == nil {
		return false
	}
	if conn.options.AutoUpgradeBandwidth {
		return true
	}
	return conn.incoming && c.advertising != nil && c.advertising.options.AutoUpgradeBandwidth
}

// PendingConnectedEndpoints returns the endpoints whose connection is
// not yet established, sorted.
func (c *Client) PendingConnectedEndpoints() []string {
	return c.matching(func(conn *connection) bool { return conn.status&StatusConnected == 0 })
}

// ConnectedEndpoints returns the established endpoints, sorted.
func (c *Client) ConnectedEndpoints() []string {
	return c.matching(func(conn *connection) bool { return conn.status&StatusConnected != 0 })
}

func (c *Client) matching(predicate func(*connection) bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, conn := range c.connections {
		if predicate(conn) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// --- Cancellation ---

// AddCancellationFlag gives endpointID a flag. An existing cancelled
// flag is re-armed for the new attempt.
func (c *Client) AddCancellationFlag(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addCancellationFlagLocked(endpointID)
}

func (c *Client) addCancellationFlagLocked(endpointID string) {
	if flag, ok := c.flags[endpointID]; ok {
		flag.Uncancel()
		return
	}
	c.flags[endpointID] = newCancellationFlag()
}

// CancellationFlag returns endpointID's flag. Endpoints without one get
// a fresh flag that nothing else references, so it is never cancelled.
func (c *Client) CancellationFlag(endpointID string) *CancellationFlag {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flag, ok := c.flags[endpointID]; ok {
		return flag
	}
	return newCancellationFlag()
}

// CancelEndpoint cancels endpointID's flag, if it has one.
func (c *Client) CancelEndpoint(endpointID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelEndpointLocked(endpointID)
}

func (c *Client) cancelEndpointLocked(endpointID string) {
	if flag, ok := c.flags[endpointID]; ok {
		flag.Cancel()
	}
}

// releaseFlagLocked cancels endpointID's flag and forgets it. Work
// still holding the flag sees it cancelled.
func (c *Client) releaseFlagLocked(endpointID string) {
	if flag, ok := c.flags[endpointID]; ok {
		flag.Cancel()
		delete(c.flags, endpointID)
	}
}

// CancelAllEndpoints cancels every flag.
func (c *Client) CancelAllEndpoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, flag := range c.flags {
		flag.Cancel()
	}
}

// Reset returns the client to its initial state: not advertising, not
// discovering, not listening, with no connections. Flags are cancelled
// and dropped. No listener is notified.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advertising = nil
	c.discovery = nil
	c.listening = ""
	clear(c.discovered)
	clear(c.connections)
	for _, flag := range c.flags {
		flag.Cancel()
	}
	clear(c.flags)
	c.logger.Debug("client reset")
}
