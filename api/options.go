// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import "time"

// AdvertisingOptions configures StartAdvertising.
type AdvertisingOptions struct {
	Strategy Strategy
	Mediums  MediumSelector

	// AutoUpgradeBandwidth starts a bandwidth upgrade as soon as an
	// incoming connection is accepted on both sides.
	AutoUpgradeBandwidth bool
}

// DiscoveryOptions configures StartDiscovery.
type DiscoveryOptions struct {
	Strategy Strategy
	Mediums  MediumSelector
}

// ConnectionOptions configures one connection. Zero keep-alive values
// take the configured defaults.
type ConnectionOptions struct {
	Mediums           MediumSelector
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// AutoUpgradeBandwidth starts a bandwidth upgrade once the
	// connection is accepted on both sides.
	AutoUpgradeBandwidth bool
}

// ConnectionRequestInfo describes the local endpoint to the remote one.
type ConnectionRequestInfo struct {
	EndpointInfo []byte
	Listener     ConnectionListener
}

// ConnectionResponseInfo is reported when a connection is initiated, on
// both sides, before either side answers.
type ConnectionResponseInfo struct {
	RemoteEndpointInfo []byte
	// AuthenticationDigits is a short code both users can compare.
	AuthenticationDigits string
	// RawAuthenticationToken is the full token behind the digits.
	RawAuthenticationToken []byte
	// IsIncoming is true on the side that accepted the socket.
	IsIncoming bool
	Medium     Medium
}

// OutOfBandMetadata describes an endpoint learned outside discovery,
// for InjectEndpoint.
type OutOfBandMetadata struct {
	Medium        Medium
	EndpointID    string
	EndpointInfo  []byte
	RemoteAddress string
}

// DistanceInfo is a coarse proximity estimate.
type DistanceInfo int

const (
	DistanceUnknown DistanceInfo = iota
	DistanceVeryClose
	DistanceClose
	DistanceFar
)

// ConnectionListener receives connection lifecycle events.
type ConnectionListener struct {
	Initiated        func(endpointID string, info ConnectionResponseInfo)
	Accepted         func(endpointID string)
	Rejected         func(endpointID string, status Status)
	Disconnected     func(endpointID string)
	BandwidthChanged func(endpointID string, medium Medium)
}

// DiscoveryListener receives discovery events.
type DiscoveryListener struct {
	EndpointFound           func(endpointID string, endpointInfo []byte, serviceID string)
	EndpointLost            func(endpointID string)
	EndpointDistanceChanged func(endpointID string, distance DistanceInfo)
}

// PayloadListener receives incoming payloads and transfer progress in
// both directions.
type PayloadListener struct {
	Payload         func(endpointID string, payload Payload)
	PayloadProgress func(endpointID string, progress PayloadProgress)
}
