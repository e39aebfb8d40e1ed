// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/session"
)

// Controller carries out operations the Router has validated. The
// Router calls it only from its serial worker, one call at a time; a
// Controller may still report events into the client from its own
// goroutines.
type Controller interface {
	StartAdvertising(client *session.Client, serviceID string, options api.AdvertisingOptions, info api.ConnectionRequestInfo) api.Status
	StopAdvertising(client *session.Client) api.Status
	StartDiscovery(client *session.Client, serviceID string, options api.DiscoveryOptions, listener api.DiscoveryListener) api.Status
	StopDiscovery(client *session.Client) api.Status
	InjectEndpoint(client *session.Client, serviceID string, metadata api.OutOfBandMetadata) api.Status

	RequestConnection(client *session.Client, endpointID string, info api.ConnectionRequestInfo, options api.ConnectionOptions) api.Status
	AcceptConnection(client *session.Client, endpointID string, listener api.PayloadListener) api.Status
	RejectConnection(client *session.Client, endpointID string) api.Status
	InitiateBandwidthUpgrade(client *session.Client, endpointID string) api.Status

	// SendPayload queues payload for every listed endpoint. Transfer
	// outcomes are reported as payload progress, not through the
	// returned status.
	SendPayload(client *session.Client, endpointIDs []string, payload api.Payload) api.Status
	CancelPayload(client *session.Client, payloadID int64) api.Status
	DisconnectFromEndpoint(client *session.Client, endpointID string) api.Status
	SetCustomSavePath(client *session.Client, path string) api.Status

	// ShutdownUpgrade releases bandwidth upgrade resources held for
	// client: upgrade listeners and half-finished upgrades.
	ShutdownUpgrade(client *session.Client)

	// Stop releases everything the controller holds. No other method
	// is called afterwards.
	Stop()
}
