// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

// NewConnectionRequest wraps r.
func NewConnectionRequest(r ConnectionRequest) *Frame {
	return &Frame{Type: TypeConnectionRequest, ConnectionRequest: &r}
}

// NewConnectionResponse builds an accept (status 0) or reject frame.
func NewConnectionResponse(accepted bool, status int32) *Frame {
	return &Frame{Type: TypeConnectionResponse, ConnectionResponse: &ConnectionResponse{
		Status:   status,
		Accepted: accepted,
	}}
}

// NewPayloadChunk builds a data packet.
func NewPayloadChunk(header PayloadHeader, chunk PayloadChunk) *Frame {
	return &Frame{Type: TypePayloadTransfer, PayloadTransfer: &PayloadTransfer{
		PacketType: PacketData,
		Header:     header,
		Chunk:      &chunk,
	}}
}

// NewPayloadControl builds a control packet.
func NewPayloadControl(header PayloadHeader, event ControlEvent, offset int64) *Frame {
	return &Frame{Type: TypePayloadTransfer, PayloadTransfer: &PayloadTransfer{
		PacketType: PacketControl,
		Header:     header,
		Control:    &PayloadControl{Event: event, Offset: offset},
	}}
}

// NewUpgradePathAvailable tells the peer where to dial for an upgrade.
func NewUpgradePathAvailable(medium int, address string) *Frame {
	return &Frame{Type: TypeBandwidthUpgrade, BandwidthUpgrade: &BandwidthUpgrade{
		Event: UpgradePathAvailable,
		Path:  &UpgradePath{Medium: medium, Address: address},
	}}
}

// NewClientIntroduction is the first frame on an upgraded socket.
func NewClientIntroduction(endpointID string) *Frame {
	return &Frame{Type: TypeBandwidthUpgrade, BandwidthUpgrade: &BandwidthUpgrade{
		Event:      UpgradeClientIntroduction,
		EndpointID: endpointID,
	}}
}

// NewUpgradeEvent builds a body-less upgrade step such as
// UpgradeLastWriteToPriorChannel.
func NewUpgradeEvent(event UpgradeEvent) *Frame {
	return &Frame{Type: TypeBandwidthUpgrade, BandwidthUpgrade: &BandwidthUpgrade{Event: event}}
}

// NewUpgradeFailure reports that medium could not be used.
func NewUpgradeFailure(medium int) *Frame {
	return &Frame{Type: TypeBandwidthUpgrade, BandwidthUpgrade: &BandwidthUpgrade{
		Event:  UpgradeFailure,
		Medium: medium,
	}}
}

// NewKeepAlive builds a liveness probe or its acknowledgement.
func NewKeepAlive(ack bool) *Frame {
	return &Frame{Type: TypeKeepAlive, KeepAlive: &KeepAlive{Ack: ack}}
}

// NewDisconnection announces an orderly close.
func NewDisconnection() *Frame {
	return &Frame{Type: TypeDisconnection, Disconnection: &Disconnection{}}
}
