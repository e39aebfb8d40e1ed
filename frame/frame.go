// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame defines the offline frames exchanged over a channel
// once a socket is up: connection request and response, payload
// transfer, bandwidth upgrade negotiation, keep-alive and
// disconnection.
//
// A frame is one CBOR item. [Parse] decodes and validates in one step,
// so every frame a caller sees is structurally sound.
package frame

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/tether/lib/codec"
)

// Version is the frame format version written into every frame.
const Version = 1

// ErrInvalid wraps every structural rejection from Parse.
var ErrInvalid = errors.New("invalid frame")

// Type names the body a Frame carries.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeConnectionRequest
	TypeConnectionResponse
	TypePayloadTransfer
	TypeBandwidthUpgrade
	TypeKeepAlive
	TypeDisconnection
)

func (t Type) String() string {
	switch t {
	case TypeConnectionRequest:
		return "connection_request"
	case TypeConnectionResponse:
		return "connection_response"
	case TypePayloadTransfer:
		return "payload_transfer"
	case TypeBandwidthUpgrade:
		return "bandwidth_upgrade"
	case TypeKeepAlive:
		return "keep_alive"
	case TypeDisconnection:
		return "disconnection"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Frame is the envelope. Exactly the body matching Type is set.
type Frame struct {
	Version            uint8               `cbor:"1,keyasint"`
	Type               Type                `cbor:"2,keyasint"`
	ConnectionRequest  *ConnectionRequest  `cbor:"3,keyasint,omitempty"`
	ConnectionResponse *ConnectionResponse `cbor:"4,keyasint,omitempty"`
	PayloadTransfer    *PayloadTransfer    `cbor:"5,keyasint,omitempty"`
	BandwidthUpgrade   *BandwidthUpgrade   `cbor:"6,keyasint,omitempty"`
	KeepAlive          *KeepAlive          `cbor:"7,keyasint,omitempty"`
	Disconnection      *Disconnection      `cbor:"8,keyasint,omitempty"`
}

// ConnectionRequest opens a logical connection after the handshake.
type ConnectionRequest struct {
	EndpointID   string `cbor:"1,keyasint"`
	EndpointInfo []byte `cbor:"2,keyasint,omitempty"`
	// Nonce ties retries of one request together.
	Nonce   int32 `cbor:"3,keyasint"`
	Mediums []int `cbor:"4,keyasint,omitempty"`
	// KeepAliveIntervalMillis and KeepAliveTimeoutMillis are the
	// requester's liveness settings; zero means the receiver's default.
	KeepAliveIntervalMillis int64 `cbor:"5,keyasint,omitempty"`
	KeepAliveTimeoutMillis  int64 `cbor:"6,keyasint,omitempty"`
}

// ConnectionResponse carries one side's accept or reject decision.
type ConnectionResponse struct {
	Status   int32 `cbor:"1,keyasint"`
	Accepted bool  `cbor:"2,keyasint"`
}

// PacketType separates payload data from payload control packets.
type PacketType uint8

const (
	PacketData PacketType = iota + 1
	PacketControl
)

// ChunkLast marks the final chunk of a payload.
const ChunkLast = 1

// MaxChunkSize bounds the decoded size a chunk may claim.
const MaxChunkSize = 16 << 20

// ControlEvent is a payload control signal.
type ControlEvent uint8

const (
	ControlCanceled ControlEvent = iota + 1
	ControlError
)

// PayloadHeader identifies the payload a packet belongs to.
type PayloadHeader struct {
	ID   int64 `cbor:"1,keyasint"`
	Type uint8 `cbor:"2,keyasint"`
	// TotalSize is -1 for streams.
	TotalSize int64  `cbor:"3,keyasint"`
	FileName  string `cbor:"4,keyasint,omitempty"`
}

// PayloadChunk is one slice of payload data.
type PayloadChunk struct {
	Flags  uint8  `cbor:"1,keyasint,omitempty"`
	Offset int64  `cbor:"2,keyasint"`
	Body   []byte `cbor:"3,keyasint,omitempty"`
	// Compression is the compress.Algorithm applied to Body.
	Compression uint8 `cbor:"4,keyasint,omitempty"`
	// Size is the length of Body before compression.
	Size int `cbor:"5,keyasint"`
}

// Last reports whether the chunk ends its payload.
func (c *PayloadChunk) Last() bool { return c.Flags&ChunkLast != 0 }

// PayloadControl cancels or fails a payload in flight.
type PayloadControl struct {
	Event  ControlEvent `cbor:"1,keyasint"`
	Offset int64        `cbor:"2,keyasint"`
}

// PayloadTransfer is a data or control packet for one payload.
type PayloadTransfer struct {
	PacketType PacketType      `cbor:"1,keyasint"`
	Header     PayloadHeader   `cbor:"2,keyasint"`
	Chunk      *PayloadChunk   `cbor:"3,keyasint,omitempty"`
	Control    *PayloadControl `cbor:"4,keyasint,omitempty"`
}

// UpgradeEvent is a step of the bandwidth upgrade protocol.
type UpgradeEvent uint8

const (
	UpgradePathAvailable UpgradeEvent = iota + 1
	UpgradeLastWriteToPriorChannel
	UpgradeSafeToClosePriorChannel
	UpgradeClientIntroduction
	UpgradeFailure
)

func (e UpgradeEvent) String() string {
	switch e {
	case UpgradePathAvailable:
		return "upgrade_path_available"
	case UpgradeLastWriteToPriorChannel:
		return "last_write_to_prior_channel"
	case UpgradeSafeToClosePriorChannel:
		return "safe_to_close_prior_channel"
	case UpgradeClientIntroduction:
		return "client_introduction"
	case UpgradeFailure:
		return "upgrade_failure"
	}
	return fmt.Sprintf("upgrade_event(%d)", uint8(e))
}

// UpgradePath tells the responder where to dial.
type UpgradePath struct {
	Medium  int    `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

// BandwidthUpgrade carries one upgrade protocol step.
type BandwidthUpgrade struct {
	Event UpgradeEvent `cbor:"1,keyasint"`
	Path  *UpgradePath `cbor:"2,keyasint,omitempty"`
	// EndpointID introduces the dialing side on the new socket.
	EndpointID string `cbor:"3,keyasint,omitempty"`
	// Medium names the medium that failed, for UpgradeFailure.
	Medium int `cbor:"4,keyasint,omitempty"`
}

// KeepAlive is a liveness probe.
type KeepAlive struct {
	Ack bool `cbor:"1,keyasint,omitempty"`
}

// Disconnection announces an orderly close.
type Disconnection struct {
	RequestSafeToDisconnect bool `cbor:"1,keyasint,omitempty"`
}

// Encode serializes f, stamping the current Version.
func Encode(f *Frame) ([]byte, error) {
	f.Version = Version
	data, err := codec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Parse decodes and validates one frame.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := codec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// PeekType returns the type of an encoded frame without validating it.
func PeekType(data []byte) Type {
	var envelope struct {
		Type Type `cbor:"2,keyasint"`
	}
	if codec.Unmarshal(data, &envelope) != nil {
		return TypeUnknown
	}
	return envelope.Type
}

// IsKeepAlive reports whether data is a well-formed keep-alive frame.
func IsKeepAlive(data []byte) bool {
	if PeekType(data) != TypeKeepAlive {
		return false
	}
	_, err := Parse(data)
	return err == nil
}
