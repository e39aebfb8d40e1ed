// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package frame

import "fmt"

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks that f carries the body its Type names and that the
// body's fields are in range.
func (f *Frame) Validate() error {
	if f.Version != Version {
		return invalid("version %d, want %d", f.Version, Version)
	}
	switch f.Type {
	case TypeConnectionRequest:
		return validateConnectionRequest(f.ConnectionRequest)
	case TypeConnectionResponse:
		if f.ConnectionResponse == nil {
			return invalid("connection response without body")
		}
	case TypePayloadTransfer:
		return validatePayloadTransfer(f.PayloadTransfer)
	case TypeBandwidthUpgrade:
		return validateBandwidthUpgrade(f.BandwidthUpgrade)
	case TypeKeepAlive:
		if f.KeepAlive == nil {
			return invalid("keep-alive without body")
		}
	case TypeDisconnection:
		if f.Disconnection == nil {
			return invalid("disconnection without body")
		}
	default:
		return invalid("unknown frame type %d", uint8(f.Type))
	}
	return nil
}

func validateConnectionRequest(r *ConnectionRequest) error {
	if r == nil {
		return invalid("connection request without body")
	}
	if r.EndpointID == "" {
		return invalid("connection request without endpoint id")
	}
	if r.KeepAliveIntervalMillis < 0 || r.KeepAliveTimeoutMillis < 0 {
		return invalid("negative keep-alive settings")
	}
	if r.KeepAliveIntervalMillis > 0 && r.KeepAliveTimeoutMillis > 0 &&
		r.KeepAliveTimeoutMillis <= r.KeepAliveIntervalMillis {
		return invalid("keep-alive timeout %dms not above interval %dms",
			r.KeepAliveTimeoutMillis, r.KeepAliveIntervalMillis)
	}
	return nil
}

func validatePayloadTransfer(p *PayloadTransfer) error {
	if p == nil {
		return invalid("payload transfer without body")
	}
	if p.Header.ID == 0 {
		return invalid("payload transfer without payload id")
	}
	if p.Header.TotalSize < -1 {
		return invalid("payload total size %d", p.Header.TotalSize)
	}
	switch p.PacketType {
	case PacketData:
		if p.Chunk == nil {
			return invalid("data packet without chunk")
		}
		if p.Chunk.Offset < 0 || p.Chunk.Size < 0 {
			return invalid("chunk offset %d size %d", p.Chunk.Offset, p.Chunk.Size)
		}
		if p.Chunk.Size > MaxChunkSize {
			return invalid("chunk size %d above %d", p.Chunk.Size, MaxChunkSize)
		}
		if p.Header.TotalSize >= 0 && p.Chunk.Offset+int64(p.Chunk.Size) > p.Header.TotalSize {
			return invalid("chunk ends at %d past total size %d",
				p.Chunk.Offset+int64(p.Chunk.Size), p.Header.TotalSize)
		}
	case PacketControl:
		if p.Control == nil {
			return invalid("control packet without control body")
		}
		if p.Control.Event != ControlCanceled && p.Control.Event != ControlError {
			return invalid("unknown payload control event %d", p.Control.Event)
		}
		if p.Control.Offset < 0 {
			return invalid("control offset %d", p.Control.Offset)
		}
	default:
		return invalid("unknown packet type %d", p.PacketType)
	}
	return nil
}

func validateBandwidthUpgrade(b *BandwidthUpgrade) error {
	if b == nil {
		return invalid("bandwidth upgrade without body")
	}
	switch b.Event {
	case UpgradePathAvailable:
		if b.Path == nil || b.Path.Address == "" {
			return invalid("upgrade path without address")
		}
	case UpgradeClientIntroduction:
		if b.EndpointID == "" {
			return invalid("client introduction without endpoint id")
		}
	case UpgradeLastWriteToPriorChannel, UpgradeSafeToClosePriorChannel, UpgradeFailure:
	default:
		return invalid("unknown upgrade event %d", b.Event)
	}
	return nil
}
