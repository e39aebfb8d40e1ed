// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"fmt"
	"slices"
)

// Medium is a physical transport a channel can run over.
type Medium int

const (
	MediumUnknown Medium = iota
	// MediumMemory is an in-process pipe.
	MediumMemory
	// MediumWifiLan is TCP on the local network.
	MediumWifiLan
	// MediumWebRTC is a WebRTC data channel.
	MediumWebRTC
)

func (m Medium) String() string {
	switch m {
	case MediumMemory:
		return "memory"
	case MediumWifiLan:
		return "wifi_lan"
	case MediumWebRTC:
		return "webrtc"
	}
	return fmt.Sprintf("medium(%d)", int(m))
}

// Injectable reports whether endpoints on m can be introduced out of
// band with InjectEndpoint: the medium must be reachable from an address
// alone, without a signaling exchange.
func (m Medium) Injectable() bool {
	return m == MediumMemory || m == MediumWifiLan
}

// ParseMedium maps a configuration name to a Medium.
func ParseMedium(name string) (Medium, error) {
	for _, m := range []Medium{MediumMemory, MediumWifiLan, MediumWebRTC} {
		if m.String() == name {
			return m, nil
		}
	}
	return MediumUnknown, fmt.Errorf("unknown medium %q", name)
}

// MediumSelector lists permitted mediums. Empty permits all.
type MediumSelector []Medium

// Allows reports whether m is permitted.
func (s MediumSelector) Allows(m Medium) bool {
	return len(s) == 0 || slices.Contains(s, m)
}

// Strategy is the connection topology a session uses.
type Strategy int

const (
	StrategyNone Strategy = iota
	// StrategyCluster allows M-to-N connections.
	StrategyCluster
	// StrategyStar allows one hub with many spokes.
	StrategyStar
	// StrategyPointToPoint allows a single connection.
	StrategyPointToPoint
)

func (s Strategy) String() string {
	switch s {
	case StrategyCluster:
		return "cluster"
	case StrategyStar:
		return "star"
	case StrategyPointToPoint:
		return "point_to_point"
	}
	return "none"
}

// Valid reports whether s names a real topology.
func (s Strategy) Valid() bool {
	return s >= StrategyCluster && s <= StrategyPointToPoint
}
