// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package medium provides the transports endpoints connect over and the
// directory they find each other through.
//
// A [Medium] turns an address into a net.Conn and a [Listener] turns
// inbound connections into net.Conns. Everything above (framing,
// encryption, the connection protocol) is medium-agnostic: a channel
// wraps whatever net.Conn the medium produced.
//
// Three mediums are provided:
//
//   - [TCP]: direct TCP on the local network. Dials retry with
//     exponential backoff.
//   - [WebRTC]: a detached, ordered, reliable data channel. Session
//     descriptions are exchanged through a [Signaler]; ICE is vanilla
//     (all candidates gathered before the description is published), so
//     signaling takes exactly one offer/answer round trip. Used as the
//     bandwidth upgrade target.
//   - [Memory]: net.Pipe connections between listeners registered on a
//     shared [MemoryNetwork], for tests and single-process deployments.
//
// A [Directory] publishes advertisements and answers browse queries.
// [MemoryDirectory] is shared between in-process endpoints;
// [StaticDirectory] serves peers listed in configuration.
package medium
