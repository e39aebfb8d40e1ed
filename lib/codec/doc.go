// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds tether's single CBOR configuration.
//
// Everything tether puts on a channel (offline frames, handshake
// messages, advertisements) is CBOR encoded with Core Deterministic
// Encoding (RFC 8949 §4.2), so the same value always yields the same
// bytes. Handshake transcripts are hashed, which depends on that.
//
// Wire types use integer keys to keep frames small:
//
//	type keepAlive struct {
//	    Ack bool `cbor:"1,keyasint,omitempty"`
//	}
//
// Decoding rejects duplicate map keys and caps nesting and collection
// sizes, since every decoded byte came from a remote peer.
package codec
