// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import "context"

// Signaler carries WebRTC session descriptions between endpoints. All
// ICE candidates are gathered before a description is published, so a
// connection needs exactly one offer and one answer.
//
// Peers are named by opaque ids: the listener's id is its address, the
// dialer's id is generated per dial.
type Signaler interface {
	// PublishOffer stores a complete SDP offer from offerer for target.
	PublishOffer(ctx context.Context, offerer, target, sdp string) error

	// PublishAnswer stores a complete SDP answer from answerer to
	// offerer's offer.
	PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error

	// PollOffers returns offers directed at target not returned before.
	PollOffers(ctx context.Context, target string) ([]SignalMessage, error)

	// PollAnswers returns answers to offerer's offers not returned
	// before.
	PollAnswers(ctx context.Context, offerer string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for a received offer, the
	// answerer for a received answer.
	Peer string

	// SDP is the complete session description with candidates embedded.
	SDP string
}
