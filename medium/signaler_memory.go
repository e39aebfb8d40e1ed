// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"sync"
)

var _ Signaler = (*MemorySignaler)(nil)

type signalKey struct {
	offerer, target string
}

// MemorySignaler is an in-process Signaler. Every signal is delivered
// to exactly one poll.
type MemorySignaler struct {
	mu      sync.Mutex
	offers  map[signalKey]string
	answers map[signalKey]string
}

// NewMemorySignaler returns an empty signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:  make(map[signalKey]string),
		answers: make(map[signalKey]string),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, offerer, target, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey{offerer, target}] = sdp
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, answerer, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey{offerer, answerer}] = sdp
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, target string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []SignalMessage
	for key, sdp := range s.offers {
		if key.target == target {
			messages = append(messages, SignalMessage{Peer: key.offerer, SDP: sdp})
			delete(s.offers, key)
		}
	}
	return messages, nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, offerer string) ([]SignalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []SignalMessage
	for key, sdp := range s.answers {
		if key.offerer == offerer {
			messages = append(messages, SignalMessage{Peer: key.target, SDP: sdp})
			delete(s.answers, key)
		}
	}
	return messages, nil
}
