// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tether/api"
)

const (
	// iceGatherTimeout bounds candidate gathering before an SDP is
	// published.
	iceGatherTimeout = 15 * time.Second

	// answerTimeout bounds the wait for the listener's answer.
	answerTimeout = 30 * time.Second

	// openTimeout bounds the wait for the data channel to open once
	// descriptions are exchanged.
	openTimeout = 15 * time.Second

	defaultSignalingPollInterval = 100 * time.Millisecond

	dataChannelLabel = "tether"
)

// WebRTCConfig configures the WebRTC medium.
type WebRTCConfig struct {
	// Signaler exchanges offers and answers. Required.
	Signaler Signaler

	// ICEServers are STUN/TURN URLs. Empty means host candidates only,
	// which is enough on one machine or one LAN.
	ICEServers []string

	// PollInterval is how often listeners poll for offers and dialers
	// poll for answers.
	PollInterval time.Duration

	Logger *slog.Logger
}

// WebRTC opens one peer connection with one ordered, reliable data
// channel per Dial.
type WebRTC struct {
	signaler     Signaler
	iceServers   []webrtc.ICEServer
	pollInterval time.Duration
	logger       *slog.Logger
	api          *webrtc.API
	counter      atomic.Uint64
}

var _ Medium = (*WebRTC)(nil)

// NewWebRTC returns a WebRTC medium.
func NewWebRTC(config WebRTCConfig) (*WebRTC, error) {
	if config.Signaler == nil {
		return nil, fmt.Errorf("webrtc medium: signaler is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultSignalingPollInterval
	}
	var servers []webrtc.ICEServer
	if len(config.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: config.ICEServers}}
	}

	// Detached data channels give a stream ReadWriteCloser. Loopback
	// candidates make single-host peers reachable.
	settings := webrtc.SettingEngine{}
	settings.DetachDataChannels()
	settings.SetIncludeLoopbackCandidate(true)

	return &WebRTC{
		signaler:     config.Signaler,
		iceServers:   servers,
		pollInterval: config.PollInterval,
		logger:       logger.With("component", "medium", "medium", api.MediumWebRTC),
		api:          webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
	}, nil
}

func (w *WebRTC) Kind() api.Medium { return api.MediumWebRTC }

func (w *WebRTC) newPeerConnection() (*webrtc.PeerConnection, error) {
	return w.api.NewPeerConnection(webrtc.Configuration{ICEServers: w.iceServers})
}

// Listen returns a listener whose address is its signaling id.
func (w *WebRTC) Listen(_ context.Context, name string) (Listener, error) {
	return &webrtcListener{
		medium:  w,
		address: fmt.Sprintf("webrtc:%s#%d", name, w.counter.Add(1)),
		pending: make(map[*webrtc.PeerConnection]struct{}),
		closed:  make(chan struct{}),
	}, nil
}

// Dial offers a peer connection to the listener at address and returns
// the data channel once it is open. WebRTC dials are never retried.
func (w *WebRTC) Dial(ctx context.Context, address string) (net.Conn, int, error) {
	conn, err := w.dial(ctx, address)
	if err != nil {
		return nil, 1, fmt.Errorf("dialing %s: %w", address, err)
	}
	return conn, 1, nil
}

func (w *WebRTC) dial(ctx context.Context, address string) (net.Conn, error) {
	var raw [8]byte
	rand.Read(raw[:])
	id := "dial-" + hex.EncodeToString(raw[:])

	pc, err := w.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			pc.Close()
		}
	}()

	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	if err := setLocalAndGather(ctx, pc, offer); err != nil {
		return nil, err
	}
	if err := w.signaler.PublishOffer(ctx, id, address, pc.LocalDescription().SDP); err != nil {
		return nil, fmt.Errorf("publishing offer: %w", err)
	}

	answer, err := w.waitForAnswer(ctx, id, address)
	if err != nil {
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return nil, fmt.Errorf("setting remote description: %w", err)
	}

	timer := time.NewTimer(openTimeout)
	defer timer.Stop()
	select {
	case <-opened:
	case <-timer.C:
		return nil, fmt.Errorf("data channel did not open within %v", openTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	stream, err := dc.Detach()
	if err != nil {
		return nil, fmt.Errorf("detaching data channel: %w", err)
	}
	ok = true
	w.logger.Debug("data channel open", "peer", address, "id", id)
	return NewDataChannelConn(stream, id, address, func() { pc.Close() }), nil
}

func (w *WebRTC) waitForAnswer(ctx context.Context, id, address string) (string, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(answerTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ticker.C:
			answers, err := w.signaler.PollAnswers(ctx, id)
			if err != nil {
				w.logger.Warn("polling for answer failed", "error", err)
				continue
			}
			for _, answer := range answers {
				if answer.Peer == address {
					return answer.SDP, nil
				}
			}
		case <-deadline.C:
			return "", fmt.Errorf("no answer within %v", answerTimeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// setLocalAndGather sets description and waits until every ICE
// candidate is embedded in the local description.
func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, description webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(description); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	timer := time.NewTimer(iceGatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
		return nil
	case <-timer.C:
		return fmt.Errorf("ICE gathering timed out after %v", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

type webrtcListener struct {
	medium  *WebRTC
	address string

	// pending holds answered peer connections whose data channel has
	// not opened yet. Close tears them down.
	mu      sync.Mutex
	pending map[*webrtc.PeerConnection]struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

func (l *webrtcListener) Address() string { return l.address }

func (l *webrtcListener) Serve(ctx context.Context, handler func(net.Conn)) error {
	ticker := time.NewTicker(l.medium.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			offers, err := l.medium.signaler.PollOffers(ctx, l.address)
			if err != nil {
				l.medium.logger.Warn("polling for offers failed", "error", err)
				continue
			}
			for _, offer := range offers {
				go func() {
					if err := l.answer(ctx, offer, handler); err != nil {
						l.medium.logger.Warn("answering offer failed", "peer", offer.Peer, "error", err)
					}
				}()
			}
		case <-l.closed:
			return nil
		case <-ctx.Done():
			l.Close()
			return nil
		}
	}
}

func (l *webrtcListener) track(pc *webrtc.PeerConnection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closed:
		return false
	default:
	}
	l.pending[pc] = struct{}{}
	return true
}

// untrack reports whether pc was still pending.
func (l *webrtcListener) untrack(pc *webrtc.PeerConnection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[pc]
	delete(l.pending, pc)
	return ok
}

func (l *webrtcListener) answer(ctx context.Context, offer SignalMessage, handler func(net.Conn)) error {
	pc, err := l.medium.newPeerConnection()
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	if !l.track(pc) {
		pc.Close()
		return ErrListenerClosed
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed && l.untrack(pc) {
			pc.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			if !l.untrack(pc) {
				return
			}
			stream, err := dc.Detach()
			if err != nil {
				l.medium.logger.Warn("detaching data channel failed", "peer", offer.Peer, "error", err)
				pc.Close()
				return
			}
			go handler(NewDataChannelConn(stream, l.address, offer.Peer, func() { pc.Close() }))
		})
	})

	fail := func(err error) error {
		if l.untrack(pc) {
			pc.Close()
		}
		return err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fail(fmt.Errorf("setting remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating answer: %w", err))
	}
	if err := setLocalAndGather(ctx, pc, answer); err != nil {
		return fail(err)
	}
	if err := l.medium.signaler.PublishAnswer(ctx, offer.Peer, l.address, pc.LocalDescription().SDP); err != nil {
		return fail(fmt.Errorf("publishing answer: %w", err))
	}
	l.medium.logger.Debug("answered offer", "peer", offer.Peer, "address", l.address)
	return nil
}

func (l *webrtcListener) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		close(l.closed)
		pending := l.pending
		l.pending = make(map[*webrtc.PeerConnection]struct{})
		l.mu.Unlock()
		for pc := range pending {
			pc.Close()
		}
	})
	return nil
}
