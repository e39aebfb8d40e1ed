// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"io"
	"net"
	"sync"
	"time"
)

// DataChannelConn presents a detached data channel as a net.Conn. SCTP
// reassembles messages, so the stream behaves like TCP to the framing
// above it.
//
// Deadlines are implemented by closing the stream when they fire, the
// way net.Pipe does: a blocked Read or Write returns an error and the
// conn is unusable afterwards.
type DataChannelConn struct {
	stream io.ReadWriteCloser
	local  string
	peer   string

	// release runs once on Close, after the stream is closed. The
	// WebRTC medium uses it to close the owning peer connection.
	release func()

	mu         sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
	closed     bool
	closeErr   error
}

var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps stream. local and peer label the two ends
// in LocalAddr and RemoteAddr. release may be nil.
func NewDataChannelConn(stream io.ReadWriteCloser, local, peer string, release func()) *DataChannelConn {
	return &DataChannelConn{stream: stream, local: local, peer: peer, release: release}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) { return c.stream.Read(buffer) }

func (c *DataChannelConn) Write(buffer []byte) (int, error) { return c.stream.Write(buffer) }

// Close closes the stream and releases the peer connection. It is
// idempotent.
func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closeErr
	}
	c.closed = true
	stopTimer(&c.readTimer)
	stopTimer(&c.writeTimer)
	c.closeErr = c.stream.Close()
	release := c.release
	c.mu.Unlock()

	if release != nil {
		release()
	}
	return c.closeErr
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return dataChannelAddr(c.local) }
func (c *DataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.peer) }

func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

// armLocked replaces *timer with one that closes the conn at deadline.
// A zero deadline only clears.
func (c *DataChannelConn) armLocked(timer **time.Timer, deadline time.Time) {
	stopTimer(timer)
	if deadline.IsZero() || c.closed {
		return
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		go c.Close()
		return
	}
	*timer = time.AfterFunc(wait, func() { c.Close() })
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
