// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"io"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/lib/testutil"
)

// pipeStream joins an io.Pipe reader and writer into one
// ReadWriteCloser, standing in for a detached data channel.
type pipeStream struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p pipeStream) Close() error {
	p.PipeReader.Close()
	return p.PipeWriter.Close()
}

func TestDataChannelConnAddresses(t *testing.T) {
	reader, writer := io.Pipe()
	conn := NewDataChannelConn(pipeStream{reader, writer}, "local", "remote", nil)
	defer conn.Close()

	if conn.LocalAddr().Network() != "webrtc" || conn.LocalAddr().String() != "local" {
		t.Fatalf("LocalAddr = %s/%s", conn.LocalAddr().Network(), conn.LocalAddr())
	}
	if conn.RemoteAddr().String() != "remote" {
		t.Fatalf("RemoteAddr = %s, want remote", conn.RemoteAddr())
	}
}

func TestDataChannelConnCloseReleasesOnce(t *testing.T) {
	reader, writer := io.Pipe()
	released := 0
	conn := NewDataChannelConn(pipeStream{reader, writer}, "a", "b", func() { released++ })
	conn.Close()
	conn.Close()
	if released != 1 {
		t.Fatalf("release ran %d times, want 1", released)
	}
}

func TestDataChannelConnDeadlineUnblocksRead(t *testing.T) {
	reader, writer := io.Pipe()
	conn := NewDataChannelConn(pipeStream{reader, writer}, "a", "b", nil)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 8))
		done <- err
	}()
	conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Read after deadline"); err == nil {
		t.Fatal("Read returned nil error after deadline")
	}
}

func TestDataChannelConnPastDeadlineCloses(t *testing.T) {
	reader, writer := io.Pipe()
	closed := make(chan struct{})
	conn := NewDataChannelConn(pipeStream{reader, writer}, "a", "b", func() { close(closed) })
	conn.SetDeadline(time.Now().Add(-time.Second))
	testutil.RequireClosed(t, closed, 5*time.Second, "release after past deadline")
}
