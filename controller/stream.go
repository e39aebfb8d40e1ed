// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"io"
	"sync"
)

// streamBuffer carries an incoming stream payload to its reader. Writes
// never block, so a slow reader cannot stall the endpoint's read loop;
// reads block until data arrives or the stream ends.
type streamBuffer struct {
	mu       sync.Mutex
	readable *sync.Cond
	buf      bytes.Buffer
	err      error
}

func newStreamBuffer() *streamBuffer {
	s := &streamBuffer{}
	s.readable = sync.NewCond(&s.mu)
	return s
}

func (s *streamBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, io.ErrClosedPipe
	}
	n, _ := s.buf.Write(p)
	s.readable.Broadcast()
	return n, nil
}

// Read returns buffered data first, then the error the stream was
// closed with: io.EOF after a complete transfer.
func (s *streamBuffer) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && s.err == nil {
		s.readable.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, s.err
}

// CloseWithError ends the stream. A nil err reads as io.EOF. Only the
// first close counts.
func (s *streamBuffer) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.readable.Broadcast()
}

// Close lets the reader abandon the stream; later chunks are dropped.
func (s *streamBuffer) Close() error {
	s.CloseWithError(io.ErrClosedPipe)
	return nil
}
