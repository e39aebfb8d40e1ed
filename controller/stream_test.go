// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/lib/testutil"
)

func TestStreamBufferDeliversThenEOF(t *testing.T) {
	s := newStreamBuffer()
	s.Write([]byte("hello "))
	s.Write([]byte("world"))
	s.CloseWithError(nil)

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("read %q, want %q", got, "hello world")
	}
}

func TestStreamBufferReadBlocksUntilWrite(t *testing.T) {
	s := newStreamBuffer()
	read := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := s.Read(buf)
		read <- string(buf[:n])
	}()

	select {
	case got := <-read:
		t.Fatalf("Read returned %q before any write", got)
	case <-time.After(20 * time.Millisecond):
	}
	s.Write([]byte("late"))
	if got := testutil.RequireReceive(t, read, 5*time.Second, "blocked read"); got != "late" {
		t.Errorf("read %q, want %q", got, "late")
	}
}

func TestStreamBufferCloseWithError(t *testing.T) {
	s := newStreamBuffer()
	s.Write([]byte("partial"))
	s.CloseWithError(errPayloadCanceled)
	s.CloseWithError(nil)

	got, err := io.ReadAll(s)
	if !errors.Is(err, errPayloadCanceled) {
		t.Errorf("ReadAll error = %v, want %v", err, errPayloadCanceled)
	}
	if string(got) != "partial" {
		t.Errorf("read %q before the error, want %q", got, "partial")
	}
}

func TestStreamBufferWriteAfterReaderClose(t *testing.T) {
	s := newStreamBuffer()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Write([]byte("dropped")); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Write after Close = %v, want io.ErrClosedPipe", err)
	}
}
