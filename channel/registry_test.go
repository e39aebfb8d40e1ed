// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
)

func newChannel(t *testing.T, name string) *Channel {
	t.Helper()
	left, right := net.Pipe()
	t.Cleanup(func() { right.Close() })
	ch := New(left, Options{Name: name})
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestRegisterAppliesPendingContext(t *testing.T) {
	registry := NewRegistry(nil)
	registry.EncryptChannel("AB12", prefixCipher{})
	if !registry.HasPendingContext("AB12") {
		t.Fatal("context not held for unregistered endpoint")
	}

	ch := newChannel(t, "first")
	registry.RegisterChannel("AB12", ch)
	if !ch.IsEncrypted() {
		t.Fatal("registered channel is not encrypted")
	}
	if registry.HasPendingContext("AB12") {
		t.Error("pending context survived registration")
	}
}

func TestEncryptChannelAppliesImmediately(t *testing.T) {
	registry := NewRegistry(nil)
	ch := newChannel(t, "first")
	registry.RegisterChannel("AB12", ch)
	registry.EncryptChannel("AB12", prefixCipher{})
	if !ch.IsEncrypted() {
		t.Fatal("EncryptChannel did not encrypt the registered channel")
	}
}

func TestRegisterTwiceClosesPrevious(t *testing.T) {
	registry := NewRegistry(nil)
	first, second := newChannel(t, "first"), newChannel(t, "second")
	registry.RegisterChannel("AB12", first)
	registry.RegisterChannel("AB12", second)

	if registry.Channel("AB12") != second {
		t.Fatal("registry does not hold the newest channel")
	}
	if !first.IsClosed() || first.CloseReason() != ReasonReplaced {
		t.Errorf("previous channel closed=%v reason=%v", first.IsClosed(), first.CloseReason())
	}
	if registry.Len() != 1 {
		t.Errorf("Len = %d, want 1", registry.Len())
	}
}

func TestReplaceKeepsOldOpenForDraining(t *testing.T) {
	registry := NewRegistry(nil)
	old, replacement := newChannel(t, "old"), newChannel(t, "new")
	registry.RegisterChannel("AB12", old)
	registry.EncryptChannel("AB12", prefixCipher{})

	returned := registry.ReplaceChannel("AB12", replacement, false)
	if returned != old {
		t.Fatalf("ReplaceChannel returned %v, want the old channel", returned)
	}
	if old.IsClosed() {
		t.Error("old channel closed although closeOld was false")
	}
	if !replacement.IsEncrypted() {
		t.Error("encryption context not carried to the new channel")
	}
	if registry.Channel("AB12") != replacement {
		t.Error("registry does not hold the new channel")
	}
}

func TestReplaceClosesOldWhenAsked(t *testing.T) {
	registry := NewRegistry(nil)
	old, replacement := newChannel(t, "old"), newChannel(t, "new")
	registry.RegisterChannel("AB12", old)

	if returned := registry.ReplaceChannel("AB12", replacement, true); returned != nil {
		t.Fatalf("ReplaceChannel returned %v, want nil", returned)
	}
	if !old.IsClosed() || old.CloseReason() != ReasonUpgraded {
		t.Errorf("old channel closed=%v reason=%v", old.IsClosed(), old.CloseReason())
	}
}

func TestReplaceIsAtomicForReaders(t *testing.T) {
	registry := NewRegistry(nil)
	channels := []*Channel{newChannel(t, "a"), newChannel(t, "b")}
	registry.RegisterChannel("AB12", channels[0])

	var stop atomic.Bool
	var missing atomic.Int64
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for !stop.Load() {
				if registry.Channel("AB12") == nil {
					missing.Add(1)
				}
			}
		}()
	}
	for i := 0; i < 2000; i++ {
		registry.ReplaceChannel("AB12", channels[(i+1)%2], false)
	}
	stop.Store(true)
	readers.Wait()

	if missing.Load() != 0 {
		t.Errorf("readers saw no channel %d times during replacement", missing.Load())
	}
}

func TestUnregister(t *testing.T) {
	registry := NewRegistry(nil)
	if registry.UnregisterChannel("nobody", ReasonLocalDisconnection) {
		t.Error("UnregisterChannel of an unknown id reported a removal")
	}

	ch := newChannel(t, "first")
	registry.RegisterChannel("AB12", ch)
	if !registry.UnregisterChannel("AB12", ReasonRemoteDisconnection) {
		t.Fatal("UnregisterChannel did not find the channel")
	}
	if registry.Channel("AB12") != nil {
		t.Error("channel still registered")
	}
	if !ch.IsClosed() || ch.CloseReason() != ReasonRemoteDisconnection {
		t.Errorf("channel closed=%v reason=%v", ch.IsClosed(), ch.CloseReason())
	}
}

func TestEndpointIDsSorted(t *testing.T) {
	registry := NewRegistry(nil)
	for _, id := range []string{"CCCC", "AAAA", "BBBB"} {
		registry.RegisterChannel(id, newChannel(t, id))
	}
	ids := registry.EndpointIDs()
	if len(ids) != 3 || ids[0] != "AAAA" || ids[2] != "CCCC" {
		t.Errorf("EndpointIDs = %v", ids)
	}
}
