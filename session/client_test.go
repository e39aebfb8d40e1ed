// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/lib/testutil"
)

type events struct {
	initiated    []string
	accepted     []string
	rejected     []api.Status
	disconnected []string
	bandwidth    []api.Medium
}

func (e *events) listener() api.ConnectionListener {
	return api.ConnectionListener{
		Initiated:        func(id string, _ api.ConnectionResponseInfo) { e.initiated = append(e.initiated, id) },
		Accepted:         func(id string) { e.accepted = append(e.accepted, id) },
		Rejected:         func(_ string, status api.Status) { e.rejected = append(e.rejected, status) },
		Disconnected:     func(id string) { e.disconnected = append(e.disconnected, id) },
		BandwidthChanged: func(_ string, medium api.Medium) { e.bandwidth = append(e.bandwidth, medium) },
	}
}

func TestGenerateEndpointID(t *testing.T) {
	for range 50 {
		id := GenerateEndpointID()
		if len(id) != 4 {
			t.Fatalf("len(%q) = %d, want 4", id, len(id))
		}
		for _, r := range id {
			if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				t.Fatalf("id %q contains %q", id, r)
			}
		}
	}
}

func TestConnectionLifecycle(t *testing.T) {
	client := New(nil)
	var seen events

	info := api.ConnectionResponseInfo{RemoteEndpointInfo: []byte("peer"), Medium: api.MediumWifiLan}
	if !client.OnConnectionInitiated("ABCD", info, api.ConnectionOptions{}, seen.listener()) {
		t.Fatal("OnConnectionInitiated = false, want true")
	}
	if client.OnConnectionInitiated("ABCD", info, api.ConnectionOptions{}, seen.listener()) {
		t.Fatal("duplicate OnConnectionInitiated = true, want false")
	}
	if !client.HasPendingConnectionToEndpoint("ABCD") || client.IsConnectedToEndpoint("ABCD") {
		t.Fatal("new connection should be pending")
	}

	client.LocalEndpointAccepted("ABCD", api.PayloadListener{})
	if !client.HasLocalEndpointResponded("ABCD") || client.HasRemoteEndpointResponded("ABCD") {
		t.Fatal("only the local side has responded")
	}
	client.LocalEndpointRejected("ABCD")
	if client.IsConnectionRejected("ABCD") {
		t.Fatal("second local answer must be ignored")
	}

	client.RemoteEndpointAccepted("ABCD")
	if !client.IsConnectionAccepted("ABCD") {
		t.Fatal("IsConnectionAccepted = false after both sides accepted")
	}
	client.OnConnectionAccepted("ABCD")
	if !client.IsConnectedToEndpoint("ABCD") || client.HasPendingConnectionToEndpoint("ABCD") {
		t.Fatal("connection should be established")
	}
	if got := client.ConnectedEndpoints(); !slices.Equal(got, []string{"ABCD"}) {
		t.Fatalf("ConnectedEndpoints = %v, want [ABCD]", got)
	}

	client.OnBandwidthChanged("ABCD", api.MediumWebRTC)
	if got := client.ConnectionMedium("ABCD"); got != api.MediumWebRTC {
		t.Fatalf("ConnectionMedium = %v, want webrtc", got)
	}

	client.OnDisconnected("ABCD", true)
	if client.IsConnectedToEndpoint("ABCD") {
		t.Fatal("still connected after OnDisconnected")
	}

	if !slices.Equal(seen.initiated, []string{"ABCD"}) ||
		!slices.Equal(seen.accepted, []string{"ABCD"}) ||
		!slices.Equal(seen.disconnected, []string{"ABCD"}) ||
		!slices.Equal(seen.bandwidth, []api.Medium{api.MediumWebRTC}) {
		t.Fatalf("events = %+v", seen)
	}
}

func TestRejectionRemovesWithoutDisconnect(t *testing.T) {
	client := New(nil)
	var seen events
	client.OnConnectionInitiated("WXYZ", api.ConnectionResponseInfo{}, api.ConnectionOptions{}, seen.listener())
	client.AddCancellationFlag("WXYZ")
	flag := client.CancellationFlag("WXYZ")

	client.OnConnectionRejected("WXYZ", api.ConnectionRejected)

	if client.HasPendingConnectionToEndpoint("WXYZ") {
		t.Fatal("rejected connection still pending")
	}
	if !flag.Cancelled() {
		t.Fatal("rejection should cancel the endpoint flag")
	}
	if len(seen.rejected) != 1 || seen.rejected[0] != api.ConnectionRejected {
		t.Fatalf("rejected = %v, want [ConnectionRejected]", seen.rejected)
	}
	if len(seen.disconnected) != 0 {
		t.Fatalf("disconnected = %v, want none", seen.disconnected)
	}
}

func TestListenersRunWithoutLock(t *testing.T) {
	client := New(nil)
	done := make(chan bool, 1)
	listener := api.ConnectionListener{
		Initiated: func(id string, _ api.ConnectionResponseInfo) {
			done <- client.HasPendingConnectionToEndpoint(id)
		},
	}
	go client.OnConnectionInitiated("LOCK", api.ConnectionResponseInfo{}, api.ConnectionOptions{}, listener)
	if !testutil.RequireReceive(t, done, 5*time.Second, "Initiated callback") {
		t.Fatal("listener saw no pending connection")
	}
}

func TestCancellationFlags(t *testing.T) {
	client := New(nil)

	orphan := client.CancellationFlag("NONE")
	client.CancelAllEndpoints()
	if orphan.Cancelled() {
		t.Fatal("flag for an unknown endpoint must never be cancelled")
	}

	client.AddCancellationFlag("ABCD")
	flag := client.CancellationFlag("ABCD")
	done := flag.Done()
	client.CancelEndpoint("ABCD")
	if !flag.Cancelled() {
		t.Fatal("CancelEndpoint did not cancel")
	}
	testutil.RequireClosed(t, done, time.Second, "Done after cancel")

	client.AddCancellationFlag("ABCD")
	if flag.Cancelled() {
		t.Fatal("AddCancellationFlag should re-arm a cancelled flag")
	}
	if client.CancellationFlag("ABCD") != flag {
		t.Fatal("AddCancellationFlag replaced the existing flag")
	}

	client.OnDisconnected("ABCD", false)
	if !flag.Cancelled() {
		t.Fatal("OnDisconnected should cancel the endpoint flag")
	}
	if client.CancellationFlag("ABCD") == flag {
		t.Fatal("OnDisconnected kept the endpoint flag")
	}
}

func TestEndedConnectionsReleaseFlags(t *testing.T) {
	client := New(nil)
	for _, id := range []string{"AAAA", "BBBB", "CCCC"} {
		client.AddCancellationFlag(id)
		client.OnConnectionInitiated(id, api.ConnectionResponseInfo{}, api.ConnectionOptions{}, api.ConnectionListener{})
	}
	rejected := client.CancellationFlag("CCCC")

	client.OnDisconnected("AAAA", true)
	client.OnDisconnected("BBBB", false)
	client.OnConnectionRejected("CCCC", api.ConnectionRejected)

	client.mu.Lock()
	remaining := len(client.flags)
	client.mu.Unlock()
	if remaining != 0 {
		t.Errorf("%d flags left after every connection ended, want 0", remaining)
	}
	if !rejected.Cancelled() {
		t.Error("rejection did not cancel the flag held by in-flight work")
	}

	client.AddCancellationFlag("AAAA")
	if client.CancellationFlag("AAAA").Cancelled() {
		t.Error("flag added after a disconnect starts cancelled")
	}
}

func TestCancellationFlagContext(t *testing.T) {
	flag := newCancellationFlag()
	ctx, cancel := flag.Context(t.Context())
	defer cancel()
	flag.Cancel()
	testutil.RequireClosed(t, ctx.Done(), 5*time.Second, "context after flag cancel")
}

func TestDiscoveryDeduplicates(t *testing.T) {
	client := New(nil)
	var found, lost []string
	client.StartedDiscovery("svc", api.DiscoveryOptions{}, api.DiscoveryListener{
		EndpointFound: func(id string, _ []byte, _ string) { found = append(found, id) },
		EndpointLost:  func(id string) { lost = append(lost, id) },
	})

	client.OnEndpointFound("other", "AAAA", nil, api.MediumMemory)
	client.OnEndpointFound("svc", "AAAA", nil, api.MediumMemory)
	client.OnEndpointFound("svc", "AAAA", nil, api.MediumMemory)
	client.OnEndpointLost("svc", "BBBB")
	client.OnEndpointLost("svc", "AAAA")
	client.OnEndpointLost("svc", "AAAA")

	if !slices.Equal(found, []string{"AAAA"}) {
		t.Fatalf("found = %v, want [AAAA]", found)
	}
	if !slices.Equal(lost, []string{"AAAA"}) {
		t.Fatalf("lost = %v, want [AAAA]", lost)
	}

	client.OnEndpointFound("svc", "CCCC", nil, api.MediumMemory)
	client.StoppedDiscovery()
	if client.IsDiscoveredEndpoint("CCCC") {
		t.Fatal("StoppedDiscovery should forget found endpoints")
	}
}

func TestAutoUpgradeBandwidth(t *testing.T) {
	client := New(nil)
	client.StartedAdvertising("svc", api.AdvertisingOptions{AutoUpgradeBandwidth: true}, api.ConnectionRequestInfo{})
	client.OnConnectionInitiated("INCO", api.ConnectionResponseInfo{IsIncoming: true}, api.ConnectionOptions{}, api.ConnectionListener{})
	client.OnConnectionInitiated("OUTG", api.ConnectionResponseInfo{}, api.ConnectionOptions{}, api.ConnectionListener{})
	client.OnConnectionInitiated("OPTS", api.ConnectionResponseInfo{}, api.ConnectionOptions{AutoUpgradeBandwidth: true}, api.ConnectionListener{})

	for id, want := range map[string]bool{"INCO": true, "OUTG": false, "OPTS": true, "NONE": false} {
		if got := client.AutoUpgradeBandwidth(id); got != want {
			t.Errorf("AutoUpgradeBandwidth(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestResetClearsEverything(t *testing.T) {
	client := New(nil)
	client.StartedAdvertising("svc", api.AdvertisingOptions{}, api.ConnectionRequestInfo{})
	client.StartedDiscovery("svc", api.DiscoveryOptions{}, api.DiscoveryListener{})
	client.OnConnectionInitiated("ABCD", api.ConnectionResponseInfo{}, api.ConnectionOptions{}, api.ConnectionListener{})
	client.AddCancellationFlag("ABCD")
	flag := client.CancellationFlag("ABCD")

	client.Reset()

	if client.IsAdvertising() || client.IsDiscovering() || client.IsListening() {
		t.Fatal("Reset left advertising, discovery or listening active")
	}
	if len(client.PendingConnectedEndpoints()) != 0 {
		t.Fatal("Reset left connections behind")
	}
	if !flag.Cancelled() {
		t.Fatal("Reset should cancel outstanding flags")
	}
}

func TestHandleBorrow(t *testing.T) {
	client := New(nil)
	handle := client.Handle()
	if handle != client.Handle() {
		t.Fatal("handles to the same client should be equal")
	}
	borrowed, ok := handle.Borrow()
	if !ok || borrowed != client {
		t.Fatal("Borrow failed on a live client")
	}

	client.Shutdown()
	if _, ok := handle.Borrow(); ok {
		t.Fatal("Borrow succeeded after Shutdown")
	}
	if handle.ID() != client.ID() {
		t.Fatalf("ID = %d, want %d", handle.ID(), client.ID())
	}
}

func TestHandleDoesNotKeepClientAlive(t *testing.T) {
	handle := New(nil).Handle()
	testutil.Eventually(t, 5*time.Second, func() bool {
		runtime.GC()
		_, ok := handle.Borrow()
		return !ok
	}, "collected client still borrowable")
}
