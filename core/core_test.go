// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/lib/config"
	"github.com/bureau-foundation/tether/lib/testutil"
	"github.com/bureau-foundation/tether/medium"
)

const (
	service = "com.example.tether.core"
	timeout = 10 * time.Second
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Mediums.LAN.Enabled = false
	cfg.Mediums.Memory = true
	cfg.Discovery.PollInterval = 10 * time.Millisecond
	cfg.Payload.SaveDirectory = t.TempDir()
	return cfg
}

func newCore(t *testing.T, cfg *config.Config, opts ...Option) *Core {
	t.Helper()
	opts = append(opts, WithFatal(func(err error) { t.Errorf("unexpected fatal: %v", err) }))
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		runtime.KeepAlive(c)
	})
	return c
}

func await(t *testing.T, name string, operation func(api.ResultCallback)) {
	t.Helper()
	ch := make(chan api.Status, 1)
	operation(func(s api.Status) { ch <- s })
	if got := testutil.RequireReceive(t, ch, timeout, name); got != api.Success {
		t.Fatalf("%s = %v, want Success", name, got)
	}
}

// autoAccept accepts every connection c is offered and records the
// byte payloads it receives.
func autoAccept(c *Core, received chan<- string) api.ConnectionListener {
	return api.ConnectionListener{
		Initiated: func(endpointID string, _ api.ConnectionResponseInfo) {
			// Accept off the listener goroutine; the router answers in
			// order anyway.
			go c.AcceptConnection(endpointID, api.PayloadListener{
				Payload: func(_ string, payload api.Payload) {
					if data, ok := payload.Bytes(); ok {
						received <- string(data)
					}
				},
			}, nil)
		},
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mediums.Memory = false
	if _, err := New(cfg); err == nil {
		t.Fatal("New with no medium enabled succeeded")
	}
}

func TestNewRejectsBadStaticPeer(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.Peers = []config.Peer{{EndpointID: "ABCD", ServiceID: service, Medium: "carrier-pigeon", Address: "x"}}
	if _, err := New(cfg); err == nil {
		t.Fatal("New with an unknown peer medium succeeded")
	}
}

func TestTwoCoresExchangeBytes(t *testing.T) {
	network := medium.NewMemoryNetwork()
	directory := medium.NewMemoryDirectory()
	a := newCore(t, testConfig(t), WithMemoryNetwork(network), WithDirectory(directory))
	b := newCore(t, testConfig(t), WithMemoryNetwork(network), WithDirectory(directory))

	receivedA := make(chan string, 4)
	receivedB := make(chan string, 4)
	connectedA := make(chan string, 4)
	connectedB := make(chan string, 4)

	listenerA := autoAccept(a, receivedA)
	listenerA.Accepted = func(id string) { connectedA <- id }
	await(t, "StartAdvertising", func(cb api.ResultCallback) {
		a.StartAdvertising(service, api.AdvertisingOptions{Strategy: api.StrategyCluster},
			api.ConnectionRequestInfo{EndpointInfo: []byte("a"), Listener: listenerA}, cb)
	})

	found := make(chan string, 4)
	await(t, "StartDiscovery", func(cb api.ResultCallback) {
		b.StartDiscovery(service, api.DiscoveryOptions{Strategy: api.StrategyCluster},
			api.DiscoveryListener{EndpointFound: func(id string, _ []byte, _ string) { found <- id }}, cb)
	})
	if got := testutil.RequireReceive(t, found, timeout, "endpoint found"); got != a.LocalEndpointID() {
		t.Fatalf("found %q, want %q", got, a.LocalEndpointID())
	}

	listenerB := autoAccept(b, receivedB)
	listenerB.Accepted = func(id string) { connectedB <- id }
	await(t, "RequestConnection", func(cb api.ResultCallback) {
		b.RequestConnection(a.LocalEndpointID(), api.ConnectionRequestInfo{EndpointInfo: []byte("b"), Listener: listenerB},
			api.ConnectionOptions{}, cb)
	})
	testutil.RequireReceive(t, connectedA, timeout, "a connected")
	testutil.RequireReceive(t, connectedB, timeout, "b connected")

	await(t, "SendPayload a->b", func(cb api.ResultCallback) {
		a.SendPayload([]string{b.LocalEndpointID()}, api.BytesPayload([]byte("ping")), cb)
	})
	await(t, "SendPayload b->a", func(cb api.ResultCallback) {
		b.SendPayload([]string{a.LocalEndpointID()}, api.BytesPayload([]byte("pong")), cb)
	})
	if got := testutil.RequireReceive(t, receivedB, timeout, "b received"); got != "ping" {
		t.Errorf("b received %q, want ping", got)
	}
	if got := testutil.RequireReceive(t, receivedA, timeout, "a received"); got != "pong" {
		t.Errorf("a received %q, want pong", got)
	}
	if a.Registry().Len() != 1 || b.Registry().Len() != 1 {
		t.Errorf("registries hold %d and %d channels, want 1 each", a.Registry().Len(), b.Registry().Len())
	}
}

func TestStaticPeerIsDiscovered(t *testing.T) {
	network := medium.NewMemoryNetwork()
	shared := medium.NewMemoryDirectory()
	a := newCore(t, testConfig(t), WithMemoryNetwork(network), WithDirectory(shared))
	await(t, "StartAdvertising", func(cb api.ResultCallback) {
		a.StartAdvertising(service, api.AdvertisingOptions{}, api.ConnectionRequestInfo{EndpointInfo: []byte("a")}, cb)
	})
	records, err := shared.Browse(context.Background(), service)
	if err != nil || len(records) != 1 {
		t.Fatalf("Browse = %v, %v; want one record", records, err)
	}

	// b never sees the shared directory; it learns a from configuration.
	cfg := testConfig(t)
	cfg.Discovery.Peers = []config.Peer{{
		EndpointID:   a.LocalEndpointID(),
		ServiceID:    service,
		EndpointInfo: "configured",
		Medium:       api.MediumMemory.String(),
		Address:      records[0].Address,
	}}
	b := newCore(t, cfg, WithMemoryNetwork(network))

	found := make(chan []byte, 1)
	await(t, "StartDiscovery", func(cb api.ResultCallback) {
		b.StartDiscovery(service, api.DiscoveryOptions{}, api.DiscoveryListener{
			EndpointFound: func(id string, info []byte, _ string) {
				if id == a.LocalEndpointID() {
					found <- info
				}
			},
		}, cb)
	})
	if got := testutil.RequireReceive(t, found, timeout, "static peer found"); string(got) != "configured" {
		t.Errorf("endpoint info = %q, want configured", got)
	}

	initiated := make(chan api.ConnectionResponseInfo, 1)
	await(t, "RequestConnection", func(cb api.ResultCallback) {
		b.RequestConnection(a.LocalEndpointID(), api.ConnectionRequestInfo{
			EndpointInfo: []byte("b"),
			Listener: api.ConnectionListener{
				Initiated: func(_ string, info api.ConnectionResponseInfo) { initiated <- info },
			},
		}, api.ConnectionOptions{}, cb)
	})
	if info := testutil.RequireReceive(t, initiated, timeout, "initiated"); info.AuthenticationDigits == "" {
		t.Error("initiated without authentication digits")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()
}
