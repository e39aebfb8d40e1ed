// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"testing"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/lib/config"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := t.Context()
	directory := NewMemoryDirectory()

	publish := func(advertisement Advertisement) {
		t.Helper()
		if err := directory.Publish(ctx, advertisement); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	publish(Advertisement{ServiceID: "svc", EndpointID: "BBBB", Medium: api.MediumWifiLan, Address: "10.0.0.2:1"})
	publish(Advertisement{ServiceID: "svc", EndpointID: "AAAA", Medium: api.MediumWifiLan, Address: "10.0.0.1:1"})
	publish(Advertisement{ServiceID: "svc", EndpointID: "AAAA", Medium: api.MediumWifiLan, Address: "10.0.0.1:2"})
	publish(Advertisement{ServiceID: "other", EndpointID: "CCCC", Medium: api.MediumMemory, Address: "memory:c#1"})

	found, err := directory.Browse(ctx, "svc")
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Browse found %d, want 2: %+v", len(found), found)
	}
	if found[0].EndpointID != "AAAA" || found[0].Address != "10.0.0.1:2" {
		t.Fatalf("found[0] = %+v, want AAAA at the republished address", found[0])
	}

	found[0].Address = "mutated"
	again, _ := directory.Browse(ctx, "svc")
	if again[0].Address != "10.0.0.1:2" {
		t.Fatal("Browse results alias directory storage")
	}

	if err := directory.Withdraw(ctx, "AAAA"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	found, _ = directory.Browse(ctx, "svc")
	if len(found) != 1 || found[0].EndpointID != "BBBB" {
		t.Fatalf("after Withdraw = %+v, want only BBBB", found)
	}
}

func TestStaticDirectory(t *testing.T) {
	directory, err := NewStaticDirectory([]config.Peer{
		{EndpointID: "ZZZZ", ServiceID: "svc", EndpointInfo: "laptop", Medium: "wifi_lan", Address: "192.168.1.5:4000"},
		{EndpointID: "YYYY", ServiceID: "other", Medium: "wifi_lan", Address: "192.168.1.6:4000"},
	})
	if err != nil {
		t.Fatalf("NewStaticDirectory: %v", err)
	}
	found, _ := directory.Browse(t.Context(), "svc")
	if len(found) != 1 || string(found[0].EndpointInfo) != "laptop" || found[0].Medium != api.MediumWifiLan {
		t.Fatalf("Browse = %+v", found)
	}

	if _, err := NewStaticDirectory([]config.Peer{{Medium: "carrier-pigeon"}}); err == nil {
		t.Fatal("unknown medium accepted")
	}
}

func TestCombine(t *testing.T) {
	memory := NewMemoryDirectory()
	static, _ := NewStaticDirectory([]config.Peer{{EndpointID: "SSSS", ServiceID: "svc", Medium: "wifi_lan", Address: "h:1"}})
	directory := Combine(memory, static)

	directory.Publish(t.Context(), Advertisement{ServiceID: "svc", EndpointID: "MMMM", Medium: api.MediumMemory, Address: "memory:m#1"})
	found, err := directory.Browse(t.Context(), "svc")
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(found) != 2 || found[0].EndpointID != "MMMM" || found[1].EndpointID != "SSSS" {
		t.Fatalf("Browse = %+v, want MMMM then SSSS", found)
	}
}
