// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/lib/codec"
	"github.com/bureau-foundation/tether/lib/config"
)

// Advertisement announces that an endpoint accepts connections for a
// service at an address on one medium.
type Advertisement struct {
	ServiceID    string           `cbor:"1,keyasint"`
	EndpointID   string           `cbor:"2,keyasint"`
	EndpointInfo []byte           `cbor:"3,keyasint"`
	Medium       api.Medium       `cbor:"4,keyasint"`
	Address      string           `cbor:"5,keyasint"`
	Distance     api.DistanceInfo `cbor:"6,keyasint,omitempty"`
}

// Directory is where advertisements are published and browsed.
type Directory interface {
	Publish(ctx context.Context, advertisement Advertisement) error

	// Withdraw removes every advertisement of endpointID.
	Withdraw(ctx context.Context, endpointID string) error

	// Browse returns the advertisements for serviceID.
	Browse(ctx context.Context, serviceID string) ([]Advertisement, error)
}

// MemoryDirectory is an in-process Directory. Advertisements are
// stored encoded, so every Browse returns independent copies.
type MemoryDirectory struct {
	mu      sync.Mutex
	records map[string][][]byte // endpoint id -> encoded advertisements
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[string][][]byte)}
}

// Publish adds advertisement, replacing an earlier one for the same
// endpoint and medium.
func (d *MemoryDirectory) Publish(_ context.Context, advertisement Advertisement) error {
	encoded, err := codec.Marshal(advertisement)
	if err != nil {
		return fmt.Errorf("encoding advertisement: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	records := d.records[advertisement.EndpointID]
	records = slices.DeleteFunc(records, func(record []byte) bool {
		var existing Advertisement
		return codec.Unmarshal(record, &existing) == nil && existing.Medium == advertisement.Medium
	})
	d.records[advertisement.EndpointID] = append(records, encoded)
	return nil
}

func (d *MemoryDirectory) Withdraw(_ context.Context, endpointID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, endpointID)
	return nil
}

func (d *MemoryDirectory) Browse(_ context.Context, serviceID string) ([]Advertisement, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var found []Advertisement
	for _, records := range d.records {
		for _, record := range records {
			var advertisement Advertisement
			if err := codec.Unmarshal(record, &advertisement); err != nil {
				return nil, fmt.Errorf("decoding advertisement: %w", err)
			}
			if advertisement.ServiceID == serviceID {
				found = append(found, advertisement)
			}
		}
	}
	sortAdvertisements(found)
	return found, nil
}

// StaticDirectory serves a fixed list of peers. Publishing and
// withdrawing are accepted and ignored: peers learn about this endpoint
// from their own configuration.
type StaticDirectory struct {
	advertisements []Advertisement
}

var _ Directory = (*StaticDirectory)(nil)

// NewStaticDirectory builds a directory from configured peers.
func NewStaticDirectory(peers []config.Peer) (*StaticDirectory, error) {
	advertisements := make([]Advertisement, 0, len(peers))
	for i, peer := range peers {
		kind, err := api.ParseMedium(peer.Medium)
		if err != nil {
			return nil, fmt.Errorf("discovery.peers[%d]: %w", i, err)
		}
		advertisements = append(advertisements, Advertisement{
			ServiceID:    peer.ServiceID,
			EndpointID:   peer.EndpointID,
			EndpointInfo: []byte(peer.EndpointInfo),
			Medium:       kind,
			Address:      peer.Address,
		})
	}
	sortAdvertisements(advertisements)
	return &StaticDirectory{advertisements: advertisements}, nil
}

func (d *StaticDirectory) Publish(context.Context, Advertisement) error { return nil }

func (d *StaticDirectory) Withdraw(context.Context, string) error { return nil }

func (d *StaticDirectory) Browse(_ context.Context, serviceID string) ([]Advertisement, error) {
	var found []Advertisement
	for _, advertisement := range d.advertisements {
		if advertisement.ServiceID == serviceID {
			found = append(found, advertisement)
		}
	}
	return found, nil
}

// Combine returns a Directory that publishes to and browses all of
// directories. Browse results are concatenated.
func Combine(directories ...Directory) Directory {
	if len(directories) == 1 {
		return directories[0]
	}
	return combined(directories)
}

type combined []Directory

func (c combined) Publish(ctx context.Context, advertisement Advertisement) error {
	for _, d := range c {
		if err := d.Publish(ctx, advertisement); err != nil {
			return err
		}
	}
	return nil
}

func (c combined) Withdraw(ctx context.Context, endpointID string) error {
	for _, d := range c {
		if err := d.Withdraw(ctx, endpointID); err != nil {
			return err
		}
	}
	return nil
}

func (c combined) Browse(ctx context.Context, serviceID string) ([]Advertisement, error) {
	var all []Advertisement
	for _, d := range c {
		found, err := d.Browse(ctx, serviceID)
		if err != nil {
			return nil, err
		}
		all = append(all, found...)
	}
	sortAdvertisements(all)
	return all, nil
}

func sortAdvertisements(advertisements []Advertisement) {
	slices.SortFunc(advertisements, func(a, b Advertisement) int {
		return cmp.Or(strings.Compare(a.EndpointID, b.EndpointID), cmp.Compare(a.Medium, b.Medium))
	})
}
