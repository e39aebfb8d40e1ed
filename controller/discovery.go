// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"slices"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/medium"
	"github.com/bureau-foundation/tether/session"
)

// discovery is one client's active discovery. found is the result of
// the last directory browse; injected holds endpoints introduced out
// of band, which no browse can lose. Both are guarded by
// Controller.mu.
type discovery struct {
	serviceID string
	options   api.DiscoveryOptions
	cancel    context.CancelFunc
	found     map[string][]medium.Advertisement
	injected  map[string]medium.Advertisement
}

// StartDiscovery polls the directory for serviceID and reports the
// differences between successive results to the client.
func (c *Controller) StartDiscovery(client *session.Client, serviceID string, options api.DiscoveryOptions, listener api.DiscoveryListener) api.Status {
	if len(c.mediums.Allowed(options.Mediums)) == 0 {
		c.logger.Warn("no medium allowed for discovery", "service", serviceID, "mediums", options.Mediums)
		return api.Error
	}
	st := c.state(client)
	ctx, cancel := context.WithCancel(c.ctx)
	d := &discovery{
		serviceID: serviceID,
		options:   options,
		cancel:    cancel,
		found:     make(map[string][]medium.Advertisement),
		injected:  make(map[string]medium.Advertisement),
	}
	c.mu.Lock()
	st.discovery = d
	c.mu.Unlock()

	client.StartedDiscovery(serviceID, options, listener)
	handle := st.handle
	if !c.goroutine(func() { c.pollDirectory(ctx, handle, d) }) {
		cancel()
		return api.Error
	}
	c.logger.Info("discovering", "service", serviceID, "endpoint", client.LocalEndpointID())
	return api.Success
}

// StopDiscovery ends the poll loop and forgets what it found.
func (c *Controller) StopDiscovery(client *session.Client) api.Status {
	c.stopDiscovery(c.state(client))
	client.StoppedDiscovery()
	return api.Success
}

func (c *Controller) stopDiscovery(st *clientState) {
	c.mu.Lock()
	d := st.discovery
	st.discovery = nil
	c.mu.Unlock()
	if d != nil {
		d.cancel()
		c.logger.Info("stopped discovery", "service", d.serviceID)
	}
}

// InjectEndpoint reports an endpoint learned out of band as found and
// remembers its address for RequestConnection.
func (c *Controller) InjectEndpoint(client *session.Client, serviceID string, metadata api.OutOfBandMetadata) api.Status {
	if _, ok := c.mediums.Get(metadata.Medium); !ok {
		c.logger.Warn("injected endpoint on a disabled medium", "endpoint", metadata.EndpointID, "medium", metadata.Medium)
		return api.Error
	}
	st := c.state(client)
	c.mu.Lock()
	d := st.discovery
	if d == nil {
		c.mu.Unlock()
		return api.OutOfOrderApiCall
	}
	if d.serviceID != serviceID {
		c.mu.Unlock()
		c.logger.Warn("injected endpoint for another service", "endpoint", metadata.EndpointID, "service", serviceID)
		return api.Error
	}
	d.injected[metadata.EndpointID] = medium.Advertisement{
		ServiceID:    serviceID,
		EndpointID:   metadata.EndpointID,
		EndpointInfo: metadata.EndpointInfo,
		Medium:       metadata.Medium,
		Address:      metadata.RemoteAddress,
	}
	c.mu.Unlock()

	client.OnEndpointFound(serviceID, metadata.EndpointID, metadata.EndpointInfo, metadata.Medium)
	return api.Success
}

func (c *Controller) pollDirectory(ctx context.Context, handle session.Handle, d *discovery) {
	ticker := c.clock.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		c.browse(ctx, handle, d)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// browse reads the directory once and reports found, lost and moved
// endpoints.
func (c *Controller) browse(ctx context.Context, handle session.Handle, d *discovery) {
	records, err := c.directory.Browse(ctx, d.serviceID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("browsing directory failed", "service", d.serviceID, "error", err)
		}
		return
	}
	client, ok := handle.Borrow()
	if !ok {
		return
	}
	localID := client.LocalEndpointID()

	current := make(map[string][]medium.Advertisement)
	for _, record := range records {
		if record.EndpointID == localID || !d.options.Mediums.Allows(record.Medium) {
			continue
		}
		if _, enabled := c.mediums.Get(record.Medium); !enabled {
			continue
		}
		current[record.EndpointID] = append(current[record.EndpointID], record)
	}

	var found, lost, moved []string
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	previous := d.found
	d.found = current
	for id, now := range current {
		before, seen := previous[id]
		switch {
		case !seen:
			found = append(found, id)
		case before[0].Distance != now[0].Distance:
			moved = append(moved, id)
		}
	}
	for id := range previous {
		if _, still := current[id]; !still {
			if _, pinned := d.injected[id]; !pinned {
				lost = append(lost, id)
			}
		}
	}
	c.mu.Unlock()

	slices.Sort(found)
	slices.Sort(lost)
	slices.Sort(moved)
	for _, id := range found {
		first := current[id][0]
		client.OnEndpointFound(d.serviceID, id, first.EndpointInfo, first.Medium)
	}
	for _, id := range moved {
		client.OnEndpointDistanceChanged(d.serviceID, id, current[id][0].Distance)
	}
	for _, id := range lost {
		client.OnEndpointLost(d.serviceID, id)
	}
}

// advertisementsFor returns what discovery knows about endpointID:
// injected records first, then browsed ones in medium preference order.
func (c *Controller) advertisementsFor(client *session.Client, endpointID string) []medium.Advertisement {
	st := c.state(client)
	c.mu.Lock()
	defer c.mu.Unlock()
	d := st.discovery
	if d == nil {
		return nil
	}
	var records []medium.Advertisement
	if injected, ok := d.injected[endpointID]; ok {
		records = append(records, injected)
	}
	browsed := slices.Clone(d.found[endpointID])
	preference := c.mediums.Kinds()
	slices.SortStableFunc(browsed, func(a, b medium.Advertisement) int {
		return slices.Index(preference, a.Medium) - slices.Index(preference, b.Medium)
	})
	return append(records, browsed...)
}
