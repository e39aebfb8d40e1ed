// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/tether/api"
)

// MemoryNetwork is an in-process address space. Listeners register an
// address; dialing it hands the listener one end of a net.Pipe.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*memoryListener
	counter   atomic.Uint64
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*memoryListener)}
}

// Memory is a Medium over a MemoryNetwork.
type Memory struct {
	network *MemoryNetwork
}

var _ Medium = (*Memory)(nil)

// NewMemory returns a medium on network. Mediums on the same network
// can reach each other.
func NewMemory(network *MemoryNetwork) *Memory {
	return &Memory{network: network}
}

func (m *Memory) Kind() api.Medium { return api.MediumMemory }

// Listen registers a fresh address derived from name.
func (m *Memory) Listen(_ context.Context, name string) (Listener, error) {
	address := fmt.Sprintf("memory:%s#%d", name, m.network.counter.Add(1))
	listener := &memoryListener{
		network: m.network,
		address: address,
		inbound: make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	m.network.mu.Lock()
	m.network.listeners[address] = listener
	m.network.mu.Unlock()
	return listener, nil
}

// Dial connects to a registered address. It fails at once with
// ErrListenerClosed if nothing listens there.
func (m *Memory) Dial(ctx context.Context, address string) (net.Conn, int, error) {
	m.network.mu.Lock()
	listener := m.network.listeners[address]
	m.network.mu.Unlock()
	if listener == nil {
		return nil, 1, fmt.Errorf("dialing %s: %w", address, ErrListenerClosed)
	}

	local, remote := net.Pipe()
	select {
	case listener.inbound <- remote:
		return local, 1, nil
	case <-listener.closed:
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, 1, ctx.Err()
	}
	local.Close()
	remote.Close()
	return nil, 1, fmt.Errorf("dialing %s: %w", address, ErrListenerClosed)
}

type memoryListener struct {
	network   *MemoryNetwork
	address   string
	inbound   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memoryListener) Address() string { return l.address }

func (l *memoryListener) Serve(ctx context.Context, handler func(net.Conn)) error {
	for {
		select {
		case conn := <-l.inbound:
			go handler(conn)
		case <-l.closed:
			return nil
		case <-ctx.Done():
			l.Close()
			return nil
		}
	}
}

func (l *memoryListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		delete(l.network.listeners, l.address)
		l.network.mu.Unlock()
	})
	return nil
}
