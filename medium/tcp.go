// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package medium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/bureau-foundation/tether/api"
)

// TCPConfig configures the TCP medium.
type TCPConfig struct {
	// ListenAddress is the local address listeners bind, e.g.
	// "0.0.0.0:0" for any interface and a random port.
	ListenAddress string

	// DialAttempts bounds connection attempts per Dial. Zero means 1.
	DialAttempts int

	// DialMinDelay and DialMaxDelay bound the exponential backoff
	// between attempts.
	DialMinDelay time.Duration
	DialMaxDelay time.Duration

	Logger *slog.Logger
}

// TCP is direct TCP on the local network.
type TCP struct {
	config TCPConfig
	logger *slog.Logger
}

var _ Medium = (*TCP)(nil)

// NewTCP returns a TCP medium.
func NewTCP(config TCPConfig) *TCP {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.ListenAddress == "" {
		config.ListenAddress = "127.0.0.1:0"
	}
	if config.DialAttempts <= 0 {
		config.DialAttempts = 1
	}
	return &TCP{config: config, logger: logger.With("component", "medium", "medium", api.MediumWifiLan)}
}

func (t *TCP) Kind() api.Medium { return api.MediumWifiLan }

// Listen binds the configured listen address. name is only logged.
func (t *TCP) Listen(_ context.Context, name string) (Listener, error) {
	listener, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", t.config.ListenAddress, err)
	}
	t.logger.Debug("listening", "name", name, "address", listener.Addr())
	return &tcpListener{listener: listener}, nil
}

// Dial connects to a host:port address, retrying with exponential
// backoff up to the configured number of attempts.
func (t *TCP) Dial(ctx context.Context, address string) (net.Conn, int, error) {
	b := &backoff.Backoff{
		Min:    t.config.DialMinDelay,
		Max:    t.config.DialMaxDelay,
		Factor: 2,
		Jitter: true,
	}
	dialer := &net.Dialer{}
	var lastErr error
	for attempt := 1; attempt <= t.config.DialAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err == nil {
			return conn, attempt, nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == t.config.DialAttempts {
			return nil, attempt, fmt.Errorf("dialing %s: %w", address, err)
		}
		delay := b.Duration()
		t.logger.Debug("dial failed, retrying", "address", address, "attempt", attempt, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, attempt, fmt.Errorf("dialing %s: %w", address, ctx.Err())
		}
	}
	return nil, t.config.DialAttempts, fmt.Errorf("dialing %s: %w", address, lastErr)
}

type tcpListener struct {
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

func (l *tcpListener) Address() string { return l.listener.Addr().String() }

func (l *tcpListener) Serve(ctx context.Context, handler func(net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handler(conn)
	}
}

func (l *tcpListener) Close() error {
	l.closeOnce.Do(func() { l.closeErr = l.listener.Close() })
	return l.closeErr
}
