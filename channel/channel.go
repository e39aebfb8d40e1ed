// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel turns a raw duplex stream into a framed, optionally
// encrypted, pausable channel, and keeps the registry of the channel
// currently serving each endpoint.
//
// Frames are a 4-byte big-endian length followed by the body. Reads and
// writes each hold their own lock, so one slow direction never stalls
// the other; the encryption context sits behind a third lock.
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/tether/api"
	"github.com/bureau-foundation/tether/frame"
	"github.com/bureau-foundation/tether/lib/clock"
)

// DefaultMaxFrameSize bounds a frame body when Options leaves it unset.
const DefaultMaxFrameSize = 1 << 20

// EncryptionContext seals outgoing frames and opens incoming ones. The
// same context may serve two channels of one endpoint during an
// upgrade, so implementations must be safe for concurrent use.
type EncryptionContext interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// CloseReason records why a channel was closed.
type CloseReason int

const (
	ReasonUnknown CloseReason = iota
	ReasonLocalDisconnection
	ReasonRemoteDisconnection
	ReasonIOError
	ReasonUpgraded
	ReasonReplaced
	ReasonRejected
	ReasonKeepAliveTimeout
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonLocalDisconnection:
		return "local_disconnection"
	case ReasonRemoteDisconnection:
		return "remote_disconnection"
	case ReasonIOError:
		return "io_error"
	case ReasonUpgraded:
		return "upgraded"
	case ReasonReplaced:
		return "replaced"
	case ReasonRejected:
		return "rejected"
	case ReasonKeepAliveTimeout:
		return "keep_alive_timeout"
	case ReasonShutdown:
		return "shutdown"
	}
	return "unknown"
}

// Options describe a channel. Everything is fixed at construction.
type Options struct {
	Name      string
	ServiceID string
	Medium    api.Medium

	// Technology, Band, FrequencyMHz and TryCount describe how the
	// socket was obtained, for diagnostics.
	Technology   string
	Band         string
	FrequencyMHz int
	TryCount     int

	// MaxFrameSize defaults to DefaultMaxFrameSize.
	MaxFrameSize int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Channel is one endpoint's framed stream. All methods are safe for
// concurrent use.
type Channel struct {
	options Options
	conn    io.ReadWriteCloser
	clock   clock.Clock
	logger  *slog.Logger

	readMu  sync.Mutex
	writeMu sync.Mutex

	cryptoMu sync.Mutex
	crypto   EncryptionContext

	stateMu sync.Mutex
	resumed *sync.Cond
	paused  bool
	closed  bool
	reason  CloseReason

	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

// New wraps conn. The channel owns conn from here on.
func New(conn io.ReadWriteCloser, options Options) *Channel {
	if options.MaxFrameSize <= 0 {
		options.MaxFrameSize = DefaultMaxFrameSize
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		options: options,
		conn:    conn,
		clock:   options.Clock,
		logger:  logger.With("channel", options.Name, "medium", options.Medium),
	}
	c.resumed = sync.NewCond(&c.stateMu)
	return c
}

func (c *Channel) Name() string { return c.options.Name }
func (c *Channel) ServiceID() string { return c.options.ServiceID }
func (c *Channel) Medium() api.Medium { return c.options.Medium }
func (c *Channel) Technology() string { return c.options.Technology }
func (c *Channel) Band() string { return c.options.Band }
func (c *Channel) FrequencyMHz() int { return c.options.FrequencyMHz }
func (c *Channel) TryCount() int { return c.options.TryCount }
func (c *Channel) MaxFrameSize() int { return c.options.MaxFrameSize }
func (c *Channel) String() string { return fmt.Sprintf("%s/%s", c.options.Medium, c.options.Name) }

// Read returns the next frame body, decrypted when encryption is on.
// With encryption on, only a plaintext keep-alive frame may bypass
// decryption; any other undecryptable frame is KindInvalidProtocol.
func (c *Channel) Read() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.IsClosed() {
		return nil, &Error{Kind: KindIO, Op: "read", Err: ErrClosed}
	}

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, c.transportError("read", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > uint32(c.options.MaxFrameSize) {
		return nil, &Error{Kind: KindIO, Op: "read",
			Err: fmt.Errorf("frame of %d bytes exceeds limit of %d", size, c.options.MaxFrameSize)}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, c.transportError("read", err)
	}

	c.cryptoMu.Lock()
	if c.crypto != nil {
		plaintext, err := c.crypto.Decrypt(body)
		if err != nil {
			c.cryptoMu.Unlock()
			if !frame.IsKeepAlive(body) {
				return nil, &Error{Kind: KindInvalidProtocol, Op: "read",
					Err: fmt.Errorf("undecryptable frame on encrypted channel: %w", err)}
			}
			c.lastRead.Store(c.clock.Now().UnixNano())
			return body, nil
		}
		body = plaintext
	}
	c.cryptoMu.Unlock()

	c.lastRead.Store(c.clock.Now().UnixNano())
	return body, nil
}

// Write frames data, encrypting it when encryption is on. It blocks
// while the channel is paused.
func (c *Channel) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.waitWritable(); err != nil {
		return err
	}

	c.cryptoMu.Lock()
	if c.crypto != nil {
		sealed, err := c.crypto.Encrypt(data)
		if err != nil {
			c.cryptoMu.Unlock()
			return &Error{Kind: KindExecution, Op: "write", Err: err}
		}
		data = sealed
	}
	c.cryptoMu.Unlock()

	if len(data) > c.options.MaxFrameSize {
		return &Error{Kind: KindIO, Op: "write",
			Err: fmt.Errorf("frame of %d bytes exceeds limit of %d", len(data), c.options.MaxFrameSize)}
	}
	buffer := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buffer, uint32(len(data)))
	copy(buffer[4:], data)
	if _, err := c.conn.Write(buffer); err != nil {
		return c.transportError("write", err)
	}

	c.lastWrite.Store(c.clock.Now().UnixNano())
	return nil
}

func (c *Channel) transportError(op string, err error) error {
	if c.IsClosed() {
		return &Error{Kind: KindIO, Op: op, Err: fmt.Errorf("%w: %v", ErrClosed, err)}
	}
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// EnableEncryption installs ctx for every later Read and Write.
func (c *Channel) EnableEncryption(ctx EncryptionContext) {
	c.cryptoMu.Lock()
	c.crypto = ctx
	c.cryptoMu.Unlock()
}

// DisableEncryption reverts the channel to plaintext.
func (c *Channel) DisableEncryption() {
	c.cryptoMu.Lock()
	c.crypto = nil
	c.cryptoMu.Unlock()
}

// IsEncrypted reports whether an encryption context is installed.
func (c *Channel) IsEncrypted() bool {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.crypto != nil
}

// EncryptionContext returns the installed context, or nil.
func (c *Channel) EncryptionContext() EncryptionContext {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	return c.crypto
}

// TryDecrypt opens data with the installed context without touching the
// stream. It fails with KindFailed when no context is installed and
// KindExecution when the context rejects data.
func (c *Channel) TryDecrypt(data []byte) ([]byte, error) {
	c.cryptoMu.Lock()
	defer c.cryptoMu.Unlock()
	if c.crypto == nil {
		return nil, &Error{Kind: KindFailed, Op: "decrypt", Err: fmt.Errorf("no encryption context")}
	}
	plaintext, err := c.crypto.Decrypt(data)
	if err != nil {
		return nil, &Error{Kind: KindExecution, Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

// Pause blocks later writes until Resume or Close. Reads continue.
func (c *Channel) Pause() {
	c.stateMu.Lock()
	c.paused = true
	c.stateMu.Unlock()
}

// Resume releases writers blocked by Pause.
func (c *Channel) Resume() {
	c.stateMu.Lock()
	c.paused = false
	c.resumed.Broadcast()
	c.stateMu.Unlock()
}

// IsPaused reports whether writes are held.
func (c *Channel) IsPaused() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.paused
}

func (c *Channel) waitWritable() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	for c.paused && !c.closed {
		c.resumed.Wait()
	}
	if c.closed {
		return &Error{Kind: KindIO, Op: "write", Err: ErrClosed}
	}
	return nil
}

// Close closes the channel with ReasonUnknown.
func (c *Channel) Close() error {
	return c.CloseWithReason(ReasonUnknown)
}

// CloseWithReason closes the underlying stream and wakes paused
// writers. Only the first call has any effect.
func (c *Channel) CloseWithReason(reason CloseReason) error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.reason = reason
	c.resumed.Broadcast()
	c.stateMu.Unlock()

	c.logger.Debug("closing channel", "reason", reason)
	if err := c.conn.Close(); err != nil {
		return &Error{Kind: KindIO, Op: "close", Err: err}
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (c *Channel) IsClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

// CloseReason returns the reason given to the first Close.
func (c *Channel) CloseReason() CloseReason {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.reason
}

// LastReadTimestamp is when the last frame arrived, or zero.
func (c *Channel) LastReadTimestamp() time.Time { return fromNanos(c.lastRead.Load()) }

// LastWriteTimestamp is when the last frame was sent, or zero.
func (c *Channel) LastWriteTimestamp() time.Time { return fromNanos(c.lastWrite.Load()) }

func fromNanos(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}
