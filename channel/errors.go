// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import "errors"

// Kind classifies a channel failure so callers can tell a broken
// transport from a misbehaving peer.
type Kind uint8

const (
	// KindIO is a transport failure, a closed channel, or an oversized
	// frame.
	KindIO Kind = iota + 1
	// KindInvalidProtocol is a frame that violates the channel's
	// encryption contract.
	KindInvalidProtocol
	// KindFailed means the operation had nothing to work with, such as
	// TryDecrypt with no encryption context.
	KindFailed
	// KindExecution is a failure inside the encryption context.
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindInvalidProtocol:
		return "invalid protocol"
	case KindFailed:
		return "failed"
	case KindExecution:
		return "execution"
	}
	return "unknown"
}

// ErrClosed is wrapped by the KindIO error returned after Close.
var ErrClosed = errors.New("channel closed")

// Error is returned by every fallible Channel method.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "channel " + e.Op + ": " + e.Kind.String()
	}
	return "channel " + e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is, or wraps, a channel Error of kind.
func IsKind(err error, kind Kind) bool {
	var channelErr *Error
	return errors.As(err, &channelErr) && channelErr.Kind == kind
}
