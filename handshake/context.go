// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/tether/channel"
)

// ErrDecrypt is returned for a frame that fails authentication.
var ErrDecrypt = errors.New("frame failed authentication")

var _ channel.EncryptionContext = (*Context)(nil)

// Context seals frames with XChaCha20-Poly1305 under one key per
// direction. Nonces are random, so the two channels of an endpoint
// that briefly coexist during an upgrade may share a Context in any
// interleaving.
type Context struct {
	send cipher.AEAD
	recv cipher.AEAD
}

func newContext(sendKey, recvKey []byte) (*Context, error) {
	send, err := chacha20poly1305.NewX(sendKey)
	if err != nil {
		return nil, fmt.Errorf("creating send cipher: %w", err)
	}
	recv, err := chacha20poly1305.NewX(recvKey)
	if err != nil {
		return nil, fmt.Errorf("creating receive cipher: %w", err)
	}
	return &Context{send: send, recv: recv}, nil
}

// Encrypt returns nonce || ciphertext.
func (c *Context) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.send.Seal(out, out, plaintext, nil), nil
}

// Decrypt opens a frame produced by the peer's Encrypt.
func (c *Context) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes is shorter than nonce and tag", ErrDecrypt, len(ciphertext))
	}
	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.recv.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
