// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handshake agrees on the encryption context for a new
// connection.
//
// Both sides send an init message carrying an ephemeral X25519 public
// key and a random nonce, derive per-direction keys with HKDF-SHA256
// salted by a BLAKE3 hash of the two init messages, then exchange
// keyed-BLAKE3 confirmations of that hash. A peer that saw a different
// transcript fails confirmation. The derived authentication token is
// what users compare out of band.
package handshake

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/tether/lib/codec"
	"github.com/bureau-foundation/tether/lib/secret"
	"github.com/bureau-foundation/tether/lib/version"
)

// ErrAuthentication is returned when the peer's confirmation does not
// match the local transcript.
var ErrAuthentication = errors.New("handshake confirmation mismatch")

// Role orders the transcript. The side that dialed is the client.
type Role uint8

const (
	Client Role = iota + 1
	Server
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Transport is the framed stream the handshake runs over, normally an
// unencrypted *channel.Channel.
type Transport interface {
	Read() ([]byte, error)
	Write([]byte) error
}

// Result is what a successful handshake yields.
type Result struct {
	Context *Context
	// AuthToken is 32 bytes both peers derived identically.
	AuthToken []byte
	// AuthDigits is a five-digit rendering of AuthToken.
	AuthDigits string
}

type initMessage struct {
	Protocol  int    `cbor:"1,keyasint"`
	Role      Role   `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
	Nonce     []byte `cbor:"4,keyasint"`
}

type finishMessage struct {
	Confirmation []byte `cbor:"1,keyasint"`
}

const (
	keySize   = 32
	nonceSize = 16
)

// Run performs the handshake as role. Cancelling ctx abandons the
// exchange; the caller must then close the transport to release the
// goroutine still blocked on it.
func Run(ctx context.Context, transport Transport, role Role) (*Result, error) {
	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := run(transport, role)
		done <- outcome{result, err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("handshake abandoned: %w", ctx.Err())
	}
}

func run(transport Transport, role Role) (*Result, error) {
	private, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	localInit, err := codec.Marshal(initMessage{
		Protocol:  version.Protocol,
		Role:      role,
		PublicKey: private.PublicKey().Bytes(),
		Nonce:     nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding init: %w", err)
	}

	// Writes go through a background goroutine: on a synchronous
	// transport both sides writing first would otherwise deadlock.
	outbox := make(chan []byte, 1)
	writeErrors := make(chan error, 1)
	go func() {
		for message := range outbox {
			if err := transport.Write(message); err != nil {
				writeErrors <- err
				return
			}
		}
		writeErrors <- nil
	}()
	outbox <- localInit

	remoteInit, err := transport.Read()
	if err != nil {
		close(outbox)
		return nil, fmt.Errorf("reading peer init: %w", err)
	}
	var peer initMessage
	if err := codec.Unmarshal(remoteInit, &peer); err != nil {
		close(outbox)
		return nil, fmt.Errorf("decoding peer init: %w", err)
	}
	if peer.Protocol != version.Protocol {
		close(outbox)
		return nil, fmt.Errorf("peer speaks protocol %d, want %d", peer.Protocol, version.Protocol)
	}
	if peer.Role == role || (peer.Role != Client && peer.Role != Server) {
		close(outbox)
		return nil, fmt.Errorf("peer claims role %d opposite %s", peer.Role, role)
	}
	peerKey, err := ecdh.X25519().NewPublicKey(peer.PublicKey)
	if err != nil {
		close(outbox)
		return nil, fmt.Errorf("peer public key: %w", err)
	}

	clientInit, serverInit := localInit, remoteInit
	if role == Server {
		clientInit, serverInit = remoteInit, localInit
	}
	transcript := blake3.Sum256(append(append([]byte{}, clientInit...), serverInit...))

	keys, err := deriveKeys(private, peerKey, transcript[:])
	if err != nil {
		close(outbox)
		return nil, err
	}

	localConfirm, peerConfirm := keys.clientConfirm, keys.serverConfirm
	if role == Server {
		localConfirm, peerConfirm = keys.serverConfirm, keys.clientConfirm
	}
	finish, err := codec.Marshal(finishMessage{Confirmation: confirm(localConfirm, transcript[:])})
	if err != nil {
		close(outbox)
		return nil, fmt.Errorf("encoding finish: %w", err)
	}
	outbox <- finish
	close(outbox)

	remoteFinish, err := transport.Read()
	if err != nil {
		return nil, fmt.Errorf("reading peer finish: %w", err)
	}
	if err := <-writeErrors; err != nil {
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	var peerFinish finishMessage
	if err := codec.Unmarshal(remoteFinish, &peerFinish); err != nil {
		return nil, fmt.Errorf("decoding peer finish: %w", err)
	}
	if subtle.ConstantTimeCompare(peerFinish.Confirmation, confirm(peerConfirm, transcript[:])) != 1 {
		return nil, ErrAuthentication
	}

	sendKey, recvKey := keys.clientToServer, keys.serverToClient
	if role == Server {
		sendKey, recvKey = keys.serverToClient, keys.clientToServer
	}
	encryption, err := newContext(sendKey, recvKey)
	if err != nil {
		return nil, err
	}
	return &Result{
		Context:    encryption,
		AuthToken:  keys.authToken,
		AuthDigits: Digits(keys.authToken),
	}, nil
}

type sessionKeys struct {
	clientToServer []byte
	serverToClient []byte
	clientConfirm  []byte
	serverConfirm  []byte
	authToken      []byte
}

// deriveKeys runs ECDH and expands the shared secret. The shared
// secret only exists inside a secret.Buffer.
func deriveKeys(private *ecdh.PrivateKey, peer *ecdh.PublicKey, salt []byte) (*sessionKeys, error) {
	shared, err := private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	buffer, err := secret.Seal(shared)
	if err != nil {
		return nil, fmt.Errorf("protecting shared secret: %w", err)
	}
	defer buffer.Close()

	keys := &sessionKeys{}
	err = buffer.Use(func(ikm []byte) error {
		for _, target := range []struct {
			label string
			out   *[]byte
		}{
			{"tether client to server", &keys.clientToServer},
			{"tether server to client", &keys.serverToClient},
			{"tether client confirm", &keys.clientConfirm},
			{"tether server confirm", &keys.serverConfirm},
			{"tether auth token", &keys.authToken},
		} {
			*target.out = make([]byte, keySize)
			if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(target.label)), *target.out); err != nil {
				return fmt.Errorf("deriving %s: %w", target.label, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func confirm(key, transcript []byte) []byte {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("handshake: blake3 key must be 32 bytes: " + err.Error())
	}
	hasher.Write(transcript)
	return hasher.Sum(nil)
}

// Digits renders token as five decimal digits.
func Digits(token []byte) string {
	if len(token) < 4 {
		return "00000"
	}
	return fmt.Sprintf("%05d", binary.BigEndian.Uint32(token)%100000)
}
