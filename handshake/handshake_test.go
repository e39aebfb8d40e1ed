// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bureau-foundation/tether/channel"
	"github.com/bureau-foundation/tether/lib/codec"
	"github.com/bureau-foundation/tether/lib/testutil"
)

type outcome struct {
	result *Result
	err    error
}

func pipeChannels(t *testing.T) (*channel.Channel, *channel.Channel) {
	t.Helper()
	left, right := net.Pipe()
	a := channel.New(left, channel.Options{Name: "client"})
	b := channel.New(right, channel.Options{Name: "server"})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func runBoth(t *testing.T, client, server Transport) (outcome, outcome) {
	t.Helper()
	clientDone := make(chan outcome, 1)
	serverDone := make(chan outcome, 1)
	go func() {
		result, err := Run(context.Background(), client, Client)
		clientDone <- outcome{result, err}
	}()
	go func() {
		result, err := Run(context.Background(), server, Server)
		serverDone <- outcome{result, err}
	}()
	return testutil.RequireReceive(t, clientDone, 10*time.Second, "client handshake"),
		testutil.RequireReceive(t, serverDone, 10*time.Second, "server handshake")
}

func TestHandshakeAgreesOnKeys(t *testing.T) {
	a, b := pipeChannels(t)
	client, server := runBoth(t, a, b)
	if client.err != nil || server.err != nil {
		t.Fatalf("handshake failed: client %v, server %v", client.err, server.err)
	}

	if !bytes.Equal(client.result.AuthToken, server.result.AuthToken) {
		t.Error("auth tokens differ")
	}
	if client.result.AuthDigits != server.result.AuthDigits || len(client.result.AuthDigits) != 5 {
		t.Errorf("auth digits %q and %q", client.result.AuthDigits, server.result.AuthDigits)
	}

	sealed, err := client.result.Context.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	opened, err := server.result.Context.Decrypt(sealed)
	if err != nil || string(opened) != "ping" {
		t.Fatalf("server Decrypt = %q, %v", opened, err)
	}
	if _, err := client.result.Context.Decrypt(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("client decrypted its own frame: %v", err)
	}
}

func TestEncryptedChannelsAfterHandshake(t *testing.T) {
	a, b := pipeChannels(t)
	client, server := runBoth(t, a, b)
	if client.err != nil || server.err != nil {
		t.Fatalf("handshake failed: client %v, server %v", client.err, server.err)
	}
	a.EnableEncryption(client.result.Context)
	b.EnableEncryption(server.result.Context)

	written := make(chan error, 1)
	go func() { written <- a.Write([]byte("over the wire")) }()
	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	testutil.RequireReceive(t, written, 5*time.Second, "write")
	if string(got) != "over the wire" {
		t.Errorf("Read = %q", got)
	}
}

// tamperingTransport rewrites the first message it reads, as a relay
// in the middle would.
type tamperingTransport struct {
	Transport
	tampered bool
}

func (tt *tamperingTransport) Read() ([]byte, error) {
	data, err := tt.Transport.Read()
	if err != nil || tt.tampered {
		return data, err
	}
	tt.tampered = true
	var message initMessage
	if err := codec.Unmarshal(data, &message); err != nil {
		return nil, err
	}
	message.Nonce[0] ^= 0xff
	return codec.Marshal(message)
}

func TestHandshakeDetectsTamperedTranscript(t *testing.T) {
	a, b := pipeChannels(t)
	client, server := runBoth(t, a, &tamperingTransport{Transport: b})
	if !errors.Is(server.err, ErrAuthentication) {
		t.Errorf("server error = %v, want ErrAuthentication", server.err)
	}
	if !errors.Is(client.err, ErrAuthentication) {
		t.Errorf("client error = %v, want ErrAuthentication", client.err)
	}
}

func TestHandshakeRejectsSameRole(t *testing.T) {
	a, b := pipeChannels(t)
	done := make(chan error, 2)
	go func() {
		_, err := Run(context.Background(), a, Client)
		done <- err
	}()
	go func() {
		_, err := Run(context.Background(), b, Client)
		done <- err
	}()
	for i := 0; i < 2; i++ {
		if err := testutil.RequireReceive(t, done, 10*time.Second, "handshake result"); err == nil {
			t.Error("two clients completed a handshake")
		}
		a.Close()
		b.Close()
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	a, _ := pipeChannels(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, a, Client); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestDigits(t *testing.T) {
	if got := Digits([]byte{0, 0, 0, 42, 9}); got != "00042" {
		t.Errorf("Digits = %q, want 00042", got)
	}
	if got := Digits(nil); got != "00000" {
		t.Errorf("Digits(nil) = %q, want 00000", got)
	}
}
