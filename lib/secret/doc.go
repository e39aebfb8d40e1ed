// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds handshake key material outside the Go heap.
//
// A [Buffer] is an anonymous mmap region, so the garbage collector never
// copies it. The region is locked against swap and excluded from core
// dumps where the kernel allows it, and zeroed on Close. Shared secrets
// live in a Buffer only for as long as it takes to derive the session
// keys from them.
package secret
