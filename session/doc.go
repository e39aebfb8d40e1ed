// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session holds the per-application state of the connections
// core: advertising and discovery state, the table of connections and
// their establishment status, and per-endpoint cancellation flags.
//
// A [Client] is shared by the router (which mutates it on its serial
// worker) and the controller (which reports events into it from
// medium and read-loop goroutines). Work that outlives a single call
// holds a [Handle] and borrows the client step by step.
package session
