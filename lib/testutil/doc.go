// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the helpers tether tests share.
//
// [RequireReceive], [RequireSend] and [RequireClosed] bound a channel
// operation by a wall-clock timeout so a broken test fails instead of
// hanging. [Eventually] polls a condition for state that is observed
// rather than signalled. [UniqueID] hands out distinct names for
// endpoints, services and payloads.
//
// Every helper fails the test with t.Fatalf.
package testutil
