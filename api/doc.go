// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the vocabulary shared by applications and the tether
// core: result statuses, mediums, option structs, listener bundles and
// the payload union.
//
// Every Router operation reports exactly once through a [ResultCallback]
// with a [Status]. Longer-lived events (connection lifecycle, discovery,
// payloads) arrive through the listener structs registered when
// advertising, discovering, requesting or accepting. Listener fields
// are optional; a nil field drops the event.
package api
