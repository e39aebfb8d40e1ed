// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for channels, keep-alive loops and
// discovery polling.
//
// Components hold a Clock instead of calling the time package. Real
// wraps the standard library; Fake stands still until a test calls
// Advance, and WaitForTimers lets the test block until the goroutine
// under test has armed its ticker or timeout:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go loop(c)
//	c.WaitForTimers(1)
//	c.Advance(5 * time.Second)
package clock
