// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"testing"
	"time"
)

type recorder struct {
	failure string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failure = fmt.Sprintf(format, args...)
	panic(r)
}

func capture(fn func(t TB)) (failure string) {
	r := &recorder{}
	defer func() {
		if recovered := recover(); recovered != nil && recovered != r {
			panic(recovered)
		}
		failure = r.failure
	}()
	fn(r)
	return ""
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}

	failure := capture(func(tb TB) {
		RequireReceive(tb, make(chan int), 10*time.Millisecond, "waiting for %s", "nothing")
	})
	if failure == "" {
		t.Fatal("RequireReceive on an idle channel did not fail")
	}
}

func TestEventually(t *testing.T) {
	calls := 0
	Eventually(t, time.Second, func() bool {
		calls++
		return calls >= 3
	})
	if calls != 3 {
		t.Errorf("condition evaluated %d times, want 3", calls)
	}

	if capture(func(tb TB) { Eventually(tb, 20*time.Millisecond, func() bool { return false }) }) == "" {
		t.Fatal("Eventually with a false condition did not fail")
	}
}

func TestUniqueID(t *testing.T) {
	first, second := UniqueID("endpoint"), UniqueID("endpoint")
	if first == second {
		t.Errorf("UniqueID returned %q twice", first)
	}
}
