// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent
// use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*alarm
	armed   *sync.Cond
}

// alarm is one registered After, Sleep or ticker deadline.
type alarm struct {
	at       time.Time
	out      chan time.Time
	every    time.Duration
	canceled bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.armed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a one-shot alarm.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(chan time.Time, 1)
	if d <= 0 {
		out <- c.now
		return out
	}
	c.armLocked(&alarm{at: c.now.Add(d), out: out})
	return out
}

// NewTicker registers a repeating alarm.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a := &alarm{at: c.now.Add(d), out: make(chan time.Time, 1), every: d}
	c.armLocked(a)
	return &Ticker{C: a.out, stop: func() {
		c.mu.Lock()
		a.canceled = true
		c.mu.Unlock()
	}}
}

// Sleep blocks until the clock has been advanced past d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

func (c *FakeClock) armLocked(a *alarm) {
	c.pending = append(c.pending, a)
	c.armed.Broadcast()
}

// Advance moves time forward by d and fires every alarm that falls due,
// earliest first. A ticker spanning several intervals fires once per
// interval; ticks that do not fit its buffer are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	for {
		var due []*alarm
		kept := c.pending[:0]
		for _, a := range c.pending {
			switch {
			case a.canceled:
			case !a.at.After(target):
				due = append(due, a)
			default:
				kept = append(kept, a)
			}
		}
		c.pending = kept
		if len(due) == 0 {
			break
		}
		slices.SortFunc(due, func(x, y *alarm) int { return x.at.Compare(y.at) })
		for _, a := range due {
			select {
			case a.out <- target:
			default:
			}
			if a.every > 0 {
				a.at = a.at.Add(a.every)
				c.pending = append(c.pending, a)
			}
		}
	}
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n alarms are armed.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveLocked() < n {
		c.armed.Wait()
	}
}

// PendingCount reports the number of armed alarms.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked()
}

func (c *FakeClock) liveLocked() int {
	live := 0
	for _, a := range c.pending {
		if !a.canceled {
			live++
		}
	}
	return live
}
