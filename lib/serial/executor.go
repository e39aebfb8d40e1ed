// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package serial runs submitted tasks one at a time, in submission
// order, on a single private goroutine.
package serial

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrShutdown is returned by Execute after Shutdown.
var ErrShutdown = errors.New("serial: executor shut down")

type task struct {
	name string
	fn   func()
}

// Executor is a FIFO queue drained by one worker goroutine. Execute
// never blocks the caller; the queue is unbounded.
type Executor struct {
	logger *slog.Logger

	mu       sync.Mutex
	ready    *sync.Cond
	queue    []task
	shutdown bool

	done chan struct{}
}

// New starts an Executor. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		logger: logger,
		done:   make(chan struct{}),
	}
	e.ready = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Execute queues fn behind every previously queued task.
func (e *Executor) Execute(name string, fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrShutdown
	}
	e.queue = append(e.queue, task{name: name, fn: fn})
	e.ready.Signal()
	return nil
}

// Shutdown stops accepting tasks. Tasks already queued still run; Done
// is closed after the last one returns.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	e.shutdown = true
	e.ready.Signal()
	e.mu.Unlock()
}

// Done is closed once the worker has exited after Shutdown.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Wait blocks until Done or ctx expires.
func (e *Executor) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of queued tasks not yet started.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.shutdown {
			e.ready.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = task{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.logger.Debug("running task", "task", next.name)
		next.fn()
	}
}
