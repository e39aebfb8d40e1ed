// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when a closed Buffer is used.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer is a fixed-size region of protected memory. It must not be
// copied.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	locked bool
}

// New maps a zeroed region of size bytes. Locking into RAM and
// MADV_DONTDUMP are attempted; Locked reports whether the lock held.
// RLIMIT_MEMLOCK is commonly small in containers, so failure to lock
// is not an error.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: size must be positive, got %d", size)
	}
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	buffer := &Buffer{region: region}
	if unix.Mlock(region) == nil {
		buffer.locked = true
	}
	_ = unix.Madvise(region, unix.MADV_DONTDUMP)
	return buffer, nil
}

// Seal copies source into a new Buffer and zeroes source.
func Seal(source []byte) (*Buffer, error) {
	buffer, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buffer.region, source)
	Zero(source)
	return buffer, nil
}

// Locked reports whether the region is pinned in RAM.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Use calls fn with the protected bytes. fn must not retain the slice.
func (b *Buffer) Use(fn func(key []byte) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.region == nil {
		return ErrClosed
	}
	return fn(b.region)
}

// Close zeroes and unmaps the region. It is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.region == nil {
		return nil
	}
	Zero(b.region)
	if b.locked {
		_ = unix.Munlock(b.region)
	}
	err := unix.Munmap(b.region)
	b.region = nil
	if err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	return nil
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	clear(data)
}
