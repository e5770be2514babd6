// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

// Package pool provides fixed-capacity ring buffers
// for recycling frequently allocated values.
package pool

// A Ring is a fixed-capacity FIFO buffer.
// The zero value is an empty ring with capacity zero.
// A Ring is not safe for concurrent use.
type Ring[T any] struct {
	buf   []T
	head  int
	count int
}

// NewRing returns an empty ring that holds up to capacity values.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 0 {
		panic("pool: negative ring capacity")
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Get removes and returns the oldest value in the ring.
// ok is false if the ring is empty.
func (r *Ring[T]) Get() (v T, ok bool) {
	if r.count == 0 {
		return v, false
	}
	v = r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v, true
}

// Put stores v in the ring.
// It reports whether the ring had room.
func (r *Ring[T]) Put(v T) bool {
	if r.count >= len(r.buf) {
		return false
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return true
}

// Len returns the number of values currently in the ring.
func (r *Ring[T]) Len() int {
	return r.count
}

// Cap returns the maximum number of values the ring can hold.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Drain removes every value from the ring,
// calling f on each in insertion order.
func (r *Ring[T]) Drain(f func(T)) {
	for {
		v, ok := r.Get()
		if !ok {
			return
		}
		f(v)
	}
}
