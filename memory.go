// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

// SetMemoryLimit caps the interpreter's heap at limit bytes,
// returning the previous limit.
// A limit of zero removes the cap.
// An allocation beyond the limit fails the allocating operation
// with a MemoryError;
// the interpreter itself is left in a consistent state
// and remains usable.
//
// Limits are not available on a Lua adopted with [InitFromPtr],
// whose allocator is controlled by the embedder;
// in that case SetMemoryLimit returns [ErrMemoryLimitNotAvailable].
func (l *Lua) SetMemoryLimit(limit uint64) (uint64, error) {
	if err := l.enter(); err != nil {
		return 0, err
	}
	old, ok := l.main.SetMemoryLimit(limit)
	if !ok {
		return 0, ErrMemoryLimitNotAvailable
	}
	return old, nil
}

// MemoryLimit returns the current allocation cap in bytes,
// or zero if none is set.
func (l *Lua) MemoryLimit() uint64 {
	if l.closed {
		return 0
	}
	n, _ := l.main.MemoryLimit()
	return n
}

// UsedMemory returns the number of bytes currently allocated
// by the interpreter,
// or zero for a Lua adopted with [InitFromPtr].
func (l *Lua) UsedMemory() uint64 {
	if l.closed {
		return 0
	}
	n, _ := l.main.UsedMemory()
	return n
}

// relaxAlloc runs f with the memory limit unenforced,
// for the small fixed allocations of the package's own bookkeeping.
func (l *Lua) relaxAlloc(f func()) {
	l.main.RelaxMemoryLimit(true)
	defer l.main.RelaxMemoryLimit(false)
	f()
}
