// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"fmt"
	"runtime"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// refThread pins the Lua values referenced by Go handles.
//
// Pinned values are stored as stack slots of a dedicated coroutine
// rather than as entries in the registry table:
// slot access is an array index inside the interpreter,
// and slots are recycled through a free list without creating garbage.
type refThread struct {
	state *lua.State
	free  []int
	pin   int // registry reference keeping the coroutine alive
}

func (rt *refThread) init(main *lua.State) error {
	co, err := main.NewThread()
	if err != nil {
		return err
	}
	pin, err := main.Ref()
	if err != nil {
		return err
	}
	rt.state = co
	rt.pin = pin
	return nil
}

// release unpins the reference thread
// so the interpreter can collect it.
func (rt *refThread) release(main *lua.State) {
	main.Unref(rt.pin)
	*rt = refThread{}
}

// store assigns a slot to the value
// on top of the reference thread stack.
func (rt *refThread) store() int {
	if n := len(rt.free); n > 0 {
		idx := rt.free[n-1]
		rt.free = rt.free[:n-1]
		rt.state.Replace(idx)
		return idx
	}
	return rt.state.Top()
}

// drop releases a slot.
// The topmost slot is popped directly;
// interior slots are nilled and queued for reuse.
func (rt *refThread) drop(idx int) {
	if rt.state == nil {
		return
	}
	if idx == rt.state.Top() {
		rt.state.Pop(1)
		return
	}
	if !rt.state.CheckStack(1) {
		panic(ErrStackOverflow)
	}
	rt.state.PushNil()
	rt.state.Replace(idx)
	rt.free = append(rt.free, idx)
}

// popRef moves the value on top of the current stack
// into a reference thread slot and returns the slot index.
func (l *Lua) popRef() int {
	rt := &l.refs
	if len(rt.free) == 0 && !rt.state.CheckStack(1) {
		// Growing the reference thread is interpreter bookkeeping;
		// the memory limit does not apply to it.
		l.main.RelaxMemoryLimit(true)
		ok := rt.state.CheckStack(1)
		l.main.RelaxMemoryLimit(false)
		if !ok {
			panic(fmt.Sprintf("luma: reference thread exhausted (%d slots in use)", rt.state.Top()))
		}
	}
	l.state.XMove(rt.state, 1)
	return rt.store()
}

// pushRef pushes the value in the given slot onto the current stack.
func (l *Lua) pushRef(idx int) {
	rt := &l.refs
	if !rt.state.CheckStack(1) {
		panic(ErrStackOverflow)
	}
	if !l.state.CheckStack(1) {
		panic(ErrStackOverflow)
	}
	rt.state.PushValue(idx)
	rt.state.XMove(l.state, 1)
}

// cloneRef assigns a new slot to the same value held in idx.
func (l *Lua) cloneRef(idx int) int {
	rt := &l.refs
	if !rt.state.CheckStack(1) {
		panic(ErrStackOverflow)
	}
	rt.state.PushValue(idx)
	return rt.store()
}

// ref is a Go handle's pin on a Lua value:
// a slot index in the interpreter's reference thread.
type ref struct {
	l       *Lua
	idx     int
	cleanup runtime.Cleanup
	closed  bool
}

// push pushes the referenced value onto the current stack.
func (r *ref) push() {
	if r.closed {
		panic("luma: use of closed handle")
	}
	r.l.pushRef(r.idx)
}

// Close releases the handle's pin on the value immediately
// instead of waiting for the Go garbage collector to reclaim the handle.
// The value itself stays alive for as long as Lua can reach it.
// Close is idempotent. Any other use of the handle after Close panics.
func (r *ref) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.cleanup.Stop()
	if err := r.l.enter(); err != nil {
		// The interpreter is gone, and every reference slot with it.
		return nil
	}
	r.l.refs.drop(r.idx)
	return nil
}

// refCleanup queues a handle's slot for reuse
// after the handle becomes unreachable.
// The cleanup argument must not retain the Lua itself,
// or neither could ever be collected.
type refCleanup struct {
	pending *pendingList
	idx     int
}

func queueUnref(c refCleanup) {
	c.pending.add(c.idx)
}
