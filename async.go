// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"context"
	"fmt"
	"unsafe"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// An Awaitable is an in-flight operation whose result
// a script is suspended on.
// Poll runs on the VM's goroutine and must not block:
// it reports the final results once the operation has finished.
// Ready returns a channel that is closed, or receives,
// when another Poll is worth attempting.
type Awaitable interface {
	Poll(l *Lua) (results Values, done bool, err error)
	Ready() <-chan struct{}
}

// GoAwaitable runs an ordinary Go function on its own goroutine
// and makes its completion awaitable.
// The function must not use the VM;
// values it returns are converted on the VM goroutine afterwards.
type GoAwaitable struct {
	done    chan struct{}
	results Values
	err     error
}

// NewGoAwaitable starts f on a new goroutine.
// A panic in f surfaces as an error result.
func NewGoAwaitable(f func() (Values, error)) *GoAwaitable {
	aw := &GoAwaitable{done: make(chan struct{})}
	go func() {
		defer close(aw.done)
		aw.results, aw.err = runAwaitable(f)
	}()
	return aw
}

func runAwaitable(f func() (Values, error)) (results Values, err error) {
	defer func() {
		if v := recover(); v != nil {
			results = nil
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return f()
}

func (aw *GoAwaitable) Poll(*Lua) (Values, bool, error) {
	select {
	case <-aw.done:
		return aw.results, true, aw.err
	default:
		return nil, false, nil
	}
}

func (aw *GoAwaitable) Ready() <-chan struct{} {
	return aw.done
}

// asyncPending marks a coroutine yield as "operation still running".
// Its address doubles as the light userdata yielded to the host.
var asyncPending byte

func asyncPendingValue() LightUserData {
	return LightUserData(uintptr(unsafe.Pointer(&asyncPending)))
}

func isPendingYield(vals Values) bool {
	if len(vals) != 1 {
		return false
	}
	p, ok := vals[0].(LightUserData)
	return ok && p == asyncPendingValue()
}

// asyncDriverChunk wraps an async start closure in the polling loop
// every async function runs under.
// The chunk's environment holds private copies of coroutine.yield
// and table.unpack, so scripts cannot interfere by replacing globals.
//
// A poll reports one of three shapes:
// (nil, p) while pending, where p is yielded to the resuming host;
// (n, v1, v2) when done with n results, n at most 2;
// (-n, t) when done with n results collected in the table t.
const asyncDriverChunk = `local yield, unpack = yield, unpack
return function(start)
	return function(...)
		local poll = start(...)
		while true do
			local n, a, b = poll()
			if n == nil then
				yield(a)
			elseif n == 0 then
				return
			elseif n == 1 then
				return a
			elseif n == 2 then
				return a, b
			else
				return unpack(a, 1, -n)
			end
		end
	end
end
`

// initAsync compiles the polling driver on first use,
// pinning the resulting factory function in the reference thread.
func (l *Lua) initAsync() error {
	if l.asyncFactory != 0 {
		return nil
	}
	s := l.state
	if !s.CheckStack(4) {
		return ErrStackOverflow
	}

	if err := s.CreateTable(0, 2); err != nil {
		return l.apiError(err)
	}
	if err := l.stealLibraryFunc(lua.PushOpenCoroutine, lua.CoroutineLibraryName, "yield"); err != nil {
		s.Pop(1)
		return err
	}
	if err := l.setRawField(-2, "yield"); err != nil {
		s.Pop(1)
		return err
	}
	if err := l.stealLibraryFunc(lua.PushOpenTable, lua.TableLibraryName, "unpack"); err != nil {
		s.Pop(1)
		return err
	}
	if err := l.setRawField(-2, "unpack"); err != nil {
		s.Pop(1)
		return err
	}

	if err := s.LoadString(asyncDriverChunk, "=__luma_async_poll", "t"); err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(1)
		return perr
	}
	s.PushValue(-2)
	if _, ok := s.SetUpvalue(-2, 1); !ok {
		s.Pop(1)
	}
	if err := l.callProtected(0, 1); err != nil {
		s.Pop(1)
		return err
	}
	l.asyncFactory = l.popRef()
	s.Pop(1)
	return nil
}

// stealLibraryFunc opens a standard library module
// without registering it anywhere
// and pushes one of its functions onto the stack.
func (l *Lua) stealLibraryFunc(push func(*lua.State), libName, fnName string) error {
	s := l.state
	if !s.CheckStack(3) {
		return ErrStackOverflow
	}
	push(s)
	if err := s.PushLString(libName); err != nil {
		s.Pop(1)
		return l.apiError(err)
	}
	if err := l.callProtected(1, 1); err != nil {
		return err
	}
	if err := s.PushLString(fnName); err != nil {
		s.Pop(1)
		return l.apiError(err)
	}
	if s.RawGet(-2) != lua.TypeFunction {
		s.Pop(2)
		return &RuntimeError{Message: fmt.Sprintf("luma: %s.%s missing from library", libName, fnName)}
	}
	s.Remove(-2)
	return nil
}

// AsyncFunc builds the Awaitable for one call of an async function.
// It runs on the VM goroutine with the call's arguments;
// the returned Awaitable is then polled until done.
type AsyncFunc = func(l *Lua, args Values) (Awaitable, error)

// CreateAsyncFunction wraps f as a Lua function
// that suspends its calling coroutine while f's Awaitable is pending.
// Such functions must run inside a coroutine driven by
// [Thread.ResumeAsync] or [Function.CallAsync];
// calling one from an undriven script fails
// with a yield-outside-coroutine error.
func (l *Lua) CreateAsyncFunction(f AsyncFunc) (*Function, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if err := l.initAsync(); err != nil {
		return nil, err
	}
	start, err := l.CreateFunction(func(l *Lua, args Values) (Values, error) {
		aw, err := f(l, args)
		if err != nil {
			return nil, err
		}
		poll, err := l.CreateFunction(l.pollFunc(aw))
		if err != nil {
			return nil, err
		}
		return Values{poll}, nil
	})
	if err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(3) {
		return nil, ErrStackOverflow
	}
	l.pushRef(l.asyncFactory)
	start.push()
	if err := l.callProtected(1, 1); err != nil {
		return nil, err
	}
	return l.newFunctionRef(l.popRef()), nil
}

// pollFunc adapts one call's Awaitable into the driver protocol.
func (l *Lua) pollFunc(aw Awaitable) Func {
	return func(l *Lua, _ Values) (Values, error) {
		vals, done, err := aw.Poll(l)
		if err != nil {
			return nil, err
		}
		if !done {
			l.pendingAwait = aw
			return Values{nil, asyncPendingValue()}, nil
		}
		if len(vals) <= 2 {
			out := make(Values, 0, len(vals)+1)
			out = append(out, Integer(len(vals)))
			return append(out, vals...), nil
		}
		t, err := l.CreateTableWithCapacity(len(vals), 0)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			if err := t.RawSet(Integer(i+1), v); err != nil {
				return nil, err
			}
		}
		return Values{Integer(-len(vals)), t}, nil
	}
}

// ResumeAsync drives the coroutine like [Thread.Resume],
// but when it suspends on an [Awaitable]
// it waits for readiness and resumes again,
// so the call only returns on a genuine yield, completion, or error.
// Cancelling ctx abandons the coroutine mid-operation;
// the VM itself remains usable.
func (t *Thread) ResumeAsync(ctx context.Context, args ...Value) (Values, error) {
	l := t.l
	for {
		vals, err := t.Resume(args...)
		if err != nil {
			return nil, err
		}
		if !isPendingYield(vals) {
			return vals, nil
		}
		aw := l.pendingAwait
		l.pendingAwait = nil
		if aw == nil {
			return nil, &RuntimeError{Message: "async poll suspended without an awaitable"}
		}
		select {
		case <-aw.Ready():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		args = nil
	}
}

// CallAsync calls the function on a coroutine drawn from the VM's pool
// and drives it with [Thread.ResumeAsync] until it finishes.
// It is how host code calls functions that use async callbacks.
func (f *Function) CallAsync(ctx context.Context, args ...Value) (Values, error) {
	l := f.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	t, err := l.acquireThread(f)
	if err != nil {
		return nil, err
	}
	results, err := t.ResumeAsync(ctx, args...)
	l.releaseThread(t, err == nil && t.state.Status() == lua.Ok && t.state.Top() == 0)
	return results, err
}

// pooledThread is a finished coroutine state
// kept pinned for reuse by later CallAsync calls.
type pooledThread struct {
	state *lua.State
	idx   int
}

// acquireThread hands out a coroutine running f,
// reusing a pooled state when one is available.
func (l *Lua) acquireThread(f *Function) (*Thread, error) {
	if f.l != l {
		panic(ErrMismatchedLua)
	}
	pt, ok := l.threadPool.Get()
	if !ok {
		return l.CreateThread(f)
	}
	if !l.state.CheckStack(1) || !pt.state.CheckStack(1) {
		l.refs.drop(pt.idx)
		return nil, ErrStackOverflow
	}
	f.push()
	l.state.XMove(pt.state, 1)
	return &Thread{ref: ref{l: l, idx: pt.idx}, state: pt.state}, nil
}

// releaseThread retires a coroutine handed out by acquireThread.
// Cleanly finished coroutines are reset and pooled;
// everything else drops its pin.
func (l *Lua) releaseThread(t *Thread, reuse bool) {
	t.cleanup.Stop()
	t.closed = true
	if l.closed {
		return
	}
	if reuse && t.state.ResetThread() == lua.Ok {
		if l.threadPool.Put(pooledThread{state: t.state, idx: t.idx}) {
			return
		}
	}
	l.refs.drop(t.idx)
}
