// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"fmt"
	"runtime"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// Thread is a handle to a Lua coroutine.
type Thread struct {
	ref
	state *lua.State
}

func (l *Lua) newThreadRef(idx int, co *lua.State) *Thread {
	t := &Thread{ref: ref{l: l, idx: idx}, state: co}
	t.cleanup = runtime.AddCleanup(t, queueUnref, refCleanup{l.pendingRefs, idx})
	return t
}

func (*Thread) valueType() Type { return TypeThread }

// ThreadStatus describes what a coroutine is currently able to do.
type ThreadStatus int

const (
	// ThreadResumable marks a coroutine that can be resumed:
	// it is either suspended at a yield or has not started yet.
	ThreadResumable ThreadStatus = iota
	// ThreadRunning marks the coroutine currently executing.
	ThreadRunning
	// ThreadFinished marks a coroutine whose body returned.
	ThreadFinished
	// ThreadError marks a coroutine that terminated with an error.
	ThreadError
)

func (st ThreadStatus) String() string {
	switch st {
	case ThreadResumable:
		return "resumable"
	case ThreadRunning:
		return "running"
	case ThreadFinished:
		return "finished"
	case ThreadError:
		return "error"
	default:
		return fmt.Sprintf("ThreadStatus(%d)", int(st))
	}
}

// CreateThread creates a coroutine running f.
// The coroutine does not start until its first [Thread.Resume].
// CreateThread panics if f belongs to a different VM.
func (l *Lua) CreateThread(f *Function) (*Thread, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if f.l != l {
		panic(ErrMismatchedLua)
	}
	co, err := l.state.NewThread()
	if err != nil {
		return nil, l.apiError(err)
	}
	f.push()
	l.state.XMove(co, 1)
	return l.newThreadRef(l.popRef(), co), nil
}

// Status returns the coroutine's current status.
func (t *Thread) Status() ThreadStatus {
	if t.closed {
		panic("luma: use of closed handle")
	}
	if t.l.closed {
		return ThreadFinished
	}
	co := t.state
	if co.Is(t.l.state) {
		return ThreadRunning
	}
	switch co.Status() {
	case lua.Yield:
		return ThreadResumable
	case lua.Ok:
		if co.Top() > 0 {
			return ThreadResumable
		}
		return ThreadFinished
	default:
		return ThreadError
	}
}

// Reset clears the coroutine's call stack,
// closing any pending to-be-closed variables,
// and installs f as the body to run on the next [Thread.Resume],
// as if the coroutine had been freshly created by [Lua.CreateThread].
// Errors raised while closing to-be-closed variables are returned.
// Reset fails with [ErrCoroutineRunning] on the currently running coroutine
// and panics if f belongs to a different VM.
func (t *Thread) Reset(f *Function) error {
	l := t.l
	if err := l.enter(); err != nil {
		return err
	}
	if f.l != l {
		panic(ErrMismatchedLua)
	}
	if t.Status() == ThreadRunning {
		return ErrCoroutineRunning
	}
	co := t.state
	if code := co.ResetThread(); code != lua.Ok {
		prev := l.state
		l.state = co
		defer func() {
			l.state = prev
		}()
		return l.popError(code)
	}
	f.push()
	l.state.XMove(co, 1)
	return nil
}

// Resume starts or continues the coroutine with the given arguments
// and returns the values it yields or, on its final return, its results.
// Resuming a finished or errored coroutine
// fails with [ErrCoroutineUnresumable].
func (t *Thread) Resume(args ...Value) (Values, error) {
	l := t.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	if t.Status() != ThreadResumable {
		return nil, ErrCoroutineUnresumable
	}
	co := t.state
	if !co.CheckStack(len(args)+1) || !l.state.CheckStack(len(args)+1) {
		return nil, ErrStackOverflow
	}

	base := l.state.Top()
	for _, a := range args {
		if err := l.pushValue(a); err != nil {
			l.state.SetTop(base)
			return nil, err
		}
	}
	l.state.XMove(co, len(args))

	nResults, code := co.Resume(l.state, len(args))

	prev := l.state
	l.state = co
	defer func() {
		l.state = prev
	}()
	switch code {
	case lua.Ok, lua.Yield:
		results := make(Values, 0, nResults)
		for i := co.Top() - nResults + 1; i <= co.Top(); i++ {
			v, err := l.valueAt(i)
			if err != nil {
				co.Pop(nResults)
				return nil, err
			}
			results = append(results, v)
		}
		co.Pop(nResults)
		return results, nil
	default:
		return nil, l.popError(code)
	}
}
