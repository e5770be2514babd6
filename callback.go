// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"fmt"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// Func is a Go function callable from Lua.
// args holds the call arguments converted to Go-side values;
// the returned Values become the call's results.
// A returned error is raised as a Lua error in the calling script,
// wrapped in a CallbackError carrying the script-side traceback.
//
// The args slice is recycled after the function returns.
// A function that retains arguments beyond its own return must copy them.
type Func = func(l *Lua, args Values) (Values, error)

// CreateFunction wraps a Go function as a callable Lua value.
func (l *Lua) CreateFunction(f Func) (*Function, error) {
	return l.createCallback(l.wrapCallback(f, false))
}

// CreateFunctionMut is CreateFunction for closures
// that mutate state they capture.
// A reentrant call, such as the closure invoking a Lua function
// that calls back into the same closure,
// fails with [ErrRecursiveMutCallback]
// instead of aliasing the captured state.
func (l *Lua) CreateFunctionMut(f Func) (*Function, error) {
	return l.createCallback(l.wrapCallback(f, true))
}

func (l *Lua) createCallback(cb lua.Function) (*Function, error) {
	if err := l.enter(); err != nil {
		return nil, err
	}
	if err := l.state.PushClosure(0, cb); err != nil {
		return nil, l.apiError(err)
	}
	return l.newFunctionRef(l.popRef()), nil
}

func (l *Lua) wrapCallback(f Func, mut bool) lua.Function {
	if !mut {
		return func(s *lua.State) (int, error) {
			return l.callbackEntry(s, f)
		}
	}
	var running bool
	return func(s *lua.State) (int, error) {
		if running {
			return l.callbackEntry(s, func(*Lua, Values) (Values, error) {
				return nil, ErrRecursiveMutCallback
			})
		}
		running = true
		defer func() { running = false }()
		return l.callbackEntry(s, f)
	}
}

// callbackEntry is the common prologue and epilogue
// of every host function invoked from a script.
// It redirects the VM handle at the invoking coroutine's stack,
// reserves an error capsule before user code runs,
// and converts arguments and results.
func (l *Lua) callbackEntry(s *lua.State, f Func) (int, error) {
	prev := l.state
	l.state = s
	defer func() {
		l.state = prev
	}()

	if err := l.enter(); err != nil {
		return 0, err
	}
	reserved, err := l.reserveFailure()
	if err != nil {
		return 0, err
	}

	nArgs := s.Top()
	args := l.borrowValues()
	defer func() { l.returnValues(args) }()
	for i := 1; i <= nArgs; i++ {
		v, err := l.valueAt(i)
		if err != nil {
			return 0, l.raiseFailure(reserved, err)
		}
		args = append(args, v)
	}

	results, err := runCallback(f, l, args, l.panicsAsErrors)
	if err != nil {
		return 0, l.raiseFailure(reserved, err)
	}

	n, err := l.pushValues(results)
	if err != nil {
		return 0, l.raiseFailure(reserved, err)
	}
	l.unreserveFailure(reserved)
	return n, nil
}

// borrowValues returns an empty argument container,
// reusing one recycled by an earlier callback when available.
func (l *Lua) borrowValues() Values {
	if vs, ok := l.valuesPool.Get(); ok {
		return vs
	}
	return nil
}

// returnValues recycles an argument container.
// References held by its elements are dropped
// so they do not outlive the call that produced them.
func (l *Lua) returnValues(vs Values) {
	if cap(vs) == 0 {
		return
	}
	clear(vs)
	l.valuesPool.Put(vs[:0])
}

// runCallback invokes f, converting a panic into an error:
// a plain error if the VM reports panics as errors,
// or a capsule that resumes the panic
// once control returns to the host.
func runCallback(f Func, l *Lua, args Values, panicsAsErrors bool) (results Values, err error) {
	defer func() {
		if v := recover(); v != nil {
			results = nil
			if panicsAsErrors {
				err = fmt.Errorf("panic: %v", v)
			} else {
				err = &panicError{payload: v}
			}
		}
	}()
	return f(l, args)
}
