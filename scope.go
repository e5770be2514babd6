// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"reflect"
)

// A Scope bounds the lifetime of callbacks and userdata
// created through it:
// when the scope ends, every one of them is invalidated,
// so script code that stashed a reference
// gets an error instead of dispatching onto reclaimed state.
type Scope struct {
	l       *Lua
	closed  bool
	funcs   []*scopeCallback
	objects []scopeObject
}

type scopeCallback struct {
	f Func
}

type scopeObject struct {
	u   *AnyUserData
	mt  *Table
	ptr uintptr
}

// Scope runs f with a scope that is closed when f returns,
// invalidating everything created through it.
// Functions created in the scope then fail with [ErrCallbackDestructed];
// userdata created in the scope fails with [ErrUserDataDestructed].
// The error returned by f wins over any error from closing the scope.
func (l *Lua) Scope(f func(*Scope) error) error {
	if err := l.enter(); err != nil {
		return err
	}
	sc := &Scope{l: l}
	err := f(sc)
	cerr := sc.close()
	if err != nil {
		return err
	}
	return cerr
}

// CreateFunction wraps a Go function as a callable Lua value
// that stops working when the scope ends.
func (sc *Scope) CreateFunction(f Func) (*Function, error) {
	if sc.closed {
		return nil, ErrCallbackDestructed
	}
	cb := &scopeCallback{f: f}
	fn, err := sc.l.CreateFunction(func(l *Lua, args Values) (Values, error) {
		if cb.f == nil {
			return nil, ErrCallbackDestructed
		}
		return cb.f(l, args)
	})
	if err != nil {
		return nil, err
	}
	sc.funcs = append(sc.funcs, cb)
	return fn, nil
}

// CreateFunctionMut is [Scope.CreateFunction]
// for closures that mutate state they capture,
// with the reentrancy guard of [Lua.CreateFunctionMut].
func (sc *Scope) CreateFunctionMut(f Func) (*Function, error) {
	if sc.closed {
		return nil, ErrCallbackDestructed
	}
	cb := &scopeCallback{f: f}
	var running bool
	fn, err := sc.l.CreateFunction(func(l *Lua, args Values) (Values, error) {
		if cb.f == nil {
			return nil, ErrCallbackDestructed
		}
		if running {
			return nil, ErrRecursiveMutCallback
		}
		running = true
		defer func() { running = false }()
		return cb.f(l, args)
	})
	if err != nil {
		return nil, err
	}
	sc.funcs = append(sc.funcs, cb)
	return fn, nil
}

// ScopeUserData boxes v into a userdata value owned by the scope.
// The value gets a private metatable rather than the type's shared one,
// and is destructed when the scope ends.
// T must already be registered with [RegisterType]
// unless it has no methods.
func ScopeUserData[T any](sc *Scope, v T) (*AnyUserData, error) {
	l := sc.l
	if sc.closed {
		return nil, ErrUserDataDestructed
	}
	if err := l.enter(); err != nil {
		return nil, err
	}
	info, err := l.typeInfoFor(reflect.TypeFor[T]())
	if err != nil {
		info, err = registerType[T](l, reflect.TypeFor[T]().String(), nil)
		if err != nil {
			return nil, err
		}
	}
	mt, ptr, err := l.registerMetatable(info.parts)
	if err != nil {
		return nil, err
	}
	l.mtCache[ptr] = info
	u, err := l.newUserdataValue(info, mt, &v)
	if err != nil {
		delete(l.mtCache, ptr)
		mt.Close()
		return nil, err
	}
	sc.objects = append(sc.objects, scopeObject{u: u, mt: mt, ptr: ptr})
	return u, nil
}

// close invalidates everything created in the scope.
// Objects are destructed even while borrowed:
// a guard that outlives its scope is a host-side bug,
// and the swapped metatable at least keeps script code off the value.
func (sc *Scope) close() error {
	if sc.closed {
		return nil
	}
	sc.closed = true
	l := sc.l

	for _, cb := range sc.funcs {
		cb.f = nil
	}
	sc.funcs = nil

	var firstErr error
	for _, o := range sc.objects {
		if !l.closed {
			cell, err := o.u.cell()
			switch {
			case err == nil:
				err = l.destructCell(o.u, cell)
			case errors.Is(err, ErrUserDataDestructed):
				// Already destructed by hand inside the scope.
				err = nil
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(l.mtCache, o.ptr)
		if l.lastMT == o.ptr {
			l.lastMT, l.lastInfo = 0, nil
		}
		o.mt.Close()
	}
	sc.objects = nil
	return firstErr
}
