// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"errors"
	"iter"
	"runtime"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// Table is a handle to a Lua table.
type Table struct {
	ref
}

func (l *Lua) newTableRef(idx int) *Table {
	t := &Table{ref: ref{l: l, idx: idx}}
	t.cleanup = runtime.AddCleanup(t, queueUnref, refCleanup{l.pendingRefs, idx})
	return t
}

func (*Table) valueType() Type { return TypeTable }

// Get returns the value stored under key,
// honoring the table's __index metamethod.
// A missing key yields nil.
func (t *Table) Get(key Value) (Value, error) {
	l := t.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(3) {
		return nil, ErrStackOverflow
	}
	t.push()
	if err := l.pushValue(key); err != nil {
		s.Pop(1)
		return nil, err
	}
	if _, err := s.Table(-2, 0); err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(1)
		return nil, perr
	}
	v, verr := l.valueAt(-1)
	s.Pop(2)
	return v, verr
}

// Set stores value under key,
// honoring the table's __newindex metamethod.
// Setting a key to nil removes it.
func (t *Table) Set(key, value Value) error {
	l := t.l
	if err := l.enter(); err != nil {
		return err
	}
	s := l.state
	if !s.CheckStack(4) {
		return ErrStackOverflow
	}
	t.push()
	if err := l.pushValue(key); err != nil {
		s.Pop(1)
		return err
	}
	if err := l.pushValue(value); err != nil {
		s.Pop(2)
		return err
	}
	if err := s.SetTable(-3, 0); err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(1)
		return perr
	}
	s.Pop(1)
	return nil
}

// RawGet returns the value stored under key
// without consulting metamethods.
func (t *Table) RawGet(key Value) (Value, error) {
	l := t.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(3) {
		return nil, ErrStackOverflow
	}
	t.push()
	if err := l.pushValue(key); err != nil {
		s.Pop(1)
		return nil, err
	}
	s.RawGet(-2)
	v, verr := l.valueAt(-1)
	s.Pop(2)
	return v, verr
}

// RawSet stores value under key without consulting metamethods.
func (t *Table) RawSet(key, value Value) error {
	l := t.l
	if err := l.enter(); err != nil {
		return err
	}
	s := l.state
	if !s.CheckStack(4) {
		return ErrStackOverflow
	}
	t.push()
	if err := l.pushValue(key); err != nil {
		s.Pop(1)
		return err
	}
	if err := l.pushValue(value); err != nil {
		s.Pop(2)
		return err
	}
	if err := s.RawSetProtected(-3); err != nil {
		perr := l.apiError(err)
		s.Pop(1)
		return perr
	}
	s.Pop(1)
	return nil
}

// Append stores value at the end of the table's sequence part.
func (t *Table) Append(value Value) error {
	n, err := t.RawLength()
	if err != nil {
		return err
	}
	return t.RawSet(Integer(n+1), value)
}

// Length returns the table's border,
// honoring the table's __len metamethod.
func (t *Table) Length() (int64, error) {
	l := t.l
	if err := l.enter(); err != nil {
		return 0, err
	}
	s := l.state
	if !s.CheckStack(3) {
		return 0, ErrStackOverflow
	}
	t.push()
	if err := s.Len(-1, 0); err != nil {
		code, _ := lua.AsError(err)
		perr := l.popError(code)
		s.Pop(1)
		return 0, perr
	}
	n, ok := s.ToInteger(-1)
	s.Pop(2)
	if !ok {
		return 0, &RuntimeError{Message: "length is not an integer"}
	}
	return n, nil
}

// RawLength returns the table's border
// without consulting metamethods.
func (t *Table) RawLength() (int64, error) {
	l := t.l
	if err := l.enter(); err != nil {
		return 0, err
	}
	s := l.state
	if !s.CheckStack(1) {
		return 0, ErrStackOverflow
	}
	t.push()
	n := s.RawLen(-1)
	s.Pop(1)
	return int64(n), nil
}

// ContainsKey reports whether the table holds a non-nil value under key.
func (t *Table) ContainsKey(key Value) (bool, error) {
	v, err := t.Get(key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// TableGet fetches t[key] and converts the result to T.
// The key converts with [Lua.ToValue]
// and the result with [FromValue];
// the lookup honors the table's __index metamethod.
func TableGet[T any](t *Table, key any) (T, error) {
	var zero T
	k, err := t.l.ToValue(key)
	if err != nil {
		return zero, err
	}
	v, err := t.Get(k)
	if err != nil {
		return zero, err
	}
	return FromValue[T](t.l, v)
}

// TableSet stores value under key,
// converting both through [Lua.ToValue]
// and honoring the table's __newindex metamethod.
func TableSet(t *Table, key, value any) error {
	k, err := t.l.ToValue(key)
	if err != nil {
		return err
	}
	v, err := t.l.ToValue(value)
	if err != nil {
		return err
	}
	return t.Set(k, v)
}

var errStopIteration = errors.New("stop iteration")

// Pairs iterates over the table's key/value pairs
// in unspecified order and without consulting metamethods.
// Iteration ends silently if the virtual machine fails mid-walk;
// use [Table.ForEach] to observe such errors.
func (t *Table) Pairs() iter.Seq2[Value, Value] {
	return func(yield func(Value, Value) bool) {
		_ = t.ForEach(func(key, value Value) error {
			if !yield(key, value) {
				return errStopIteration
			}
			return nil
		})
	}
}

// ForEach calls f once for every key/value pair of the table,
// in unspecified order and without consulting metamethods.
// Iteration stops at the first error.
// f must not add keys to the table;
// clearing existing keys is permitted.
func (t *Table) ForEach(f func(key, value Value) error) error {
	l := t.l
	if err := l.enter(); err != nil {
		return err
	}
	s := l.state
	if !s.CheckStack(4) {
		return ErrStackOverflow
	}
	t.push()
	s.PushNil()
	for {
		ok, err := s.NextProtected(-2)
		if err != nil {
			s.Pop(1)
			return l.apiError(err)
		}
		if !ok {
			s.Pop(1)
			return nil
		}
		key, err := l.valueAt(-2)
		if err != nil {
			s.Pop(3)
			return err
		}
		value, err := l.valueAt(-1)
		if err != nil {
			s.Pop(3)
			return err
		}
		if err := f(key, value); err != nil {
			s.Pop(3)
			return err
		}
		s.Pop(1)
	}
}

// Metatable returns the table's metatable, or nil if it has none.
// The real metatable is returned
// even if it protects itself with a __metatable field.
func (t *Table) Metatable() (*Table, error) {
	l := t.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(2) {
		return nil, ErrStackOverflow
	}
	t.push()
	if !s.Metatable(-1) {
		s.Pop(1)
		return nil, nil
	}
	mt := l.newTableRef(l.popRef())
	s.Pop(1)
	return mt, nil
}

// SetMetatable replaces the table's metatable.
// A nil mt removes it.
func (t *Table) SetMetatable(mt *Table) error {
	l := t.l
	if err := l.enter(); err != nil {
		return err
	}
	s := l.state
	if !s.CheckStack(2) {
		return ErrStackOverflow
	}
	t.push()
	if mt == nil {
		s.PushNil()
	} else if err := l.pushHandle(&mt.ref); err != nil {
		s.Pop(1)
		return err
	}
	s.SetMetatable(-2)
	s.Pop(1)
	return nil
}
