// Copyright 2025 The Luma Authors
// SPDX-License-Identifier: MIT

package luma

import (
	"bytes"
	"runtime"

	lua "luma.256lights.llc/pkg/internal/lua54"
)

// Function is a handle to a Lua function,
// either one defined in a script
// or a host callback created with [Lua.CreateFunction].
type Function struct {
	ref
}

func (l *Lua) newFunctionRef(idx int) *Function {
	f := &Function{ref: ref{l: l, idx: idx}}
	f.cleanup = runtime.AddCleanup(f, queueUnref, refCleanup{l.pendingRefs, idx})
	return f
}

func (*Function) valueType() Type { return TypeFunction }

// Call invokes the function with the given arguments
// and returns all of its results.
// Script errors are returned as values of this package's error taxonomy;
// a host panic crossing the call resumes on the caller's side.
func (f *Function) Call(args ...Value) (Values, error) {
	l := f.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(len(args) + 3) {
		return nil, ErrStackOverflow
	}
	base := s.Top()
	f.push()
	for _, a := range args {
		if err := l.pushValue(a); err != nil {
			s.SetTop(base)
			return nil, err
		}
	}
	if err := l.callProtected(len(args), lua.MultipleReturns); err != nil {
		return nil, err
	}
	nResults := s.Top() - base
	results := make(Values, 0, nResults)
	for i := base + 1; i <= base+nResults; i++ {
		v, err := l.valueAt(i)
		if err != nil {
			s.SetTop(base)
			return nil, err
		}
		results = append(results, v)
	}
	s.SetTop(base)
	return results, nil
}

// Bind returns a function that calls f
// with the given arguments prepended to its own.
func (f *Function) Bind(bound ...Value) (*Function, error) {
	l := f.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	held := make(Values, len(bound))
	copy(held, bound)
	return l.CreateFunction(func(_ *Lua, args Values) (Values, error) {
		all := make(Values, 0, len(held)+len(args))
		all = append(all, held...)
		all = append(all, args...)
		return f.Call(all...)
	})
}

// Dump returns the function compiled to binary chunk format,
// suitable for loading with [Chunk.SetMode] mode "b".
// If strip is true, debug information is omitted.
// Only functions defined in Lua can be dumped.
func (f *Function) Dump(strip bool) ([]byte, error) {
	l := f.l
	if err := l.enter(); err != nil {
		return nil, err
	}
	s := l.state
	if !s.CheckStack(1) {
		return nil, ErrStackOverflow
	}
	f.push()
	var buf bytes.Buffer
	_, err := s.Dump(&buf, strip)
	s.Pop(1)
	if err != nil {
		return nil, &RuntimeError{Message: err.Error()}
	}
	return buf.Bytes(), nil
}

// FunctionInfo describes where a function was defined.
type FunctionInfo struct {
	Name            string
	What            string
	Source          string
	ShortSource     string
	LineDefined     int
	LastLineDefined int
}

// Info returns debug information about the function.
func (f *Function) Info() (FunctionInfo, error) {
	l := f.l
	if err := l.enter(); err != nil {
		return FunctionInfo{}, err
	}
	s := l.state
	if !s.CheckStack(1) {
		return FunctionInfo{}, ErrStackOverflow
	}
	f.push()
	db := s.Info(">nS")
	return FunctionInfo{
		Name:            db.Name,
		What:            db.What,
		Source:          db.Source,
		ShortSource:     db.ShortSource,
		LineDefined:     db.LineDefined,
		LastLineDefined: db.LastLineDefined,
	}, nil
}
